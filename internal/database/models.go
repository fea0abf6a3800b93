package database

import "time"

// Credential kinds. A credential stores either encrypted secret material
// (ssh_key, password) or a command that produces the secret on demand.
const (
	CredentialSSHKey   = "ssh_key"
	CredentialPassword = "password"
	CredentialCommand  = "command"
)

type Credential struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	Namespace string `gorm:"not null;default:default;index" json:"namespace"`
	Name      string `gorm:"not null;index" json:"name"`
	Kind      string `gorm:"not null" json:"kind"`

	// Fingerprint and PublicKey are derived at create time for ssh_key
	// credentials and are the only key material exposed over the API.
	Fingerprint string `json:"fingerprint,omitempty"`
	PublicKey   string `json:"public_key,omitempty"`

	// Command-kind credentials resolve by running Command instead of
	// decrypting EncryptedSecret.
	Command         string `json:"command,omitempty"`
	CommandTimeoutS int    `gorm:"not null;default:10" json:"command_timeout_s"`
	CacheTTLS       int    `gorm:"not null;default:0" json:"cache_ttl_s"`

	// EncryptedSecret is the envelope-cipher blob, bound to this row's ID.
	EncryptedSecret []byte `json:"-"`

	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Known-host trust states. Revocation is modeled by deleting the record.
const (
	HostPending  = "pending"
	HostTrusted  = "trusted"
	HostRejected = "rejected"
)

// Who made the trust decision.
const (
	TrustedByUser = "user"
	TrustedByAuto = "auto"
)

type KnownHost struct {
	ID           string  `gorm:"primaryKey;size:36" json:"id"`
	Namespace    string  `gorm:"not null;default:default;index" json:"namespace"`
	ConnectionID *string `gorm:"size:36;index" json:"connection_id,omitempty"`

	Host    string `gorm:"not null;index:idx_host_port_type" json:"host"`
	Port    int    `gorm:"not null;index:idx_host_port_type" json:"port"`
	KeyType string `gorm:"not null;index:idx_host_port_type" json:"key_type"`

	KeyFingerprint string `gorm:"not null" json:"key_fingerprint"`
	PublicKey      string `gorm:"not null" json:"public_key"`

	Status    string     `gorm:"not null;default:pending" json:"status"`
	TrustedBy string     `json:"trusted_by,omitempty"`
	TrustedAt *time.Time `json:"trusted_at,omitempty"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// Connection auth methods.
const (
	AuthKey      = "key"
	AuthPassword = "password"
	AuthAgent    = "agent"
)

// Host key policies.
const (
	PolicyStrict    = "strict"
	PolicyAcceptNew = "accept_new"
	PolicyInsecure  = "insecure"
)

type Connection struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	Namespace string `gorm:"not null;default:default;index" json:"namespace"`
	Name      string `gorm:"not null;uniqueIndex" json:"name"`

	Host     string `gorm:"not null" json:"host"`
	Port     int    `gorm:"not null;default:22" json:"port"`
	Username string `gorm:"not null" json:"username"`

	AuthMethod   string  `gorm:"not null;default:key" json:"auth_method"`
	CredentialID *string `gorm:"size:36;index" json:"credential_id,omitempty"`

	// ProxyJumpID chains connections; validated cycle-free and depth-bounded
	// at write time.
	ProxyJumpID *string `gorm:"size:36" json:"proxy_jump_id,omitempty"`

	IsLocal bool              `gorm:"not null;default:false" json:"is_local"`
	Env     map[string]string `gorm:"serializer:json" json:"env,omitempty"`

	ConnectTimeoutS   int `gorm:"not null;default:10" json:"connect_timeout_s"`
	KeepaliveInterval int `gorm:"not null;default:30" json:"keepalive_interval"`
	IdleTimeoutS      int `gorm:"not null;default:0" json:"idle_timeout_s"`
	MaxSessions       int `gorm:"not null;default:0" json:"max_sessions"`

	HostKeyPolicy string   `gorm:"not null;default:strict" json:"host_key_policy"`
	Tags          []string `gorm:"serializer:json" json:"tags,omitempty"`
	Notes         string   `json:"notes,omitempty"`

	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`

	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Session statuses. Terminated and error are terminal; once set, the
// orchestrator never mutates the row again.
const (
	SessionActive     = "active"
	SessionTerminated = "terminated"
	SessionError      = "error"
)

type Session struct {
	ID           string `gorm:"primaryKey;size:36" json:"id"`
	Namespace    string `gorm:"not null;default:default;index" json:"namespace"`
	ConnectionID string `gorm:"size:36;not null;index" json:"connection_id"`

	TmuxSessionName string `gorm:"not null" json:"tmux_session_name"`
	WorkerID        string `json:"worker_id"`

	Status string `gorm:"not null;default:active;index" json:"status"`

	Cols int `gorm:"not null;default:80" json:"cols"`
	Rows int `gorm:"not null;default:24" json:"rows"`

	CaptureIntervalS int  `gorm:"not null;default:30" json:"capture_interval_s"`
	CaptureOnCommand bool `gorm:"not null;default:false" json:"capture_on_command"`
	EmbedCommands    bool `gorm:"not null;default:false" json:"embed_commands"`
	EmbedScrollback  bool `gorm:"not null;default:false" json:"embed_scrollback"`

	StartedAt      time.Time  `gorm:"autoCreateTime" json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	TerminatedAt   *time.Time `json:"terminated_at,omitempty"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`

	Tags  []string `gorm:"serializer:json" json:"tags,omitempty"`
	Notes string   `json:"notes,omitempty"`
}

type AuditLog struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ConnectionID string    `gorm:"size:36;index" json:"connection_id,omitempty"`
	SessionID    string    `gorm:"size:36;index" json:"session_id,omitempty"`
	EventType    string    `gorm:"not null;index" json:"event_type"`
	Details      string    `json:"details,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
