package registry

import (
	"fmt"
	"io"

	"github.com/anchorage-sh/anchorage/internal/database"
	"gopkg.in/yaml.v3"
)

// connectionYAML is the import/export representation of a connection.
// Credential and proxy references travel by name-agnostic ids; secrets never
// leave the vault through this path.
type connectionYAML struct {
	Namespace string `yaml:"namespace,omitempty"`
	Name      string `yaml:"name"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port,omitempty"`
	Username string `yaml:"username"`

	AuthMethod   string  `yaml:"auth_method,omitempty"`
	CredentialID *string `yaml:"credential_id,omitempty"`
	ProxyJumpID  *string `yaml:"proxy_jump_id,omitempty"`

	IsLocal bool              `yaml:"is_local,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	ConnectTimeoutS   int `yaml:"connect_timeout_s,omitempty"`
	KeepaliveInterval int `yaml:"keepalive_interval,omitempty"`
	IdleTimeoutS      int `yaml:"idle_timeout_s,omitempty"`
	MaxSessions       int `yaml:"max_sessions,omitempty"`

	HostKeyPolicy string   `yaml:"host_key_policy,omitempty"`
	Tags          []string `yaml:"tags,omitempty"`
	Notes         string   `yaml:"notes,omitempty"`
}

// Export writes all live connections in a namespace as a YAML document.
func (r *Registry) Export(w io.Writer, namespace string) error {
	conns, err := r.List(namespace)
	if err != nil {
		return err
	}

	out := make([]connectionYAML, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionYAML{
			Namespace:         c.Namespace,
			Name:              c.Name,
			Host:              c.Host,
			Port:              c.Port,
			Username:          c.Username,
			AuthMethod:        c.AuthMethod,
			CredentialID:      c.CredentialID,
			ProxyJumpID:       c.ProxyJumpID,
			IsLocal:           c.IsLocal,
			Env:               c.Env,
			ConnectTimeoutS:   c.ConnectTimeoutS,
			KeepaliveInterval: c.KeepaliveInterval,
			IdleTimeoutS:      c.IdleTimeoutS,
			MaxSessions:       c.MaxSessions,
			HostKeyPolicy:     c.HostKeyPolicy,
			Tags:              c.Tags,
			Notes:             c.Notes,
		})
	}

	enc := yaml.NewEncoder(w)
	defer enc.Close()
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode connections: %w", err)
	}
	return nil
}

// Import reads a YAML document of connections and creates the ones whose
// names are not already present. Returns the number created.
func (r *Registry) Import(rd io.Reader) (int, error) {
	var in []connectionYAML
	if err := yaml.NewDecoder(rd).Decode(&in); err != nil {
		return 0, fmt.Errorf("decode connections: %w", err)
	}

	created := 0
	for _, c := range in {
		var count int64
		if err := r.db.Model(&database.Connection{}).
			Where("name = ? AND deleted_at IS NULL", c.Name).
			Count(&count).Error; err != nil {
			return created, fmt.Errorf("check connection %q: %w", c.Name, err)
		}
		if count > 0 {
			continue
		}

		_, err := r.Create(Params{
			Namespace:         c.Namespace,
			Name:              c.Name,
			Host:              c.Host,
			Port:              c.Port,
			Username:          c.Username,
			AuthMethod:        c.AuthMethod,
			CredentialID:      c.CredentialID,
			ProxyJumpID:       c.ProxyJumpID,
			IsLocal:           c.IsLocal,
			Env:               c.Env,
			ConnectTimeoutS:   c.ConnectTimeoutS,
			KeepaliveInterval: c.KeepaliveInterval,
			IdleTimeoutS:      c.IdleTimeoutS,
			MaxSessions:       c.MaxSessions,
			HostKeyPolicy:     c.HostKeyPolicy,
			Tags:              c.Tags,
			Notes:             c.Notes,
		})
		if err != nil {
			return created, fmt.Errorf("import connection %q: %w", c.Name, err)
		}
		created++
	}
	return created, nil
}
