// Package registry manages named remote-target definitions: where to
// connect, how to authenticate, which credential to use, and how sessions
// against the target are bounded. Proxy-jump chains between connections are
// validated cycle-free and depth-bounded at write time.
package registry

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/anchorage-sh/anchorage/internal/database"
	"github.com/anchorage-sh/anchorage/internal/logutil"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// maxProxyDepth bounds how many jump hops a connection may chain through.
const maxProxyDepth = 8

var (
	ErrNotFound = errors.New("connection not found")

	// ErrProxyCycle is returned when a proxy_jump chain would loop back on
	// itself.
	ErrProxyCycle = errors.New("proxy jump chain contains a cycle")

	// ErrProxyDepth is returned when a proxy_jump chain exceeds maxProxyDepth.
	ErrProxyDepth = errors.New("proxy jump chain exceeds maximum depth")

	// ErrInUse is returned when deleting a connection that other connections
	// still jump through.
	ErrInUse = errors.New("connection is used as a proxy jump")
)

// Params describes a connection to create or update.
type Params struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`

	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`

	AuthMethod   string  `json:"auth_method"`
	CredentialID *string `json:"credential_id,omitempty"`
	ProxyJumpID  *string `json:"proxy_jump_id,omitempty"`

	IsLocal bool              `json:"is_local"`
	Env     map[string]string `json:"env,omitempty"`

	ConnectTimeoutS   int `json:"connect_timeout_s"`
	KeepaliveInterval int `json:"keepalive_interval"`
	IdleTimeoutS      int `json:"idle_timeout_s"`
	MaxSessions       int `json:"max_sessions"`

	HostKeyPolicy string   `json:"host_key_policy"`
	Tags          []string `json:"tags,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

type Registry struct {
	db    *gorm.DB
	nowFn func() time.Time
}

func New(db *gorm.DB) *Registry {
	return &Registry{db: db, nowFn: time.Now}
}

func (r *Registry) validate(p *Params) error {
	if p.Name == "" {
		return errors.New("connection name is required")
	}
	if !p.IsLocal {
		if p.Host == "" {
			return errors.New("connection host is required")
		}
		if p.Username == "" {
			return errors.New("connection username is required")
		}
	}
	if p.Port == 0 {
		p.Port = 22
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d", p.Port)
	}

	switch p.AuthMethod {
	case "":
		p.AuthMethod = database.AuthKey
	case database.AuthKey, database.AuthPassword, database.AuthAgent:
	default:
		return fmt.Errorf("unknown auth method %q", p.AuthMethod)
	}
	if p.AuthMethod == database.AuthAgent && p.CredentialID != nil {
		return errors.New("agent auth does not take a credential")
	}
	if !p.IsLocal && p.AuthMethod != database.AuthAgent && p.CredentialID == nil {
		return fmt.Errorf("auth method %q requires a credential", p.AuthMethod)
	}
	if p.CredentialID != nil {
		var count int64
		if err := r.db.Model(&database.Credential{}).
			Where("id = ? AND deleted_at IS NULL", *p.CredentialID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("check credential: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("credential %s not found", *p.CredentialID)
		}
	}

	switch p.HostKeyPolicy {
	case "":
		p.HostKeyPolicy = database.PolicyStrict
	case database.PolicyStrict, database.PolicyAcceptNew, database.PolicyInsecure:
	default:
		return fmt.Errorf("unknown host key policy %q", p.HostKeyPolicy)
	}

	if p.Namespace == "" {
		p.Namespace = "default"
	}
	if p.ConnectTimeoutS <= 0 {
		p.ConnectTimeoutS = 10
	}
	if p.KeepaliveInterval <= 0 {
		p.KeepaliveInterval = 30
	}
	return nil
}

// validateChain walks the proxy-jump chain starting at startID. selfID is
// the id of the connection being written; reaching it means a cycle.
func (r *Registry) validateChain(startID *string, selfID string) error {
	visited := map[string]bool{selfID: true}
	cur := startID
	for depth := 0; cur != nil && *cur != ""; depth++ {
		if depth >= maxProxyDepth {
			return fmt.Errorf("%w (%d hops max)", ErrProxyDepth, maxProxyDepth)
		}
		if visited[*cur] {
			return ErrProxyCycle
		}
		visited[*cur] = true

		hop, err := r.Get(*cur)
		if err != nil {
			return fmt.Errorf("proxy jump %s: %w", *cur, err)
		}
		cur = hop.ProxyJumpID
	}
	return nil
}

// Create validates and stores a new connection.
func (r *Registry) Create(p Params) (*database.Connection, error) {
	if err := r.validate(&p); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	if err := r.validateChain(p.ProxyJumpID, id); err != nil {
		return nil, err
	}

	conn := database.Connection{
		ID:                id,
		Namespace:         p.Namespace,
		Name:              p.Name,
		Host:              p.Host,
		Port:              p.Port,
		Username:          p.Username,
		AuthMethod:        p.AuthMethod,
		CredentialID:      p.CredentialID,
		ProxyJumpID:       p.ProxyJumpID,
		IsLocal:           p.IsLocal,
		Env:               p.Env,
		ConnectTimeoutS:   p.ConnectTimeoutS,
		KeepaliveInterval: p.KeepaliveInterval,
		IdleTimeoutS:      p.IdleTimeoutS,
		MaxSessions:       p.MaxSessions,
		HostKeyPolicy:     p.HostKeyPolicy,
		Tags:              p.Tags,
		Notes:             p.Notes,
	}
	if err := r.db.Create(&conn).Error; err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}

	log.Printf("[registry] created connection %s (%s)", conn.ID, logutil.SanitizeForLog(conn.Name))
	return &conn, nil
}

// Update revalidates and rewrites an existing connection. Proxy-jump
// validation runs against the stored graph, so a cycle can never be
// introduced by re-pointing a chain at itself.
func (r *Registry) Update(id string, p Params) (*database.Connection, error) {
	conn, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if err := r.validate(&p); err != nil {
		return nil, err
	}
	if err := r.validateChain(p.ProxyJumpID, id); err != nil {
		return nil, err
	}

	conn.Namespace = p.Namespace
	conn.Name = p.Name
	conn.Host = p.Host
	conn.Port = p.Port
	conn.Username = p.Username
	conn.AuthMethod = p.AuthMethod
	conn.CredentialID = p.CredentialID
	conn.ProxyJumpID = p.ProxyJumpID
	conn.IsLocal = p.IsLocal
	conn.Env = p.Env
	conn.ConnectTimeoutS = p.ConnectTimeoutS
	conn.KeepaliveInterval = p.KeepaliveInterval
	conn.IdleTimeoutS = p.IdleTimeoutS
	conn.MaxSessions = p.MaxSessions
	conn.HostKeyPolicy = p.HostKeyPolicy
	conn.Tags = p.Tags
	conn.Notes = p.Notes

	if err := r.db.Save(conn).Error; err != nil {
		return nil, fmt.Errorf("update connection: %w", err)
	}
	return conn, nil
}

// Get returns a live connection by id.
func (r *Registry) Get(id string) (*database.Connection, error) {
	var conn database.Connection
	err := r.db.Where("id = ? AND deleted_at IS NULL", id).First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}
	return &conn, nil
}

// List returns all live connections in a namespace; empty lists all.
func (r *Registry) List(namespace string) ([]database.Connection, error) {
	q := r.db.Where("deleted_at IS NULL")
	if namespace != "" {
		q = q.Where("namespace = ?", namespace)
	}
	var conns []database.Connection
	if err := q.Order("name").Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return conns, nil
}

// Delete soft-deletes a connection. A connection still used as a proxy jump
// by another live connection stays.
func (r *Registry) Delete(id string) error {
	conn, err := r.Get(id)
	if err != nil {
		return err
	}

	var refs int64
	if err := r.db.Model(&database.Connection{}).
		Where("proxy_jump_id = ? AND deleted_at IS NULL", id).
		Count(&refs).Error; err != nil {
		return fmt.Errorf("count proxy references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("%w (%d references)", ErrInUse, refs)
	}

	now := r.nowFn()
	if err := r.db.Model(conn).Update("deleted_at", &now).Error; err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}

	log.Printf("[registry] deleted connection %s (%s)", conn.ID, logutil.SanitizeForLog(conn.Name))
	return nil
}

// ResolveChain returns the proxy hops for a connection in dial order: the
// first element is the outermost jump, the last is the hop closest to the
// target. The target itself is not included.
func (r *Registry) ResolveChain(conn *database.Connection) ([]database.Connection, error) {
	var chain []database.Connection
	cur := conn.ProxyJumpID
	for depth := 0; cur != nil && *cur != ""; depth++ {
		if depth >= maxProxyDepth {
			return nil, ErrProxyDepth
		}
		hop, err := r.Get(*cur)
		if err != nil {
			return nil, fmt.Errorf("proxy jump %s: %w", *cur, err)
		}
		chain = append(chain, *hop)
		cur = hop.ProxyJumpID
	}

	// Walked target-outward; reverse into dial order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// MarkConnected stamps the connection's last successful connect time and
// clears any previous error.
func (r *Registry) MarkConnected(id string) {
	now := r.nowFn()
	r.db.Model(&database.Connection{}).Where("id = ?", id).Updates(map[string]interface{}{
		"last_connected_at": &now,
		"last_error":        "",
	})
}

// MarkError records the most recent connection failure for operator
// visibility.
func (r *Registry) MarkError(id, msg string) {
	r.db.Model(&database.Connection{}).Where("id = ?", id).
		Update("last_error", logutil.SanitizeForLog(msg))
}
