// Package trust records which remote host keys are trusted, following a
// trust-on-first-use protocol. Each (host, port, key type) triple carries at
// most one trust decision per key; a host that starts presenting a different
// key is never silently re-trusted, which is the core defense against
// key-rotation spoofing.
package trust

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/anchorage-sh/anchorage/internal/database"
	"github.com/anchorage-sh/anchorage/internal/logutil"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"gorm.io/gorm"
)

var (
	// ErrHostUnknown is returned under the strict policy when a host key has
	// been recorded but not yet approved.
	ErrHostUnknown = errors.New("host key is not trusted: approval required")

	// ErrHostRejected is returned when the presented key was explicitly
	// rejected. Rejected keys are never retried automatically.
	ErrHostRejected = errors.New("host key has been rejected")

	// ErrKeyChanged is returned when a host with an already-trusted key
	// presents a different one. The new key is recorded as an untrusted
	// candidate, never an overwrite.
	ErrKeyChanged = errors.New("host presented a different key than the trusted one")

	// ErrNotFound is returned for unknown known-host record ids.
	ErrNotFound = errors.New("known host not found")
)

// Store is the known-host trust store.
type Store struct {
	db    *gorm.DB
	nowFn func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, nowFn: time.Now}
}

// Evaluate applies the given host key policy to a presented key and returns
// nil when the connection may proceed. Unseen keys are recorded as pending
// (strict) or trusted-by-auto (accept_new); the insecure policy skips all
// checks and records nothing.
func (s *Store) Evaluate(connectionID *string, namespace, policy, host string, port int, key ssh.PublicKey) error {
	if policy == database.PolicyInsecure {
		return nil
	}
	if namespace == "" {
		namespace = "default"
	}

	keyType := key.Type()
	fingerprint := ssh.FingerprintSHA256(key)

	var records []database.KnownHost
	if err := s.db.Where("host = ? AND port = ? AND key_type = ?", host, port, keyType).
		Find(&records).Error; err != nil {
		return fmt.Errorf("load known hosts: %w", err)
	}

	var match *database.KnownHost
	trustedOther := false
	for i := range records {
		if records[i].KeyFingerprint == fingerprint {
			match = &records[i]
		} else if records[i].Status == database.HostTrusted {
			trustedOther = true
		}
	}

	if match != nil {
		switch match.Status {
		case database.HostTrusted:
			return nil
		case database.HostRejected:
			return fmt.Errorf("%w: %s %s", ErrHostRejected, keyType, fingerprint)
		default:
			return fmt.Errorf("%w: %s %s", ErrHostUnknown, keyType, fingerprint)
		}
	}

	rec := database.KnownHost{
		ID:             uuid.New().String(),
		Namespace:      namespace,
		ConnectionID:   connectionID,
		Host:           host,
		Port:           port,
		KeyType:        keyType,
		KeyFingerprint: fingerprint,
		PublicKey:      strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))),
		Status:         database.HostPending,
	}

	if trustedOther {
		// Rebinding attempt: a different key already holds the trust for
		// this triple. Record the candidate but require explicit approval
		// even under accept_new.
		if err := s.db.Create(&rec).Error; err != nil {
			return fmt.Errorf("record host key candidate: %w", err)
		}
		log.Printf("[trust] key change for %s:%d (%s): new candidate %s pending approval",
			logutil.SanitizeForLog(host), port, keyType, fingerprint)
		return fmt.Errorf("%w: candidate %s recorded for approval", ErrKeyChanged, fingerprint)
	}

	if policy == database.PolicyAcceptNew {
		now := s.nowFn()
		rec.Status = database.HostTrusted
		rec.TrustedBy = database.TrustedByAuto
		rec.TrustedAt = &now
		if err := s.db.Create(&rec).Error; err != nil {
			return fmt.Errorf("record host key: %w", err)
		}
		log.Printf("[trust] auto-trusted %s:%d %s %s", logutil.SanitizeForLog(host), port, keyType, fingerprint)
		return nil
	}

	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("record host key: %w", err)
	}
	log.Printf("[trust] recorded pending host key for %s:%d %s %s", logutil.SanitizeForLog(host), port, keyType, fingerprint)
	return fmt.Errorf("%w: %s %s", ErrHostUnknown, keyType, fingerprint)
}

// Get returns a known-host record by id.
func (s *Store) Get(id string) (*database.KnownHost, error) {
	var rec database.KnownHost
	err := s.db.Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load known host: %w", err)
	}
	return &rec, nil
}

// List returns all known-host records in a namespace; empty lists all.
func (s *Store) List(namespace string) ([]database.KnownHost, error) {
	q := s.db.Order("created_at")
	if namespace != "" {
		q = q.Where("namespace = ?", namespace)
	}
	var recs []database.KnownHost
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list known hosts: %w", err)
	}
	return recs, nil
}

// Approve marks a pending key as trusted by the user. A rejected key cannot
// be approved directly; revoke it first so the host goes back to unknown.
func (s *Store) Approve(id string) (*database.KnownHost, error) {
	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Status == database.HostRejected {
		return nil, fmt.Errorf("%w: revoke the rejection before approving", ErrHostRejected)
	}

	now := s.nowFn()
	updates := map[string]interface{}{
		"status":     database.HostTrusted,
		"trusted_by": database.TrustedByUser,
		"trusted_at": &now,
	}
	var superseded int64
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&database.KnownHost{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("approve known host: %w", err)
		}
		// Approving a key revokes any other trusted key for the triple in
		// the same step, so exactly one key holds the trust at a time.
		res := tx.Where("host = ? AND port = ? AND key_type = ? AND id <> ? AND status = ?",
			rec.Host, rec.Port, rec.KeyType, id, database.HostTrusted).
			Delete(&database.KnownHost{})
		if res.Error != nil {
			return fmt.Errorf("revoke superseded keys: %w", res.Error)
		}
		superseded = res.RowsAffected
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[trust] approved %s:%d %s %s", logutil.SanitizeForLog(rec.Host), rec.Port, rec.KeyType, rec.KeyFingerprint)
	if superseded > 0 {
		log.Printf("[trust] revoked %d superseded key(s) for %s:%d %s",
			superseded, logutil.SanitizeForLog(rec.Host), rec.Port, rec.KeyType)
	}
	return s.Get(id)
}

// Reject marks a key as rejected. Concurrent approve/reject on the same
// record resolve as last writer wins; the row is a single UPDATE either way.
func (s *Store) Reject(id string) (*database.KnownHost, error) {
	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"status":     database.HostRejected,
		"trusted_by": "",
		"trusted_at": nil,
	}
	if err := s.db.Model(&database.KnownHost{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("reject known host: %w", err)
	}

	log.Printf("[trust] rejected %s:%d %s %s", logutil.SanitizeForLog(rec.Host), rec.Port, rec.KeyType, rec.KeyFingerprint)
	return s.Get(id)
}

// Revoke deletes a record entirely; the next connection attempt sees the
// host as unknown again.
func (s *Store) Revoke(id string) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := s.db.Delete(&database.KnownHost{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("revoke known host: %w", err)
	}
	log.Printf("[trust] revoked %s:%d %s %s", logutil.SanitizeForLog(rec.Host), rec.Port, rec.KeyType, rec.KeyFingerprint)
	return nil
}

// Callback adapts the store into an ssh.HostKeyCallback for the transport
// dialer, bound to one connection's namespace and policy.
func (s *Store) Callback(connectionID *string, namespace, policy string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host, portStr, err := net.SplitHostPort(hostname)
		if err != nil {
			host = hostname
			portStr = "22"
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			port = 22
		}
		return s.Evaluate(connectionID, namespace, policy, host, port, key)
	}
}
