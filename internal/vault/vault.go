// Package vault stores remote-access credentials encrypted at rest and
// materializes their plaintext on demand. Secret material for ssh_key and
// password credentials is sealed with the envelope cipher, bound to the
// credential's row id. Command credentials produce their secret by running
// an external command under a hard timeout, with optional caching.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/anchorage-sh/anchorage/internal/crypto"
	"github.com/anchorage-sh/anchorage/internal/database"
	"github.com/anchorage-sh/anchorage/internal/logutil"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned for missing or soft-deleted credentials. It is
	// deliberately distinct from crypto failures so callers can tell "no such
	// row" apart from "row exists but cannot be decrypted".
	ErrNotFound = errors.New("credential not found")

	// ErrInUse is returned when deleting a credential still referenced by a
	// live connection.
	ErrInUse = errors.New("credential is referenced by a connection")

	// ErrCommandTimeout is returned when a command-kind credential exceeds
	// its configured timeout.
	ErrCommandTimeout = errors.New("credential command timed out")

	// ErrCommandFailed is returned when a command-kind credential exits
	// non-zero or cannot be started.
	ErrCommandFailed = errors.New("credential command failed")
)

const defaultCommandTimeout = 10 * time.Second

// CreateParams describes a credential to store. Exactly one of Secret
// (ssh_key, password) or Command (command) must be set.
type CreateParams struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`

	Secret string `json:"secret,omitempty"`

	Command         string `json:"command,omitempty"`
	CommandTimeoutS int    `json:"command_timeout_s,omitempty"`
	CacheTTLS       int    `json:"cache_ttl_s,omitempty"`
}

type cacheEntry struct {
	value   string
	expires time.Time
}

// Vault provides credential CRUD and secret resolution. The command-result
// cache is owned by the instance, so separate vaults (e.g., in tests) never
// share state.
type Vault struct {
	db        *gorm.DB
	masterKey []byte

	cache *commandCache
	nowFn func() time.Time
}

// New creates a Vault over the given database with an already-validated
// master key (see crypto.ParseMasterKey).
func New(db *gorm.DB, masterKey []byte) *Vault {
	return &Vault{
		db:        db,
		masterKey: masterKey,
		cache:     newCommandCache(),
		nowFn:     time.Now,
	}
}

func (v *Vault) validate(p CreateParams) error {
	switch p.Kind {
	case database.CredentialSSHKey, database.CredentialPassword:
		if p.Secret == "" {
			return fmt.Errorf("credential kind %q requires secret material", p.Kind)
		}
		if p.Command != "" {
			return fmt.Errorf("credential kind %q cannot carry a command", p.Kind)
		}
	case database.CredentialCommand:
		if p.Command == "" {
			return errors.New("credential kind \"command\" requires a command")
		}
		if p.Secret != "" {
			return errors.New("credential kind \"command\" cannot carry secret material")
		}
	default:
		return fmt.Errorf("unknown credential kind %q", p.Kind)
	}
	if p.Name == "" {
		return errors.New("credential name is required")
	}
	return nil
}

// Create validates, encrypts, and stores a new credential. For ssh_key
// credentials the fingerprint and public key are derived from the private
// key before the plaintext is sealed.
func (v *Vault) Create(p CreateParams) (*database.Credential, error) {
	if err := v.validate(p); err != nil {
		return nil, err
	}

	if p.Namespace == "" {
		p.Namespace = "default"
	}

	cred := database.Credential{
		ID:              uuid.New().String(),
		Namespace:       p.Namespace,
		Name:            p.Name,
		Kind:            p.Kind,
		Command:         p.Command,
		CommandTimeoutS: p.CommandTimeoutS,
		CacheTTLS:       p.CacheTTLS,
	}
	if cred.Kind == database.CredentialCommand && cred.CommandTimeoutS <= 0 {
		cred.CommandTimeoutS = int(defaultCommandTimeout / time.Second)
	}

	if p.Kind == database.CredentialSSHKey {
		signer, err := ssh.ParsePrivateKey([]byte(p.Secret))
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		cred.Fingerprint = ssh.FingerprintSHA256(signer.PublicKey())
		cred.PublicKey = strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	}

	if p.Kind != database.CredentialCommand {
		blob, err := crypto.Encrypt(p.Secret, v.masterKey, cred.ID)
		if err != nil {
			return nil, fmt.Errorf("encrypt credential: %w", err)
		}
		cred.EncryptedSecret = blob
	}

	if err := v.db.Create(&cred).Error; err != nil {
		return nil, fmt.Errorf("create credential: %w", err)
	}

	log.Printf("[vault] created %s credential %s (%s)", cred.Kind, cred.ID, logutil.SanitizeForLog(cred.Name))
	return &cred, nil
}

// Get returns a credential by id, excluding soft-deleted rows.
func (v *Vault) Get(id string) (*database.Credential, error) {
	var cred database.Credential
	err := v.db.Where("id = ? AND deleted_at IS NULL", id).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return &cred, nil
}

// List returns all live credentials in a namespace; empty namespace lists all.
func (v *Vault) List(namespace string) ([]database.Credential, error) {
	q := v.db.Where("deleted_at IS NULL")
	if namespace != "" {
		q = q.Where("namespace = ?", namespace)
	}
	var creds []database.Credential
	if err := q.Order("created_at").Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return creds, nil
}

// Delete soft-deletes a credential. A credential referenced by a live
// connection is never removed.
func (v *Vault) Delete(id string) error {
	cred, err := v.Get(id)
	if err != nil {
		return err
	}

	var refs int64
	if err := v.db.Model(&database.Connection{}).
		Where("credential_id = ? AND deleted_at IS NULL", id).
		Count(&refs).Error; err != nil {
		return fmt.Errorf("count credential references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("%w (%d references)", ErrInUse, refs)
	}

	now := v.nowFn()
	if err := v.db.Model(cred).Update("deleted_at", &now).Error; err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	v.cache.invalidate(id)

	log.Printf("[vault] deleted credential %s (%s)", cred.ID, logutil.SanitizeForLog(cred.Name))
	return nil
}

// ResolveSecret materializes the plaintext secret for a credential: by
// decryption for ssh_key/password kinds, or by running the configured
// command for command kinds. Failures are always surfaced, never reported
// as an empty secret.
func (v *Vault) ResolveSecret(ctx context.Context, id string) (string, error) {
	cred, err := v.Get(id)
	if err != nil {
		return "", err
	}

	switch cred.Kind {
	case database.CredentialSSHKey, database.CredentialPassword:
		plaintext, err := crypto.Decrypt(cred.EncryptedSecret, v.masterKey, cred.ID)
		if err != nil {
			return "", fmt.Errorf("resolve credential %s: %w", cred.ID, err)
		}
		return plaintext, nil
	case database.CredentialCommand:
		return v.resolveCommand(ctx, cred)
	default:
		return "", fmt.Errorf("unknown credential kind %q", cred.Kind)
	}
}

// resolveCommand runs the credential's command under its timeout. Successful
// results are cached for CacheTTLS seconds; a TTL of zero means every call
// re-runs the command.
func (v *Vault) resolveCommand(ctx context.Context, cred *database.Credential) (string, error) {
	if val, ok := v.cache.get(cred.ID, v.nowFn()); ok {
		return val, nil
	}

	timeout := time.Duration(cred.CommandTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", cred.Command)
	out, err := cmd.Output()
	if cmdCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("%w after %s", ErrCommandTimeout, timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%w: exit status %d: %s",
				ErrCommandFailed, exitErr.ExitCode(), logutil.SanitizeForLog(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}

	secret := strings.TrimRight(string(out), "\n")
	if cred.CacheTTLS > 0 {
		v.cache.put(cred.ID, secret, v.nowFn().Add(time.Duration(cred.CacheTTLS)*time.Second))
	}
	return secret, nil
}
