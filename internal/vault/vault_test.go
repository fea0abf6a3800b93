package vault

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anchorage-sh/anchorage/internal/crypto"
	"github.com/anchorage-sh/anchorage/internal/database"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates a fresh in-memory SQLite database for each test.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key, err := crypto.ParseMasterKey(strings.Repeat("a", 64))
	if err != nil {
		t.Fatalf("parse master key: %v", err)
	}
	return New(setupTestDB(t), key)
}

// testPrivateKey generates an OpenSSH-format ed25519 private key.
func testPrivateKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(block))
}

func TestCreateValidation(t *testing.T) {
	v := newTestVault(t)

	tests := []struct {
		name    string
		params  CreateParams
		wantErr string
	}{
		{"password without secret", CreateParams{Name: "p", Kind: database.CredentialPassword}, "requires secret material"},
		{"ssh_key without secret", CreateParams{Name: "k", Kind: database.CredentialSSHKey}, "requires secret material"},
		{"password with command", CreateParams{Name: "p", Kind: database.CredentialPassword, Secret: "x", Command: "echo"}, "cannot carry a command"},
		{"command without command", CreateParams{Name: "c", Kind: database.CredentialCommand}, "requires a command"},
		{"command with secret", CreateParams{Name: "c", Kind: database.CredentialCommand, Command: "echo", Secret: "x"}, "cannot carry secret material"},
		{"unknown kind", CreateParams{Name: "u", Kind: "totp", Secret: "x"}, "unknown credential kind"},
		{"missing name", CreateParams{Kind: database.CredentialPassword, Secret: "x"}, "name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Create(tt.params)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCreateSSHKeyDerivesPublicMaterial(t *testing.T) {
	v := newTestVault(t)
	pk := testPrivateKey(t)

	cred, err := v.Create(CreateParams{Name: "deploy", Kind: database.CredentialSSHKey, Secret: pk})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(cred.Fingerprint, "SHA256:") {
		t.Fatalf("fingerprint = %q, want SHA256 form", cred.Fingerprint)
	}
	if !strings.HasPrefix(cred.PublicKey, "ssh-ed25519 ") {
		t.Fatalf("public key = %q, want authorized_keys form", cred.PublicKey)
	}
	if len(cred.EncryptedSecret) == 0 {
		t.Fatal("secret was not encrypted")
	}
	if strings.Contains(string(cred.EncryptedSecret), "PRIVATE KEY") {
		t.Fatal("plaintext key material leaked into stored blob")
	}
	if cred.Namespace != "default" {
		t.Fatalf("namespace = %q, want default", cred.Namespace)
	}
}

func TestCreateSSHKeyRejectsGarbage(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Create(CreateParams{Name: "bad", Kind: database.CredentialSSHKey, Secret: "not a key"}); err == nil {
		t.Fatal("expected error for unparseable private key")
	}
}

func TestResolveSecretRoundTrip(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	pw, err := v.Create(CreateParams{Name: "root-pw", Kind: database.CredentialPassword, Secret: "hunter2"})
	if err != nil {
		t.Fatalf("create password: %v", err)
	}
	got, err := v.ResolveSecret(ctx, pw.ID)
	if err != nil {
		t.Fatalf("resolve password: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("resolved %q, want hunter2", got)
	}

	pk := testPrivateKey(t)
	key, err := v.Create(CreateParams{Name: "deploy", Kind: database.CredentialSSHKey, Secret: pk})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	got, err = v.ResolveSecret(ctx, key.ID)
	if err != nil {
		t.Fatalf("resolve key: %v", err)
	}
	if got != pk {
		t.Fatal("resolved key does not match stored plaintext")
	}
}

func TestResolveSecretNotFound(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.ResolveSecret(context.Background(), uuid.New().String()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveSecretRowBinding(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	a, err := v.Create(CreateParams{Name: "a", Kind: database.CredentialPassword, Secret: "secret-a"})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := v.Create(CreateParams{Name: "b", Kind: database.CredentialPassword, Secret: "secret-b"})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	// Graft a's ciphertext onto b's row; decryption is bound to the row id
	// and must fail rather than return a's secret.
	if err := v.db.Model(&database.Credential{}).Where("id = ?", b.ID).
		Update("encrypted_secret", a.EncryptedSecret).Error; err != nil {
		t.Fatalf("swap blobs: %v", err)
	}
	if _, err := v.ResolveSecret(ctx, b.ID); !errors.Is(err, crypto.ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for grafted ciphertext, got %v", err)
	}
}

func TestResolveCommand(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	cred, err := v.Create(CreateParams{Name: "op", Kind: database.CredentialCommand, Command: "printf 'token-123\\n'"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := v.ResolveSecret(ctx, cred.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "token-123" {
		t.Fatalf("resolved %q, want token-123 (trailing newline stripped)", got)
	}
}

func TestResolveCommandTimeout(t *testing.T) {
	v := newTestVault(t)
	cred, err := v.Create(CreateParams{Name: "slow", Kind: database.CredentialCommand, Command: "sleep 5", CommandTimeoutS: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	start := time.Now()
	_, err = v.ResolveSecret(context.Background(), cred.ID)
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("expected ErrCommandTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout took %s, should be about 1s", elapsed)
	}
}

func TestResolveCommandFailure(t *testing.T) {
	v := newTestVault(t)
	cred, err := v.Create(CreateParams{Name: "broken", Kind: database.CredentialCommand, Command: "echo oops >&2; exit 3"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = v.ResolveSecret(context.Background(), cred.ID)
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("expected ErrCommandFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "exit status 3") {
		t.Fatalf("error %q missing exit status", err)
	}
	if !strings.Contains(err.Error(), "oops") {
		t.Fatalf("error %q missing stderr", err)
	}
}

func TestResolveCommandCache(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()
	counter := filepath.Join(t.TempDir(), "runs")
	countCmd := fmt.Sprintf("echo run >> %s; wc -l < %s", counter, counter)

	cached, err := v.Create(CreateParams{Name: "cached", Kind: database.CredentialCommand, Command: countCmd, CacheTTLS: 60})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := v.ResolveSecret(ctx, cached.ID)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := v.ResolveSecret(ctx, cached.ID)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if first != second {
		t.Fatalf("cached command re-ran: %q then %q", first, second)
	}

	// A zero TTL means every resolution runs the command again.
	uncachedFile := filepath.Join(t.TempDir(), "runs")
	uncachedCmd := fmt.Sprintf("echo run >> %s; wc -l < %s", uncachedFile, uncachedFile)
	uncached, err := v.Create(CreateParams{Name: "uncached", Kind: database.CredentialCommand, Command: uncachedCmd})
	if err != nil {
		t.Fatalf("create uncached: %v", err)
	}
	first, err = v.ResolveSecret(ctx, uncached.ID)
	if err != nil {
		t.Fatalf("first uncached resolve: %v", err)
	}
	second, err = v.ResolveSecret(ctx, uncached.ID)
	if err != nil {
		t.Fatalf("second uncached resolve: %v", err)
	}
	if first == second {
		t.Fatalf("zero-TTL command did not re-run: %q both times", first)
	}
}

func TestCacheExpiry(t *testing.T) {
	v := newTestVault(t)
	now := time.Now()
	v.nowFn = func() time.Time { return now }

	cred, err := v.Create(CreateParams{Name: "ttl", Kind: database.CredentialCommand, Command: "date +%s%N", CacheTTLS: 30})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := v.ResolveSecret(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Advance past the TTL; the cached value must be discarded.
	now = now.Add(31 * time.Second)
	second, err := v.ResolveSecret(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("resolve after expiry: %v", err)
	}
	if first == second {
		t.Fatal("expired cache entry was served")
	}
}

func TestDeleteRefusesInUse(t *testing.T) {
	v := newTestVault(t)
	cred, err := v.Create(CreateParams{Name: "pw", Kind: database.CredentialPassword, Secret: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	conn := database.Connection{
		ID: uuid.New().String(), Namespace: "default", Name: "web-1",
		Host: "web-1.example.com", Port: 22, Username: "deploy",
		AuthMethod: database.AuthPassword, CredentialID: &cred.ID,
		HostKeyPolicy: database.PolicyStrict,
	}
	if err := v.db.Create(&conn).Error; err != nil {
		t.Fatalf("create connection: %v", err)
	}

	if err := v.Delete(cred.ID); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}

	// Soft-deleting the referencing connection unblocks the credential.
	now := time.Now()
	if err := v.db.Model(&conn).Update("deleted_at", &now).Error; err != nil {
		t.Fatalf("soft delete connection: %v", err)
	}
	if err := v.Delete(cred.ID); err != nil {
		t.Fatalf("delete after unreference: %v", err)
	}
	if _, err := v.Get(cred.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestListFiltersNamespace(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Create(CreateParams{Namespace: "prod", Name: "a", Kind: database.CredentialPassword, Secret: "x"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := v.Create(CreateParams{Namespace: "staging", Name: "b", Kind: database.CredentialPassword, Secret: "y"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	prod, err := v.List("prod")
	if err != nil {
		t.Fatalf("list prod: %v", err)
	}
	if len(prod) != 1 || prod[0].Name != "a" {
		t.Fatalf("prod list = %v", prod)
	}
	all, err := v.List("")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all list has %d entries, want 2", len(all))
	}
}
