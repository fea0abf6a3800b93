package hostkey

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestEphemeralKey(t *testing.T) {
	a, err := LoadOrGenerate("")
	if err != nil {
		t.Fatalf("generate ephemeral key: %v", err)
	}
	b, err := LoadOrGenerate("")
	if err != nil {
		t.Fatalf("generate second ephemeral key: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("ephemeral keys should be unique per call")
	}
	if _, err := Signer(a); err != nil {
		t.Fatalf("ephemeral key does not parse: %v", err)
	}
}

func TestGenerateAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "host_key.pem")

	first, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("key file mode = %o, want 0600", info.Mode().Perm())
	}
	if _, err := os.Stat(path + ".pub"); err != nil {
		t.Fatalf("public key sibling missing: %v", err)
	}

	second, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("reload returned different key bytes")
	}

	if _, err := Signer(first); err != nil {
		t.Fatalf("generated key does not parse: %v", err)
	}
}

func TestPermissionCorrection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key.pem")
	if _, err := LoadOrGenerate(path); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	if _, err := LoadOrGenerate(path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("mode after reload = %o, want 0600", info.Mode().Perm())
	}
}
