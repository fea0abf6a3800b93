package registry

import (
	"bytes"
	"strings"
	"testing"

	"github.com/anchorage-sh/anchorage/internal/database"
)

func TestExportImportRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	r := New(db)
	credID := seedCredential(t, db)

	p := hostParams("web-1", &credID)
	p.Tags = []string{"prod", "frontend"}
	p.Env = map[string]string{"LANG": "C.UTF-8"}
	p.MaxSessions = 3
	if _, err := r.Create(p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create(hostParams("web-2", &credID)); err != nil {
		t.Fatalf("create: %v", err)
	}

	var buf bytes.Buffer
	if err := r.Export(&buf, ""); err != nil {
		t.Fatalf("export: %v", err)
	}
	if strings.Contains(buf.String(), "sealed") {
		t.Fatal("export leaked credential material")
	}

	// Import into a fresh registry sharing the credential row.
	db2 := setupTestDB(t)
	r2 := New(db2)
	cred := database.Credential{
		ID: credID, Namespace: "default", Name: "pw",
		Kind: database.CredentialPassword, EncryptedSecret: []byte("sealed"),
	}
	if err := db2.Create(&cred).Error; err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	created, err := r2.Import(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if created != 2 {
		t.Fatalf("imported %d connections, want 2", created)
	}

	conns, err := r2.List("")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	byName := map[string]database.Connection{}
	for _, c := range conns {
		byName[c.Name] = c
	}
	web1, ok := byName["web-1"]
	if !ok {
		t.Fatal("web-1 missing after import")
	}
	if web1.MaxSessions != 3 {
		t.Fatalf("max_sessions = %d, want 3", web1.MaxSessions)
	}
	if len(web1.Tags) != 2 || web1.Tags[0] != "prod" {
		t.Fatalf("tags = %v", web1.Tags)
	}
	if web1.Env["LANG"] != "C.UTF-8" {
		t.Fatalf("env = %v", web1.Env)
	}
}

func TestImportSkipsExistingNames(t *testing.T) {
	db := setupTestDB(t)
	r := New(db)
	credID := seedCredential(t, db)
	if _, err := r.Create(hostParams("web-1", &credID)); err != nil {
		t.Fatalf("create: %v", err)
	}

	var buf bytes.Buffer
	if err := r.Export(&buf, ""); err != nil {
		t.Fatalf("export: %v", err)
	}

	// Importing into the same registry is a no-op for existing names.
	created, err := r.Import(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if created != 0 {
		t.Fatalf("created %d connections, want 0", created)
	}
	conns, _ := r.List("")
	if len(conns) != 1 {
		t.Fatalf("%d connections after re-import, want 1", len(conns))
	}
}

func TestImportRejectsGarbage(t *testing.T) {
	r := New(setupTestDB(t))
	if _, err := r.Import(strings.NewReader("{not yaml: [")); err == nil {
		t.Fatal("expected decode error")
	}
}
