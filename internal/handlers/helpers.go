package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/anchorage-sh/anchorage/internal/audit"
	"github.com/anchorage-sh/anchorage/internal/orchestrator"
	"github.com/anchorage-sh/anchorage/internal/registry"
	"github.com/anchorage-sh/anchorage/internal/trust"
	"github.com/anchorage-sh/anchorage/internal/vault"
	"github.com/fernet/fernet-go"
)

// Services used by the handlers, set from main.go during init.
var (
	Vault    *vault.Vault
	Trust    *trust.Store
	Registry *registry.Registry
	Orch     *orchestrator.Orchestrator
	Audit    *audit.Queue

	// AttachKeys signs and verifies the short-lived tokens that gate
	// websocket attachment to a session.
	AttachKeys     []*fernet.Key
	AttachTokenTTL time.Duration
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func formatTimestampPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTimestamp(*t)
}
