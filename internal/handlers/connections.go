package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/anchorage-sh/anchorage/internal/database"
	"github.com/anchorage-sh/anchorage/internal/registry"
	"github.com/go-chi/chi/v5"
)

type connectionResponse struct {
	ID                string            `json:"id"`
	Namespace         string            `json:"namespace"`
	Name              string            `json:"name"`
	Host              string            `json:"host"`
	Port              int               `json:"port"`
	Username          string            `json:"username"`
	AuthMethod        string            `json:"auth_method"`
	CredentialID      *string           `json:"credential_id,omitempty"`
	ProxyJumpID       *string           `json:"proxy_jump_id,omitempty"`
	IsLocal           bool              `json:"is_local"`
	Env               map[string]string `json:"env,omitempty"`
	ConnectTimeoutS   int               `json:"connect_timeout_s"`
	KeepaliveInterval int               `json:"keepalive_interval"`
	IdleTimeoutS      int               `json:"idle_timeout_s"`
	MaxSessions       int               `json:"max_sessions"`
	HostKeyPolicy     string            `json:"host_key_policy"`
	Tags              []string          `json:"tags,omitempty"`
	Notes             string            `json:"notes,omitempty"`
	LastConnectedAt   string            `json:"last_connected_at,omitempty"`
	LastError         string            `json:"last_error,omitempty"`
	CreatedAt         string            `json:"created_at"`
	UpdatedAt         string            `json:"updated_at"`
}

func connectionToResponse(c database.Connection) connectionResponse {
	return connectionResponse{
		ID:                c.ID,
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
		LastConnectedAt:   formatTimestampPtr(c.LastConnectedAt),
		LastError:         c.LastError,
		CreatedAt:         formatTimestamp(c.CreatedAt),
		UpdatedAt:         formatTimestamp(c.UpdatedAt),
	}
}

func connectionErrStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrProxyCycle), errors.Is(err, registry.ErrProxyDepth):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrInUse):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func CreateConnection(w http.ResponseWriter, r *http.Request) {
	var p registry.Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	conn, err := Registry.Create(p)
	if err != nil {
		writeError(w, connectionErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, connectionToResponse(*conn))
}

func UpdateConnection(w http.ResponseWriter, r *http.Request) {
	var p registry.Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	conn, err := Registry.Update(chi.URLParam(r, "id"), p)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Connection not found")
			return
		}
		writeError(w, connectionErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, connectionToResponse(*conn))
}

func ListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := Registry.List(r.URL.Query().Get("namespace"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]connectionResponse, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionToResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func GetConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Connection not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, connectionToResponse(*conn))
}

func DeleteConnection(w http.ResponseWriter, r *http.Request) {
	err := Registry.Delete(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "Connection not found")
	case errors.Is(err, registry.ErrInUse):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// ExportConnections returns the namespace's connections as YAML. Credential
// secrets are never part of the export; only credential ids travel. The
// document is encoded fully before any header goes out, so a failure is a
// clean error response rather than a corrupted attachment.
func ExportConnections(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := Registry.Export(&buf, r.URL.Query().Get("namespace")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", "attachment; filename=connections.yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// ImportConnections reads a YAML document of connections and creates the ones
// whose names are not yet taken.
func ImportConnections(w http.ResponseWriter, r *http.Request) {
	created, err := Registry.Import(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"created": created})
}
