package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/anchorage-sh/anchorage/internal/database"
	"github.com/anchorage-sh/anchorage/internal/orchestrator"
	"github.com/anchorage-sh/anchorage/internal/registry"
	"github.com/anchorage-sh/anchorage/internal/vault"
	"github.com/go-chi/chi/v5"
)

type sessionOpenRequest struct {
	ConnectionID string `json:"connection_id"`
	Cols         int    `json:"cols"`
	Rows         int    `json:"rows"`

	CaptureIntervalS int  `json:"capture_interval_s"`
	CaptureOnCommand bool `json:"capture_on_command"`
	EmbedCommands    bool `json:"embed_commands"`
	EmbedScrollback  bool `json:"embed_scrollback"`
}

type sessionResponse struct {
	ID               string `json:"id"`
	Namespace        string `json:"namespace"`
	ConnectionID     string `json:"connection_id"`
	TmuxSessionName  string `json:"tmux_session_name"`
	WorkerID         string `json:"worker_id,omitempty"`
	Status           string `json:"status"`
	Cols             int    `json:"cols"`
	Rows             int    `json:"rows"`
	CaptureIntervalS int    `json:"capture_interval_s"`
	CaptureOnCommand bool   `json:"capture_on_command"`
	EmbedCommands    bool   `json:"embed_commands"`
	EmbedScrollback  bool   `json:"embed_scrollback"`
	StartedAt        string `json:"started_at"`
	LastActivityAt   string `json:"last_activity_at"`
	TerminatedAt     string `json:"terminated_at,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
}

func sessionToResponse(s database.Session) sessionResponse {
	return sessionResponse{
		ID:               s.ID,
		Namespace:        s.Namespace,
		ConnectionID:     s.ConnectionID,
		TmuxSessionName:  s.TmuxSessionName,
		WorkerID:         s.WorkerID,
		Status:           s.Status,
		Cols:             s.Cols,
		Rows:             s.Rows,
		CaptureIntervalS: s.CaptureIntervalS,
		CaptureOnCommand: s.CaptureOnCommand,
		EmbedCommands:    s.EmbedCommands,
		EmbedScrollback:  s.EmbedScrollback,
		StartedAt:        formatTimestamp(s.StartedAt),
		LastActivityAt:   formatTimestamp(s.LastActivityAt),
		TerminatedAt:     formatTimestampPtr(s.TerminatedAt),
		ExitCode:         s.ExitCode,
		ErrorMessage:     s.ErrorMessage,
	}
}

func OpenSession(w http.ResponseWriter, r *http.Request) {
	var req sessionOpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.ConnectionID == "" {
		writeError(w, http.StatusBadRequest, "connection_id is required")
		return
	}

	sess, err := Orch.Open(r.Context(), req.ConnectionID, req.Cols, req.Rows, orchestrator.CaptureOptions{
		IntervalS:       req.CaptureIntervalS,
		OnCommand:       req.CaptureOnCommand,
		EmbedCommands:   req.EmbedCommands,
		EmbedScrollback: req.EmbedScrollback,
	})
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			writeError(w, http.StatusNotFound, "Connection not found")
		case errors.Is(err, orchestrator.ErrSessionLimit):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, vault.ErrNotFound):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, sessionToResponse(*sess))
}

func ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := Orch.List(r.URL.Query().Get("namespace"), r.URL.Query().Get("connection_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionToResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := Orch.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(*sess))
}

func TerminateSession(w http.ResponseWriter, r *http.Request) {
	err := Orch.Terminate(chi.URLParam(r, "id"), "api request")
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

type sessionInputRequest struct {
	Command string `json:"command"`
}

func SessionInput(w http.ResponseWriter, r *http.Request) {
	var req sessionInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	err := Orch.SubmitCommand(r.Context(), chi.URLParam(r, "id"), req.Command)
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, orchestrator.ErrSessionTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
	}
}

type sessionResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func ResizeSession(w http.ResponseWriter, r *http.Request) {
	var req sessionResizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		writeError(w, http.StatusBadRequest, "cols and rows must be positive")
		return
	}

	err := Orch.Resize(chi.URLParam(r, "id"), req.Cols, req.Rows)
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, orchestrator.ErrSessionTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "resized"})
	}
}

// SessionScrollback returns the current capture buffer contents as text.
func SessionScrollback(w http.ResponseWriter, r *http.Request) {
	buf, err := Orch.Buffer(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found or not live")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Snapshot())
}
