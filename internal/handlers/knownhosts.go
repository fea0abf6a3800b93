package handlers

import (
	"errors"
	"net/http"

	"github.com/anchorage-sh/anchorage/internal/audit"
	"github.com/anchorage-sh/anchorage/internal/database"
	"github.com/anchorage-sh/anchorage/internal/trust"
	"github.com/go-chi/chi/v5"
)

type knownHostResponse struct {
	ID             string  `json:"id"`
	Namespace      string  `json:"namespace"`
	ConnectionID   *string `json:"connection_id,omitempty"`
	Host           string  `json:"host"`
	Port           int     `json:"port"`
	KeyType        string  `json:"key_type"`
	KeyFingerprint string  `json:"key_fingerprint"`
	PublicKey      string  `json:"public_key"`
	Status         string  `json:"status"`
	TrustedBy      string  `json:"trusted_by,omitempty"`
	TrustedAt      string  `json:"trusted_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

func knownHostToResponse(h database.KnownHost) knownHostResponse {
	return knownHostResponse{
		ID:             h.ID,
		Namespace:      h.Namespace,
		ConnectionID:   h.ConnectionID,
		Host:           h.Host,
		Port:           h.Port,
		KeyType:        h.KeyType,
		KeyFingerprint: h.KeyFingerprint,
		PublicKey:      h.PublicKey,
		Status:         h.Status,
		TrustedBy:      h.TrustedBy,
		TrustedAt:      formatTimestampPtr(h.TrustedAt),
		CreatedAt:      formatTimestamp(h.CreatedAt),
	}
}

func emitHostEvent(eventType string, h *database.KnownHost) {
	if Audit == nil {
		return
	}
	connID := ""
	if h.ConnectionID != nil {
		connID = *h.ConnectionID
	}
	Audit.Emit(audit.Event{
		ConnectionID: connID,
		EventType:    eventType,
		Details:      h.Host + " " + h.KeyType + " " + h.KeyFingerprint,
	})
}

func ListKnownHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := Trust.List(r.URL.Query().Get("namespace"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]knownHostResponse, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, knownHostToResponse(h))
	}
	writeJSON(w, http.StatusOK, out)
}

func GetKnownHost(w http.ResponseWriter, r *http.Request) {
	h, err := Trust.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, trust.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Known host not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, knownHostToResponse(*h))
}

func ApproveKnownHost(w http.ResponseWriter, r *http.Request) {
	h, err := Trust.Approve(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, trust.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Known host not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	emitHostEvent(audit.EventHostApproved, h)
	writeJSON(w, http.StatusOK, knownHostToResponse(*h))
}

func RejectKnownHost(w http.ResponseWriter, r *http.Request) {
	h, err := Trust.Reject(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, trust.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Known host not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	emitHostEvent(audit.EventHostRejected, h)
	writeJSON(w, http.StatusOK, knownHostToResponse(*h))
}

func RevokeKnownHost(w http.ResponseWriter, r *http.Request) {
	h, err := Trust.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, trust.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Known host not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := Trust.Revoke(h.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	emitHostEvent(audit.EventHostRevoked, h)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
