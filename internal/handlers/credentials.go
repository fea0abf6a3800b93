package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/anchorage-sh/anchorage/internal/database"
	"github.com/anchorage-sh/anchorage/internal/vault"
	"github.com/go-chi/chi/v5"
)

// credentialResponse never carries secret material. Only the derived
// fingerprint and public key (for ssh_key kinds) are exposed.
type credentialResponse struct {
	ID              string `json:"id"`
	Namespace       string `json:"namespace"`
	Name            string `json:"name"`
	Kind            string `json:"kind"`
	Fingerprint     string `json:"fingerprint,omitempty"`
	PublicKey       string `json:"public_key,omitempty"`
	Command         string `json:"command,omitempty"`
	CommandTimeoutS int    `json:"command_timeout_s,omitempty"`
	CacheTTLS       int    `json:"cache_ttl_s,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func credentialToResponse(c database.Credential) credentialResponse {
	return credentialResponse{
		ID:              c.ID,
		Namespace:       c.Namespace,
		Name:            c.Name,
		Kind:            c.Kind,
		Fingerprint:     c.Fingerprint,
		PublicKey:       c.PublicKey,
		Command:         c.Command,
		CommandTimeoutS: c.CommandTimeoutS,
		CacheTTLS:       c.CacheTTLS,
		CreatedAt:       formatTimestamp(c.CreatedAt),
		UpdatedAt:       formatTimestamp(c.UpdatedAt),
	}
}

func CreateCredential(w http.ResponseWriter, r *http.Request) {
	var p vault.CreateParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	cred, err := Vault.Create(p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, credentialToResponse(*cred))
}

func ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := Vault.List(r.URL.Query().Get("namespace"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]credentialResponse, 0, len(creds))
	for _, c := range creds {
		out = append(out, credentialToResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func GetCredential(w http.ResponseWriter, r *http.Request) {
	cred, err := Vault.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Credential not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, credentialToResponse(*cred))
}

func DeleteCredential(w http.ResponseWriter, r *http.Request) {
	err := Vault.Delete(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, vault.ErrNotFound):
		writeError(w, http.StatusNotFound, "Credential not found")
	case errors.Is(err, vault.ErrInUse):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}
