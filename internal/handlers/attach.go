package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/fernet/fernet-go"
	"github.com/go-chi/chi/v5"
)

// attachPingInterval keeps idle attach sockets alive through proxies.
const attachPingInterval = 30 * time.Second

// IssueAttachToken mints a short-lived signed token bound to one session.
// The token is the only thing the websocket endpoint trusts.
func IssueAttachToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := Orch.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	tok, err := fernet.EncryptAndSign([]byte(id), AttachKeys[0])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      string(tok),
		"expires_in": int(AttachTokenTTL / time.Second),
	})
}

type attachInputMsg struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
}

// AttachSession upgrades to a websocket and streams the session's capture
// buffer to the client. Inbound messages carry commands and resize requests.
func AttachSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tok := r.URL.Query().Get("token")
	payload := fernet.VerifyAndDecrypt([]byte(tok), AttachTokenTTL, AttachKeys)
	if payload == nil || string(payload) != id {
		writeError(w, http.StatusForbidden, "Invalid or expired attach token")
		return
	}

	buf, err := Orch.Buffer(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found or not live")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept attach websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: client input becomes terminal commands.
	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg attachInputMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "input":
				if err := Orch.SubmitCommand(ctx, id, msg.Command); err != nil {
					log.Printf("[attach] input to session %s failed: %v", id, err)
				}
			case "resize":
				if msg.Cols > 0 && msg.Rows > 0 {
					Orch.Resize(id, msg.Cols, msg.Rows)
				}
			}
		}
	}()

	// Writer: replay the buffer, then stream deltas as captures land.
	sent := 0
	if snap := buf.Snapshot(); len(snap) > 0 {
		if err := conn.Write(ctx, websocket.MessageBinary, snap); err != nil {
			return
		}
		sent = len(snap)
	}

	pinger := time.NewTicker(attachPingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pinger.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case <-buf.Notify():
			snap := buf.Snapshot()
			var delta []byte
			if len(snap) >= sent {
				delta = snap[sent:]
			} else {
				// Front trim reset the window; resend from the start.
				delta = snap
			}
			sent = len(snap)
			if len(delta) > 0 {
				if err := conn.Write(ctx, websocket.MessageBinary, delta); err != nil {
					return
				}
			}
			if buf.IsClosed() {
				conn.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
		}
	}
}
