package handlers

import (
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"fleetwatch-backend/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Stream upgrades an observer connection and relays hub events. The token
// is taken from the Authorization header or, for browser clients that
// cannot set websocket headers, the token query parameter. Connecting
// creates the owner-level subscription; subscribe/unsubscribe frames
// manage per-agent ones.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	identity, err := h.session.Resolve(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WARN Stream upgrade: %v", err)
		return
	}

	sess := h.hub.Connect(identity.OwnerID)
	h.hub.Subscribe(r.Context(), sess.ID, "")
	defer h.hub.Disconnect(sess.ID)
	defer conn.Close()

	// Writer drains the session feed; closing the session ends it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sess.Events() {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}()

	for {
		var frame models.StreamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}

		switch frame.Action {
		case "subscribe":
			h.hub.Subscribe(r.Context(), sess.ID, frame.AgentID)
		case "unsubscribe":
			h.hub.Unsubscribe(sess.ID, frame.AgentID)
		default:
			// Unknown frames are ignored for forward compatibility.
		}
	}

	h.hub.Disconnect(sess.ID)
	<-done
}
