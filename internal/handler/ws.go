package handler

import (
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"coinledger/internal/notify"
)

// WSHandler upgrades clients onto the notification hub.
type WSHandler struct {
	hub      *notify.Hub
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *notify.Hub) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Serve handles GET /ws?user_id=N. The connection only receives events; any
// inbound frame besides control messages is discarded.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid user_id"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	h.hub.Register(userID, conn)
	log.Debug().Int64("user_id", userID).Msg("Websocket client connected")

	// Read loop exists to observe the close handshake.
	go func() {
		defer h.hub.Unregister(userID, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
