// Package notify delivers balance-changed and gift-received events to
// connected clients over websockets.
package notify

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Notifier is the outbound event channel the services depend on. The hub is
// the production implementation; tests use Nop.
type Notifier interface {
	NotifyBalance(userID, balance, locked int64)
	NotifyGift(receiverID int64, giftCode string, amount int64, senderID int64)
}

// Event is the wire format pushed to websocket clients.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Hub tracks websocket connections per user and broadcasts events to them.
type Hub struct {
	mu      sync.Mutex
	clients map[int64]map[*websocket.Conn]bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[int64]map[*websocket.Conn]bool)}
}

// Register adds a connection for a user.
func (h *Hub) Register(userID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*websocket.Conn]bool)
	}
	h.clients[userID][conn] = true
}

// Unregister removes and closes a connection for a user.
func (h *Hub) Unregister(userID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[userID]; ok {
		delete(conns, conn)
		conn.Close()
		if len(conns) == 0 {
			delete(h.clients, userID)
		}
	}
}

// NotifyBalance pushes a balance update to the user's connections.
func (h *Hub) NotifyBalance(userID, balance, locked int64) {
	h.broadcast(userID, Event{
		Type: "balance_changed",
		Data: map[string]any{
			"user_id":   userID,
			"balance":   balance,
			"locked":    locked,
			"available": balance,
		},
	})
}

// NotifyGift pushes a gift-received event to the receiver's connections.
func (h *Hub) NotifyGift(receiverID int64, giftCode string, amount int64, senderID int64) {
	h.broadcast(receiverID, Event{
		Type: "gift_received",
		Data: map[string]any{
			"gift_code": giftCode,
			"amount":    amount,
			"sender_id": senderID,
		},
	})
}

func (h *Hub) broadcast(userID int64, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode notification")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients[userID] {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Warn().Int64("user_id", userID).Err(err).Msg("Dropping dead websocket connection")
			conn.Close()
			delete(h.clients[userID], conn)
		}
	}
}

// Nop is a Notifier that discards all events.
type Nop struct{}

// NotifyBalance implements Notifier.
func (Nop) NotifyBalance(int64, int64, int64) {}

// NotifyGift implements Notifier.
func (Nop) NotifyGift(int64, string, int64, int64) {}
