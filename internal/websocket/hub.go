package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
)

const TypeAccountReady = "account_ready"

// Message tells a waiting tab that its checkout has been reconciled. It
// carries no credential: the tab fetches one from the readiness endpoint.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// Hub tracks connected tabs by funnel session.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.sessionID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.sessionID] = set
	}
	set[c] = struct{}{}
}

// Unregister removes the client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.sessionID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.sessionID)
	}
}

// AccountReady notifies every tab waiting on the session.
func (h *Hub) AccountReady(sessionID string, accountID int64) {
	n := h.notify(sessionID)
	h.logger.Debug("account ready pushed", "session_id", sessionID, "account_id", accountID, "clients", n)
}

// Notify pushes account_ready to a single client, used when the session was
// already linked by the time the tab connected.
func (h *Hub) Notify(c *Client) {
	data, err := readyMessage(c.sessionID)
	if err != nil {
		h.logger.Error("marshal ready message", "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.sessionID][c]; ok {
		trySend(c, data)
	}
}

func (h *Hub) notify(sessionID string) int {
	data, err := readyMessage(sessionID)
	if err != nil {
		h.logger.Error("marshal ready message", "error", err)
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.clients[sessionID]
	for c := range set {
		trySend(c, data)
	}
	return len(set)
}

func readyMessage(sessionID string) ([]byte, error) {
	return json.Marshal(Message{Type: TypeAccountReady, SessionID: sessionID})
}

func trySend(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		// buffer full; the tab still has the readiness endpoint
	}
}

// ClientCount returns the number of tabs waiting on the session.
func (h *Hub) ClientCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID])
}
