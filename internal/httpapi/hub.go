package httpapi

import (
	"log/slog"
	stdsync "sync"

	"github.com/gorilla/websocket"
)

// Hub fans a scope's version advances out to its websocket listeners.
// Handed to the server as its OnCommit callback.
type Hub struct {
	mu     stdsync.Mutex
	conns  map[string]map[*websocket.Conn]struct{}
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{conns: make(map[string]map[*websocket.Conn]struct{}), logger: logger}
}

func (h *Hub) add(scopeID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[scopeID] == nil {
		h.conns[scopeID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[scopeID][conn] = struct{}{}
}

func (h *Hub) remove(scopeID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[scopeID], conn)
	if len(h.conns[scopeID]) == 0 {
		delete(h.conns, scopeID)
	}
}

// Broadcast pokes every listener of the scope. A listener whose write
// fails is dropped; it will redial and resync.
func (h *Hub) Broadcast(scopeID string, version int64) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns[scopeID]))
	for c := range h.conns[scopeID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteJSON(Poke{Version: version}); err != nil {
			h.logger.Debug("poke write failed, dropping listener", "scope", scopeID, "error", err)
			c.Close()
			h.remove(scopeID, c)
		}
	}
}
