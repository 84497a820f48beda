package hub

import (
	"sort"

	"github.com/orchestra-mcp/notesync/src/types"
)

// RegisterHandler registers a handler for SEND frames to
// app.notes.{id}.{action}.
func (h *Hub) RegisterHandler(action string, handler types.FrameHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[action] = handler
}

// OnConnection registers a callback for new connections.
func (h *Hub) OnConnection(cb func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = append(h.onConnect, cb)
}

// OnDisconnection registers a callback for disconnections.
func (h *Hub) OnDisconnection(cb func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconn = append(h.onDisconn, cb)
}

// ConnectedClients returns the connected client IDs, sorted.
func (h *Hub) ConnectedClients() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ClientInfo returns info for a connected client, or nil.
func (h *Hub) ClientInfo(clientID string) *types.ClientInfo {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	info := client.Info()
	return &info
}

// UserOf returns the authenticated user of a client, or "".
func (h *Hub) UserOf(clientID string) string {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return ""
	}
	return client.UserID()
}

// Destinations returns destinations with their subscriber counts.
func (h *Hub) Destinations() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make(map[string]int, len(h.destinations))
	for dest, subs := range h.destinations {
		result[dest] = len(subs)
	}
	return result
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
