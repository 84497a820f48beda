package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/orchestra-mcp/notesync/src/types"
)

var (
	errUnauthenticated = errors.New("CONNECT required")
	errNoDestination   = errors.New("destination required")
	errNoSubscription  = errors.New("subscription id required")
)

func (h *Hub) handleFrame(in inbound) {
	h.mu.RLock()
	c, ok := h.clients[in.clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	f := in.frame

	if f.Command != types.CommandConnect && !c.Authenticated() {
		h.sendError(c, f.Destination, errUnauthenticated)
		return
	}

	switch f.Command {
	case types.CommandConnect:
		h.connect(c, f)
	case types.CommandSubscribe:
		if err := h.subscribeFrame(c, f); err != nil {
			h.sendError(c, f.Destination, err)
		}
	case types.CommandUnsubscribe:
		h.unsubscribeFrame(c, f)
	case types.CommandSend:
		h.dispatch(c, f)
	default:
		h.sendError(c, f.Destination, fmt.Errorf("unsupported command %q", f.Command))
	}
}

func (h *Hub) connect(c *Client, f types.Frame) {
	h.mu.RLock()
	authenticate := h.authenticate
	h.mu.RUnlock()

	userID := ""
	if authenticate != nil {
		token := strings.TrimPrefix(f.Header(types.HeaderAuthorization), "Bearer ")
		id, err := authenticate(token)
		if err != nil {
			h.logger.Warn().Err(err).Str("client_id", c.ID).Msg("connect rejected")
			h.sendError(c, "", fmt.Errorf("invalid token: %w", err))
			return
		}
		userID = id
	}
	c.setUser(userID)
	c.enqueue(types.Frame{Command: types.CommandConnected, Headers: map[string]string{"user-id": userID}})
	h.logger.Info().Str("client_id", c.ID).Str("user_id", userID).Msg("client connected")
}

func (h *Hub) subscribeFrame(c *Client, f types.Frame) error {
	if f.Destination == "" {
		return errNoDestination
	}
	if f.Subscription == "" {
		return errNoSubscription
	}
	if c.addSubscription(f.Subscription, f.Destination) {
		h.Subscribe(f.Destination, c.ID)
	}
	h.logger.Debug().Str("client_id", c.ID).Str("destination", f.Destination).Str("subscription", f.Subscription).Msg("subscribed")
	return nil
}

func (h *Hub) unsubscribeFrame(c *Client, f types.Frame) {
	dest, last, ok := c.removeSubscription(f.Subscription)
	if !ok {
		return
	}
	if last {
		h.Unsubscribe(dest, c.ID)
	}
	h.logger.Debug().Str("client_id", c.ID).Str("destination", dest).Msg("unsubscribed")
}

func (h *Hub) dispatch(c *Client, f types.Frame) {
	_, action, ok := types.ParseAppDestination(f.Destination)
	if !ok {
		h.sendError(c, f.Destination, fmt.Errorf("not an app destination: %q", f.Destination))
		return
	}

	h.mu.RLock()
	handler, ok := h.handlers[action]
	h.mu.RUnlock()

	if !ok {
		h.logger.Debug().Str("destination", f.Destination).Msg("no handler")
		h.sendError(c, f.Destination, fmt.Errorf("no handler for %q", action))
		return
	}
	if err := handler(c.ID, f); err != nil {
		h.logger.Error().Err(err).Str("destination", f.Destination).Msg("handler error")
		h.sendError(c, f.Destination, err)
	}
}

func (h *Hub) sendError(c *Client, dest string, err error) {
	c.enqueue(types.Frame{
		Command:     types.CommandError,
		Destination: dest,
		Headers:     map[string]string{"message": err.Error()},
	})
}

// fanOut delivers a frame to every local subscriber of its destination.
func (h *Hub) fanOut(f types.Frame) {
	h.mu.RLock()
	subs, ok := h.destinations[f.Destination]
	if !ok {
		h.mu.RUnlock()
		return
	}
	// Copy subscribers to avoid holding the lock during sends.
	clients := make([]*Client, 0, len(subs))
	for id := range subs {
		if c, exists := h.clients[id]; exists {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if c.deliver(f) == 0 {
			h.logger.Warn().Str("client_id", c.ID).Str("destination", f.Destination).Msg("send buffer full, dropping")
		}
	}
}

// publishToBridge forwards a frame to the bridge if one is attached.
func (h *Hub) publishToBridge(f types.Frame) {
	h.mu.RLock()
	b := h.bridge
	h.mu.RUnlock()

	if b == nil || !b.Available() {
		return
	}
	if err := b.Publish(f); err != nil {
		h.logger.Error().Err(err).Msg("bridge publish failed")
	}
}

// Publish sends body as JSON to every subscriber of dest, on this
// instance and through the bridge.
func (h *Hub) Publish(dest string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", dest, err)
	}
	f := types.Frame{Command: types.CommandMessage, Destination: dest, Body: raw}
	h.publishToBridge(f)
	h.fanOut(f)
	return nil
}

// Subscribe adds a client to a destination.
func (h *Hub) Subscribe(dest, clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[clientID]; !ok {
		return false
	}
	if h.destinations[dest] == nil {
		h.destinations[dest] = make(map[string]bool)
	}
	h.destinations[dest][clientID] = true
	return true
}

// Unsubscribe removes a client from a destination.
func (h *Hub) Unsubscribe(dest, clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.destinations[dest]
	if !ok {
		return false
	}
	delete(subs, clientID)
	if len(subs) == 0 {
		delete(h.destinations, dest)
	}
	return true
}

// SendToClient sends body to one client on dest, typically a per-session
// queue destination. It reports false when the client is gone or holds
// no subscription on dest.
func (h *Hub) SendToClient(clientID, dest string, body any) bool {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	raw, err := json.Marshal(body)
	if err != nil {
		h.logger.Error().Err(err).Str("destination", dest).Msg("encode failed")
		return false
	}
	return client.deliver(types.Frame{Destination: dest, Body: raw}) > 0
}
