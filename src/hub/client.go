package hub

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/orchestra-mcp/notesync/src/types"
)

// Client wraps a relay connection and manages frame flow.
type Client struct {
	ID          string
	conn        types.Conn
	hub         *Hub
	Send        chan types.Frame
	connectedAt time.Time

	mu            sync.RWMutex
	userID        string
	authenticated bool
	subs          map[string]string // subscription id -> destination
	done          chan struct{}
	closed        bool
}

// NewClient creates a new relay client wrapper.
func NewClient(id string, conn types.Conn, h *Hub) *Client {
	h.mu.RLock()
	size := h.queueSize
	h.mu.RUnlock()
	return &Client{
		ID:          id,
		conn:        conn,
		hub:         h,
		Send:        make(chan types.Frame, size),
		connectedAt: time.Now(),
		subs:        make(map[string]string),
		done:        make(chan struct{}),
	}
}

// UserID returns the authenticated user, or "" before CONNECT.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Authenticated reports whether CONNECT succeeded.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Client) setUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.authenticated = true
}

// Info returns metadata about this client.
func (c *Client) Info() types.ClientInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dests := make([]string, 0, len(c.subs))
	for _, d := range c.subs {
		dests = append(dests, d)
	}
	sort.Strings(dests)
	return types.ClientInfo{
		ID:            c.ID,
		UserID:        c.userID,
		ConnectedAt:   c.connectedAt,
		Subscriptions: dests,
	}
}

// addSubscription records a subscription id and reports whether the
// client was not yet subscribed to the destination under another id.
func (c *Client) addSubscription(id, dest string) (first bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	first = true
	for _, d := range c.subs {
		if d == dest {
			first = false
			break
		}
	}
	c.subs[id] = dest
	return first
}

// removeSubscription forgets a subscription id. It returns the
// destination and whether no other id of this client still uses it.
func (c *Client) removeSubscription(id string) (dest string, last bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dest, ok = c.subs[id]
	if !ok {
		return "", false, false
	}
	delete(c.subs, id)
	for _, d := range c.subs {
		if d == dest {
			return dest, false, true
		}
	}
	return dest, true, true
}

func (c *Client) subscriptionsFor(dest string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for id, d := range c.subs {
		if d == dest {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// enqueue queues a frame without blocking. It reports false when the
// client is closed or its buffer is full.
func (c *Client) enqueue(f types.Frame) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- f:
		return true
	default:
		return false
	}
}

// deliver sends a MESSAGE frame for every subscription the client holds
// on the frame's destination.
func (c *Client) deliver(f types.Frame) int {
	n := 0
	for _, id := range c.subscriptionsFor(f.Destination) {
		msg := f
		msg.Command = types.CommandMessage
		msg.Subscription = id
		if c.enqueue(msg) {
			n++
		}
	}
	return n
}

// ReadPump reads frames from the connection and routes them to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		var f types.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if errors.Is(err, types.ErrMalformedMessage) {
				c.hub.logger.Warn().Err(err).Str("client_id", c.ID).Msg("dropping malformed frame")
				continue
			}
			return
		}
		select {
		case c.hub.incoming <- inbound{clientID: c.ID, frame: f}:
		case <-c.hub.done:
			return
		}
	}
}

// WritePump writes frames from the send channel to the connection.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for {
		select {
		case f, ok := <-c.Send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close signals the client to stop its pumps.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
		close(c.Send)
	}
}
