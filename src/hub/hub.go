package hub

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/notesync/src/types"
)

// FrameBridge publishes frames to other relay instances.
// Defined here to avoid circular imports with the bridge package.
type FrameBridge interface {
	Publish(f types.Frame) error
	Available() bool
}

// Hub manages relay client connections and destination subscriptions.
type Hub struct {
	clients      map[string]*Client
	destinations map[string]map[string]bool // destination -> set of clientIDs

	register   chan *Client
	unregister chan *Client
	incoming   chan inbound

	handlers     map[string]types.FrameHandler // by app destination action
	authenticate types.Authenticator
	onConnect    []func(string)
	onDisconn    []func(string)

	bridge    FrameBridge
	queueSize int
	mu        sync.RWMutex
	logger    zerolog.Logger
	done      chan struct{}
}

type inbound struct {
	clientID string
	frame    types.Frame
}

// New creates a new Hub instance.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:      make(map[string]*Client),
		destinations: make(map[string]map[string]bool),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		incoming:     make(chan inbound, 256),
		handlers:     make(map[string]types.FrameHandler),
		queueSize:    256,
		logger:       logger.With().Str("component", "hub").Logger(),
		done:         make(chan struct{}),
	}
}

// SetBridge attaches a cross-instance bridge to the hub.
// When set, published frames are also forwarded to other instances.
func (h *Hub) SetBridge(b FrameBridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = b
}

// SetAuthenticator sets the bearer token check run on CONNECT. Without
// one every CONNECT is accepted anonymously.
func (h *Hub) SetAuthenticator(auth types.Authenticator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authenticate = auth
}

// SetQueueSize sets the outbound buffer of clients created afterwards.
func (h *Hub) SetQueueSize(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > 0 {
		h.queueSize = n
	}
}

// BroadcastToLocal delivers a frame from the bridge to local subscribers
// only. It does not re-publish to the bridge, preventing loops.
func (h *Hub) BroadcastToLocal(f types.Frame) {
	h.fanOut(f)
}

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case in := <-h.incoming:
			h.handleFrame(in)
		case <-h.done:
			return
		}
	}
}

// Stop halts the hub event loop and closes every client.
func (h *Hub) Stop() {
	close(h.done)

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.Close()
	}
}

// Register queues a client for registration.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	cbs := h.onConnect
	h.mu.Unlock()

	h.logger.Info().Str("client_id", c.ID).Msg("client registered")

	for _, cb := range cbs {
		cb(c.ID)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)

	// Remove from all destination subscriptions.
	for dest, subs := range h.destinations {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(h.destinations, dest)
		}
	}
	cbs := h.onDisconn
	h.mu.Unlock()

	c.Close()
	h.logger.Info().Str("client_id", c.ID).Str("user_id", c.UserID()).Msg("client unregistered")

	for _, cb := range cbs {
		cb(c.ID)
	}
}
