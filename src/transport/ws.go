// Package transport dials the single multiplexed websocket a sync
// session runs on. Heartbeats are websocket ping/pong control frames
// handled here, invisible to the frame protocol above.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/notesync/src/types"
)

// Dialer opens a transport connection.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (types.Conn, error)
}

// WSDialer dials websocket connections with heartbeats.
type WSDialer struct {
	Heartbeat        time.Duration // ping interval; the read deadline is 3x this
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Logger           zerolog.Logger
}

// NewWSDialer creates a dialer with the given heartbeat interval.
func NewWSDialer(heartbeat, handshake time.Duration, logger zerolog.Logger) *WSDialer {
	return &WSDialer{
		Heartbeat:        heartbeat,
		HandshakeTimeout: handshake,
		WriteTimeout:     10 * time.Second,
		Logger:           logger.With().Str("component", "transport").Logger(),
	}
}

func (d *WSDialer) Dial(ctx context.Context, url string, header http.Header) (types.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, &types.TransportError{Op: "dial", Err: err}
	}
	return newWSConn(ws, d.Heartbeat, d.WriteTimeout, d.Logger), nil
}

// Wrap adapts an accepted server-side websocket to types.Conn with the
// same heartbeat and malformed-message handling as dialed connections.
func Wrap(ws *websocket.Conn, heartbeat, writeTimeout time.Duration, logger zerolog.Logger) types.Conn {
	return newWSConn(ws, heartbeat, writeTimeout, logger)
}

// wsConn serialises writes, keeps the heartbeat running and closes once.
type wsConn struct {
	ws           *websocket.Conn
	heartbeat    time.Duration
	writeTimeout time.Duration
	logger       zerolog.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, heartbeat, writeTimeout time.Duration, logger zerolog.Logger) *wsConn {
	c := &wsConn{
		ws:           ws,
		heartbeat:    heartbeat,
		writeTimeout: writeTimeout,
		logger:       logger,
		done:         make(chan struct{}),
	}
	if heartbeat > 0 {
		c.extendDeadline()
		ws.SetPongHandler(func(string) error {
			c.extendDeadline()
			return nil
		})
		ws.SetPingHandler(func(data string) error {
			c.extendDeadline()
			c.writeMu.Lock()
			defer c.writeMu.Unlock()
			return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.writeTimeout))
		})
		go c.pingLoop()
	}
	return c
}

func (c *wsConn) extendDeadline() {
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * c.heartbeat))
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat failed")
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteJSON(v); err != nil {
		return &types.TransportError{Op: "write", Err: err}
	}
	return nil
}

// ReadJSON reads one message. A message that is not valid JSON is a
// MalformedMessageError and leaves the connection usable.
func (c *wsConn) ReadJSON(v any) error {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return &types.TransportError{Op: "read", Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &types.MalformedMessageError{Destination: "frame", Err: err}
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
