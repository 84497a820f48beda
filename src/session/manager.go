// Package session owns the single multiplexed transport of a sync
// session: connecting with a bearer token, routing inbound frames to
// logical subscriptions, and reconnecting after a drop.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/notesync/config"
	"github.com/orchestra-mcp/notesync/src/auth"
	"github.com/orchestra-mcp/notesync/src/channel"
	"github.com/orchestra-mcp/notesync/src/transport"
	"github.com/orchestra-mcp/notesync/src/types"
)

// ErrConnectInProgress is returned by Connect while another connect
// attempt is running.
var ErrConnectInProgress = errors.New("connect already in progress")

// State is the connection state of a Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Subscriptions is the set of documents replayed after a reconnect.
// *channel.Registry implements it.
type Subscriptions interface {
	Reset() []string
	Subscribe(ctx context.Context, noteID string) error
	Clear()
}

type route struct {
	destination string
	handler     func([]byte)
}

// Manager is the session's connection. It implements channel.Transport.
type Manager struct {
	dialer transport.Dialer
	tokens auth.Source
	clock  clockwork.Clock
	cfg    *config.ClientConfig
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     types.Conn
	gen      uint64
	routes   map[string]*route
	retry    backoff.BackOff
	timer    clockwork.Timer
	torndown bool
	subs     Subscriptions
	onChange []func(State)
}

var _ channel.Transport = (*Manager)(nil)

// New creates a disconnected Manager.
func New(dialer transport.Dialer, tokens auth.Source, clk clockwork.Clock, cfg *config.ClientConfig, logger zerolog.Logger) *Manager {
	if cfg == nil {
		cfg = config.DefaultClientConfig()
	}
	return &Manager{
		dialer: dialer,
		tokens: tokens,
		clock:  clk,
		cfg:    cfg,
		logger: logger.With().Str("component", "session").Logger(),
		routes: make(map[string]*route),
		retry: backoff.WithMaxRetries(
			backoff.NewConstantBackOff(cfg.ReconnectDelay),
			uint64(cfg.MaxReconnectAttempts)),
	}
}

// Attach sets the subscriptions replayed on every successful connect.
func (m *Manager) Attach(subs Subscriptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = subs
}

// OnStateChange registers a callback invoked on every state transition.
func (m *Manager) OnStateChange(cb func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, cb)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the transport is up.
func (m *Manager) Connected() bool {
	return m.State() == Connected
}

// Connect dials the relay and completes the CONNECT handshake. A failed
// initial connect is returned to the caller and not retried; drops
// after a successful connect are retried automatically.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case Connected:
		m.mu.Unlock()
		return nil
	case Connecting:
		m.mu.Unlock()
		return ErrConnectInProgress
	}
	m.torndown = false
	timer := m.timer
	m.timer = nil
	m.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}

	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	m.setState(Connecting)

	conn, err := m.open(ctx)
	if err != nil {
		m.setState(Disconnected)
		m.logger.Error().Err(err).Str("url", m.cfg.RelayURL).Msg("connect failed")
		return err
	}

	m.mu.Lock()
	if m.torndown {
		m.mu.Unlock()
		_ = conn.Close()
		m.setState(Disconnected)
		return types.ErrNotConnected
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.state = Connected
	m.routes = make(map[string]*route)
	m.retry.Reset()
	subs := m.subs
	m.mu.Unlock()

	go m.readLoop(conn, gen)
	m.logger.Info().Str("url", m.cfg.RelayURL).Msg("connected")

	// Listeners hear about the new connection only after the previous
	// subscriptions are back.
	if subs != nil {
		m.replay(ctx, subs)
	}
	m.mu.Lock()
	current := m.state == Connected && m.gen == gen
	m.mu.Unlock()
	if !current {
		m.logger.Debug().Msg("connection ended during replay")
		return nil
	}
	m.notify(Connected)
	return nil
}

// open dials and waits for CONNECTED.
func (m *Manager) open(ctx context.Context) (types.Conn, error) {
	token, err := m.tokens.CurrentToken(ctx)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set(types.HeaderAuthorization, "Bearer "+token)

	conn, err := m.dialer.Dial(ctx, m.cfg.RelayURL, header)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(types.Frame{Command: types.CommandConnect, Headers: types.Bearer(token)}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := m.handshake(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (m *Manager) handshake(ctx context.Context, conn types.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		for {
			var f types.Frame
			if err := conn.ReadJSON(&f); err != nil {
				var malformed *types.MalformedMessageError
				if errors.As(err, &malformed) {
					continue
				}
				result <- err
				return
			}
			switch f.Command {
			case types.CommandConnected:
				result <- nil
				return
			case types.CommandError:
				result <- &types.TransportError{Op: "connect", Err: errors.New(frameMessage(f))}
				return
			}
		}
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		_ = conn.Close()
		return &types.TransportError{Op: "connect", Err: ctx.Err()}
	}
}

// replay re-subscribes every document that was active before the
// connection was replaced. Reset empties the registry first so no
// document is subscribed twice.
func (m *Manager) replay(ctx context.Context, subs Subscriptions) {
	ids := subs.Reset()
	for _, id := range ids {
		if err := subs.Subscribe(ctx, id); err != nil {
			m.logger.Error().Err(err).Str("note_id", id).Msg("resubscribe failed")
		}
	}
	if len(ids) > 0 {
		m.logger.Info().Int("documents", len(ids)).Msg("subscriptions replayed")
	}
}

func (m *Manager) readLoop(conn types.Conn, gen uint64) {
	for {
		var f types.Frame
		if err := conn.ReadJSON(&f); err != nil {
			var malformed *types.MalformedMessageError
			if errors.As(err, &malformed) {
				m.logger.Warn().Err(err).Msg("dropping malformed frame")
				continue
			}
			m.connectionLost(gen, err)
			return
		}
		m.dispatch(f)
	}
}

func (m *Manager) dispatch(f types.Frame) {
	switch f.Command {
	case types.CommandMessage:
		m.mu.Lock()
		r := m.routes[f.Subscription]
		m.mu.Unlock()
		if r == nil {
			m.logger.Debug().Str("subscription", f.Subscription).Str("destination", f.Destination).Msg("message for unknown subscription")
			return
		}
		r.handler(f.Body)
	case types.CommandError:
		m.logger.Error().Str("destination", f.Destination).Str("message", frameMessage(f)).Msg("relay error")
	default:
		m.logger.Debug().Str("command", f.Command).Msg("ignoring frame")
	}
}

func (m *Manager) connectionLost(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state != Connected {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.routes = make(map[string]*route)
	m.mu.Unlock()

	_ = conn.Close()
	m.logger.Warn().Err(cause).Msg("connection lost")
	m.setState(Disconnected)
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.torndown || m.timer != nil || m.state != Disconnected {
		return
	}
	delay := m.retry.NextBackOff()
	if delay == backoff.Stop {
		m.logger.Error().Int("attempts", m.cfg.MaxReconnectAttempts).Msg("giving up reconnecting")
		return
	}
	m.timer = m.clock.AfterFunc(delay, m.reconnect)
	m.logger.Info().Dur("delay", delay).Msg("reconnect scheduled")
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	m.timer = nil
	if m.torndown || m.state != Disconnected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.connect(context.Background()); err != nil {
		m.scheduleReconnect()
	}
}

// Teardown cancels any pending reconnect, clears every channel set,
// closes the transport and stays disconnected.
func (m *Manager) Teardown() {
	m.mu.Lock()
	m.torndown = true
	timer := m.timer
	m.timer = nil
	conn := m.conn
	m.conn = nil
	m.gen++
	m.routes = make(map[string]*route)
	subs := m.subs
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if subs != nil {
		subs.Clear()
	}
	if conn != nil {
		_ = conn.Close()
	}
	m.setState(Disconnected)
	m.logger.Info().Msg("session torn down")
}

// Subscribe opens a logical subscription under a fresh subscription id.
func (m *Manager) Subscribe(destination string, headers map[string]string, handler func([]byte)) (channel.Handle, error) {
	m.mu.Lock()
	if m.state != Connected || m.conn == nil {
		m.mu.Unlock()
		return nil, types.ErrNotConnected
	}
	id := uuid.NewString()
	conn, gen := m.conn, m.gen
	m.routes[id] = &route{destination: destination, handler: handler}
	m.mu.Unlock()

	err := conn.WriteJSON(types.Frame{
		Command:      types.CommandSubscribe,
		Destination:  destination,
		Subscription: id,
		Headers:      headers,
	})
	if err != nil {
		m.mu.Lock()
		if m.gen == gen {
			delete(m.routes, id)
		}
		m.mu.Unlock()
		return nil, err
	}
	m.logger.Debug().Str("destination", destination).Str("subscription", id).Msg("subscribed")
	return &handle{m: m, id: id, destination: destination, gen: gen}, nil
}

// Publish sends body as JSON to an app destination.
func (m *Manager) Publish(destination string, headers map[string]string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", destination, err)
	}
	m.mu.Lock()
	if m.state != Connected || m.conn == nil {
		m.mu.Unlock()
		return types.ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	return conn.WriteJSON(types.Frame{
		Command:     types.CommandSend,
		Destination: destination,
		Headers:     headers,
		Body:        raw,
	})
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.notify(s)
}

func (m *Manager) notify(s State) {
	m.mu.Lock()
	cbs := append([]func(State){}, m.onChange...)
	m.mu.Unlock()

	m.logger.Debug().Stringer("state", s).Msg("state changed")
	for _, cb := range cbs {
		cb(s)
	}
}

// handle is a subscription bound to the connection it was opened on.
// Releasing a handle from an earlier connection only forgets it.
type handle struct {
	m           *Manager
	id          string
	destination string
	gen         uint64
}

func (h *handle) Destination() string { return h.destination }

func (h *handle) Release() error {
	m := h.m
	m.mu.Lock()
	if h.gen != m.gen {
		m.mu.Unlock()
		return nil
	}
	delete(m.routes, h.id)
	conn := m.conn
	up := m.state == Connected && conn != nil
	m.mu.Unlock()
	if !up {
		return nil
	}
	return conn.WriteJSON(types.Frame{
		Command:      types.CommandUnsubscribe,
		Destination:  h.destination,
		Subscription: h.id,
	})
}

func frameMessage(f types.Frame) string {
	if msg := f.Header("message"); msg != "" {
		return msg
	}
	if len(f.Body) > 0 {
		return string(f.Body)
	}
	return "relay rejected the request"
}
