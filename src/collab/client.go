// Package collab assembles the sync core into one client session: a
// token gate, a session over the relay, the channel registry and one
// presence store and edit pipeline per open note.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/notesync/config"
	"github.com/orchestra-mcp/notesync/src/auth"
	"github.com/orchestra-mcp/notesync/src/channel"
	"github.com/orchestra-mcp/notesync/src/editor"
	"github.com/orchestra-mcp/notesync/src/presence"
	"github.com/orchestra-mcp/notesync/src/session"
	"github.com/orchestra-mcp/notesync/src/transport"
	"github.com/orchestra-mcp/notesync/src/types"
)

// API is the storage and identity service the client loads notes from.
// *notes.Client implements it.
type API interface {
	editor.Persister
	presence.UserLookup
	GetNote(ctx context.Context, noteID string) (*types.Note, error)
}

// TokenGate hands out bearer tokens and escalates their loss.
// *auth.Gate implements it.
type TokenGate interface {
	auth.Source
	Invalidate()
	OnAuthLost(cb func(error))
}

// Options configures a Client.
type Options struct {
	UserID string
	Tokens TokenGate
	Dialer transport.Dialer
	API    API
	Clock  clockwork.Clock
	Config *config.ClientConfig
	Logger zerolog.Logger
}

// Client is one user's realtime session.
type Client struct {
	userID    string
	tokens    TokenGate
	api       API
	session   *session.Manager
	registry  *channel.Registry
	directory *presence.Directory
	clock     clockwork.Clock
	cfg       *config.ClientConfig
	base      zerolog.Logger
	logger    zerolog.Logger

	mu       sync.Mutex
	docs     map[string]*Document
	onLogout []func(error)
}

// New wires a client. It does not connect.
func New(opts Options) *Client {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultClientConfig()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewWSDialer(cfg.Heartbeat, cfg.HandshakeTimeout, opts.Logger)
	}

	c := &Client{
		userID:    opts.UserID,
		tokens:    opts.Tokens,
		api:       opts.API,
		directory: presence.NewDirectory(opts.API, cfg.LookupTimeout, opts.Logger),
		clock:     clk,
		cfg:       cfg,
		base:      opts.Logger,
		logger:    opts.Logger.With().Str("component", "collab").Str("user_id", opts.UserID).Logger(),
		docs:      make(map[string]*Document),
	}
	c.session = session.New(dialer, opts.Tokens, clk, cfg, opts.Logger)
	c.registry = channel.New(c.session, opts.Tokens, opts.UserID, opts.Logger)
	c.session.Attach(c.registry)

	c.registry.OnContent(func(noteID string, u types.ContentUpdate) {
		if d := c.Document(noteID); d != nil {
			d.Pipeline.HandleContent(u)
		}
	})
	c.registry.OnPresence(func(noteID string, e types.PresenceEvent) {
		if d := c.Document(noteID); d != nil {
			d.Presence.ApplyPresence(e)
		}
	})
	c.registry.OnTyping(func(noteID string, e types.TypingEvent) {
		if d := c.Document(noteID); d != nil {
			d.Presence.ApplyTyping(e)
		}
	})
	c.registry.OnState(func(noteID string, s types.StateSnapshot) {
		if d := c.Document(noteID); d != nil {
			d.Pipeline.HandleState(s)
		}
	})

	c.session.OnStateChange(func(s session.State) {
		if s == session.Connected {
			c.subscribeOpen(context.Background())
		}
	})
	opts.Tokens.OnAuthLost(func(err error) {
		// Escalate off the caller's stack; the failing call may hold
		// a document's locks.
		go c.forceLogout(err)
	})
	return c
}

// UserID returns the local user.
func (c *Client) UserID() string { return c.userID }

// Session returns the underlying session manager.
func (c *Client) Session() *session.Manager { return c.session }

// Registry returns the channel registry.
func (c *Client) Registry() *channel.Registry { return c.registry }

// Label returns the display label of a user.
func (c *Client) Label(userID string) string { return c.directory.Label(userID) }

// OnLogout registers a callback run after a forced logout.
func (c *Client) OnLogout(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLogout = append(c.onLogout, cb)
}

// Connect connects the session. Open documents are subscribed once it
// is up.
func (c *Client) Connect(ctx context.Context) error {
	return c.session.Connect(ctx)
}

// Open loads a note and joins its realtime channels when connected.
// Opening an open note returns it again. A subscribe failure leaves the
// note open; it is retried on the next successful connect.
func (c *Client) Open(ctx context.Context, noteID string) (*Document, error) {
	if d := c.Document(noteID); d != nil {
		return d, nil
	}

	n, err := c.api.GetNote(ctx, noteID)
	if err != nil {
		return nil, fmt.Errorf("load note %s: %w", noteID, err)
	}

	store := presence.NewStore(noteID, c.directory, c.base)
	pipeline := editor.New(editor.Options{
		NoteID:    noteID,
		UserID:    c.userID,
		Persister: c.api,
		Out:       c.registry,
		Presence:  store,
		Clock:     c.clock,
		Config:    c.cfg,
		Logger:    c.base,
	})
	pipeline.Load(editor.Document{Title: n.Title, Content: n.Content})

	collaborators := make(types.UserSet, len(n.CollaboratorIDs))
	for _, id := range n.CollaboratorIDs {
		collaborators[id] = types.UserInfo{UserID: id}
		c.directory.Resolve(id)
	}
	pipeline.SetCollaborators(collaborators)
	c.directory.Resolve(n.OwnerID)

	d := &Document{ID: noteID, OwnerID: n.OwnerID, Pipeline: pipeline, Presence: store, localUser: c.userID}

	c.mu.Lock()
	if existing, ok := c.docs[noteID]; ok {
		c.mu.Unlock()
		pipeline.Close()
		return existing, nil
	}
	c.docs[noteID] = d
	c.mu.Unlock()

	if c.session.Connected() {
		if err := c.registry.Subscribe(ctx, noteID); err != nil {
			c.logger.Warn().Err(err).Str("note_id", noteID).Msg("subscribe deferred")
		}
	}
	c.logger.Info().Str("note_id", noteID).Msg("document opened")
	return d, nil
}

// Document returns an open document, or nil.
func (c *Client) Document(noteID string) *Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docs[noteID]
}

// Documents returns the ids of open documents, sorted.
func (c *Client) Documents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseDocument saves unsaved edits, leaves the note's channels and
// stops its timers.
func (c *Client) CloseDocument(ctx context.Context, noteID string) error {
	c.mu.Lock()
	d, ok := c.docs[noteID]
	delete(c.docs, noteID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	if d.Pipeline.State().Dirty {
		errs = append(errs, d.Pipeline.Save(ctx))
	}
	d.Pipeline.Close()
	d.Presence.Clear()
	if err := c.registry.Unsubscribe(ctx, noteID); err != nil && !errors.Is(err, types.ErrNotConnected) {
		errs = append(errs, err)
	}
	c.logger.Info().Str("note_id", noteID).Msg("document closed")
	return errors.Join(errs...)
}

// Logout tears the session down without announcing, closes every
// document and drops the cached token.
func (c *Client) Logout() {
	c.session.Teardown()

	c.mu.Lock()
	docs := c.docs
	c.docs = make(map[string]*Document)
	c.mu.Unlock()

	for _, d := range docs {
		d.Pipeline.Close()
		d.Presence.Clear()
	}
	c.tokens.Invalidate()
	c.logger.Info().Int("documents", len(docs)).Msg("logged out")
}

func (c *Client) forceLogout(cause error) {
	c.logger.Warn().Err(cause).Msg("auth lost, logging out")
	c.Logout()

	c.mu.Lock()
	cbs := c.onLogout
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(cause)
	}
}

// subscribeOpen subscribes every open document not yet subscribed.
func (c *Client) subscribeOpen(ctx context.Context) {
	for _, id := range c.Documents() {
		if c.registry.Subscribed(id) {
			continue
		}
		if err := c.registry.Subscribe(ctx, id); err != nil {
			c.logger.Error().Err(err).Str("note_id", id).Msg("subscribe open document")
		}
	}
}
