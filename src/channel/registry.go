// Package channel keeps the per-note set of logical channels a session
// is subscribed to and decodes what arrives on them.
//
// Each subscribed note holds five handles: content updates, presence,
// typing, and the state snapshot on both the per-session queue and the
// broadcast topic. A note has a ChannelSet exactly when the client has
// announced presence on it. Inbound payloads are delivered to typed
// listeners registered with OnContent, OnPresence, OnTyping and OnState.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/notesync/src/auth"
	"github.com/orchestra-mcp/notesync/src/types"
)

// Handle is one open logical subscription.
type Handle interface {
	Destination() string
	// Release ends the subscription. The local route is always removed,
	// even when telling the relay fails.
	Release() error
}

// Transport is the connection the registry subscribes and publishes on.
type Transport interface {
	Connected() bool
	Subscribe(destination string, headers map[string]string, handler func(body []byte)) (Handle, error)
	Publish(destination string, headers map[string]string, body any) error
}

// ChannelSet is the ordered handles held for one note.
type ChannelSet struct {
	NoteID  string
	handles []Handle
}

// Destinations lists the subscribed destinations in open order.
func (s *ChannelSet) Destinations() []string {
	out := make([]string, len(s.handles))
	for i, h := range s.handles {
		out[i] = h.Destination()
	}
	return out
}

func (s *ChannelSet) release(logger zerolog.Logger) {
	for _, h := range s.handles {
		if err := h.Release(); err != nil {
			logger.Debug().Err(err).Str("destination", h.Destination()).Msg("release failed")
		}
	}
	s.handles = nil
}

// Registry tracks ChannelSets by note id.
type Registry struct {
	transport Transport
	tokens    auth.Source
	userID    string
	logger    zerolog.Logger

	mu      sync.Mutex
	sets    map[string]*ChannelSet
	pending map[string]struct{}
	epoch   uint64

	lmu        sync.RWMutex
	onContent  []func(noteID string, u types.ContentUpdate)
	onPresence []func(noteID string, e types.PresenceEvent)
	onTyping   []func(noteID string, e types.TypingEvent)
	onState    []func(noteID string, s types.StateSnapshot)
}

// New creates a Registry for the local user.
func New(transport Transport, tokens auth.Source, userID string, logger zerolog.Logger) *Registry {
	return &Registry{
		transport: transport,
		tokens:    tokens,
		userID:    userID,
		logger:    logger.With().Str("component", "channel-registry").Logger(),
		sets:      make(map[string]*ChannelSet),
		pending:   make(map[string]struct{}),
	}
}

// UserID returns the local user id stamped on outbound payloads.
func (r *Registry) UserID() string { return r.userID }

// Subscribe opens the note's channels, then requests a state snapshot
// and announces presence. Subscribing twice is a no-op. A failure
// part-way releases every channel already opened.
func (r *Registry) Subscribe(ctx context.Context, noteID string) error {
	r.mu.Lock()
	if _, ok := r.sets[noteID]; ok {
		r.mu.Unlock()
		return nil
	}
	if _, ok := r.pending[noteID]; ok {
		r.mu.Unlock()
		return nil
	}
	if !r.transport.Connected() {
		r.mu.Unlock()
		return types.ErrNotConnected
	}
	r.pending[noteID] = struct{}{}
	epoch := r.epoch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, noteID)
		r.mu.Unlock()
	}()

	token, err := r.tokens.CurrentToken(ctx)
	if err != nil {
		return err
	}
	headers := types.Bearer(token)

	set := &ChannelSet{NoteID: noteID}
	for _, ch := range r.channels(noteID) {
		h, err := r.transport.Subscribe(ch.destination, headers, ch.handler)
		if err != nil {
			set.release(r.logger)
			r.logger.Error().Err(err).Str("note_id", noteID).Str("destination", ch.destination).Msg("subscribe failed, rolled back")
			return &types.SubscriptionError{NoteID: noteID, Destination: ch.destination, Err: err}
		}
		set.handles = append(set.handles, h)
	}

	r.mu.Lock()
	if r.epoch != epoch {
		// Reset or Clear ran while the channels were opening.
		r.mu.Unlock()
		set.release(r.logger)
		return types.ErrNotConnected
	}
	r.sets[noteID] = set
	r.mu.Unlock()

	if err := r.transport.Publish(types.StateDestination(noteID), headers, types.StateRequest{RequestType: types.RequestInitialState}); err != nil {
		r.logger.Warn().Err(err).Str("note_id", noteID).Msg("state request failed")
	}
	if err := r.transport.Publish(types.PresenceDestination(noteID), headers, types.PresenceEvent{UserID: r.userID, Joining: true}); err != nil {
		r.logger.Warn().Err(err).Str("note_id", noteID).Msg("presence announcement failed")
	}

	r.logger.Info().Str("note_id", noteID).Int("channels", len(set.handles)).Msg("subscribed")
	return nil
}

// Unsubscribe announces leaving and releases the note's channels. The
// handles are released even when the announcement fails; that failure
// is returned.
func (r *Registry) Unsubscribe(ctx context.Context, noteID string) error {
	r.mu.Lock()
	set, ok := r.sets[noteID]
	if ok {
		delete(r.sets, noteID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	announceErr := r.announceLeave(ctx, noteID)
	if announceErr != nil {
		r.logger.Warn().Err(announceErr).Str("note_id", noteID).Msg("leave announcement failed")
	}
	set.release(r.logger)

	r.logger.Info().Str("note_id", noteID).Msg("unsubscribed")
	return announceErr
}

func (r *Registry) announceLeave(ctx context.Context, noteID string) error {
	token, err := r.tokens.CurrentToken(ctx)
	if err != nil {
		return err
	}
	return r.transport.Publish(types.PresenceDestination(noteID), types.Bearer(token),
		types.PresenceEvent{UserID: r.userID, Joining: false})
}

// Reset releases every ChannelSet and returns the note ids that were
// subscribed, sorted. The session calls it before replaying
// subscriptions on a new connection.
func (r *Registry) Reset() []string {
	sets := r.takeAll()
	ids := make([]string, 0, len(sets))
	for _, s := range sets {
		ids = append(ids, s.NoteID)
		s.release(r.logger)
	}
	sort.Strings(ids)
	return ids
}

// Clear releases every ChannelSet without announcing anything.
func (r *Registry) Clear() {
	for _, s := range r.takeAll() {
		s.release(r.logger)
	}
}

func (r *Registry) takeAll() []*ChannelSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	sets := make([]*ChannelSet, 0, len(r.sets))
	for _, s := range r.sets {
		sets = append(sets, s)
	}
	r.sets = make(map[string]*ChannelSet)
	r.epoch++
	return sets
}

// Subscribed reports whether the note has a ChannelSet.
func (r *Registry) Subscribed(noteID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sets[noteID]
	return ok
}

// Documents returns the subscribed note ids, sorted.
func (r *Registry) Documents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sets))
	for id := range r.sets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Destinations returns the destinations held for a note, or nil.
func (r *Registry) Destinations(noteID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sets[noteID]; ok {
		return s.Destinations()
	}
	return nil
}

// PublishContent broadcasts a whole-document update tagged with the
// local user.
func (r *Registry) PublishContent(ctx context.Context, noteID, title, content string) error {
	return r.publish(ctx, types.UpdateDestination(noteID), types.ContentUpdate{Title: title, Content: content, UserID: r.userID})
}

// PublishTyping announces the local user's typing state.
func (r *Registry) PublishTyping(ctx context.Context, noteID string, isTyping bool) error {
	return r.publish(ctx, types.TypingDestination(noteID), types.TypingEvent{UserID: r.userID, IsTyping: isTyping})
}

// RequestState asks for a fresh snapshot of the note.
func (r *Registry) RequestState(ctx context.Context, noteID string) error {
	return r.publish(ctx, types.StateDestination(noteID), types.StateRequest{RequestType: types.RequestInitialState})
}

func (r *Registry) publish(ctx context.Context, destination string, body any) error {
	if !r.transport.Connected() {
		return types.ErrNotConnected
	}
	token, err := r.tokens.CurrentToken(ctx)
	if err != nil {
		return err
	}
	if err := r.transport.Publish(destination, types.Bearer(token), body); err != nil {
		return err
	}
	r.logger.Debug().Str("destination", destination).Msg("published")
	return nil
}

type channelDef struct {
	destination string
	handler     func(body []byte)
}

func (r *Registry) channels(noteID string) []channelDef {
	return []channelDef{
		{types.ContentTopic(noteID), r.decoder(noteID, types.ContentTopic(noteID), r.deliverContent)},
		{types.PresenceTopic(noteID), r.decoder(noteID, types.PresenceTopic(noteID), r.deliverPresence)},
		{types.TypingTopic(noteID), r.decoder(noteID, types.TypingTopic(noteID), r.deliverTyping)},
		{types.StateQueue(noteID), r.decoder(noteID, types.StateQueue(noteID), r.deliverState)},
		{types.StateTopic(noteID), r.decoder(noteID, types.StateTopic(noteID), r.deliverState)},
	}
}

// decoder returns a handler that parses body and hands it to deliver.
// Payloads that fail to parse are dropped and logged.
func (r *Registry) decoder(noteID, destination string, deliver func(noteID string, body []byte) error) func([]byte) {
	return func(body []byte) {
		if err := deliver(noteID, body); err != nil {
			malformed := &types.MalformedMessageError{Destination: destination, Err: err}
			r.logger.Warn().Err(malformed).Str("note_id", noteID).Msg("dropping message")
		}
	}
}

func (r *Registry) deliverContent(noteID string, body []byte) error {
	var u types.ContentUpdate
	if err := json.Unmarshal(body, &u); err != nil {
		return err
	}
	r.lmu.RLock()
	cbs := r.onContent
	r.lmu.RUnlock()
	for _, cb := range cbs {
		cb(noteID, u)
	}
	return nil
}

func (r *Registry) deliverPresence(noteID string, body []byte) error {
	var e types.PresenceEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return err
	}
	if e.UserID == "" {
		return errors.New("presence event without userId")
	}
	r.lmu.RLock()
	cbs := r.onPresence
	r.lmu.RUnlock()
	for _, cb := range cbs {
		cb(noteID, e)
	}
	return nil
}

func (r *Registry) deliverTyping(noteID string, body []byte) error {
	var e types.TypingEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return err
	}
	if e.UserID == "" {
		return errors.New("typing event without userId")
	}
	r.lmu.RLock()
	cbs := r.onTyping
	r.lmu.RUnlock()
	for _, cb := range cbs {
		cb(noteID, e)
	}
	return nil
}

func (r *Registry) deliverState(noteID string, body []byte) error {
	var s types.StateSnapshot
	if err := json.Unmarshal(body, &s); err != nil {
		return err
	}
	r.lmu.RLock()
	cbs := r.onState
	r.lmu.RUnlock()
	for _, cb := range cbs {
		cb(noteID, s)
	}
	return nil
}
