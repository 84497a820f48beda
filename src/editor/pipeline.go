// Package editor runs the local edit loop of one note: typing
// indicators, debounced saves, and application of remote updates and
// snapshots.
package editor

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/notesync/config"
	"github.com/orchestra-mcp/notesync/src/presence"
	"github.com/orchestra-mcp/notesync/src/types"
)

// Persister stores a note's title and content.
type Persister interface {
	UpdateNote(ctx context.Context, noteID string, doc Document) error
}

// Broadcaster publishes on the note's realtime channels.
// *channel.Registry implements it.
type Broadcaster interface {
	PublishContent(ctx context.Context, noteID, title, content string) error
	PublishTyping(ctx context.Context, noteID string, isTyping bool) error
}

// ChangeKind identifies what a Change reports.
type ChangeKind int

const (
	ExternalUpdate ChangeKind = iota
	SnapshotApplied
	Saved
	SaveFailed
	CollaboratorsChanged
)

func (k ChangeKind) String() string {
	switch k {
	case ExternalUpdate:
		return "external-update"
	case SnapshotApplied:
		return "snapshot"
	case Saved:
		return "saved"
	case SaveFailed:
		return "save-failed"
	case CollaboratorsChanged:
		return "collaborators"
	}
	return "unknown"
}

// Change is delivered to observers.
type Change struct {
	Kind          ChangeKind
	NoteID        string
	Document      Document
	UserID        string // author of an ExternalUpdate
	Collaborators []types.UserInfo
	Err           error
}

// Pipeline is the edit session of one note.
type Pipeline struct {
	noteID    string
	userID    string
	persister Persister
	out       Broadcaster
	presence  *presence.Store
	clock     clockwork.Clock
	cfg       *config.ClientConfig
	logger    zerolog.Logger

	mu            sync.Mutex
	state         DocumentState
	collaborators types.UserSet
	typingTimer   clockwork.Timer
	typingGen     uint64
	saveTimer     clockwork.Timer
	saveGen       uint64
	editGen       uint64 // bumped by every local edit
	remoteGen     uint64 // bumped whenever a remote value replaces Synced
	closed        bool
	observers     []func(Change)
}

// Options configures a Pipeline.
type Options struct {
	NoteID    string
	UserID    string
	Persister Persister
	Out       Broadcaster
	Presence  *presence.Store // optional; receives snapshot active users
	Clock     clockwork.Clock
	Config    *config.ClientConfig
	Logger    zerolog.Logger
}

// New creates a Pipeline with an empty document.
func New(opts Options) *Pipeline {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultClientConfig()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Pipeline{
		noteID:    opts.NoteID,
		userID:    opts.UserID,
		persister: opts.Persister,
		out:       opts.Out,
		presence:  opts.Presence,
		clock:     clk,
		cfg:       cfg,
		logger:    opts.Logger.With().Str("component", "editor").Str("note_id", opts.NoteID).Logger(),
	}
}

// NoteID returns the note this pipeline edits.
func (p *Pipeline) NoteID() string { return p.noteID }

// OnChange registers an observer.
func (p *Pipeline) OnChange(cb func(Change)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, cb)
}

// Load resets the document to a value just read from storage.
func (p *Pipeline) Load(doc Document) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Loaded(doc)
}

// SetCollaborators replaces the collaborator list.
func (p *Pipeline) SetCollaborators(users types.UserSet) {
	p.mu.Lock()
	p.collaborators = cloneUsers(users)
	list := p.collaboratorsLocked()
	p.mu.Unlock()
	p.emit(Change{Kind: CollaboratorsChanged, Collaborators: list})
}

// State returns a copy of the edit state.
func (p *Pipeline) State() DocumentState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Document returns the local title and content.
func (p *Pipeline) Document() Document {
	return p.State().Local
}

// Status returns the save status.
func (p *Pipeline) Status() Status {
	return p.State().Status()
}

// Collaborators returns the users with access, sorted by id.
func (p *Pipeline) Collaborators() []types.UserInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.collaboratorsLocked()
}

func (p *Pipeline) collaboratorsLocked() []types.UserInfo {
	out := make([]types.UserInfo, 0, len(p.collaborators))
	for _, id := range p.collaborators.IDs() {
		u := p.collaborators[id]
		if u.UserID == "" {
			u.UserID = id
		}
		out = append(out, u)
	}
	return out
}

// SetTitle records a local title edit.
func (p *Pipeline) SetTitle(title string) {
	p.edit(func(d *Document) { d.Title = title })
}

// SetContent records a local content edit.
func (p *Pipeline) SetContent(content string) {
	p.edit(func(d *Document) { d.Content = content })
}

func (p *Pipeline) edit(apply func(*Document)) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	doc := p.state.Local
	apply(&doc)
	p.state = Edit(p.state, doc)
	p.editGen++

	// Typing start is edge triggered: only when no quiet-period timer
	// is running and nothing of ours is on the way out.
	startTyping := p.typingTimer == nil && p.state.Pending == 0

	stopTimer(p.typingTimer)
	p.typingGen++
	typingGen := p.typingGen
	p.typingTimer = p.clock.AfterFunc(p.cfg.TypingStopDelay, func() { p.typingStopped(typingGen) })

	p.restartSaveTimerLocked()
	p.mu.Unlock()

	if startTyping {
		p.publishTyping(true)
	}
}

func (p *Pipeline) restartSaveTimerLocked() {
	stopTimer(p.saveTimer)
	p.saveGen++
	saveGen := p.saveGen
	p.saveTimer = p.clock.AfterFunc(p.cfg.SaveDelay, func() { p.saveDue(saveGen) })
}

func (p *Pipeline) typingStopped(gen uint64) {
	p.mu.Lock()
	if p.closed || gen != p.typingGen {
		p.mu.Unlock()
		return
	}
	p.typingTimer = nil
	p.mu.Unlock()

	p.publishTyping(false)
}

func (p *Pipeline) publishTyping(isTyping bool) {
	if p.out == nil {
		return
	}
	if err := p.out.PublishTyping(context.Background(), p.noteID, isTyping); err != nil {
		p.logger.Debug().Err(err).Bool("typing", isTyping).Msg("typing indicator not sent")
	}
}

func (p *Pipeline) saveDue(gen uint64) {
	p.mu.Lock()
	if p.closed || gen != p.saveGen {
		p.mu.Unlock()
		return
	}
	p.saveTimer = nil
	p.mu.Unlock()

	if err := p.save(context.Background()); err != nil {
		p.emit(Change{Kind: SaveFailed, Err: err})
	}
}

// Save persists and broadcasts the document now, cancelling a pending
// debounced save. It does nothing when a save is already running or
// nothing changed since the last save.
func (p *Pipeline) Save(ctx context.Context) error {
	p.mu.Lock()
	stopTimer(p.saveTimer)
	p.saveTimer = nil
	p.saveGen++
	p.mu.Unlock()

	return p.save(ctx)
}

func (p *Pipeline) save(ctx context.Context) error {
	p.mu.Lock()
	if p.closed || p.state.Saving {
		p.mu.Unlock()
		return nil
	}
	if p.state.Local == p.state.Synced {
		p.state.Dirty = false
		p.mu.Unlock()
		return nil
	}
	doc := p.state.Local
	editGen, remoteGen := p.editGen, p.remoteGen
	p.state.Saving = true
	p.state.Pending++
	p.mu.Unlock()

	if err := p.persister.UpdateNote(ctx, p.noteID, doc); err != nil {
		p.mu.Lock()
		p.state.Saving = false
		p.state.Pending--
		p.mu.Unlock()
		perr := &types.PersistenceError{NoteID: p.noteID, Err: err}
		p.logger.Error().Err(err).Msg("save failed")
		return perr
	}

	if p.out != nil {
		if err := p.out.PublishContent(ctx, p.noteID, doc.Title, doc.Content); err != nil {
			p.logger.Warn().Err(err).Msg("saved but broadcast failed")
		}
	}

	p.mu.Lock()
	// A remote value accepted during the flight is newer than ours.
	if p.remoteGen == remoteGen {
		p.state.Synced = doc
	}
	p.state.Dirty = p.state.Local != p.state.Synced
	p.state.Saving = false
	p.state.Pending--
	// Local edits made while saving whose debounce already fired still
	// need a save. Remote content alone never triggers one.
	if p.editGen != editGen && p.state.Dirty && p.saveTimer == nil && !p.closed {
		p.restartSaveTimerLocked()
	}
	p.mu.Unlock()

	p.logger.Debug().Int("title_len", len(doc.Title)).Int("content_len", len(doc.Content)).Msg("saved")
	p.emit(Change{Kind: Saved, Document: doc})
	return nil
}

// HandleContent applies a content update received on the note's
// content channel. Our own echoes are dropped.
func (p *Pipeline) HandleContent(u types.ContentUpdate) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	next, applied := ApplyRemote(p.state, u, p.userID)
	if !applied {
		p.mu.Unlock()
		p.logger.Debug().Msg("dropping own echo")
		return
	}
	p.state = next
	p.remoteGen++
	doc := next.Local
	p.mu.Unlock()

	p.emit(Change{Kind: ExternalUpdate, Document: doc, UserID: u.UserID})
}

// HandleState applies a full state snapshot: title and content when
// present, presence reconciliation and the collaborator list.
func (p *Pipeline) HandleState(s types.StateSnapshot) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	next, changed := ApplySnapshot(p.state, s)
	p.state = next
	if changed {
		p.remoteGen++
	}
	doc := next.Local
	var collaborators []types.UserInfo
	if s.Collaborators != nil {
		p.collaborators = cloneUsers(*s.Collaborators)
		collaborators = p.collaboratorsLocked()
	}
	p.mu.Unlock()

	if s.ActiveUsers != nil && p.presence != nil {
		p.presence.ApplySnapshot(*s.ActiveUsers)
	}
	if changed {
		p.emit(Change{Kind: SnapshotApplied, Document: doc})
	}
	if s.Collaborators != nil {
		p.emit(Change{Kind: CollaboratorsChanged, Collaborators: collaborators})
	}
}

// Close cancels the pending timers. In-flight saves are left to finish
// on their own.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	stopTimer(p.typingTimer)
	p.typingTimer = nil
	stopTimer(p.saveTimer)
	p.saveTimer = nil
}

func stopTimer(t clockwork.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (p *Pipeline) emit(c Change) {
	c.NoteID = p.noteID
	p.mu.Lock()
	cbs := p.observers
	p.mu.Unlock()
	for _, cb := range cbs {
		cb(c)
	}
}

func cloneUsers(in types.UserSet) types.UserSet {
	out := make(types.UserSet, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
