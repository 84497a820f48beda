package presence

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/notesync/src/types"
)

// Participant is the display projection of one present user.
type Participant struct {
	UserID   string `json:"userId"`
	Label    string `json:"label"`
	IsTyping bool   `json:"isTyping"`
	IsLocal  bool   `json:"isLocal"`
}

// Store holds the presence State of one note.
type Store struct {
	noteID string
	dir    *Directory
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	onChange []func(State)
}

// NewStore creates an empty Store. dir may be shared across notes.
func NewStore(noteID string, dir *Directory, logger zerolog.Logger) *Store {
	return &Store{
		noteID: noteID,
		dir:    dir,
		logger: logger.With().Str("component", "presence").Str("note_id", noteID).Logger(),
		state:  State{},
	}
}

// OnChange registers a callback receiving a copy of the new state.
func (s *Store) OnChange(cb func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, cb)
}

// ApplySnapshot reconciles against the snapshot's active users.
func (s *Store) ApplySnapshot(users types.UserSet) {
	for _, info := range users {
		s.dir.Prime(info)
	}
	ids := users.IDs()
	s.update(func(st State) State { return ApplySnapshot(st, ids) })
	for _, id := range ids {
		s.dir.Resolve(id)
	}
}

// ApplyPresence applies a join or leave event.
func (s *Store) ApplyPresence(e types.PresenceEvent) {
	s.update(func(st State) State { return ApplyPresence(st, e) })
	if e.Joining {
		if e.UserName != "" {
			s.dir.Prime(types.UserInfo{UserID: e.UserID, DisplayName: e.UserName})
		}
		s.dir.Resolve(e.UserID)
	}
}

// ApplyTyping applies a typing toggle. Toggles for users not yet seen
// are accepted and logged.
func (s *Store) ApplyTyping(e types.TypingEvent) {
	var created bool
	s.update(func(st State) State {
		next, c := ApplyTyping(st, e)
		created = c
		return next
	})
	if created {
		s.logger.Warn().Str("user_id", e.UserID).Msg("typing from user not present, added")
		s.dir.Resolve(e.UserID)
	}
}

// Clear forgets everyone.
func (s *Store) Clear() {
	s.update(func(State) State { return State{} })
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Participants returns the present users sorted by id with their
// labels, marking localUserID.
func (s *Store) Participants(localUserID string) []Participant {
	st := s.State()
	out := make([]Participant, 0, len(st))
	for _, id := range st.IDs() {
		out = append(out, Participant{
			UserID:   id,
			Label:    s.dir.Label(id),
			IsTyping: st[id].IsTyping,
			IsLocal:  id == localUserID,
		})
	}
	return out
}

func (s *Store) update(fn func(State) State) {
	s.mu.Lock()
	s.state = fn(s.state)
	snapshot := s.state.Clone()
	cbs := s.onChange
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(snapshot)
	}
}
