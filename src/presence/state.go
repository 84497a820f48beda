// Package presence merges snapshot, join/leave and typing events into
// one view of who is on a note and who is typing.
//
// The reducers are pure: each takes a State and returns a new one, so
// the merge rules can be exercised directly with synthetic events.
package presence

import (
	"sort"

	"github.com/orchestra-mcp/notesync/src/types"
)

// Entry is one user currently present on a note.
type Entry struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// State maps user id to presence entry.
type State map[string]Entry

// Clone returns a copy of s.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// IDs returns the present user ids, sorted.
func (s State) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Typing returns the ids of users currently typing, sorted.
func (s State) Typing() []string {
	var ids []string
	for id, e := range s {
		if e.IsTyping {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ApplySnapshot reconciles s against the full set of active user ids.
// Users absent from ids are removed whatever their typing state; users
// already present keep their typing flag; new users start not typing.
func ApplySnapshot(s State, ids []string) State {
	out := make(State, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if prev, ok := s[id]; ok {
			out[id] = prev
			continue
		}
		out[id] = Entry{UserID: id}
	}
	return out
}

// ApplyPresence applies a join or leave. A leave always removes the
// entry.
func ApplyPresence(s State, e types.PresenceEvent) State {
	out := s.Clone()
	if !e.Joining {
		delete(out, e.UserID)
		return out
	}
	if _, ok := out[e.UserID]; !ok {
		out[e.UserID] = Entry{UserID: e.UserID}
	}
	return out
}

// ApplyTyping sets the typing flag of a user. A user not yet known is
// added with the given flag; created reports that case.
func ApplyTyping(s State, e types.TypingEvent) (next State, created bool) {
	out := s.Clone()
	prev, ok := out[e.UserID]
	if !ok {
		prev = Entry{UserID: e.UserID}
	}
	prev.IsTyping = e.IsTyping
	out[e.UserID] = prev
	return out, !ok
}
