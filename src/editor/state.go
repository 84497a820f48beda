package editor

import "github.com/orchestra-mcp/notesync/src/types"

// Document is the persisted part of a note.
type Document struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// DocumentState is the edit state of one note.
type DocumentState struct {
	Local   Document // what the user sees
	Synced  Document // last value known to be persisted and broadcast
	Dirty   bool
	Pending int // outbound broadcasts in flight
	Saving  bool
}

// Status is the short save status shown next to a note.
type Status string

const (
	StatusSaving   Status = "saving"
	StatusModified Status = "modified"
	StatusSynced   Status = "synced"
)

// Status derives the save status.
func (s DocumentState) Status() Status {
	switch {
	case s.Saving:
		return StatusSaving
	case s.Dirty:
		return StatusModified
	default:
		return StatusSynced
	}
}

// Loaded returns the state of a freshly loaded note.
func Loaded(doc Document) DocumentState {
	return DocumentState{Local: doc, Synced: doc}
}

// Edit applies a local edit.
func Edit(s DocumentState, doc Document) DocumentState {
	s.Local = doc
	s.Dirty = true
	return s
}

// ApplyRemote replaces the document with a content update from another
// user. Updates carrying localUserID are echoes of our own broadcast and
// leave the state unchanged; applied reports whether the update was
// taken.
func ApplyRemote(s DocumentState, u types.ContentUpdate, localUserID string) (next DocumentState, applied bool) {
	if u.UserID == localUserID {
		return s, false
	}
	doc := Document{Title: u.Title, Content: u.Content}
	s.Local = doc
	s.Synced = doc
	s.Dirty = false
	return s, true
}

// ApplySnapshot replaces whichever of title and content the snapshot
// carries. changed reports whether either was present.
func ApplySnapshot(s DocumentState, snap types.StateSnapshot) (next DocumentState, changed bool) {
	if snap.Title != nil {
		s.Local.Title = *snap.Title
		s.Synced.Title = *snap.Title
		changed = true
	}
	if snap.Content != nil {
		s.Local.Content = *snap.Content
		s.Synced.Content = *snap.Content
		changed = true
	}
	s.Dirty = s.Local != s.Synced
	return s, changed
}
