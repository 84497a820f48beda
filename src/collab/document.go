package collab

import (
	"context"

	"github.com/orchestra-mcp/notesync/src/editor"
	"github.com/orchestra-mcp/notesync/src/presence"
)

// Document is an open note.
type Document struct {
	ID       string
	OwnerID  string
	Pipeline *editor.Pipeline
	Presence *presence.Store

	localUser string
}

// SetTitle records a local title edit.
func (d *Document) SetTitle(title string) { d.Pipeline.SetTitle(title) }

// SetContent records a local content edit.
func (d *Document) SetContent(content string) { d.Pipeline.SetContent(content) }

// Save forces a save.
func (d *Document) Save(ctx context.Context) error { return d.Pipeline.Save(ctx) }

// Content returns the local title and content.
func (d *Document) Content() editor.Document { return d.Pipeline.Document() }

// Status returns the save status.
func (d *Document) Status() editor.Status { return d.Pipeline.Status() }

// Participants returns who is present, with the local user flagged.
func (d *Document) Participants() []presence.Participant {
	return d.Presence.Participants(d.localUser)
}
