// Package store persists notes and users for the dev relay.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orchestra-mcp/notesync/config"
	"github.com/orchestra-mcp/notesync/src/types"
)

// ErrNotFound is returned when a note or user does not exist.
var ErrNotFound = errors.New("store: not found")

// NoteStore persists notes.
type NoteStore interface {
	CreateNote(ctx context.Context, n *types.Note) error
	GetNote(ctx context.Context, id string) (*types.Note, error)
	// ListNotes returns the notes userID owns or collaborates on.
	ListNotes(ctx context.Context, userID string) ([]types.Note, error)
	UpdateNote(ctx context.Context, id, title, content string) (*types.Note, error)
	DeleteNote(ctx context.Context, id string) error
	AddCollaborator(ctx context.Context, noteID, userID string) (*types.Note, error)
	RemoveCollaborator(ctx context.Context, noteID, userID string) (*types.Note, error)
}

// UserStore persists user identities.
type UserStore interface {
	PutUser(ctx context.Context, u types.UserInfo) error
	GetUser(ctx context.Context, id string) (types.UserInfo, error)
	FindUserByEmail(ctx context.Context, email string) (types.UserInfo, error)
}

// Store is a NoteStore and UserStore backed by one database.
type Store interface {
	NoteStore
	UserStore
	Close() error
}

// Open opens the store selected by cfg.Store: "bolt" or "postgres".
func Open(ctx context.Context, cfg *config.RelayConfig) (Store, error) {
	switch cfg.Store {
	case "", "bolt":
		return OpenBolt(cfg.BoltPath)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store)
	}
}

// prepareNew fills the id and timestamps of a note about to be created.
func prepareNew(n *types.Note, now time.Time) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CollaboratorIDs == nil {
		n.CollaboratorIDs = []string{}
	}
	n.CreatedAt = now
	n.UpdatedAt = now
}

func addID(ids []string, id string) ([]string, bool) {
	for _, existing := range ids {
		if existing == id {
			return ids, false
		}
	}
	return append(ids, id), true
}

func removeID(ids []string, id string) []string {
	out := ids[:0:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
