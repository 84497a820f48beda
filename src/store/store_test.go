package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/notesync/config"
	"github.com/orchestra-mcp/notesync/src/types"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	n := &types.Note{Title: "Plan", Content: "first", OwnerID: "alice"}
	require.NoError(t, s.CreateNote(ctx, n))
	require.NotEmpty(t, n.ID)
	assert.False(t, n.CreatedAt.IsZero())

	got, err := s.GetNote(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "Plan", got.Title)
	assert.Empty(t, got.CollaboratorIDs)

	_, err = s.GetNote(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	updated, err := s.UpdateNote(ctx, n.ID, "Draft", "second")
	require.NoError(t, err)
	assert.Equal(t, "Draft", updated.Title)
	assert.Equal(t, "second", updated.Content)

	_, err = s.UpdateNote(ctx, "missing", "x", "y")
	assert.ErrorIs(t, err, ErrNotFound)

	withBob, err := s.AddCollaborator(ctx, n.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, withBob.CollaboratorIDs)
	again, err := s.AddCollaborator(ctx, n.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, again.CollaboratorIDs)

	list, err := s.ListNotes(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, n.ID, list[0].ID)

	list, err = s.ListNotes(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, list)

	withoutBob, err := s.RemoveCollaborator(ctx, n.ID, "bob")
	require.NoError(t, err)
	assert.Empty(t, withoutBob.CollaboratorIDs)

	require.NoError(t, s.DeleteNote(ctx, n.ID))
	assert.ErrorIs(t, s.DeleteNote(ctx, n.ID), ErrNotFound)

	require.NoError(t, s.PutUser(ctx, types.UserInfo{UserID: "alice", Email: "Alice@Example.com", DisplayName: "Alice"}))
	u, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.DisplayName)

	u, err = s.FindUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.UserID)

	require.NoError(t, s.PutUser(ctx, types.UserInfo{UserID: "alice", Email: "a@new.io"}))
	_, err = s.FindUserByEmail(ctx, "alice@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore(t *testing.T) {
	s, err := OpenBolt(filepath.Join(t.TempDir(), "notes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	exerciseStore(t, s)
}

func TestBoltStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.db")
	s, err := OpenBolt(path)
	require.NoError(t, err)

	n := &types.Note{Title: "kept", OwnerID: "alice"}
	require.NoError(t, s.CreateNote(context.Background(), n))
	require.NoError(t, s.Close())

	s, err = OpenBolt(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetNote(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept", got.Title)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("NOTESYNC_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("NOTESYNC_TEST_DATABASE_URL not set")
	}
	s, err := OpenPostgres(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	exerciseStore(t, s)
}

func TestOpenUnknownDriver(t *testing.T) {
	cfg := config.DefaultRelayConfig()
	cfg.Store = "mongo"
	_, err := Open(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown store driver")
}

func TestOpenDefaultsToBolt(t *testing.T) {
	cfg := config.DefaultRelayConfig()
	cfg.BoltPath = filepath.Join(t.TempDir(), "relay.db")
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &BoltStore{}, s)
}
