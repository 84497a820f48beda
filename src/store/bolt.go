package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/orchestra-mcp/notesync/src/types"
)

var (
	notesBucket  = []byte("notes")
	usersBucket  = []byte("users")
	emailsBucket = []byte("user_emails")
)

// BoltStore keeps notes and users as JSON in a bbolt file.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{notesBucket, usersBucket, emailsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) CreateNote(_ context.Context, n *types.Note) error {
	prepareNew(n, s.now().UTC())
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(notesBucket), n.ID, n)
	})
}

func (s *BoltStore) GetNote(_ context.Context, id string) (*types.Note, error) {
	var n types.Note
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(notesBucket), id, &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) ListNotes(_ context.Context, userID string) ([]types.Note, error) {
	out := []types.Note{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(notesBucket).ForEach(func(_, v []byte) error {
			var n types.Note
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if n.HasAccess(userID) {
				out = append(out, n)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *BoltStore) UpdateNote(_ context.Context, id, title, content string) (*types.Note, error) {
	return s.modify(id, func(n *types.Note) {
		n.Title = title
		n.Content = content
	})
}

func (s *BoltStore) DeleteNote(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(notesBucket)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) AddCollaborator(_ context.Context, noteID, userID string) (*types.Note, error) {
	return s.modify(noteID, func(n *types.Note) {
		n.CollaboratorIDs, _ = addID(n.CollaboratorIDs, userID)
	})
}

func (s *BoltStore) RemoveCollaborator(_ context.Context, noteID, userID string) (*types.Note, error) {
	return s.modify(noteID, func(n *types.Note) {
		n.CollaboratorIDs = removeID(n.CollaboratorIDs, userID)
	})
}

func (s *BoltStore) modify(id string, fn func(*types.Note)) (*types.Note, error) {
	var n types.Note
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(notesBucket)
		if err := getJSON(b, id, &n); err != nil {
			return err
		}
		fn(&n)
		n.UpdatedAt = s.now().UTC()
		return putJSON(b, id, &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) PutUser(_ context.Context, u types.UserInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(usersBucket)
		emails := tx.Bucket(emailsBucket)

		var prev types.UserInfo
		if err := getJSON(users, u.UserID, &prev); err == nil && prev.Email != "" {
			if err := emails.Delete([]byte(strings.ToLower(prev.Email))); err != nil {
				return err
			}
		}
		if u.Email != "" {
			if err := emails.Put([]byte(strings.ToLower(u.Email)), []byte(u.UserID)); err != nil {
				return err
			}
		}
		return putJSON(users, u.UserID, u)
	})
}

func (s *BoltStore) GetUser(_ context.Context, id string) (types.UserInfo, error) {
	var u types.UserInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(usersBucket), id, &u)
	})
	return u, err
}

func (s *BoltStore) FindUserByEmail(_ context.Context, email string) (types.UserInfo, error) {
	var u types.UserInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(emailsBucket).Get([]byte(strings.ToLower(email)))
		if id == nil {
			return ErrNotFound
		}
		return getJSON(tx.Bucket(usersBucket), string(id), &u)
	})
	return u, err
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}
