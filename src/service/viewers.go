package service

import (
	"context"
	"sort"
	"sync"
)

// Departure is a user that stopped viewing a note.
type Departure struct {
	NoteID string
	UserID string
}

// Viewers tracks which users view which notes. A user may view a note
// from several connections; they count as present until the last one
// leaves.
type Viewers interface {
	// Join records a connection of userID viewing noteID. It reports
	// whether the user was not viewing the note before.
	Join(ctx context.Context, noteID, userID, clientID string) (first bool, err error)

	// Leave removes one connection and reports whether it was the
	// user's last one on the note.
	Leave(ctx context.Context, noteID, userID, clientID string) (last bool, err error)

	// Viewing reports whether userID views noteID from any connection.
	Viewing(ctx context.Context, noteID, userID string) (bool, error)

	// Users returns the ids viewing noteID, sorted.
	Users(ctx context.Context, noteID string) ([]string, error)

	// DropClient removes every view held by a connection and returns
	// the users that no longer view a note as a result.
	DropClient(ctx context.Context, clientID string) ([]Departure, error)
}

// MemoryViewers is an in-process Viewers.
type MemoryViewers struct {
	mu     sync.Mutex
	notes  map[string]map[string]map[string]bool // note -> user -> clients
	client map[string]map[Departure]bool         // client -> views
}

// NewMemoryViewers creates an empty in-process viewer set.
func NewMemoryViewers() *MemoryViewers {
	return &MemoryViewers{
		notes:  make(map[string]map[string]map[string]bool),
		client: make(map[string]map[Departure]bool),
	}
}

func (v *MemoryViewers) Join(_ context.Context, noteID, userID, clientID string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	users := v.notes[noteID]
	if users == nil {
		users = make(map[string]map[string]bool)
		v.notes[noteID] = users
	}
	clients := users[userID]
	first := len(clients) == 0
	if clients == nil {
		clients = make(map[string]bool)
		users[userID] = clients
	}
	clients[clientID] = true

	if v.client[clientID] == nil {
		v.client[clientID] = make(map[Departure]bool)
	}
	v.client[clientID][Departure{NoteID: noteID, UserID: userID}] = true
	return first, nil
}

func (v *MemoryViewers) Leave(_ context.Context, noteID, userID, clientID string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if views := v.client[clientID]; views != nil {
		delete(views, Departure{NoteID: noteID, UserID: userID})
		if len(views) == 0 {
			delete(v.client, clientID)
		}
	}
	return v.leaveLocked(noteID, userID, clientID), nil
}

func (v *MemoryViewers) leaveLocked(noteID, userID, clientID string) bool {
	users := v.notes[noteID]
	clients, ok := users[userID]
	if !ok {
		return false
	}
	delete(clients, clientID)
	if len(clients) > 0 {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(v.notes, noteID)
	}
	return true
}

func (v *MemoryViewers) Viewing(_ context.Context, noteID, userID string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.notes[noteID][userID]) > 0, nil
}

func (v *MemoryViewers) Users(_ context.Context, noteID string) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := make([]string, 0, len(v.notes[noteID]))
	for id := range v.notes[noteID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (v *MemoryViewers) DropClient(_ context.Context, clientID string) ([]Departure, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var gone []Departure
	for d := range v.client[clientID] {
		if v.leaveLocked(d.NoteID, d.UserID, clientID) {
			gone = append(gone, d)
		}
	}
	delete(v.client, clientID)
	sortDepartures(gone)
	return gone, nil
}

func sortDepartures(ds []Departure) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].NoteID != ds[j].NoteID {
			return ds[i].NoteID < ds[j].NoteID
		}
		return ds[i].UserID < ds[j].UserID
	})
}
