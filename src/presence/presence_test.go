package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/notesync/src/types"
)

func TestSnapshotReconciliation(t *testing.T) {
	st := State{
		"X": {UserID: "X", IsTyping: true},
		"Z": {UserID: "Z", IsTyping: false},
	}
	got := ApplySnapshot(st, []string{"X", "Y"})

	assert.Equal(t, State{
		"X": {UserID: "X", IsTyping: true},
		"Y": {UserID: "Y", IsTyping: false},
	}, got)
	// Input is untouched.
	assert.Contains(t, st, "Z")
}

func TestSnapshotRemovesTypingUsers(t *testing.T) {
	st := State{"A": {UserID: "A", IsTyping: true}}
	assert.Empty(t, ApplySnapshot(st, nil))
}

func TestPresenceJoinPreservesTyping(t *testing.T) {
	st := State{"A": {UserID: "A", IsTyping: true}}
	st = ApplyPresence(st, types.PresenceEvent{UserID: "A", Joining: true})
	assert.True(t, st["A"].IsTyping)

	st = ApplyPresence(st, types.PresenceEvent{UserID: "B", Joining: true})
	assert.Equal(t, Entry{UserID: "B"}, st["B"])
}

func TestLeaveAlwaysRemoves(t *testing.T) {
	events := []any{
		types.PresenceEvent{UserID: "A", Joining: true},
		types.TypingEvent{UserID: "A", IsTyping: true},
		types.PresenceEvent{UserID: "A", Joining: false},
		types.TypingEvent{UserID: "B", IsTyping: true},
		types.PresenceEvent{UserID: "B", Joining: false},
		types.PresenceEvent{UserID: "C", Joining: false},
	}
	st := State{}
	left := map[string]bool{}
	for _, ev := range events {
		switch e := ev.(type) {
		case types.PresenceEvent:
			st = ApplyPresence(st, e)
			if !e.Joining {
				left[e.UserID] = true
			}
		case types.TypingEvent:
			st, _ = ApplyTyping(st, e)
			delete(left, e.UserID)
		}
		for id := range left {
			assert.NotContains(t, st, id)
		}
	}
	assert.Empty(t, st)
}

func TestTypingUnknownUserCreatesEntry(t *testing.T) {
	st, created := ApplyTyping(State{}, types.TypingEvent{UserID: "A", IsTyping: true})
	assert.True(t, created)
	assert.Equal(t, Entry{UserID: "A", IsTyping: true}, st["A"])

	st, created = ApplyTyping(st, types.TypingEvent{UserID: "A", IsTyping: false})
	assert.False(t, created)
	assert.False(t, st["A"].IsTyping)
	assert.Empty(t, st.Typing())
}

// countingLookup resolves users from a fixed table.
type countingLookup struct {
	mu    sync.Mutex
	calls map[string]int
	users map[string]types.UserInfo
}

func newCountingLookup(users ...types.UserInfo) *countingLookup {
	l := &countingLookup{calls: map[string]int{}, users: map[string]types.UserInfo{}}
	for _, u := range users {
		l.users[u.UserID] = u
	}
	return l
}

func (l *countingLookup) LookupUser(_ context.Context, id string) (types.UserInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[id]++
	u, ok := l.users[id]
	if !ok {
		return types.UserInfo{}, errors.New("not found")
	}
	return u, nil
}

func (l *countingLookup) count(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[id]
}

func TestPlaceholder(t *testing.T) {
	assert.Equal(t, "User-abcdef...", Placeholder("abcdefghij"))
	assert.Equal(t, "User-abc...", Placeholder("abc"))
}

func TestLabelPreference(t *testing.T) {
	assert.Equal(t, "a@x.io", LabelFor(types.UserInfo{Email: "a@x.io", DisplayName: "Ann"}))
	assert.Equal(t, "Ann", LabelFor(types.UserInfo{DisplayName: "Ann"}))
	assert.Empty(t, LabelFor(types.UserInfo{UserID: "a"}))
}

func TestDirectoryLooksUpOnce(t *testing.T) {
	lookup := newCountingLookup(types.UserInfo{UserID: "user-1234567", Email: "u@x.io"})
	d := NewDirectory(lookup, time.Second, zerolog.Nop())

	assert.Equal(t, "User-user-1...", d.Label("user-1234567"))
	d.Resolve("user-1234567")
	d.Resolve("user-1234567")
	d.Wait()
	d.Resolve("user-1234567")
	d.Wait()

	assert.Equal(t, 1, lookup.count("user-1234567"))
	assert.Equal(t, "u@x.io", d.Label("user-1234567"))
	assert.True(t, d.Known("user-1234567"))
}

func TestDirectoryFailedLookupKeepsPlaceholder(t *testing.T) {
	lookup := newCountingLookup()
	d := NewDirectory(lookup, time.Second, zerolog.Nop())

	d.Resolve("ghost-user")
	d.Wait()
	d.Resolve("ghost-user")
	d.Wait()

	assert.Equal(t, 1, lookup.count("ghost-user"))
	assert.Equal(t, "User-ghost-...", d.Label("ghost-user"))
	assert.False(t, d.Known("ghost-user"))
}

func TestDirectoryPrimeSkipsLookup(t *testing.T) {
	lookup := newCountingLookup()
	d := NewDirectory(lookup, time.Second, zerolog.Nop())

	var resolved []string
	d.OnResolved(func(id, label string) { resolved = append(resolved, id+"="+label) })

	d.Prime(types.UserInfo{UserID: "u1", DisplayName: "Uma"})
	d.Resolve("u1")
	d.Wait()

	assert.Zero(t, lookup.count("u1"))
	assert.Equal(t, "Uma", d.Label("u1"))
	assert.Equal(t, []string{"u1=Uma"}, resolved)
}

func TestStoreAppliesAllThreePaths(t *testing.T) {
	lookup := newCountingLookup(
		types.UserInfo{UserID: "X", Email: "x@x.io"},
		types.UserInfo{UserID: "Z", DisplayName: "Zed"},
	)
	d := NewDirectory(lookup, time.Second, zerolog.Nop())
	s := NewStore("n1", d, zerolog.Nop())

	var changes int
	s.OnChange(func(State) { changes++ })

	s.ApplyPresence(types.PresenceEvent{UserID: "X", Joining: true})
	s.ApplyTyping(types.TypingEvent{UserID: "X", IsTyping: true})
	s.ApplyTyping(types.TypingEvent{UserID: "Z", IsTyping: false})
	d.Wait()

	s.ApplySnapshot(types.UserSet{"X": {UserID: "X"}, "Y": {UserID: "Y", DisplayName: "Yan"}})
	d.Wait()

	assert.Equal(t, State{
		"X": {UserID: "X", IsTyping: true},
		"Y": {UserID: "Y"},
	}, s.State())
	assert.Equal(t, 4, changes)
	assert.Equal(t, 1, lookup.count("Z"))
	assert.Zero(t, lookup.count("Y"))

	parts := s.Participants("Y")
	require.Len(t, parts, 2)
	assert.Equal(t, Participant{UserID: "X", Label: "x@x.io", IsTyping: true}, parts[0])
	assert.Equal(t, Participant{UserID: "Y", Label: "Yan", IsLocal: true}, parts[1])

	s.ApplyPresence(types.PresenceEvent{UserID: "X", Joining: false})
	assert.NotContains(t, s.State(), "X")

	s.Clear()
	assert.Empty(t, s.State())
}
