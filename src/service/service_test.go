package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/notesync/src/hub"
	"github.com/orchestra-mcp/notesync/src/store"
	"github.com/orchestra-mcp/notesync/src/types"
)

// mockConn implements types.Conn for testing without a real WebSocket.
type mockConn struct {
	mu       sync.Mutex
	written  []types.Frame
	readCh   chan types.Frame
	closed   bool
	closedCh chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{readCh: make(chan types.Frame, 16), closedCh: make(chan struct{})}
}

func (m *mockConn) WriteJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := v.(types.Frame); ok {
		m.written = append(m.written, f)
	}
	return nil
}

func (m *mockConn) ReadJSON(v any) error {
	select {
	case f := <-m.readCh:
		if ptr, ok := v.(*types.Frame); ok {
			*ptr = f
		}
		return nil
	case <-m.closedCh:
		return errors.New("connection closed")
	}
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

// messages returns the MESSAGE bodies received on dest.
func (m *mockConn) messages(dest string) []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []json.RawMessage
	for _, f := range m.written {
		if f.Command == types.CommandMessage && f.Destination == dest {
			out = append(out, f.Body)
		}
	}
	return out
}

func (m *mockConn) errors() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, f := range m.written {
		if f.Command == types.CommandError {
			out = append(out, f.Header("message"))
		}
	}
	return out
}

type fixture struct {
	hub   *hub.Hub
	store store.Store
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.PutUser(ctx, types.UserInfo{UserID: "alice", Email: "alice@example.com"}))
	require.NoError(t, st.PutUser(ctx, types.UserInfo{UserID: "bob", Email: "bob@example.com"}))
	require.NoError(t, st.CreateNote(ctx, &types.Note{ID: "n1", Title: "Plan", Content: "v1", OwnerID: "alice", CollaboratorIDs: []string{"bob"}}))

	h := hub.New(zerolog.Nop())
	h.SetAuthenticator(func(token string) (string, error) { return token, nil })
	go h.Run()
	t.Cleanup(h.Stop)

	svc := New(h, st, NewMemoryViewers(), zerolog.Nop())
	svc.Register()
	return &fixture{hub: h, store: st, svc: svc}
}

// join connects userID and subscribes it to every channel of n1.
func (fx *fixture) join(t *testing.T, clientID, userID string) *mockConn {
	t.Helper()
	conn := newMockConn()
	c := hub.NewClient(clientID, conn, fx.hub)
	fx.hub.Register(c)
	go c.WritePump()
	go c.ReadPump()

	conn.readCh <- types.Frame{Command: types.CommandConnect, Headers: types.Bearer(userID)}
	dests := []string{
		types.ContentTopic("n1"), types.PresenceTopic("n1"), types.TypingTopic("n1"),
		types.StateQueue("n1"), types.StateTopic("n1"),
	}
	for i, d := range dests {
		conn.readCh <- types.Frame{Command: types.CommandSubscribe, Subscription: clientID + "-" + string(rune('a'+i)), Destination: d}
	}
	require.Eventually(t, func() bool {
		info := fx.hub.ClientInfo(clientID)
		return info != nil && len(info.Subscriptions) == len(dests)
	}, time.Second, 5*time.Millisecond)
	return conn
}

func send(conn *mockConn, dest string, body any) {
	raw, _ := json.Marshal(body)
	conn.readCh <- types.Frame{Command: types.CommandSend, Destination: dest, Body: raw}
}

func TestUpdatePersistsAndStampsSender(t *testing.T) {
	fx := newFixture(t)
	a := fx.join(t, "ca", "alice")
	b := fx.join(t, "cb", "bob")

	send(a, types.UpdateDestination("n1"), types.ContentUpdate{Title: "Plan", Content: "v2", UserID: "mallory"})

	require.Eventually(t, func() bool { return len(b.messages(types.ContentTopic("n1"))) == 1 }, time.Second, 5*time.Millisecond)
	var u types.ContentUpdate
	require.NoError(t, json.Unmarshal(b.messages(types.ContentTopic("n1"))[0], &u))
	assert.Equal(t, "alice", u.UserID)
	assert.Equal(t, "v2", u.Content)

	// The sender receives its own echo too; clients drop it.
	require.Eventually(t, func() bool { return len(a.messages(types.ContentTopic("n1"))) == 1 }, time.Second, 5*time.Millisecond)

	n, err := fx.store.GetNote(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "v2", n.Content)
}

func TestUpdateUnknownNoteIsError(t *testing.T) {
	fx := newFixture(t)
	a := fx.join(t, "ca", "alice")

	send(a, types.UpdateDestination("missing"), types.ContentUpdate{Title: "x"})
	require.Eventually(t, func() bool { return len(a.errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, a.errors()[0], "not found")
}

func TestStateRequestRepliesOnQueueAndJoins(t *testing.T) {
	fx := newFixture(t)
	a := fx.join(t, "ca", "alice")
	b := fx.join(t, "cb", "bob")

	send(b, types.PresenceDestination("n1"), types.PresenceEvent{Joining: true})
	require.Eventually(t, func() bool { return len(a.messages(types.PresenceTopic("n1"))) == 1 }, time.Second, 5*time.Millisecond)

	send(a, types.StateDestination("n1"), types.StateRequest{RequestType: types.RequestInitialState})
	require.Eventually(t, func() bool { return len(a.messages(types.StateQueue("n1"))) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, b.messages(types.StateQueue("n1")), "reply goes to the requester only")

	var snap types.StateSnapshot
	require.NoError(t, json.Unmarshal(a.messages(types.StateQueue("n1"))[0], &snap))
	require.NotNil(t, snap.Title)
	assert.Equal(t, "Plan", *snap.Title)
	assert.Equal(t, "v1", *snap.Content)
	require.NotNil(t, snap.ActiveUsers)
	assert.Equal(t, []string{"bob"}, snap.ActiveUsers.IDs())
	assert.Equal(t, "bob@example.com", (*snap.ActiveUsers)["bob"].Email)
	require.NotNil(t, snap.Collaborators)
	assert.Equal(t, []string{"bob"}, snap.Collaborators.IDs())

	// The requester was not viewing yet, so it is announced.
	require.Eventually(t, func() bool { return len(b.messages(types.PresenceTopic("n1"))) == 2 }, time.Second, 5*time.Millisecond)
	var ev types.PresenceEvent
	require.NoError(t, json.Unmarshal(b.messages(types.PresenceTopic("n1"))[1], &ev))
	assert.Equal(t, types.PresenceEvent{UserID: "alice", Joining: true, UserName: "alice@example.com"}, ev)
}

func TestTypingRebroadcast(t *testing.T) {
	fx := newFixture(t)
	a := fx.join(t, "ca", "alice")
	b := fx.join(t, "cb", "bob")

	send(a, types.TypingDestination("n1"), types.TypingEvent{IsTyping: true})
	require.Eventually(t, func() bool { return len(b.messages(types.TypingTopic("n1"))) == 1 }, time.Second, 5*time.Millisecond)
	var ev types.TypingEvent
	require.NoError(t, json.Unmarshal(b.messages(types.TypingTopic("n1"))[0], &ev))
	assert.Equal(t, types.TypingEvent{UserID: "alice", IsTyping: true}, ev)
}

func TestLeaveAndDisconnectAnnounce(t *testing.T) {
	fx := newFixture(t)
	a := fx.join(t, "ca", "alice")
	b := fx.join(t, "cb", "bob")
	ctx := context.Background()

	send(a, types.PresenceDestination("n1"), types.PresenceEvent{Joining: true})
	send(b, types.PresenceDestination("n1"), types.PresenceEvent{Joining: true})
	require.Eventually(t, func() bool {
		users, _ := fx.svc.Viewers().Users(ctx, "n1")
		return len(users) == 2
	}, time.Second, 5*time.Millisecond)

	send(a, types.PresenceDestination("n1"), types.PresenceEvent{Joining: false})
	require.Eventually(t, func() bool { return len(b.messages(types.PresenceTopic("n1"))) == 3 }, time.Second, 5*time.Millisecond)

	_ = b.Close()
	require.Eventually(t, func() bool {
		users, _ := fx.svc.Viewers().Users(ctx, "n1")
		return len(users) == 0
	}, time.Second, 5*time.Millisecond)
	// Dropping b's connection announces bob leaving.
	require.Eventually(t, func() bool { return len(a.messages(types.PresenceTopic("n1"))) == 4 }, time.Second, 5*time.Millisecond)
	var ev types.PresenceEvent
	require.NoError(t, json.Unmarshal(a.messages(types.PresenceTopic("n1"))[3], &ev))
	assert.Equal(t, "bob", ev.UserID)
	assert.False(t, ev.Joining)
}

func TestBroadcastState(t *testing.T) {
	fx := newFixture(t)
	a := fx.join(t, "ca", "alice")

	require.NoError(t, fx.svc.BroadcastState(context.Background(), "n1"))
	require.Eventually(t, func() bool { return len(a.messages(types.StateTopic("n1"))) == 1 }, time.Second, 5*time.Millisecond)

	err := fx.svc.BroadcastState(context.Background(), "missing")
	assert.Error(t, err)
}
