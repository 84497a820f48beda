package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	return &mockConn{
		readCh:   make(chan types.Frame, 16),
		closedCh: make(chan struct{}),
	}
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

func (m *mockConn) frames(cmd string) []types.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Frame
	for _, f := range m.written {
		if f.Command == cmd {
			out = append(out, f)
		}
	}
	return out
}

type mockBridge struct {
	mu        sync.Mutex
	published []types.Frame
}

func (b *mockBridge) Publish(f types.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, f)
	return nil
}

func (b *mockBridge) Available() bool { return true }

func (b *mockBridge) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := New(zerolog.Nop())
	h.SetAuthenticator(func(token string) (string, error) {
		if token == "" || token == "bad" {
			return "", errors.New("rejected")
		}
		return "user-" + token, nil
	})
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

// startClient registers a mock client and runs its pumps.
func startClient(t *testing.T, h *Hub, id string) (*Client, *mockConn) {
	t.Helper()
	conn := newMockConn()
	client := NewClient(id, conn, h)
	h.Register(client)
	go client.WritePump()
	go client.ReadPump()
	require.Eventually(t, func() bool { return h.ClientInfo(id) != nil }, time.Second, 5*time.Millisecond)
	return client, conn
}

// connectClient starts a client and completes CONNECT with token.
func connectClient(t *testing.T, h *Hub, id, token string) (*Client, *mockConn) {
	t.Helper()
	client, conn := startClient(t, h, id)
	conn.readCh <- types.Frame{Command: types.CommandConnect, Headers: types.Bearer(token)}
	require.Eventually(t, func() bool { return len(conn.frames(types.CommandConnected)) == 1 }, time.Second, 5*time.Millisecond)
	return client, conn
}

func subscribe(t *testing.T, h *Hub, conn *mockConn, subID, dest string) {
	t.Helper()
	conn.readCh <- types.Frame{Command: types.CommandSubscribe, Subscription: subID, Destination: dest}
	require.Eventually(t, func() bool { return h.Destinations()[dest] > 0 }, time.Second, 5*time.Millisecond)
}

func TestHubRegisterAndUnregister(t *testing.T) {
	h := newTestHub(t)

	var connected, disconnected []string
	var mu sync.Mutex
	h.OnConnection(func(id string) { mu.Lock(); connected = append(connected, id); mu.Unlock() })
	h.OnDisconnection(func(id string) { mu.Lock(); disconnected = append(disconnected, id); mu.Unlock() })

	startClient(t, h, "c1")
	c2, _ := startClient(t, h, "c2")
	assert.Equal(t, []string{"c1", "c2"}, h.ConnectedClients())

	h.Unregister(c2)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, h.ClientInfo("c2"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c1", "c2"}, connected)
	assert.Equal(t, []string{"c2"}, disconnected)
}

func TestConnectAuthenticates(t *testing.T) {
	h := newTestHub(t)
	_, conn := connectClient(t, h, "c1", "alice")

	f := conn.frames(types.CommandConnected)[0]
	assert.Equal(t, "user-alice", f.Header("user-id"))
	assert.Equal(t, "user-alice", h.UserOf("c1"))
}

func TestConnectRejectedToken(t *testing.T) {
	h := newTestHub(t)
	_, conn := startClient(t, h, "c1")

	conn.readCh <- types.Frame{Command: types.CommandConnect, Headers: types.Bearer("bad")}
	require.Eventually(t, func() bool { return len(conn.frames(types.CommandError)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, conn.frames(types.CommandError)[0].Header("message"), "invalid token")
	assert.Empty(t, conn.frames(types.CommandConnected))
	assert.Equal(t, "", h.UserOf("c1"))
}

func TestFramesBeforeConnectAreRefused(t *testing.T) {
	h := newTestHub(t)
	_, conn := startClient(t, h, "c1")

	conn.readCh <- types.Frame{Command: types.CommandSubscribe, Subscription: "s1", Destination: types.ContentTopic("n1")}
	require.Eventually(t, func() bool { return len(conn.frames(types.CommandError)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.Destinations())
}

func TestPublishTagsEachSubscription(t *testing.T) {
	h := newTestHub(t)
	_, conn1 := connectClient(t, h, "c1", "alice")
	_, conn2 := connectClient(t, h, "c2", "bob")
	_, conn3 := connectClient(t, h, "c3", "carol")

	dest := types.ContentTopic("n1")
	subscribe(t, h, conn1, "sub-a", dest)
	subscribe(t, h, conn2, "sub-b", dest)
	assert.Equal(t, 2, h.Destinations()[dest])

	require.NoError(t, h.Publish(dest, types.ContentUpdate{Title: "T", Content: "C", UserID: "u"}))

	require.Eventually(t, func() bool {
		return len(conn1.frames(types.CommandMessage)) == 1 && len(conn2.frames(types.CommandMessage)) == 1
	}, time.Second, 5*time.Millisecond)

	m1 := conn1.frames(types.CommandMessage)[0]
	assert.Equal(t, "sub-a", m1.Subscription)
	assert.Equal(t, dest, m1.Destination)
	var u types.ContentUpdate
	require.NoError(t, json.Unmarshal(m1.Body, &u))
	assert.Equal(t, "C", u.Content)
	assert.Equal(t, "sub-b", conn2.frames(types.CommandMessage)[0].Subscription)
	assert.Empty(t, conn3.frames(types.CommandMessage))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newTestHub(t)
	_, conn := connectClient(t, h, "c1", "alice")
	dest := types.TypingTopic("n1")
	subscribe(t, h, conn, "s1", dest)

	conn.readCh <- types.Frame{Command: types.CommandUnsubscribe, Subscription: "s1"}
	require.Eventually(t, func() bool { return h.Destinations()[dest] == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Publish(dest, types.TypingEvent{UserID: "u", IsTyping: true}))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, conn.frames(types.CommandMessage))
}

func TestSendDispatchesByAction(t *testing.T) {
	h := newTestHub(t)

	type call struct {
		clientID string
		dest     string
	}
	calls := make(chan call, 4)
	h.RegisterHandler("typing", func(clientID string, f types.Frame) error {
		calls <- call{clientID, f.Destination}
		return nil
	})
	h.RegisterHandler("update", func(string, types.Frame) error {
		return errors.New("forbidden")
	})

	_, conn := connectClient(t, h, "c1", "alice")
	conn.readCh <- types.Frame{Command: types.CommandSend, Destination: types.TypingDestination("n1")}

	select {
	case c := <-calls:
		assert.Equal(t, "c1", c.clientID)
		assert.Equal(t, "app.notes.n1.typing", c.dest)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	conn.readCh <- types.Frame{Command: types.CommandSend, Destination: types.UpdateDestination("n1")}
	conn.readCh <- types.Frame{Command: types.CommandSend, Destination: "app.notes.n1.unknown"}
	require.Eventually(t, func() bool { return len(conn.frames(types.CommandError)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "forbidden", conn.frames(types.CommandError)[0].Header("message"))
}

func TestSendToClientTargetsQueue(t *testing.T) {
	h := newTestHub(t)
	_, conn1 := connectClient(t, h, "c1", "alice")
	_, conn2 := connectClient(t, h, "c2", "bob")

	q := types.StateQueue("n1")
	subscribe(t, h, conn1, "q1", q)
	subscribe(t, h, conn2, "q2", q)

	assert.True(t, h.SendToClient("c1", q, map[string]string{"title": "T"}))
	assert.False(t, h.SendToClient("missing", q, nil))
	assert.False(t, h.SendToClient("c2", types.StateQueue("other"), nil))

	require.Eventually(t, func() bool { return len(conn1.frames(types.CommandMessage)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "q1", conn1.frames(types.CommandMessage)[0].Subscription)
	assert.Empty(t, conn2.frames(types.CommandMessage))
}

func TestDisconnectCleansDestinations(t *testing.T) {
	h := newTestHub(t)
	_, conn := connectClient(t, h, "c1", "alice")
	subscribe(t, h, conn, "s1", types.PresenceTopic("n1"))
	subscribe(t, h, conn, "s2", types.ContentTopic("n1"))

	info := h.ClientInfo("c1")
	require.NotNil(t, info)
	assert.Equal(t, []string{"topic.notes.n1", "topic.notes.n1.presence"}, info.Subscriptions)

	_ = conn.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.Destinations())
}

func TestPublishForwardsToBridge(t *testing.T) {
	h := newTestHub(t)
	b := &mockBridge{}
	h.SetBridge(b)

	_, conn := connectClient(t, h, "c1", "alice")
	dest := types.StateTopic("n1")
	subscribe(t, h, conn, "s1", dest)

	require.NoError(t, h.Publish(dest, map[string]string{"k": "v"}))
	assert.Equal(t, 1, b.count())

	// Frames arriving from the bridge are delivered locally only.
	h.BroadcastToLocal(types.Frame{Command: types.CommandMessage, Destination: dest, Body: []byte(`{}`)})
	assert.Equal(t, 1, b.count())
	require.Eventually(t, func() bool { return len(conn.frames(types.CommandMessage)) == 2 }, time.Second, 5*time.Millisecond)
}
