package relay

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/orchestra-mcp/notesync/config"
	"github.com/orchestra-mcp/notesync/src/auth"
	"github.com/orchestra-mcp/notesync/src/editor"
	"github.com/orchestra-mcp/notesync/src/notes"
	"github.com/orchestra-mcp/notesync/src/store"
	"github.com/orchestra-mcp/notesync/src/transport"
	"github.com/orchestra-mcp/notesync/src/types"
)

const testSecret = "relay-test-secret"

func startRelay(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultRelayConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.JWTSecret = testSecret
	cfg.BoltPath = filepath.Join(t.TempDir(), "relay.db")

	st, err := store.Open(context.Background(), cfg)
	require.NoError(t, err)

	srv := New(cfg, st, zerolog.Nop())
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = st.Close()
	})
	return srv
}

func gateFor(userID, email string) *auth.Gate {
	p := &auth.HMACProvider{Secret: []byte(testSecret), UserID: userID, Email: email}
	return auth.NewGate(p, clockwork.NewRealClock(), 10*time.Minute, time.Hour, zerolog.Nop())
}

func apiFor(srv *Server, userID string) *notes.Client {
	return notes.New("http://"+srv.Addr()+"/api", gateFor(userID, userID+"@example.com"), 2*time.Second, zerolog.Nop())
}

func TestRESTNoteLifecycle(t *testing.T) {
	srv := startRelay(t)
	alice := apiFor(srv, "alice")
	bob := apiFor(srv, "bob")
	ctx := context.Background()

	me, err := alice.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.UserInfo{UserID: "alice", Email: "alice@example.com"}, me)
	_, err = bob.Me(ctx)
	require.NoError(t, err)

	n, err := alice.CreateNote(ctx, "Plan", "v1")
	require.NoError(t, err)
	assert.Equal(t, "alice", n.OwnerID)

	// Bob cannot see the note until added.
	_, err = bob.GetNote(ctx, n.ID)
	assert.True(t, notes.IsNotFound(err))

	_, err = bob.AddCollaborator(ctx, n.ID, "bob")
	assert.True(t, notes.IsNotFound(err))

	updated, err := alice.AddCollaborator(ctx, n.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, updated.CollaboratorIDs)

	require.NoError(t, bob.UpdateNote(ctx, n.ID, editor.Document{Title: "Plan", Content: "v2"}))
	got, err := alice.GetNote(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)

	list, err := bob.ListNotes(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	err = bob.DeleteNote(ctx, n.ID)
	var se *notes.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, fasthttp.StatusForbidden, se.StatusCode)

	_, err = alice.RemoveCollaborator(ctx, n.ID, "bob")
	require.NoError(t, err)
	require.NoError(t, alice.DeleteNote(ctx, n.ID))
	_, err = alice.GetNote(ctx, n.ID)
	assert.True(t, notes.IsNotFound(err))
}

func TestRESTUserLookup(t *testing.T) {
	srv := startRelay(t)
	alice := apiFor(srv, "alice")
	ctx := context.Background()

	_, err := apiFor(srv, "bob").Me(ctx)
	require.NoError(t, err)

	u, err := alice.LookupUserByEmail(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "bob", u.UserID)

	u, err = alice.LookupUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", u.Email)

	_, err = alice.LookupUser(ctx, "nobody")
	assert.True(t, notes.IsNotFound(err))
}

func TestRESTRejectsBadToken(t *testing.T) {
	srv := startRelay(t)
	c := notes.New("http://"+srv.Addr()+"/api", auth.NewGate(auth.StaticProvider{Value: "forged"}, clockwork.NewRealClock(), time.Minute, time.Hour, zerolog.Nop()), time.Second, zerolog.Nop())

	_, err := c.ListNotes(context.Background())
	assert.True(t, notes.IsUnauthorized(err))
}

func TestWebsocketConnectHandshake(t *testing.T) {
	srv := startRelay(t)
	d := transport.NewWSDialer(time.Second, time.Second, zerolog.Nop())
	ctx := context.Background()

	conn, err := d.Dial(ctx, "ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	tok, err := gateFor("alice", "alice@example.com").CurrentToken(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(types.Frame{Command: types.CommandConnect, Headers: types.Bearer(tok)}))

	var f types.Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, types.CommandConnected, f.Command)
	assert.Equal(t, "alice", f.Header("user-id"))

	ids := srv.Hub().ConnectedClients()
	require.Len(t, ids, 1)
	assert.Equal(t, "alice", srv.Hub().UserOf(ids[0]))
}

func TestWebsocketConnectRejected(t *testing.T) {
	srv := startRelay(t)
	d := transport.NewWSDialer(time.Second, time.Second, zerolog.Nop())

	conn, err := d.Dial(context.Background(), "ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(types.Frame{Command: types.CommandConnect, Headers: types.Bearer("forged")}))
	var f types.Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, types.CommandError, f.Command)
	assert.Contains(t, f.Header("message"), "invalid token")
}

func TestInfoEndpoint(t *testing.T) {
	srv := startRelay(t)

	status, body, err := fasthttp.Get(nil, "http://"+srv.Addr()+"/ws/info")
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, status)

	var info map[string]any
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, true, info["websocket"])
	assert.Equal(t, "/ws", info["endpoint"])
	assert.Equal(t, false, info["bridge"])

	status, _, err = fasthttp.Get(nil, "http://"+srv.Addr()+"/ws")
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusUpgradeRequired, status)
}
