package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/orchestra-mcp/notesync/src/types"
)

// startEchoServer serves a websocket that echoes text messages and
// answers the raw string "bad" with invalid JSON.
func startEchoServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.FastHTTPUpgrader{
		CheckOrigin: func(*fasthttp.RequestCtx) bool { return true },
	}
	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		_ = upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			defer conn.Close()
			for {
				mt, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if string(data) == `"bad"` {
					data = []byte("{not json")
				}
				if err := conn.WriteMessage(mt, data); err != nil {
					return
				}
			}
		})
	}}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	return "ws://" + ln.Addr().String() + "/ws"
}

func TestDialAndExchangeFrames(t *testing.T) {
	url := startEchoServer(t)
	d := NewWSDialer(50*time.Millisecond, time.Second, zerolog.Nop())

	conn, err := d.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer conn.Close()

	out := types.Frame{Command: types.CommandSend, Destination: "app.notes.n.typing", Body: []byte(`{"isTyping":true}`)}
	require.NoError(t, conn.WriteJSON(out))

	var in types.Frame
	require.NoError(t, conn.ReadJSON(&in))
	assert.Equal(t, out.Command, in.Command)
	assert.Equal(t, out.Destination, in.Destination)
	assert.JSONEq(t, `{"isTyping":true}`, string(in.Body))
}

func TestMalformedMessageKeepsConnection(t *testing.T) {
	url := startEchoServer(t)
	d := NewWSDialer(0, time.Second, zerolog.Nop())

	conn, err := d.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON("bad"))
	var f types.Frame
	err = conn.ReadJSON(&f)
	assert.ErrorIs(t, err, types.ErrMalformedMessage)

	require.NoError(t, conn.WriteJSON(types.Frame{Command: types.CommandSend}))
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, types.CommandSend, f.Command)
}

func TestHeartbeatKeepsIdleConnectionAlive(t *testing.T) {
	url := startEchoServer(t)
	d := NewWSDialer(20*time.Millisecond, time.Second, zerolog.Nop())

	conn, err := d.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Idle for well past the 3x heartbeat read deadline.
	done := make(chan error, 1)
	go func() {
		var f types.Frame
		done <- conn.ReadJSON(&f)
	}()
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(types.Frame{Command: types.CommandSend}))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame after idle period")
	}
}

func TestDialFailureIsTransportError(t *testing.T) {
	d := NewWSDialer(0, 200*time.Millisecond, zerolog.Nop())
	_, err := d.Dial(context.Background(), "ws://127.0.0.1:1/ws", nil)
	assert.ErrorIs(t, err, types.ErrTransport)
}

func TestCloseIsIdempotent(t *testing.T) {
	url := startEchoServer(t)
	d := NewWSDialer(10*time.Millisecond, time.Second, zerolog.Nop())
	conn, err := d.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
}
