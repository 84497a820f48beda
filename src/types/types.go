package types

import (
	"encoding/json"
	"time"
)

// Frame commands. The frame layer multiplexes logical channels over one
// websocket the way STOMP does: a client SUBSCRIBEs to a destination
// under a subscription id and receives MESSAGE frames tagged with it.
const (
	CommandConnect     = "CONNECT"
	CommandConnected   = "CONNECTED"
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandSend        = "SEND"
	CommandMessage     = "MESSAGE"
	CommandError       = "ERROR"
)

// HeaderAuthorization carries the bearer token on every frame.
const HeaderAuthorization = "Authorization"

// Frame is one unit on the wire.
type Frame struct {
	Command      string            `json:"command"`
	Destination  string            `json:"destination,omitempty"`
	Subscription string            `json:"subscription,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
}

// Header returns a header value, or "" when absent.
func (f Frame) Header(key string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[key]
}

// Bearer builds the Authorization header map for a token.
func Bearer(token string) map[string]string {
	return map[string]string{HeaderAuthorization: "Bearer " + token}
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// FrameHandler handles a SEND frame from a relay client.
type FrameHandler func(clientID string, f Frame) error

// Authenticator maps a bearer token to a user id.
type Authenticator func(token string) (userID string, err error)

// ClientInfo holds metadata about a connected relay client.
type ClientInfo struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	Subscriptions []string  `json:"subscriptions"`
}
