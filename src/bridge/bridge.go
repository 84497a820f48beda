// Package bridge lets several relay processes serve the same notes. Each
// frame a relay delivers to its own sockets is also published on the
// Redis channel of its destination; peer relays hand it to their local
// subscribers of that destination.
package bridge

import "github.com/orchestra-mcp/notesync/src/types"

// Bridge carries destination frames between relay processes.
type Bridge interface {
	// Publish forwards f to peers subscribed to f.Destination.
	Publish(f types.Frame) error

	Start() error
	Stop() error

	// Available is false until Start succeeds and after Stop.
	Available() bool
}

// BroadcastTarget delivers a frame that arrived from a peer relay to this
// process's subscribers of its destination.
type BroadcastTarget interface {
	BroadcastToLocal(f types.Frame)
}
