package types

import (
	"errors"
	"fmt"
)

// Sentinel errors of the sync core. Wrapping structs below carry the
// context and unwrap to these, so callers test with errors.Is.
var (
	// ErrNotConnected is returned when an operation needs a connected
	// session. The core does not queue; retry once connected.
	ErrNotConnected = errors.New("notesync: not connected")

	// ErrSubscriptionFailed is returned after a partial subscribe was
	// rolled back.
	ErrSubscriptionFailed = errors.New("notesync: subscription failed")

	// ErrAuthUnavailable is returned when no fresh token can be obtained.
	ErrAuthUnavailable = errors.New("notesync: auth unavailable")

	// ErrTransport marks connection-level failures.
	ErrTransport = errors.New("notesync: transport error")

	// ErrMalformedMessage marks an inbound payload that failed to decode.
	ErrMalformedMessage = errors.New("notesync: malformed message")

	// ErrPersistence marks a failed save through the storage API.
	ErrPersistence = errors.New("notesync: persistence error")
)

// AuthError reports a failed token refresh.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth unavailable: %v", e.Err) }

func (e *AuthError) Unwrap() []error { return []error{ErrAuthUnavailable, e.Err} }

// SubscriptionError reports which channel of a note failed to open.
type SubscriptionError struct {
	NoteID      string
	Destination string
	Err         error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s (%s): %v", e.NoteID, e.Destination, e.Err)
}

func (e *SubscriptionError) Unwrap() []error { return []error{ErrSubscriptionFailed, e.Err} }

// TransportError reports a dial, handshake, read or write failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// MalformedMessageError reports a payload that failed to parse.
type MalformedMessageError struct {
	Destination string
	Err         error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message on %s: %v", e.Destination, e.Err)
}

func (e *MalformedMessageError) Unwrap() []error { return []error{ErrMalformedMessage, e.Err} }

// PersistenceError reports a failed save of a note.
type PersistenceError struct {
	NoteID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("save note %s: %v", e.NoteID, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }
