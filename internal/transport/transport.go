// Package transport wraps the chat-protocol connection behind a typed
// event stream. The session state machine owns exactly one Transport at
// a time and is the only consumer of its event channel.
package transport

import (
	"context"
	"time"
)

// Event is a transport-level occurrence delivered on the event channel.
// The concrete types below are the only implementations.
type Event interface {
	event()
}

// QRCode is emitted when the protocol requires a pairing scan.
type QRCode struct {
	Code string
}

// Connected is emitted once the connection is fully established.
type Connected struct {
	Phone string
}

// Disconnected is emitted when the connection drops. Terminal marks an
// explicit logout; everything else is considered recoverable.
type Disconnected struct {
	Reason   string
	Terminal bool
}

// MessageIn is an inbound message from a counterparty. History marks
// backfilled messages that predate the current connection.
type MessageIn struct {
	From      string
	FromSelf  bool
	History   bool
	Text      string
	Timestamp time.Time
}

// CredentialsUpdated is emitted after a successful pairing so the
// credential store can be updated before further events are processed.
type CredentialsUpdated struct {
	JID string
}

func (QRCode) event()             {}
func (Connected) event()          {}
func (Disconnected) event()       {}
func (MessageIn) event()          {}
func (CredentialsUpdated) event() {}

// Transport is the boundary to the chat wire protocol.
type Transport interface {
	// Connect opens the connection. QR pairing, credential updates and
	// inbound traffic are all reported through Events.
	Connect(ctx context.Context) error
	// Disconnect tears the connection down and closes the event channel.
	Disconnect()
	// Send delivers a text message to the given counterparty address.
	Send(ctx context.Context, to, text string) error
	// SendComposing marks typing presence toward the counterparty.
	// Best-effort; callers ignore the error.
	SendComposing(ctx context.Context, to string) error
	// Events returns the typed event stream. Closed on Disconnect.
	Events() <-chan Event
	// Connected reports whether the link is currently up.
	Connected() bool
}

// Factory creates a fresh Transport for a session. Each reconnect
// attempt gets a new instance; the old one must be torn down first.
type Factory interface {
	New(ctx context.Context, sessionID string) (Transport, error)
}
