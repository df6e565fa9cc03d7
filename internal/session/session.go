// Package session implements the per-tenant session state machine and
// the process-wide registry of live sessions.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/cobrador-io/cobrador/internal/transport"
	"github.com/cobrador-io/cobrador/pkg/models"
)

// ErrNotConnected is returned by Send when the session has no live
// connection.
var ErrNotConnected = errors.New("session: not connected")

// CredentialStore persists per-session key material. Load is called at
// session start, Save on every credential rotation event before further
// events are processed.
type CredentialStore interface {
	Load(ctx context.Context, sessionID string) ([]byte, error)
	Save(ctx context.Context, sessionID string, creds []byte) error
}

// Projection publishes session status for dashboard polling. One-way:
// this core never reads it back.
type Projection interface {
	UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus, qr, phone string) error
}

// InboundHandler receives live inbound messages from a session.
type InboundHandler interface {
	HandleInbound(ctx context.Context, sess *Machine, evt transport.MessageIn)
}

// Sleep is an injectable ctx-aware delay, replaced in tests.
type Sleep func(ctx context.Context, d time.Duration)

// DefaultSleep waits for the duration or until the context is done.
func DefaultSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
