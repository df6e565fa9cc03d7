package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cobrador-io/cobrador/internal/backoff"
	"github.com/cobrador-io/cobrador/internal/metrics"
	"github.com/cobrador-io/cobrador/internal/transport"
	"github.com/cobrador-io/cobrador/pkg/models"
)

// Config carries the collaborators a machine needs.
type Config struct {
	Factory     transport.Factory
	Credentials CredentialStore
	Projection  Projection
	Handler     InboundHandler
	Policy      backoff.Policy
	// MaxAttempts bounds consecutive failed reconnects before the
	// session is parked as disconnected, needing a manual restart.
	MaxAttempts int
	Sleep       Sleep
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Machine drives one tenant session: it owns at most one live transport
// at any time and is the single writer of the session record.
type Machine struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	state   models.Session
	tr      transport.Transport
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// sendMu serializes outbound writes per session, the protocol
	// tolerates only one in-flight write per connection.
	sendMu sync.Mutex
}

// NewMachine creates a machine for a persisted session record. The
// machine is idle until Start is called.
func NewMachine(rec models.Session, cfg Config) *Machine {
	if cfg.Sleep == nil {
		cfg.Sleep = DefaultSleep
	}
	if cfg.Policy == (backoff.Policy{}) {
		cfg.Policy = backoff.DefaultPolicy()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	rec.Status = models.StatusDisconnected
	rec.QRCode = ""
	return &Machine{
		cfg:    cfg,
		logger: cfg.Logger.With("session_id", rec.ID, "tenant_id", rec.TenantID),
		state:  rec,
	}
}

// Snapshot returns a consistent copy of the session record.
func (m *Machine) Snapshot() models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start launches the connect/reconnect loop. Calling Start on a session
// that is already connecting or connected is a no-op. The loop's
// lifetime is bound to Stop, not to the caller's context, so triggering
// a start from a short-lived request context is safe.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	if creds, err := m.cfg.Credentials.Load(ctx, m.state.ID); err == nil && len(creds) > 0 {
		m.logger.Debug("resuming previously paired session")
	}

	go m.run(runCtx)
	return nil
}

// Stop tears down the live transport and halts the reconnect loop.
func (m *Machine) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
}

// Send delivers a text to the counterparty. Sends are serialized per
// session.
func (m *Machine) Send(ctx context.Context, to, text string) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	tr := m.transport()
	if tr == nil || !tr.Connected() {
		return ErrNotConnected
	}
	return tr.Send(ctx, to, text)
}

// SendComposing marks typing presence. Best-effort.
func (m *Machine) SendComposing(ctx context.Context, to string) error {
	tr := m.transport()
	if tr == nil {
		return ErrNotConnected
	}
	return tr.SendComposing(ctx, to)
}

// Connected reports whether the session currently has a live link.
func (m *Machine) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Status == models.StatusConnected
}

func (m *Machine) transport() transport.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tr
}

// run is the session's event loop: it holds the single live transport,
// consumes its events, and reconnects with backoff on recoverable
// drops. Terminal disconnects stop the loop.
func (m *Machine) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.cancel = nil
		close(m.done)
		m.mu.Unlock()
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			m.setStatus(models.StatusDisconnected, "")
			return
		}

		m.setStatus(models.StatusConnecting, "")
		tr, err := m.cfg.Factory.New(ctx, m.state.ID)
		if err == nil {
			m.setTransport(tr)
			err = tr.Connect(ctx)
		}
		if err != nil {
			m.teardown()
			m.setError(err)
			attempt++
			if m.giveUp(attempt) {
				return
			}
			m.waitBackoff(ctx, attempt)
			continue
		}

		terminal, sawConnect := m.consume(ctx, tr.Events())
		m.teardown()
		m.setStatus(models.StatusDisconnected, "")

		if terminal {
			m.logger.Info("session logged out, not reconnecting")
			return
		}
		if ctx.Err() != nil {
			return
		}
		if sawConnect {
			attempt = 0
		}
		attempt++
		if m.giveUp(attempt) {
			return
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.ReconnectAttempts.Inc()
		}
		m.waitBackoff(ctx, attempt)
	}
}

// consume processes transport events until the stream closes or the
// connection drops. Returns whether the drop was terminal and whether a
// full connection was established during this attempt.
func (m *Machine) consume(ctx context.Context, events <-chan transport.Event) (terminal, sawConnect bool) {
	for {
		select {
		case <-ctx.Done():
			return false, sawConnect
		case evt, ok := <-events:
			if !ok {
				return false, sawConnect
			}
			switch e := evt.(type) {
			case transport.QRCode:
				m.logger.Info("QR code ready for pairing")
				m.setQR(e.Code)

			case transport.Connected:
				sawConnect = true
				m.logger.Info("session connected", "phone", e.Phone)
				m.setConnected(e.Phone)

			case transport.CredentialsUpdated:
				// Persist before processing anything further so no
				// message is handled against stale keys.
				if err := m.cfg.Credentials.Save(ctx, m.state.ID, []byte(e.JID)); err != nil {
					m.logger.Error("failed to save credentials", "error", err)
				}

			case transport.Disconnected:
				m.logger.Warn("session disconnected",
					"reason", e.Reason, "terminal", e.Terminal)
				m.setError(errReason(e.Reason))
				return e.Terminal, sawConnect

			case transport.MessageIn:
				if m.cfg.Handler != nil {
					m.cfg.Handler.HandleInbound(ctx, m, e)
				}
			}
		}
	}
}

func (m *Machine) giveUp(attempt int) bool {
	if attempt < m.cfg.MaxAttempts {
		return false
	}
	m.logger.Error("reconnect attempts exhausted, session needs manual restart",
		"attempts", attempt)
	m.setStatus(models.StatusDisconnected, "reconnect attempts exhausted")
	return true
}

func (m *Machine) waitBackoff(ctx context.Context, attempt int) {
	delay := m.cfg.Policy.Next(attempt)
	m.logger.Debug("waiting before reconnect", "attempt", attempt, "delay", delay)
	m.cfg.Sleep(ctx, delay)
}

// teardown disconnects and releases the current transport, keeping the
// one-live-adapter invariant before any new connect.
func (m *Machine) teardown() {
	m.mu.Lock()
	tr := m.tr
	m.tr = nil
	m.mu.Unlock()
	if tr != nil {
		tr.Disconnect()
	}
}

func (m *Machine) setTransport(tr transport.Transport) {
	m.mu.Lock()
	m.tr = tr
	m.mu.Unlock()
}

func (m *Machine) setStatus(status models.SessionStatus, lastError string) {
	m.mu.Lock()
	m.state.Status = status
	m.state.QRCode = ""
	if lastError != "" {
		m.state.LastError = lastError
	}
	snap := m.state
	m.mu.Unlock()
	m.publish(snap)
}

func (m *Machine) setQR(code string) {
	m.mu.Lock()
	m.state.Status = models.StatusQRReady
	m.state.QRCode = code
	snap := m.state
	m.mu.Unlock()
	m.publish(snap)
}

func (m *Machine) setConnected(phone string) {
	m.mu.Lock()
	m.state.Status = models.StatusConnected
	m.state.QRCode = ""
	m.state.LastError = ""
	m.state.LastConnectedAt = time.Now()
	if phone != "" {
		m.state.Phone = phone
	}
	snap := m.state
	m.mu.Unlock()
	m.publish(snap)
}

func (m *Machine) setError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.state.LastError = err.Error()
	m.mu.Unlock()
}

func (m *Machine) publish(snap models.Session) {
	if m.cfg.Projection == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.cfg.Projection.UpdateSessionStatus(ctx, snap.ID, snap.Status, snap.QRCode, snap.Phone); err != nil {
		m.logger.Error("failed to publish session status", "error", err)
	}
}

type reasonError string

func (r reasonError) Error() string { return string(r) }

func errReason(reason string) error {
	if reason == "" {
		return nil
	}
	return reasonError(reason)
}
