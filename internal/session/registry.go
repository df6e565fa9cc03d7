package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cobrador-io/cobrador/pkg/models"
)

// RecordSource reads persisted session records. Used to bootstrap the
// registry at boot and to resolve restarts of sessions that are not
// live yet.
type RecordSource interface {
	ListSessions(ctx context.Context) ([]models.Session, error)
	GetSession(ctx context.Context, sessionID string) (models.Session, error)
}

// Registry is the process-wide map of live session machines. It is the
// only cross-task shared mutable state in the orchestrator and is
// constructed once at process start.
type Registry struct {
	cfg     Config
	records RecordSource
	logger  *slog.Logger

	mu       sync.Mutex
	machines map[string]*Machine
	byTenant map[string]string
}

// NewRegistry creates an empty registry. Machines inherit cfg.
func NewRegistry(records RecordSource, cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		records:  records,
		logger:   logger.With("component", "session_registry"),
		machines: make(map[string]*Machine),
		byTenant: make(map[string]string),
	}
}

// GetOrCreate returns the live machine for the session, constructing
// and starting a new one when absent.
func (r *Registry) GetOrCreate(ctx context.Context, tenantID, sessionID string) (*Machine, error) {
	if m, ok := r.Get(sessionID); ok {
		return m, nil
	}

	rec := models.Session{ID: sessionID, TenantID: tenantID}
	if r.records != nil {
		if got, err := r.records.GetSession(ctx, sessionID); err == nil {
			rec = got
		}
	}

	r.mu.Lock()
	if m, ok := r.machines[sessionID]; ok {
		r.mu.Unlock()
		return m, nil
	}
	m := NewMachine(rec, r.cfg)
	r.machines[sessionID] = m
	r.byTenant[tenantID] = sessionID
	r.mu.Unlock()

	if err := m.Start(ctx); err != nil {
		return nil, fmt.Errorf("start session %s: %w", sessionID, err)
	}
	return m, nil
}

// Get returns the live machine when present.
func (r *Registry) Get(sessionID string) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[sessionID]
	return m, ok
}

// ForTenant returns the tenant's live machine when present.
func (r *Registry) ForTenant(tenantID string) (*Machine, bool) {
	r.mu.Lock()
	sessionID, ok := r.byTenant[tenantID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.Get(sessionID)
}

// Restart is the idempotent manual trigger: a live machine is started
// again (a no-op while connecting or connected), an absent one is
// resolved from the persisted record and created.
func (r *Registry) Restart(ctx context.Context, sessionID string) (*Machine, error) {
	if m, ok := r.Get(sessionID); ok {
		return m, m.Start(ctx)
	}
	if r.records == nil {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}
	rec, err := r.records.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("resolve session %s: %w", sessionID, err)
	}
	return r.GetOrCreate(ctx, rec.TenantID, rec.ID)
}

// Bootstrap spins up machines for every persisted session record.
func (r *Registry) Bootstrap(ctx context.Context) error {
	recs, err := r.records.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, rec := range recs {
		if _, err := r.GetOrCreate(ctx, rec.TenantID, rec.ID); err != nil {
			r.logger.Error("failed to start session", "session_id", rec.ID, "error", err)
		}
	}
	r.logger.Info("sessions bootstrapped", "count", len(recs))
	return nil
}

// Shutdown stops every live machine. Sockets close; nothing else needs
// cleanup.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	machines := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.Unlock()

	for _, m := range machines {
		m.Stop()
	}
}
