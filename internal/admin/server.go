// Package admin exposes the operational HTTP surface: session status
// polling, QR retrieval, and the idempotent restart / run-now triggers.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/cobrador-io/cobrador/internal/metrics"
	"github.com/cobrador-io/cobrador/internal/reminder"
	"github.com/cobrador-io/cobrador/internal/session"
)

// Registry is the slice of the session registry the server needs.
type Registry interface {
	Get(sessionID string) (*session.Machine, bool)
	Restart(ctx context.Context, sessionID string) (*session.Machine, error)
}

// Campaign triggers reminder runs on demand.
type Campaign interface {
	RunTenant(ctx context.Context, tenantID string) reminder.Result
}

// Server is the admin HTTP handler.
type Server struct {
	registry Registry
	campaign Campaign
	metrics  *metrics.Metrics
	logger   *slog.Logger
	router   chi.Router
}

// New builds the server and its routes.
func New(registry Registry, campaign Campaign, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: registry,
		campaign: campaign,
		metrics:  m,
		logger:   logger.With("component", "admin"),
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", s.handleSessionStatus)
		r.Get("/qr.png", s.handleSessionQR)
		r.Post("/restart", s.handleSessionRestart)
	})
	r.Post("/tenants/{id}/reminders/run", s.handleReminderRun)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m.Snapshot())
}

func (s *Server) handleSessionQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	snap := m.Snapshot()
	if snap.QRCode == "" {
		http.Error(w, "no QR code pending", http.StatusNotFound)
		return
	}
	png, err := qrcode.Encode(snap.QRCode, qrcode.Medium, 256)
	if err != nil {
		s.logger.Error("failed to render QR code", "session_id", id, "error", err)
		http.Error(w, "failed to render QR code", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleSessionRestart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.registry.Restart(r.Context(), id)
	if err != nil {
		s.logger.Error("session restart failed", "session_id", id, "error", err)
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusAccepted, m.Snapshot())
}

func (s *Server) handleReminderRun(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")
	// Runs can pace for minutes; detach from the request.
	go func() {
		res := s.campaign.RunTenant(context.Background(), tenantID)
		s.logger.Info("manual reminder run complete",
			"tenant_id", res.TenantID, "skipped", res.Skipped,
			"sent", res.Sent, "failed", res.Failed)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"tenant_id": tenantID,
		"status":    "started",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
