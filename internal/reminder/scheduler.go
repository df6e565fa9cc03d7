// Package reminder runs the scheduled outbound campaign over overdue
// obligations, pacing sends to stay under protocol abuse thresholds.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cobrador-io/cobrador/internal/metrics"
	"github.com/cobrador-io/cobrador/internal/respond"
	"github.com/cobrador-io/cobrador/internal/store"
	"github.com/cobrador-io/cobrador/pkg/models"
)

// defaultPrompt is used when the tenant's session has no agent
// assigned.
const defaultPrompt = "You are a polite collections assistant for a lending business. " +
	"Write a short, friendly payment reminder in the customer's language. " +
	"Do not threaten, do not invent payment links, keep it under 80 words."

// Session is the slice of the session machine the scheduler needs.
type Session interface {
	Connected() bool
	Send(ctx context.Context, to, text string) error
	Snapshot() models.Session
}

// Sessions resolves a tenant's live session.
type Sessions interface {
	ForTenant(tenantID string) (Session, bool)
}

// TenantSource lists the tenants to run the campaign for.
type TenantSource interface {
	ListTenants(ctx context.Context) ([]string, error)
}

// DelayFunc paces consecutive sends. Production uses a uniformly random
// delay; tests substitute zero.
type DelayFunc func(ctx context.Context, min, max time.Duration)

// UniformDelay sleeps a uniformly random duration in [min, max].
func UniformDelay(ctx context.Context, min, max time.Duration) {
	d := min
	if max > min {
		d += time.Duration(rand.Int63n(int64(max - min + 1))) // #nosec G404 -- pacing does not require cryptographic randomness
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Config tunes the campaign.
type Config struct {
	// DailyAt is the wall-clock trigger time, "HH:MM".
	DailyAt string
	// MinDelay and MaxDelay bound the randomized pause between sends.
	MinDelay time.Duration
	MaxDelay time.Duration
	// MaxPerRun caps how many obligations one run contacts, oldest
	// first. Zero means no cap.
	MaxPerRun int
}

// Result summarizes one tenant run. Advisory only; nothing resumes
// across restarts.
type Result struct {
	TenantID  string
	Skipped   bool
	Reason    string
	Attempted int
	Sent      int
	Failed    int
	Elapsed   time.Duration
}

// Scheduler fires the campaign daily and on demand. Runs for one tenant
// never overlap; different tenants run concurrently.
type Scheduler struct {
	cfg         Config
	sessions    Sessions
	tenants     TenantSource
	obligations store.ObligationSource
	agents      store.AgentStore
	gen         respond.Generator
	delay       DelayFunc
	now         func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Metrics

	cron *cron.Cron

	mu      sync.Mutex
	guards  map[string]*sync.Mutex
	lastRun map[string]time.Time
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithDelay overrides the pacing function.
func WithDelay(d DelayFunc) Option {
	return func(s *Scheduler) {
		if d != nil {
			s.delay = d
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "reminder")
		}
	}
}

// WithMetrics wires the counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// New creates the scheduler.
func New(cfg Config, sessions Sessions, tenants TenantSource, obligations store.ObligationSource, agents store.AgentStore, gen respond.Generator, opts ...Option) *Scheduler {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 20 * time.Second
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay + 40*time.Second
	}
	s := &Scheduler{
		cfg:         cfg,
		sessions:    sessions,
		tenants:     tenants,
		obligations: obligations,
		agents:      agents,
		gen:         gen,
		delay:       UniformDelay,
		now:         time.Now,
		logger:      slog.Default().With("component", "reminder"),
		guards:      make(map[string]*sync.Mutex),
		lastRun:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the daily cron entry and begins ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	spec, err := cronSpec(s.cfg.DailyAt)
	if err != nil {
		return err
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(spec, func() { s.RunAll(ctx) }); err != nil {
		return fmt.Errorf("register reminder schedule: %w", err)
	}
	s.cron.Start()
	s.logger.Info("reminder schedule registered", "at", s.cfg.DailyAt)
	return nil
}

// Stop halts the cron loop. In-flight runs finish on their own.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// RunAll launches a run for every tenant. Tenant runs proceed
// concurrently with each other.
func (s *Scheduler) RunAll(ctx context.Context) {
	tenants, err := s.tenants.ListTenants(ctx)
	if err != nil {
		s.logger.Error("failed to list tenants", "error", err)
		return
	}
	var wg sync.WaitGroup
	for _, tenantID := range tenants {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.RunTenant(ctx, id)
		}(tenantID)
	}
	wg.Wait()
}

// RunTenant executes one campaign run for a tenant. It is the manual
// trigger as well and is idempotent while a run is in progress.
func (s *Scheduler) RunTenant(ctx context.Context, tenantID string) Result {
	guard := s.guard(tenantID)
	if !guard.TryLock() {
		return s.skip(tenantID, "run already in progress")
	}
	defer guard.Unlock()

	sess, ok := s.sessions.ForTenant(tenantID)
	if !ok || !sess.Connected() {
		if s.metrics != nil {
			s.metrics.ReminderRunsSkipped.Inc()
		}
		return s.skip(tenantID, "session not connected")
	}

	asOf := s.now()
	obligations, err := s.obligations.ListDueObligations(ctx, tenantID, asOf)
	if err != nil {
		return s.skip(tenantID, fmt.Sprintf("list obligations: %v", err))
	}
	if s.cfg.MaxPerRun > 0 && len(obligations) > s.cfg.MaxPerRun {
		s.logger.Info("capping reminder batch",
			"tenant_id", tenantID, "due", len(obligations), "cap", s.cfg.MaxPerRun)
		obligations = obligations[:s.cfg.MaxPerRun]
	}

	prompt, opts := s.generationConfig(ctx, sess)

	start := s.now()
	res := Result{TenantID: tenantID, Attempted: len(obligations)}
	for i, o := range obligations {
		if ctx.Err() != nil {
			break
		}
		if err := s.sendReminder(ctx, sess, o, asOf, prompt, opts); err != nil {
			res.Failed++
			if s.metrics != nil {
				s.metrics.RemindersFailed.Inc()
			}
			s.logger.Error("reminder failed",
				"tenant_id", tenantID, "contact", o.CustomerContact, "error", err)
		} else {
			res.Sent++
			if s.metrics != nil {
				s.metrics.RemindersSent.Inc()
			}
		}
		// Anti-throttle pacing stays in the critical path between
		// consecutive obligations.
		if i < len(obligations)-1 {
			s.delay(ctx, s.cfg.MinDelay, s.cfg.MaxDelay)
		}
	}
	res.Elapsed = s.now().Sub(start)

	s.mu.Lock()
	s.lastRun[tenantID] = start
	s.mu.Unlock()

	s.logger.Info("reminder run finished",
		"tenant_id", tenantID, "attempted", res.Attempted,
		"sent", res.Sent, "failed", res.Failed, "elapsed", res.Elapsed)
	return res
}

// LastRun reports the advisory start time of the tenant's last run.
func (s *Scheduler) LastRun(tenantID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastRun[tenantID]
	return t, ok
}

func (s *Scheduler) sendReminder(ctx context.Context, sess Session, o models.Obligation, asOf time.Time, prompt string, opts respond.Options) error {
	text := s.gen.Reply(ctx, prompt, reminderContext(o, asOf), opts)
	return sess.Send(ctx, o.CustomerContact, text)
}

// generationConfig derives the prompt and provider options from the
// session's assigned agent, with a built-in default for human-only
// sessions.
func (s *Scheduler) generationConfig(ctx context.Context, sess Session) (string, respond.Options) {
	snap := sess.Snapshot()
	if snap.AgentID == "" || s.agents == nil {
		return defaultPrompt, respond.Options{}
	}
	agent, err := s.agents.GetAgent(ctx, snap.AgentID)
	if err != nil {
		s.logger.Warn("failed to load agent for reminders, using defaults",
			"agent_id", snap.AgentID, "error", err)
		return defaultPrompt, respond.Options{}
	}
	prompt := agent.SystemPrompt
	if strings.TrimSpace(prompt) == "" {
		prompt = defaultPrompt
	}
	return prompt, respond.Options{
		Provider:    agent.Provider,
		Model:       agent.Model,
		Temperature: agent.Temperature,
		BaseURL:     agent.BaseURL,
	}
}

func (s *Scheduler) guard(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guards[tenantID]
	if !ok {
		g = &sync.Mutex{}
		s.guards[tenantID] = g
	}
	return g
}

func (s *Scheduler) skip(tenantID, reason string) Result {
	s.logger.Info("reminder run skipped", "tenant_id", tenantID, "reason", reason)
	return Result{TenantID: tenantID, Skipped: true, Reason: reason}
}

// reminderContext builds the per-customer context handed to the
// generator.
func reminderContext(o models.Obligation, asOf time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a payment reminder for this customer.\n")
	fmt.Fprintf(&sb, "Customer name: %s\n", o.CustomerName)
	fmt.Fprintf(&sb, "Outstanding amount: %.2f %s\n", o.Amount, o.Currency)
	fmt.Fprintf(&sb, "Due date: %s\n", o.DueDate.Format("2006-01-02"))
	if days := o.DaysOverdue(asOf); days > 0 {
		fmt.Fprintf(&sb, "Days overdue: %d\n", days)
	}
	return sb.String()
}

// cronSpec converts "HH:MM" into a daily cron expression.
func cronSpec(dailyAt string) (string, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(dailyAt))
	if err != nil {
		return "", fmt.Errorf("invalid reminder time %q (want HH:MM): %w", dailyAt, err)
	}
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), nil
}
