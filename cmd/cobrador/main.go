// Package main is the CLI entry point for cobrador, the messaging
// session orchestrator behind the loan-servicing dashboard.
//
// Start the orchestrator:
//
//	cobrador serve --config cobrador.yaml
//
// Provider credentials can be supplied through the environment
// (OPENAI_API_KEY, ANTHROPIC_API_KEY) and referenced from the config
// file as ${OPENAI_API_KEY}.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cobrador-io/cobrador/internal/admin"
	"github.com/cobrador-io/cobrador/internal/backoff"
	"github.com/cobrador-io/cobrador/internal/config"
	"github.com/cobrador-io/cobrador/internal/inbound"
	"github.com/cobrador-io/cobrador/internal/metrics"
	"github.com/cobrador-io/cobrador/internal/reminder"
	"github.com/cobrador-io/cobrador/internal/respond"
	"github.com/cobrador-io/cobrador/internal/session"
	"github.com/cobrador-io/cobrador/internal/store"
	"github.com/cobrador-io/cobrador/internal/transport"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "cobrador",
		Short:   "Messaging session orchestrator for loan servicing",
		Version: version,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	root.AddCommand(serve)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, configPath string) error {
	_ = godotenv.Load()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)
	logger.Info("starting cobrador", "version", version, "addr", cfg.Server.Addr)

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	m := metrics.New()

	router := respond.NewRouter(buildProviders(cfg.LLM), cfg.LLM.DefaultProvider,
		respond.WithTimeout(cfg.LLM.Timeout), respond.WithLogger(logger))

	pipeline := inbound.New(db, db, router, logger, m)

	registry := session.NewRegistry(db, session.Config{
		Factory:     &transport.MeowFactory{SessionDir: cfg.Store.SessionDir, Logger: logger},
		Credentials: db,
		Projection:  db,
		Handler:     pipeline,
		Policy: backoff.Policy{
			Initial: cfg.Reconnect.Initial,
			Max:     cfg.Reconnect.Max,
			Factor:  cfg.Reconnect.Factor,
			Jitter:  cfg.Reconnect.Jitter,
		},
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		Logger:      logger,
		Metrics:     m,
	})

	scheduler := reminder.New(reminder.Config{
		DailyAt:   cfg.Reminders.DailyAt,
		MinDelay:  cfg.Reminders.MinDelay,
		MaxDelay:  cfg.Reminders.MaxDelay,
		MaxPerRun: cfg.Reminders.MaxPerRun,
	}, registrySessions{registry}, db, db, db, router,
		reminder.WithLogger(logger), reminder.WithMetrics(m))

	if err := registry.Bootstrap(ctx); err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           admin.New(registry, scheduler, m, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("admin server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	scheduler.Stop()
	registry.Shutdown()
	pipeline.Close()
	return nil
}

// registrySessions adapts the registry to the scheduler's view.
type registrySessions struct {
	registry *session.Registry
}

func (r registrySessions) ForTenant(tenantID string) (reminder.Session, bool) {
	m, ok := r.registry.ForTenant(tenantID)
	if !ok {
		return nil, false
	}
	return m, true
}

func buildProviders(cfg config.LLMConfig) []respond.Provider {
	openaiCfg := cfg.Providers["openai"]
	anthropicCfg := cfg.Providers["anthropic"]
	ollamaCfg := cfg.Providers["ollama"]
	return []respond.Provider{
		respond.NewOpenAIProvider(openaiCfg.APIKey, openaiCfg.BaseURL),
		respond.NewAnthropicProvider(anthropicCfg.APIKey, anthropicCfg.BaseURL),
		respond.NewOllamaProvider(ollamaCfg.BaseURL),
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
