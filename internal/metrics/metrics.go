// Package metrics exposes Prometheus counters for the orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived    prometheus.Counter
	RepliesSent         prometheus.Counter
	RepliesFallback     prometheus.Counter
	RemindersSent       prometheus.Counter
	RemindersFailed     prometheus.Counter
	ReminderRunsSkipped prometheus.Counter
	ReconnectAttempts   prometheus.Counter
}

// New creates and registers all counters.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cobrador_messages_received_total",
			Help: "Inbound customer messages processed.",
		}),
		RepliesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cobrador_replies_sent_total",
			Help: "AI replies delivered to customers.",
		}),
		RepliesFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cobrador_replies_fallback_total",
			Help: "Replies that fell back to the apology text.",
		}),
		RemindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cobrador_reminders_sent_total",
			Help: "Payment reminders delivered.",
		}),
		RemindersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cobrador_reminders_failed_total",
			Help: "Payment reminders that failed to send.",
		}),
		ReminderRunsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cobrador_reminder_runs_skipped_total",
			Help: "Reminder runs skipped because the session was offline.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cobrador_reconnect_attempts_total",
			Help: "Session reconnect attempts after recoverable drops.",
		}),
	}
	reg.MustRegister(
		m.MessagesReceived,
		m.RepliesSent,
		m.RepliesFallback,
		m.RemindersSent,
		m.RemindersFailed,
		m.ReminderRunsSkipped,
		m.ReconnectAttempts,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
