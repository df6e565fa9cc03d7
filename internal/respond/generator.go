// Package respond abstracts the interchangeable AI providers behind a
// single generate call that never fails: provider errors and timeouts
// are absorbed into a fixed fallback reply.
package respond

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Fallback is the reply used whenever a provider errors or times out.
// Callers never special-case provider failures; the customer always
// gets a response.
const Fallback = "Sorry, I'm unable to give you a proper answer right now. " +
	"A member of our team will get back to you shortly."

// Options selects and tunes the provider for a single call. Pure
// configuration, no state.
type Options struct {
	Provider    string
	Model       string
	Temperature float32
	BaseURL     string
}

// Generator produces a reply for a user message under a system prompt.
type Generator interface {
	Reply(ctx context.Context, systemPrompt, userMessage string, opts Options) string
}

// Provider is one AI backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, systemPrompt, userMessage string, opts Options) (string, error)
}

// Router dispatches to the provider named in the options, falling back
// to the default provider for unrecognized names.
type Router struct {
	providers   map[string]Provider
	defaultName string
	timeout     time.Duration
	logger      *slog.Logger
}

// RouterOption configures the router.
type RouterOption func(*Router)

// WithTimeout bounds each provider call. Default 30s.
func WithTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRouter builds a router over the given providers. defaultName picks
// the provider used when a requested one is unrecognized; when it does
// not match any provider either, the first registered provider wins.
func NewRouter(providers []Provider, defaultName string, opts ...RouterOption) *Router {
	r := &Router{
		providers:   make(map[string]Provider, len(providers)),
		defaultName: defaultName,
		timeout:     30 * time.Second,
		logger:      slog.Default(),
	}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	if _, ok := r.providers[defaultName]; !ok && len(providers) > 0 {
		r.defaultName = providers[0].Name()
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reply generates a response. It always returns non-empty text within
// the configured timeout.
func (r *Router) Reply(ctx context.Context, systemPrompt, userMessage string, opts Options) string {
	p, ok := r.providers[opts.Provider]
	if !ok {
		p, ok = r.providers[r.defaultName]
		if !ok {
			r.logger.Error("no response providers configured")
			return Fallback
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	text, err := p.Complete(ctx, systemPrompt, userMessage, opts)
	if err != nil {
		r.logger.Warn("generation failed, using fallback",
			"provider", p.Name(), "model", opts.Model, "error", err)
		return Fallback
	}
	text = strings.TrimSpace(text)
	if text == "" {
		r.logger.Warn("provider returned empty reply, using fallback",
			"provider", p.Name(), "model", opts.Model)
		return Fallback
	}
	return text
}
