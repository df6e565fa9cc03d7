// Package inbound routes live customer messages through the response
// generator and records the exchange.
package inbound

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cobrador-io/cobrador/internal/metrics"
	"github.com/cobrador-io/cobrador/internal/respond"
	"github.com/cobrador-io/cobrador/internal/session"
	"github.com/cobrador-io/cobrador/internal/store"
	"github.com/cobrador-io/cobrador/internal/transport"
	"github.com/cobrador-io/cobrador/pkg/models"
)

const queueDepth = 16

// Session is the slice of the session machine the pipeline uses.
type Session interface {
	Snapshot() models.Session
	Send(ctx context.Context, to, text string) error
	SendComposing(ctx context.Context, to string) error
}

// Pipeline consumes inbound message events from sessions. Messages
// from the same counterparty are processed strictly in arrival order;
// different counterparties run concurrently.
type Pipeline struct {
	agents  store.AgentStore
	convos  store.ConversationStore
	gen     respond.Generator
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	queues map[string]chan job
	closed bool
	wg     sync.WaitGroup
}

type job struct {
	ctx  context.Context
	sess Session
	evt  transport.MessageIn
}

// New creates the pipeline.
func New(agents store.AgentStore, convos store.ConversationStore, gen respond.Generator, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		agents:  agents,
		convos:  convos,
		gen:     gen,
		logger:  logger.With("component", "inbound"),
		metrics: m,
		queues:  make(map[string]chan job),
	}
}

// HandleInbound enqueues a live message for its conversation's worker.
// Own-device echoes and history backfill are ignored.
func (p *Pipeline) HandleInbound(ctx context.Context, sess *session.Machine, evt transport.MessageIn) {
	p.enqueue(ctx, sess, evt)
}

func (p *Pipeline) enqueue(ctx context.Context, sess Session, evt transport.MessageIn) {
	if evt.FromSelf || evt.History || evt.Text == "" {
		return
	}

	snap := sess.Snapshot()
	key := snap.ID + "|" + evt.From

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	q, ok := p.queues[key]
	if !ok {
		q = make(chan job, queueDepth)
		p.queues[key] = q
		p.wg.Add(1)
		go p.worker(q)
	}
	p.mu.Unlock()

	select {
	case q <- job{ctx: ctx, sess: sess, evt: evt}:
	default:
		p.logger.Warn("conversation queue full, dropping message",
			"session_id", snap.ID, "from", evt.From)
	}
}

// Close stops all workers after draining queued messages.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) worker(q <-chan job) {
	defer p.wg.Done()
	for j := range q {
		p.process(j)
	}
}

// process runs one exchange: resolve conversation and agent, generate,
// send, record. Generation failures become the fallback text; store
// failures never block the reply.
func (p *Pipeline) process(j job) {
	snap := j.sess.Snapshot()
	logger := p.logger.With("session_id", snap.ID, "from", j.evt.From)

	if p.metrics != nil {
		p.metrics.MessagesReceived.Inc()
	}

	// Human-only mode: nothing to send, nothing to write.
	if snap.AgentID == "" {
		return
	}

	convoID, err := p.convos.GetOrCreateConversation(j.ctx, snap.TenantID, snap.ID, j.evt.From, snap.AgentID)
	if err != nil {
		logger.Error("failed to resolve conversation", "error", err)
	} else if err := p.convos.AppendMessage(j.ctx, convoID, models.RoleCustomer, j.evt.Text); err != nil {
		logger.Error("failed to record customer message", "error", err)
	}

	agent, err := p.agents.GetAgent(j.ctx, snap.AgentID)
	if err != nil {
		logger.Error("failed to load agent config", "agent_id", snap.AgentID, "error", err)
		return
	}

	if err := j.sess.SendComposing(j.ctx, j.evt.From); err != nil {
		logger.Debug("composing presence failed", "error", err)
	}

	reply := p.gen.Reply(j.ctx, agent.SystemPrompt, j.evt.Text, respond.Options{
		Provider:    agent.Provider,
		Model:       agent.Model,
		Temperature: agent.Temperature,
		BaseURL:     agent.BaseURL,
	})
	if p.metrics != nil && reply == respond.Fallback {
		p.metrics.RepliesFallback.Inc()
	}

	if err := j.sess.Send(j.ctx, j.evt.From, reply); err != nil {
		logger.Error("failed to send reply", "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.RepliesSent.Inc()
	}

	if convoID != "" {
		if err := p.convos.AppendMessage(j.ctx, convoID, models.RoleAgent, reply); err != nil {
			logger.Error("failed to record agent reply", "error", err)
		}
	}
}
