package inbound

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cobrador-io/cobrador/internal/respond"
	"github.com/cobrador-io/cobrador/internal/transport"
	"github.com/cobrador-io/cobrador/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMsg struct {
	to, text string
}

type fakeSession struct {
	snap models.Session

	mu      sync.Mutex
	sends   []sentMsg
	sendErr error
}

func (s *fakeSession) Snapshot() models.Session { return s.snap }

func (s *fakeSession) Send(_ context.Context, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sends = append(s.sends, sentMsg{to, text})
	return nil
}

func (s *fakeSession) SendComposing(context.Context, string) error { return nil }

func (s *fakeSession) sent() []sentMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentMsg, len(s.sends))
	copy(out, s.sends)
	return out
}

type appendedMsg struct {
	convoID string
	role    models.Role
	text    string
}

type fakeConvos struct {
	mu        sync.Mutex
	appended  []appendedMsg
	created   int
	lookupErr error
	appendErr error
}

func (c *fakeConvos) GetOrCreateConversation(_ context.Context, _, sessionID, counterparty, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookupErr != nil {
		return "", c.lookupErr
	}
	c.created++
	return sessionID + "|" + counterparty, nil
}

func (c *fakeConvos) AppendMessage(_ context.Context, convoID string, role models.Role, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.appendErr != nil {
		return c.appendErr
	}
	c.appended = append(c.appended, appendedMsg{convoID, role, text})
	return nil
}

func (c *fakeConvos) records() []appendedMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]appendedMsg, len(c.appended))
	copy(out, c.appended)
	return out
}

type fakeAgents struct {
	agent models.Agent
	err   error
}

func (a *fakeAgents) GetAgent(context.Context, string) (models.Agent, error) {
	return a.agent, a.err
}

type fakeGen struct {
	mu      sync.Mutex
	prompts []string
	inputs  []string
	delay   time.Duration
}

func (g *fakeGen) Reply(_ context.Context, systemPrompt, userMessage string, _ respond.Options) string {
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, systemPrompt)
	g.inputs = append(g.inputs, userMessage)
	return "re: " + userMessage
}

func msg(from, text string) transport.MessageIn {
	return transport.MessageIn{From: from, Text: text, Timestamp: time.Now()}
}

func TestNoAgentIsNoOp(t *testing.T) {
	convos := &fakeConvos{}
	gen := &fakeGen{}
	p := New(&fakeAgents{}, convos, gen, testLogger(), nil)
	sess := &fakeSession{snap: models.Session{ID: "s1", TenantID: "t1"}}

	p.enqueue(context.Background(), sess, msg("c1@s.whatsapp.net", "hola"))
	p.Close()

	if got := sess.sent(); len(got) != 0 {
		t.Errorf("sent %d messages without an agent, want 0", len(got))
	}
	if got := convos.records(); len(got) != 0 {
		t.Errorf("wrote %d records without an agent, want 0", len(got))
	}
}

func TestSelfAndHistoryIgnored(t *testing.T) {
	convos := &fakeConvos{}
	p := New(&fakeAgents{agent: models.Agent{ID: "a1"}}, convos, &fakeGen{}, testLogger(), nil)
	sess := &fakeSession{snap: models.Session{ID: "s1", TenantID: "t1", AgentID: "a1"}}

	ownEcho := msg("me@s.whatsapp.net", "own message")
	ownEcho.FromSelf = true
	backfill := msg("c1@s.whatsapp.net", "old message")
	backfill.History = true

	p.enqueue(context.Background(), sess, ownEcho)
	p.enqueue(context.Background(), sess, backfill)
	p.Close()

	if got := sess.sent(); len(got) != 0 {
		t.Errorf("sent %d replies to ignored events, want 0", len(got))
	}
}

func TestSameCounterpartyProcessedInOrder(t *testing.T) {
	convos := &fakeConvos{}
	gen := &fakeGen{delay: 10 * time.Millisecond}
	agents := &fakeAgents{agent: models.Agent{ID: "a1", SystemPrompt: "be nice"}}
	p := New(agents, convos, gen, testLogger(), nil)
	sess := &fakeSession{snap: models.Session{ID: "s1", TenantID: "t1", AgentID: "a1"}}

	ctx := context.Background()
	p.enqueue(ctx, sess, msg("c1@s.whatsapp.net", "first"))
	p.enqueue(ctx, sess, msg("c1@s.whatsapp.net", "second"))
	p.Close()

	sent := sess.sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d replies, want 2", len(sent))
	}
	if sent[0].text != "re: first" || sent[1].text != "re: second" {
		t.Errorf("replies out of order: %v", sent)
	}

	var agentRecords []appendedMsg
	for _, r := range convos.records() {
		if r.role == models.RoleAgent {
			agentRecords = append(agentRecords, r)
		}
	}
	if len(agentRecords) != 2 {
		t.Fatalf("recorded %d agent messages, want 2", len(agentRecords))
	}
	if agentRecords[0].text != "re: first" || agentRecords[1].text != "re: second" {
		t.Errorf("agent records out of order: %v", agentRecords)
	}
}

func TestReplySentDespiteStoreFailure(t *testing.T) {
	convos := &fakeConvos{lookupErr: errors.New("db down")}
	p := New(&fakeAgents{agent: models.Agent{ID: "a1"}}, convos, &fakeGen{}, testLogger(), nil)
	sess := &fakeSession{snap: models.Session{ID: "s1", TenantID: "t1", AgentID: "a1"}}

	p.enqueue(context.Background(), sess, msg("c1@s.whatsapp.net", "hola"))
	p.Close()

	if got := sess.sent(); len(got) != 1 {
		t.Errorf("sent %d replies with broken store, want 1 (reply is the priority)", len(got))
	}
}

func TestSendFailureSkipsAgentRecord(t *testing.T) {
	convos := &fakeConvos{}
	p := New(&fakeAgents{agent: models.Agent{ID: "a1"}}, convos, &fakeGen{}, testLogger(), nil)
	sess := &fakeSession{
		snap:    models.Session{ID: "s1", TenantID: "t1", AgentID: "a1"},
		sendErr: errors.New("socket closed"),
	}

	p.enqueue(context.Background(), sess, msg("c1@s.whatsapp.net", "hola"))
	p.Close()

	for _, r := range convos.records() {
		if r.role == models.RoleAgent {
			t.Errorf("recorded agent reply %q that was never delivered", r.text)
		}
	}
}

func TestAgentConfigDrivesGeneration(t *testing.T) {
	gen := &fakeGen{}
	agents := &fakeAgents{agent: models.Agent{ID: "a1", SystemPrompt: "collections tone"}}
	p := New(agents, &fakeConvos{}, gen, testLogger(), nil)
	sess := &fakeSession{snap: models.Session{ID: "s1", TenantID: "t1", AgentID: "a1"}}

	p.enqueue(context.Background(), sess, msg("c1@s.whatsapp.net", "when is my payment due?"))
	p.Close()

	gen.mu.Lock()
	defer gen.mu.Unlock()
	if len(gen.prompts) != 1 || gen.prompts[0] != "collections tone" {
		t.Errorf("generator prompts = %v, want the agent's system prompt", gen.prompts)
	}
}
