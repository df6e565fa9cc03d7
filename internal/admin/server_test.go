package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cobrador-io/cobrador/internal/reminder"
	"github.com/cobrador-io/cobrador/internal/session"
	"github.com/cobrador-io/cobrador/internal/transport"
	"github.com/cobrador-io/cobrador/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubTransport stays alive after Connect and emits the configured
// events, so a machine built on it parks in a chosen state.
type stubTransport struct {
	onConnect []transport.Event

	mu        sync.Mutex
	events    chan transport.Event
	closed    bool
	connected atomic.Bool
}

func (f *stubTransport) Connect(context.Context) error {
	f.connected.Store(true)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		for _, e := range f.onConnect {
			f.events <- e
		}
	}
	return nil
}

func (f *stubTransport) Disconnect() {
	f.connected.Store(false)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func (f *stubTransport) Send(context.Context, string, string) error { return nil }

func (f *stubTransport) SendComposing(context.Context, string) error { return nil }

func (f *stubTransport) Events() <-chan transport.Event { return f.events }

func (f *stubTransport) Connected() bool { return f.connected.Load() }

type stubFactory struct{ emit []transport.Event }

func (f stubFactory) New(context.Context, string) (transport.Transport, error) {
	return &stubTransport{onConnect: f.emit, events: make(chan transport.Event, 4)}, nil
}

func qrFactory(code string) stubFactory {
	return stubFactory{emit: []transport.Event{transport.QRCode{Code: code}}}
}

type nopCreds struct{}

func (nopCreds) Load(context.Context, string) ([]byte, error) { return nil, nil }

func (nopCreds) Save(context.Context, string, []byte) error { return nil }

// qrMachine builds and starts a real machine that ends up showing a
// pending QR code.
func qrMachine(t *testing.T, id, tenant, code string) *session.Machine {
	t.Helper()
	m := session.NewMachine(models.Session{ID: id, TenantID: tenant}, session.Config{
		Factory:     qrFactory(code),
		Credentials: nopCreds{},
		Logger:      testLogger(),
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Snapshot().Status == models.StatusQRReady {
			return m
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("machine never reached qr_ready, status %s", m.Snapshot().Status)
	return nil
}

type fakeRegistry struct {
	machines   map[string]*session.Machine
	restarted  []string
	restartErr error
}

func (f *fakeRegistry) Get(id string) (*session.Machine, bool) {
	m, ok := f.machines[id]
	return m, ok
}

func (f *fakeRegistry) Restart(_ context.Context, id string) (*session.Machine, error) {
	if f.restartErr != nil {
		return nil, f.restartErr
	}
	m, ok := f.machines[id]
	if !ok {
		return nil, errors.New("no such session")
	}
	f.restarted = append(f.restarted, id)
	return m, nil
}

type fakeCampaign struct {
	mu   sync.Mutex
	runs []string
	done chan struct{}
}

func (f *fakeCampaign) RunTenant(_ context.Context, tenantID string) reminder.Result {
	f.mu.Lock()
	f.runs = append(f.runs, tenantID)
	f.mu.Unlock()
	if f.done != nil {
		close(f.done)
	}
	return reminder.Result{TenantID: tenantID, Sent: 1}
}

func TestHealthz(t *testing.T) {
	srv := New(&fakeRegistry{}, &fakeCampaign{}, nil, testLogger())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
}

func TestSessionStatus(t *testing.T) {
	m := qrMachine(t, "s1", "t1", "pairing-payload")
	srv := New(&fakeRegistry{machines: map[string]*session.Machine{"s1": m}},
		&fakeCampaign{}, nil, testLogger())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/s1/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got models.Session
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.ID != "s1" || got.Status != models.StatusQRReady {
		t.Errorf("body = %+v, want s1 in qr_ready", got)
	}
}

func TestSessionStatusNotFound(t *testing.T) {
	srv := New(&fakeRegistry{}, &fakeCampaign{}, nil, testLogger())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/ghost/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSessionQRRendersPNG(t *testing.T) {
	m := qrMachine(t, "s1", "t1", "pairing-payload")
	srv := New(&fakeRegistry{machines: map[string]*session.Machine{"s1": m}},
		&fakeCampaign{}, nil, testLogger())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/s1/qr.png", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	pngMagic := []byte{0x89, 'P', 'N', 'G'}
	if !bytes.HasPrefix(rec.Body.Bytes(), pngMagic) {
		t.Error("body is not a PNG")
	}
}

func TestSessionQRAbsent(t *testing.T) {
	m := session.NewMachine(models.Session{ID: "s1", TenantID: "t1"}, session.Config{
		Factory:     stubFactory{},
		Credentials: nopCreds{},
		Logger:      testLogger(),
	})
	srv := New(&fakeRegistry{machines: map[string]*session.Machine{"s1": m}},
		&fakeCampaign{}, nil, testLogger())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/s1/qr.png", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when no QR is pending", rec.Code)
	}
}

func TestSessionRestart(t *testing.T) {
	m := qrMachine(t, "s1", "t1", "pairing-payload")
	reg := &fakeRegistry{machines: map[string]*session.Machine{"s1": m}}
	srv := New(reg, &fakeCampaign{}, nil, testLogger())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/s1/restart", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(reg.restarted) != 1 || reg.restarted[0] != "s1" {
		t.Errorf("restarted = %v, want [s1]", reg.restarted)
	}
}

type fakeRecords struct{ sessions map[string]models.Session }

func (f fakeRecords) ListSessions(context.Context) ([]models.Session, error) {
	out := make([]models.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f fakeRecords) GetSession(_ context.Context, id string) (models.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return models.Session{}, errors.New("no such session")
	}
	return s, nil
}

// The restart endpoint hands the registry a request-scoped context that
// dies when the response is written; the session it starts must not die
// with it.
func TestRestartedSessionOutlivesRequest(t *testing.T) {
	records := fakeRecords{sessions: map[string]models.Session{
		"s1": {ID: "s1", TenantID: "t1"},
	}}
	reg := session.NewRegistry(records, session.Config{
		Factory:     stubFactory{emit: []transport.Event{transport.Connected{Phone: "15550001"}}},
		Credentials: nopCreds{},
		Logger:      testLogger(),
	})
	t.Cleanup(reg.Shutdown)

	ts := httptest.NewServer(New(reg, &fakeCampaign{}, nil, testLogger()))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/sessions/s1/restart", "application/json", nil)
	if err != nil {
		t.Fatalf("restart request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	m, ok := reg.Get("s1")
	if !ok {
		t.Fatal("no live machine after restart")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !m.Connected() {
		time.Sleep(5 * time.Millisecond)
	}
	if !m.Connected() {
		t.Fatalf("machine never connected, status %s", m.Snapshot().Status)
	}

	// The request context is long gone by now; the session must stay up.
	time.Sleep(50 * time.Millisecond)
	if got := m.Snapshot().Status; got != models.StatusConnected {
		t.Errorf("status = %s after the restart response completed, want connected", got)
	}
}

func TestSessionRestartUnknown(t *testing.T) {
	srv := New(&fakeRegistry{restartErr: errors.New("no such session")},
		&fakeCampaign{}, nil, testLogger())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/ghost/restart", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestReminderRunDetaches(t *testing.T) {
	campaign := &fakeCampaign{done: make(chan struct{})}
	srv := New(&fakeRegistry{}, campaign, nil, testLogger())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tenants/t1/reminders/run", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	select {
	case <-campaign.done:
	case <-time.After(2 * time.Second):
		t.Fatal("campaign run never started")
	}
	campaign.mu.Lock()
	defer campaign.mu.Unlock()
	if len(campaign.runs) != 1 || campaign.runs[0] != "t1" {
		t.Errorf("runs = %v, want [t1]", campaign.runs)
	}
}
