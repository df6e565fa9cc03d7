package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for whatsmeow
)

// MeowFactory builds whatsmeow-backed transports, one credential
// database per session under SessionDir.
type MeowFactory struct {
	SessionDir string
	Logger     *slog.Logger
}

// New opens the session's credential store and returns an unconnected
// transport.
func (f *MeowFactory) New(ctx context.Context, sessionID string) (Transport, error) {
	if err := os.MkdirAll(f.SessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	dbPath := filepath.Join(f.SessionDir, sessionID+".db")
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath), waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("get device: %w", err)
	}

	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meow{
		store:  container,
		events: make(chan Event, 256),
		logger: logger.With("session_id", sessionID),
	}
	m.client = whatsmeow.NewClient(device, waLog.Noop)
	m.client.AddEventHandler(m.handleEvent)
	return m, nil
}

// Meow is the whatsmeow-backed Transport implementation.
type Meow struct {
	client *whatsmeow.Client
	store  *sqlstore.Container
	logger *slog.Logger

	events      chan Event
	eventsMu    sync.Mutex
	closed      bool
	connectedAt atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Connect opens the connection, driving QR pairing when the device has
// no stored identity yet.
func (m *Meow) Connect(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	if m.client.Store.ID == nil {
		// Not paired yet, surface QR codes until login completes.
		qrChan, err := m.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get QR channel: %w", err)
		}
		if err := m.client.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-qrChan:
					if !ok {
						return
					}
					if evt.Event == "code" {
						m.emit(QRCode{Code: evt.Code})
					}
				}
			}
		}()
		return nil
	}

	if err := m.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Disconnect tears down the connection and closes the event channel.
func (m *Meow) Disconnect() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if m.client != nil {
		m.client.RemoveEventHandlers()
		m.client.Disconnect()
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			m.logger.Warn("failed to close credential store", "error", err)
		}
	}
	m.eventsMu.Lock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	m.eventsMu.Unlock()
}

// Send delivers a plain text message.
func (m *Meow) Send(ctx context.Context, to, text string) error {
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	waMsg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := m.client.SendMessage(ctx, jid, waMsg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// SendComposing marks typing presence toward the counterparty.
func (m *Meow) SendComposing(ctx context.Context, to string) error {
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	return m.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// Events returns the typed event stream.
func (m *Meow) Events() <-chan Event {
	return m.events
}

// Connected reports whether the websocket is up.
func (m *Meow) Connected() bool {
	return m.client != nil && m.client.IsConnected()
}

func (m *Meow) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		m.connectedAt.Store(time.Now().Unix())
		phone := ""
		if m.client.Store.ID != nil {
			phone = m.client.Store.ID.User
		}
		m.emit(Connected{Phone: phone})

	case *events.PairSuccess:
		m.emit(CredentialsUpdated{JID: v.ID.String()})

	case *events.Disconnected:
		m.emit(Disconnected{Reason: "connection dropped"})

	case *events.StreamReplaced:
		// Another client took over the stream. Recoverable: reconnecting
		// reclaims it.
		m.emit(Disconnected{Reason: "stream replaced"})

	case *events.LoggedOut:
		m.emit(Disconnected{
			Reason:   fmt.Sprintf("logged out: %v", v.Reason),
			Terminal: true,
		})

	case *events.Message:
		m.handleMessage(v)
	}
}

func (m *Meow) handleMessage(evt *events.Message) {
	// Skip status broadcasts
	if evt.Info.Chat.Server == "broadcast" {
		return
	}

	var text string
	if evt.Message.Conversation != nil {
		text = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil {
		text = evt.Message.ExtendedTextMessage.GetText()
	}
	if text == "" {
		return
	}

	connectedAt := m.connectedAt.Load()
	history := connectedAt > 0 && evt.Info.Timestamp.Unix() < connectedAt

	m.emit(MessageIn{
		From:      evt.Info.Sender.String(),
		FromSelf:  evt.Info.IsFromMe,
		History:   history,
		Text:      text,
		Timestamp: evt.Info.Timestamp,
	})
}

func (m *Meow) emit(e Event) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- e:
	default:
		m.logger.Warn("event channel full, dropping event",
			"event", fmt.Sprintf("%T", e))
	}
}

// parseJID accepts either a full JID or a bare phone number.
func parseJID(to string) (types.JID, error) {
	if strings.ContainsRune(to, '@') {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("invalid address %q: %w", to, err)
		}
		return jid, nil
	}
	return types.NewJID(strings.TrimLeft(to, "+"), types.DefaultUserServer), nil
}
