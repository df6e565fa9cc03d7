package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cobrador-io/cobrador/pkg/models"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'disconnected',
	qr_code           TEXT NOT NULL DEFAULT '',
	phone             TEXT NOT NULL DEFAULT '',
	agent_id          TEXT NOT NULL DEFAULT '',
	last_error        TEXT NOT NULL DEFAULT '',
	last_connected_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id);

CREATE TABLE IF NOT EXISTS credentials (
	session_id TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	provider      TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	temperature   REAL NOT NULL DEFAULT 0,
	base_url      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS conversations (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	counterparty TEXT NOT NULL,
	agent_id     TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'open',
	created_at   DATETIME NOT NULL,
	UNIQUE(tenant_id, session_id, counterparty)
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	timestamp       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp);

CREATE TABLE IF NOT EXISTS obligations (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	customer_name    TEXT NOT NULL,
	customer_contact TEXT NOT NULL,
	amount           REAL NOT NULL,
	currency         TEXT NOT NULL DEFAULT 'USD',
	due_date         DATETIME NOT NULL,
	settled_at       DATETIME
);
CREATE INDEX IF NOT EXISTS idx_obligations_due ON obligations(tenant_id, due_date);
`

// SQLite backs every persistence interface of the orchestrator with a
// single database file.
type SQLite struct {
	db *sql.DB
}

// Open opens (or creates) the database and bootstraps the schema.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// --- session records ---

// CreateSession inserts a session record. Used by the admin surface
// when a tenant requests a new chat link.
func (s *SQLite) CreateSession(ctx context.Context, sess models.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, tenant_id, status, agent_id) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.TenantID, models.StatusDisconnected, sess.AgentID)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// ListSessions returns every persisted session record.
func (s *SQLite) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, status, qr_code, phone, agent_id, last_error FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.ID, &sess.TenantID, &sess.Status, &sess.QRCode,
			&sess.Phone, &sess.AgentID, &sess.LastError); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListTenants returns the distinct tenants with a persisted session.
func (s *SQLite) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetSession returns one session record.
func (s *SQLite) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	var sess models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, status, qr_code, phone, agent_id, last_error FROM sessions WHERE id = ?`,
		sessionID).Scan(&sess.ID, &sess.TenantID, &sess.Status, &sess.QRCode,
		&sess.Phone, &sess.AgentID, &sess.LastError)
	if err == sql.ErrNoRows {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// UpdateSessionStatus publishes the current machine state for dashboard
// polling. One-way: the orchestrator never reads it back.
func (s *SQLite) UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus, qr, phone string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, qr_code = ?, phone = ?,
		 last_connected_at = CASE WHEN ? = 'connected' THEN CURRENT_TIMESTAMP ELSE last_connected_at END
		 WHERE id = ?`,
		status, qr, phone, status, sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// --- credentials ---

// Load returns the stored credential blob, nil when absent.
func (s *SQLite) Load(ctx context.Context, sessionID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM credentials WHERE session_id = ?`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return data, nil
}

// Save upserts the credential blob.
func (s *SQLite) Save(ctx context.Context, sessionID string, creds []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (session_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		sessionID, creds, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// --- agents ---

// CreateAgent inserts an agent configuration.
func (s *SQLite) CreateAgent(ctx context.Context, agent models.Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, tenant_id, name, system_prompt, provider, model, temperature, base_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.TenantID, agent.Name, agent.SystemPrompt,
		agent.Provider, agent.Model, agent.Temperature, agent.BaseURL)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// GetAgent returns one agent configuration.
func (s *SQLite) GetAgent(ctx context.Context, agentID string) (models.Agent, error) {
	var a models.Agent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, system_prompt, provider, model, temperature, base_url
		 FROM agents WHERE id = ?`, agentID).
		Scan(&a.ID, &a.TenantID, &a.Name, &a.SystemPrompt, &a.Provider,
			&a.Model, &a.Temperature, &a.BaseURL)
	if err == sql.ErrNoRows {
		return models.Agent{}, ErrNotFound
	}
	if err != nil {
		return models.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// --- conversations ---

// GetOrCreateConversation resolves a counterparty's conversation,
// creating it lazily. The (tenant, session, counterparty) key is
// unique.
func (s *SQLite) GetOrCreateConversation(ctx context.Context, tenantID, sessionID, counterparty, agentID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE tenant_id = ? AND session_id = ? AND counterparty = ?`,
		tenantID, sessionID, counterparty).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("lookup conversation: %w", err)
	}

	id = uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, tenant_id, session_id, counterparty, agent_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, session_id, counterparty) DO NOTHING`,
		id, tenantID, sessionID, counterparty, agentID, models.ConversationOpen, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}

	// Re-read to cover the lost-insert case under the unique index.
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE tenant_id = ? AND session_id = ? AND counterparty = ?`,
		tenantID, sessionID, counterparty).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("reread conversation: %w", err)
	}
	return id, nil
}

// AppendMessage records one message. Append-only.
func (s *SQLite) AppendMessage(ctx context.Context, conversationID string, role models.Role, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), conversationID, role, text, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's messages in append order.
func (s *SQLite) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, timestamp FROM messages
		 WHERE conversation_id = ? ORDER BY timestamp, rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- obligations ---

// CreateObligation inserts an obligation record.
func (s *SQLite) CreateObligation(ctx context.Context, o models.Obligation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO obligations (id, tenant_id, customer_name, customer_contact, amount, currency, due_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.TenantID, o.CustomerName, o.CustomerContact, o.Amount, o.Currency, o.DueDate.UTC())
	if err != nil {
		return fmt.Errorf("create obligation: %w", err)
	}
	return nil
}

// ListDueObligations returns unsettled obligations due on or before
// asOf, oldest first.
func (s *SQLite) ListDueObligations(ctx context.Context, tenantID string, asOf time.Time) ([]models.Obligation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, customer_name, customer_contact, amount, currency, due_date
		 FROM obligations
		 WHERE tenant_id = ? AND due_date <= ? AND settled_at IS NULL
		 ORDER BY due_date`, tenantID, asOf.UTC())
	if err != nil {
		return nil, fmt.Errorf("list due obligations: %w", err)
	}
	defer rows.Close()

	var out []models.Obligation
	for rows.Next() {
		var o models.Obligation
		if err := rows.Scan(&o.ID, &o.TenantID, &o.CustomerName, &o.CustomerContact,
			&o.Amount, &o.Currency, &o.DueDate); err != nil {
			return nil, fmt.Errorf("scan obligation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
