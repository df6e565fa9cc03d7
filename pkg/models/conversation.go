package models

import "time"

// Role indicates who authored a conversation message.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
)

// ConversationStatus tracks whether a thread is still being handled.
type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

// Conversation is the persisted thread between a tenant session and one
// external counterparty. The counterparty address is unique per
// (tenant, session).
type Conversation struct {
	ID           string             `json:"id"`
	TenantID     string             `json:"tenant_id"`
	SessionID    string             `json:"session_id"`
	Counterparty string             `json:"counterparty"`
	AgentID      string             `json:"agent_id,omitempty"`
	Status       ConversationStatus `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Message belongs to exactly one conversation. Append-only.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}
