// Package store defines the persistence interfaces the orchestrator
// consumes and a SQLite implementation of all of them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cobrador-io/cobrador/pkg/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	// GetOrCreateConversation resolves the conversation for a
	// counterparty, creating it lazily on first contact.
	GetOrCreateConversation(ctx context.Context, tenantID, sessionID, counterparty, agentID string) (string, error)
	// AppendMessage records one message in a conversation.
	AppendMessage(ctx context.Context, conversationID string, role models.Role, text string) error
}

// AgentStore reads tenant agent configuration.
type AgentStore interface {
	GetAgent(ctx context.Context, agentID string) (models.Agent, error)
}

// ObligationSource lists overdue obligations for the reminder campaign.
// Read-only to this subsystem.
type ObligationSource interface {
	ListDueObligations(ctx context.Context, tenantID string, asOf time.Time) ([]models.Obligation, error)
}
