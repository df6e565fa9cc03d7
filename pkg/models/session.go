// Package models defines the shared domain types for the messaging
// session orchestrator.
package models

import "time"

// SessionStatus represents the lifecycle state of a tenant session.
type SessionStatus string

const (
	StatusDisconnected SessionStatus = "disconnected"
	StatusConnecting   SessionStatus = "connecting"
	StatusQRReady      SessionStatus = "qr_ready"
	StatusConnected    SessionStatus = "connected"
)

// Session is one tenant's persistent chat-protocol link.
// It is mutated only by its owning state machine; external callers read
// snapshots through the registry or the session projection.
type Session struct {
	ID              string        `json:"id"`
	TenantID        string        `json:"tenant_id"`
	Status          SessionStatus `json:"status"`
	QRCode          string        `json:"qr_code,omitempty"`
	Phone           string        `json:"phone,omitempty"`
	AgentID         string        `json:"agent_id,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	LastConnectedAt time.Time     `json:"last_connected_at,omitzero"`
}
