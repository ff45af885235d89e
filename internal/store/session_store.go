package store

import (
	"context"
	"time"
)

// Message roles recorded in session history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SessionMessage is one turn of a conversation's history.
type SessionMessage struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Created time.Time `json:"created"`
}

// SessionStore keeps per-conversation context and history for the lifetime of
// an active conversation. Entries expire after the configured session TTL.
type SessionStore interface {
	// GetContext returns the context prefix for key ("" when none).
	GetContext(ctx context.Context, key string) (string, error)

	// SetContext replaces the context prefix for key.
	SetContext(ctx context.Context, key, text string) error

	// ExtendTTL pushes the session expiry forward by the store's TTL.
	ExtendTTL(ctx context.Context, key string) error

	// AppendMessage records one history turn.
	AppendMessage(ctx context.Context, key, role, content string) error

	// History returns the last limit turns, oldest first. limit <= 0 means all.
	History(ctx context.Context, key string, limit int) ([]SessionMessage, error)
}
