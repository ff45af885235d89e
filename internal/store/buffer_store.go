package store

import (
	"context"
	"time"
)

// Fragment is one buffered inbound message.
type Fragment struct {
	Text      string `json:"text"`
	MessageID string `json:"message_id,omitempty"`
}

// BufferStore is a keyed append-only queue of pending fragments.
// All operations are atomic per key.
type BufferStore interface {
	// Push appends f. first reports whether the buffer was empty before the push.
	Push(ctx context.Context, key string, f Fragment) (first bool, err error)

	// Len returns the number of pending fragments (0 on backend failure).
	Len(ctx context.Context, key string) int

	// Drain atomically empties the buffer and returns its prior contents in
	// arrival order, plus the message id of the last fragment.
	Drain(ctx context.Context, key string) (frags []Fragment, lastMessageID string, err error)
}

// CooldownStore records per-key "suppressed until" timestamps used for
// human takeover.
type CooldownStore interface {
	// SetCooldown sets or extends the expiry to now+ttl.
	SetCooldown(ctx context.Context, key string, ttl time.Duration) error

	// InCooldown reports whether key is suppressed and the time remaining.
	InCooldown(ctx context.Context, key string) (bool, time.Duration)
}
