// Package memory provides process-local implementations of the buffer,
// cooldown and session stores. State is lost on restart, which is acceptable
// for standalone deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/samuelwildary2025/novo-agente/internal/store"
)

// BufferStore is a mutex-guarded map of fragment queues.
type BufferStore struct {
	mu      sync.Mutex
	buffers map[string][]store.Fragment
}

func NewBufferStore() *BufferStore {
	return &BufferStore{buffers: make(map[string][]store.Fragment)}
}

func (b *BufferStore) Push(_ context.Context, key string, f store.Fragment) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	first := len(b.buffers[key]) == 0
	b.buffers[key] = append(b.buffers[key], f)
	return first, nil
}

func (b *BufferStore) Len(_ context.Context, key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffers[key])
}

func (b *BufferStore) Drain(_ context.Context, key string) ([]store.Fragment, string, error) {
	b.mu.Lock()
	frags := b.buffers[key]
	delete(b.buffers, key)
	b.mu.Unlock()

	if len(frags) == 0 {
		return nil, "", nil
	}
	return frags, frags[len(frags)-1].MessageID, nil
}

// CooldownStore keeps expiry timestamps in memory. Expired entries are
// removed lazily on read.
type CooldownStore struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func NewCooldownStore() *CooldownStore {
	return &CooldownStore{expires: make(map[string]time.Time), now: time.Now}
}

// WithClock overrides the time source (tests).
func (c *CooldownStore) WithClock(now func() time.Time) *CooldownStore {
	c.now = now
	return c
}

func (c *CooldownStore) SetCooldown(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expires[key] = c.now().Add(ttl)
	return nil
}

func (c *CooldownStore) InCooldown(_ context.Context, key string) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	exp, ok := c.expires[key]
	if !ok {
		return false, 0
	}
	remaining := exp.Sub(c.now())
	if remaining <= 0 {
		delete(c.expires, key)
		return false, 0
	}
	return true, remaining
}

var (
	_ store.BufferStore   = (*BufferStore)(nil)
	_ store.CooldownStore = (*CooldownStore)(nil)
)
