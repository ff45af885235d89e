package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/samuelwildary2025/novo-agente/internal/store"
)

// BufferStore keeps fragments in a Redis list per key.
type BufferStore struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewBufferStore creates a buffer store. ttl bounds how long an abandoned
// buffer survives (0 disables).
func NewBufferStore(client *goredis.Client, ttl time.Duration) *BufferStore {
	return &BufferStore{client: client, ttl: ttl}
}

func (b *BufferStore) Push(ctx context.Context, key string, f store.Fragment) (bool, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return false, fmt.Errorf("encode fragment: %w", err)
	}
	rk := KeyBuffer + key

	var push *goredis.IntCmd
	_, err = b.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		push = p.RPush(ctx, rk, data)
		if b.ttl > 0 {
			p.Expire(ctx, rk, b.ttl)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rpush %s: %w", rk, err)
	}
	return push.Val() == 1, nil
}

func (b *BufferStore) Len(ctx context.Context, key string) int {
	n, err := b.client.LLen(ctx, KeyBuffer+key).Result()
	if err != nil {
		slog.Warn("redis: llen failed", "key", key, "error", err)
		return 0
	}
	return int(n)
}

func (b *BufferStore) Drain(ctx context.Context, key string) ([]store.Fragment, string, error) {
	rk := KeyBuffer + key

	var rng *goredis.StringSliceCmd
	_, err := b.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		rng = p.LRange(ctx, rk, 0, -1)
		p.Del(ctx, rk)
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("drain %s: %w", rk, err)
	}

	raw := rng.Val()
	if len(raw) == 0 {
		return nil, "", nil
	}
	frags := make([]store.Fragment, 0, len(raw))
	for _, r := range raw {
		var f store.Fragment
		if err := json.Unmarshal([]byte(r), &f); err != nil {
			// Plain strings pushed by older writers.
			f = store.Fragment{Text: r}
		}
		frags = append(frags, f)
	}
	return frags, frags[len(frags)-1].MessageID, nil
}

// CooldownStore marks suppressed keys with an expiring Redis key.
type CooldownStore struct {
	client *goredis.Client
}

func NewCooldownStore(client *goredis.Client) *CooldownStore {
	return &CooldownStore{client: client}
}

func (c *CooldownStore) SetCooldown(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.client.Set(ctx, KeyCooldown+key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("set cooldown %s: %w", key, err)
	}
	return nil
}

func (c *CooldownStore) InCooldown(ctx context.Context, key string) (bool, time.Duration) {
	ttl, err := c.client.TTL(ctx, KeyCooldown+key).Result()
	if err != nil {
		slog.Warn("redis: cooldown ttl failed", "key", key, "error", err)
		return false, 0
	}
	// -2: missing, -1: no expiry (treated as not suppressed).
	if ttl <= 0 {
		return false, 0
	}
	return true, ttl
}

var (
	_ store.BufferStore   = (*BufferStore)(nil)
	_ store.CooldownStore = (*CooldownStore)(nil)
)
