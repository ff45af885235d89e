// Package redis implements the buffer, cooldown and session stores on Redis.
//
// Buffers are lists (RPUSH/LLEN, drained with MULTI/EXEC LRANGE+DEL),
// cooldowns are keys with an expiry and session context is a string with TTL.
// History is a capped list of JSON-encoded turns.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Key prefixes.
const (
	KeyBuffer   = "buffer:"
	KeyCooldown = "cooldown:"
	KeyContext  = "session:ctx:"
	KeyHistory  = "session:hist:"
)

// Config holds Redis connection settings.
type Config struct {
	URL      string // redis://host:port
	Password string
	DB       int
}

// Connect parses the URL, applies timeouts and verifies the connection with PING.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	c := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return c, nil
}
