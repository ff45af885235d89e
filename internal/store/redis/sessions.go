package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/samuelwildary2025/novo-agente/internal/store"
)

// SessionStore keeps context and history under expiring keys.
type SessionStore struct {
	client     *goredis.Client
	ttl        time.Duration
	maxHistory int64
}

// NewSessionStore creates a session store. maxHistory caps the stored turns
// (0 keeps everything).
func NewSessionStore(client *goredis.Client, ttl time.Duration, maxHistory int) *SessionStore {
	return &SessionStore{client: client, ttl: ttl, maxHistory: int64(maxHistory)}
}

func (s *SessionStore) GetContext(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, KeyContext+key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get context %s: %w", key, err)
	}
	return v, nil
}

func (s *SessionStore) SetContext(ctx context.Context, key, text string) error {
	if err := s.client.Set(ctx, KeyContext+key, text, s.ttl).Err(); err != nil {
		return fmt.Errorf("set context %s: %w", key, err)
	}
	return nil
}

func (s *SessionStore) ExtendTTL(ctx context.Context, key string) error {
	if s.ttl <= 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.Expire(ctx, KeyContext+key, s.ttl)
		p.Expire(ctx, KeyHistory+key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("extend ttl %s: %w", key, err)
	}
	return nil
}

func (s *SessionStore) AppendMessage(ctx context.Context, key, role, content string) error {
	data, err := json.Marshal(store.SessionMessage{Role: role, Content: content, Created: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	rk := KeyHistory + key
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.RPush(ctx, rk, data)
		if s.maxHistory > 0 {
			p.LTrim(ctx, rk, -s.maxHistory, -1)
		}
		if s.ttl > 0 {
			p.Expire(ctx, rk, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append message %s: %w", key, err)
	}
	return nil
}

func (s *SessionStore) History(ctx context.Context, key string, limit int) ([]store.SessionMessage, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := s.client.LRange(ctx, KeyHistory+key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", key, err)
	}
	out := make([]store.SessionMessage, 0, len(raw))
	for _, r := range raw {
		var m store.SessionMessage
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

var _ store.SessionStore = (*SessionStore)(nil)
