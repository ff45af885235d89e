package memory

import (
	"context"
	"sync"
	"time"

	"github.com/samuelwildary2025/novo-agente/internal/store"
)

type session struct {
	context  string
	messages []store.SessionMessage
	expires  time.Time
}

// SessionStore is an in-memory store.SessionStore with TTL expiry.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionStore creates a session store. ttl <= 0 disables expiry.
func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// getLocked returns the live session for key, dropping it if expired.
func (s *SessionStore) getLocked(key string) *session {
	sess, ok := s.sessions[key]
	if !ok {
		return nil
	}
	if s.ttl > 0 && !sess.expires.IsZero() && s.now().After(sess.expires) {
		delete(s.sessions, key)
		return nil
	}
	return sess
}

func (s *SessionStore) getOrInit(key string) *session {
	sess := s.getLocked(key)
	if sess == nil {
		sess = &session{}
		s.sessions[key] = sess
	}
	if s.ttl > 0 {
		sess.expires = s.now().Add(s.ttl)
	}
	return sess
}

func (s *SessionStore) GetContext(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.getLocked(key); sess != nil {
		return sess.context, nil
	}
	return "", nil
}

func (s *SessionStore) SetContext(_ context.Context, key, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrInit(key).context = text
	return nil
}

func (s *SessionStore) ExtendTTL(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.getLocked(key); sess != nil && s.ttl > 0 {
		sess.expires = s.now().Add(s.ttl)
	}
	return nil
}

func (s *SessionStore) AppendMessage(_ context.Context, key, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrInit(key)
	sess.messages = append(sess.messages, store.SessionMessage{
		Role:    role,
		Content: content,
		Created: s.now(),
	})
	return nil
}

func (s *SessionStore) History(_ context.Context, key string, limit int) ([]store.SessionMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getLocked(key)
	if sess == nil {
		return nil, nil
	}
	msgs := sess.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]store.SessionMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

var _ store.SessionStore = (*SessionStore)(nil)
