// Package sqlite is the standalone session store: a single database file,
// no external services.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/samuelwildary2025/novo-agente/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	context     TEXT    NOT NULL DEFAULT '',
	updated_at  INTEGER NOT NULL,
	expires_at  INTEGER
);
CREATE TABLE IF NOT EXISTS session_messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key TEXT    NOT NULL,
	role        TEXT    NOT NULL,
	content     TEXT    NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_messages_key ON session_messages (session_key, id);
`

// SessionStore implements store.SessionStore on SQLite. Timestamps are unix
// milliseconds.
type SessionStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// Open creates (if needed) and opens the database at path.
func Open(path string, ttl time.Duration) (*SessionStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SessionStore{db: db, ttl: ttl, now: time.Now}, nil
}

func (s *SessionStore) Close() error { return s.db.Close() }

func (s *SessionStore) expiry(now time.Time) any {
	if s.ttl <= 0 {
		return nil
	}
	return now.Add(s.ttl).UnixMilli()
}

func (s *SessionStore) ensure(ctx context.Context, tx *sql.Tx, key string, now time.Time) error {
	ms := now.UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_messages WHERE session_key = ? AND EXISTS (
			SELECT 1 FROM sessions WHERE session_key = ? AND expires_at IS NOT NULL AND expires_at < ?)`,
		key, key, ms,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_key = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		key, ms,
	); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (session_key, updated_at, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (session_key) DO UPDATE SET updated_at = excluded.updated_at, expires_at = excluded.expires_at`,
		key, ms, s.expiry(now),
	)
	return err
}

func (s *SessionStore) GetContext(ctx context.Context, key string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx,
		`SELECT context FROM sessions WHERE session_key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.now().UnixMilli(),
	).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get context: %w", err)
	}
	return text, nil
}

func (s *SessionStore) SetContext(ctx context.Context, key, text string) error {
	return s.withTx(ctx, func(tx *sql.Tx, now time.Time) error {
		if err := s.ensure(ctx, tx, key, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET context = ? WHERE session_key = ?`, text, key)
		return err
	})
}

func (s *SessionStore) ExtendTTL(ctx context.Context, key string) error {
	if s.ttl <= 0 {
		return nil
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ?, updated_at = ?
		 WHERE session_key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		s.expiry(now), now.UnixMilli(), key, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("extend ttl: %w", err)
	}
	return nil
}

func (s *SessionStore) AppendMessage(ctx context.Context, key, role, content string) error {
	return s.withTx(ctx, func(tx *sql.Tx, now time.Time) error {
		if err := s.ensure(ctx, tx, key, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_messages (session_key, role, content, created_at) VALUES (?, ?, ?, ?)`,
			key, role, content, now.UnixMilli(),
		)
		return err
	})
}

func (s *SessionStore) History(ctx context.Context, key string, limit int) ([]store.SessionMessage, error) {
	q := `SELECT m.role, m.content, m.created_at
		FROM session_messages m JOIN sessions s ON s.session_key = m.session_key
		WHERE m.session_key = ? AND (s.expires_at IS NULL OR s.expires_at > ?)
		ORDER BY m.id DESC`
	args := []any{key, s.now().UnixMilli()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var out []store.SessionMessage
	for rows.Next() {
		var (
			m  store.SessionMessage
			ms int64
		)
		if err := rows.Scan(&m.Role, &m.Content, &ms); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		m.Created = time.UnixMilli(ms)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SessionStore) withTx(ctx context.Context, fn func(tx *sql.Tx, now time.Time) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx, s.now()); err != nil {
		tx.Rollback()
		return fmt.Errorf("session write: %w", err)
	}
	return tx.Commit()
}

var _ store.SessionStore = (*SessionStore)(nil)
