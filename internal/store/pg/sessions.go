package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/samuelwildary2025/novo-agente/internal/store"
)

// PGSessionStore implements store.SessionStore backed by Postgres.
// Expired sessions read as empty; rows are removed lazily on the next write.
type PGSessionStore struct {
	db  *sql.DB
	ttl time.Duration
}

func NewPGSessionStore(db *sql.DB, ttl time.Duration) *PGSessionStore {
	return &PGSessionStore{db: db, ttl: ttl}
}

func (s *PGSessionStore) expiry(now time.Time) sql.NullTime {
	if s.ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: now.Add(s.ttl), Valid: true}
}

// ensure creates the session row (or revives an expired one) and refreshes its expiry.
func (s *PGSessionStore) ensure(ctx context.Context, tx *sql.Tx, key string, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_key = $1 AND expires_at IS NOT NULL AND expires_at < $2`,
		key, now,
	); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (session_key, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $2, $3)
		 ON CONFLICT (session_key) DO UPDATE SET updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at`,
		key, now, s.expiry(now),
	)
	return err
}

func (s *PGSessionStore) GetContext(ctx context.Context, key string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx,
		`SELECT context FROM sessions
		 WHERE session_key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, time.Now(),
	).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get context: %w", err)
	}
	return text, nil
}

func (s *PGSessionStore) SetContext(ctx context.Context, key, text string) error {
	return s.withTx(ctx, func(tx *sql.Tx, now time.Time) error {
		if err := s.ensure(ctx, tx, key, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET context = $2 WHERE session_key = $1`, key, text)
		return err
	})
}

func (s *PGSessionStore) ExtendTTL(ctx context.Context, key string) error {
	if s.ttl <= 0 {
		return nil
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = $2, updated_at = $3
		 WHERE session_key = $1 AND (expires_at IS NULL OR expires_at > $3)`,
		key, s.expiry(now), now,
	)
	if err != nil {
		return fmt.Errorf("extend ttl: %w", err)
	}
	return nil
}

func (s *PGSessionStore) AppendMessage(ctx context.Context, key, role, content string) error {
	return s.withTx(ctx, func(tx *sql.Tx, now time.Time) error {
		if err := s.ensure(ctx, tx, key, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_messages (id, session_key, role, content, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			uuid.Must(uuid.NewV7()), key, role, content, now,
		)
		return err
	})
}

func (s *PGSessionStore) History(ctx context.Context, key string, limit int) ([]store.SessionMessage, error) {
	q := `SELECT m.role, m.content, m.created_at
		FROM session_messages m JOIN sessions s ON s.session_key = m.session_key
		WHERE m.session_key = $1 AND (s.expires_at IS NULL OR s.expires_at > $2)
		ORDER BY m.created_at DESC, m.id DESC`
	args := []any{key, time.Now()}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var out []store.SessionMessage
	for rows.Next() {
		var m store.SessionMessage
		if err := rows.Scan(&m.Role, &m.Content, &m.Created); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest-first from the query; callers want oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PGSessionStore) withTx(ctx context.Context, fn func(tx *sql.Tx, now time.Time) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx, time.Now()); err != nil {
		tx.Rollback()
		return fmt.Errorf("session write: %w", err)
	}
	return tx.Commit()
}
