package pg

import (
	"fmt"
	"time"

	"github.com/samuelwildary2025/novo-agente/internal/store"
)

// NewSessionStoreFromDSN opens Postgres and returns a session store plus the
// closer for its connection pool (managed mode).
func NewSessionStoreFromDSN(dsn string, ttl time.Duration) (*PGSessionStore, func() error, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPGSessionStore(db, ttl), db.Close, nil
}

var _ store.SessionStore = (*PGSessionStore)(nil)
