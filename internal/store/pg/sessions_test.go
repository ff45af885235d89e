package pg

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samuelwildary2025/novo-agente/internal/store"
)

// Runs against a real database when NOVO_TEST_POSTGRES_DSN is set.
func newTestStore(t *testing.T, ttl time.Duration) *PGSessionStore {
	t.Helper()
	dsn := os.Getenv("NOVO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("NOVO_TEST_POSTGRES_DSN not set")
	}
	db, err := OpenDB(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	schema, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "000001_sessions.up.sql"))
	require.NoError(t, err)
	_, err = db.Exec(string(schema))
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM sessions WHERE session_key LIKE 'test-%'`)
	require.NoError(t, err)

	return NewPGSessionStore(db, ttl)
}

func TestPGSessionStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Hour)

	got, err := s.GetContext(ctx, "test-5585999999999")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.SetContext(ctx, "test-5585999999999", "pedido aberto"))
	require.NoError(t, s.AppendMessage(ctx, "test-5585999999999", store.RoleUser, "oi"))
	require.NoError(t, s.AppendMessage(ctx, "test-5585999999999", store.RoleAssistant, "olá!"))
	require.NoError(t, s.ExtendTTL(ctx, "test-5585999999999"))

	got, err = s.GetContext(ctx, "test-5585999999999")
	require.NoError(t, err)
	assert.Equal(t, "pedido aberto", got)

	hist, err := s.History(ctx, "test-5585999999999", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "oi", hist[0].Content)
	assert.Equal(t, store.RoleAssistant, hist[1].Role)

	hist, err = s.History(ctx, "test-5585999999999", 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "olá!", hist[0].Content)
}
