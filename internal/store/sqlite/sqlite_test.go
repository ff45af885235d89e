package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samuelwildary2025/novo-agente/internal/store"
)

func openTest(t *testing.T, ttl time.Duration) *SessionStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "sessions.db"), ttl)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionStore_ContextAndHistory(t *testing.T) {
	ctx := context.Background()
	s := openTest(t, time.Hour)

	got, err := s.GetContext(ctx, "5585999999999")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.SetContext(ctx, "5585999999999", "pedido: 1 leite"))
	require.NoError(t, s.AppendMessage(ctx, "5585999999999", store.RoleUser, "leite | pão"))
	require.NoError(t, s.AppendMessage(ctx, "5585999999999", store.RoleAssistant, "Anotado!"))
	require.NoError(t, s.AppendMessage(ctx, "5585999999999", store.RoleUser, "2 unidades"))

	got, err = s.GetContext(ctx, "5585999999999")
	require.NoError(t, err)
	assert.Equal(t, "pedido: 1 leite", got)

	hist, err := s.History(ctx, "5585999999999", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "leite | pão", hist[0].Content)
	assert.Equal(t, "2 unidades", hist[2].Content)

	hist, err = s.History(ctx, "5585999999999", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "Anotado!", hist[0].Content)
}

func TestSessionStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s := openTest(t, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	require.NoError(t, s.SetContext(ctx, "k", "ctx"))
	require.NoError(t, s.AppendMessage(ctx, "k", store.RoleUser, "oi"))

	now = now.Add(50 * time.Second)
	require.NoError(t, s.ExtendTTL(ctx, "k"))
	now = now.Add(50 * time.Second)

	got, err := s.GetContext(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "ctx", got)

	now = now.Add(2 * time.Minute)
	got, err = s.GetContext(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, got)

	hist, err := s.History(ctx, "k", 0)
	require.NoError(t, err)
	assert.Empty(t, hist)

	// expired session is replaced, old turns are gone
	require.NoError(t, s.AppendMessage(ctx, "k", store.RoleUser, "voltei"))
	hist, err = s.History(ctx, "k", 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "voltei", hist[0].Content)
}
