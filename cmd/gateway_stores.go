package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/samuelwildary2025/novo-agente/internal/config"
	"github.com/samuelwildary2025/novo-agente/internal/store"
	"github.com/samuelwildary2025/novo-agente/internal/store/memory"
	"github.com/samuelwildary2025/novo-agente/internal/store/pg"
	redisstore "github.com/samuelwildary2025/novo-agente/internal/store/redis"
	"github.com/samuelwildary2025/novo-agente/internal/store/sqlite"
)

// abandonedBufferTTL bounds buffers left behind by a crashed process.
const abandonedBufferTTL = time.Hour

// buildStores wires the buffer, cooldown and session backends:
//
//	buffers/cooldowns: redis when configured, else process memory
//	sessions:          postgres (managed) > redis > sqlite > memory
func buildStores(ctx context.Context, cfg *config.Config) (*store.Stores, error) {
	stores := &store.Stores{}
	sessionTTL := cfg.Sessions.TTL()

	if cfg.Redis.URL != "" {
		client, err := redisstore.Connect(ctx, redisstore.Config{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		stores.AddCloser(client.Close)
		stores.Buffers = redisstore.NewBufferStore(client, abandonedBufferTTL)
		stores.Cooldowns = redisstore.NewCooldownStore(client)
		stores.Sessions = redisstore.NewSessionStore(client, sessionTTL, cfg.Sessions.HistoryLimit*2)
		slog.Info("stores: redis", "url", cfg.Redis.URL)
	} else {
		stores.Buffers = memory.NewBufferStore()
		stores.Cooldowns = memory.NewCooldownStore()
		slog.Info("stores: memory buffers (single process only)")
	}

	switch {
	case cfg.IsManagedMode():
		sess, closeFn, err := pg.NewSessionStoreFromDSN(cfg.Database.PostgresDSN, sessionTTL)
		if err != nil {
			_ = stores.Close()
			return nil, fmt.Errorf("open postgres sessions: %w", err)
		}
		stores.AddCloser(closeFn)
		stores.Sessions = sess
		slog.Info("sessions: postgres")

	case stores.Sessions != nil:
		// redis sessions already wired

	case cfg.Database.SQLitePath != "":
		path := config.ExpandHome(cfg.Database.SQLitePath)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			_ = stores.Close()
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		sess, err := sqlite.Open(path, sessionTTL)
		if err != nil {
			_ = stores.Close()
			return nil, fmt.Errorf("open sqlite sessions: %w", err)
		}
		stores.AddCloser(sess.Close)
		stores.Sessions = sess
		slog.Info("sessions: sqlite", "path", path)

	default:
		stores.Sessions = memory.NewSessionStore(sessionTTL)
		slog.Info("sessions: memory")
	}

	return stores, nil
}
