package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Gateway.Port)
	assert.Equal(t, 5*time.Second, cfg.Buffer.PollInterval())
	assert.Equal(t, 3, cfg.Buffer.StallThreshold)
	assert.Equal(t, 900*time.Second, cfg.Takeover.TTL())
	assert.Equal(t, 500, cfg.Delivery.MaxChunkLen)
	assert.Zero(t, cfg.Buffer.MaxWait())
}

func TestLoad_JSON5AndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// comments are allowed
		gateway: {port: 9000, token: "file-token"},
		whatsapp: {api_url: "https://api.example.com", agent_number: "5585900000000"},
		takeover: {ttl_seconds: 60, operator_numbers: [5585911111111, "5585922222222"]},
		buffer: {max_wait_ms: 30000,},
	}`), 0o600))

	t.Setenv("NOVO_GATEWAY_TOKEN", "env-token")
	t.Setenv("NOVO_POSTGRES_DSN", "postgres://x")
	t.Setenv("NOVO_MODE", "managed")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.Equal(t, "env-token", cfg.Gateway.Token)
	assert.Equal(t, "https://api.example.com", cfg.WhatsApp.APIURL)
	assert.Equal(t, 60*time.Second, cfg.Takeover.TTL())
	assert.Equal(t, FlexibleStringSlice{"5585911111111", "5585922222222"}, cfg.Takeover.OperatorNumbers)
	assert.Equal(t, 30*time.Second, cfg.Buffer.MaxWait())
	assert.True(t, cfg.IsManagedMode())
	// untouched sections keep defaults
	assert.Equal(t, " | ", cfg.Buffer.Separator)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{gateway: `), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestOperatorNumbersEnv(t *testing.T) {
	t.Setenv("NOVO_OPERATOR_NUMBERS", "5585911111111, 5585922222222,")
	cfg, err := Load(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	assert.Equal(t, FlexibleStringSlice{"5585911111111", "5585922222222"}, cfg.Takeover.OperatorNumbers)
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.WhatsApp.Token = "secret"
	cfg.Agent.APIKey = "sk"
	cp := cfg.MaskedCopy()
	assert.Equal(t, secretMask, cp.WhatsApp.Token)
	assert.Equal(t, secretMask, cp.Agent.APIKey)
	assert.Empty(t, cp.Gateway.Token)
	assert.Equal(t, "secret", cfg.WhatsApp.Token)
}

func TestTakeoverSnapshot(t *testing.T) {
	cfg := Default()
	cfg.ReplaceTakeover(TakeoverConfig{TTLSeconds: 10, OperatorNumbers: FlexibleStringSlice{"1"}})
	snap := cfg.TakeoverSnapshot()
	snap.OperatorNumbers[0] = "changed"
	assert.Equal(t, "1", cfg.TakeoverSnapshot().OperatorNumbers[0])
	assert.Equal(t, 10*time.Second, snap.TTL())
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{takeover: {ttl_seconds: 100}}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, path, func(c *Config) {
			mu.Lock()
			got = append(got, c.Takeover.TTLSeconds)
			mu.Unlock()
		})
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{takeover: {ttl_seconds: 200}}`), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1] == 200
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
