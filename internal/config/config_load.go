package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			RateLimitRPM: 60,
		},
		WhatsApp: WhatsAppConfig{
			SendRPM: 120,
		},
		Buffer: BufferConfig{
			PollIntervalMs: 5000,
			StallThreshold: 3,
			Separator:      " | ",
		},
		Delivery: DeliveryConfig{
			ReadDelayMinMs:  2000,
			ReadDelayMaxMs:  4000,
			SettleMs:        800,
			PauseMs:         500,
			ChunkDelayMinMs: 800,
			ChunkDelayMaxMs: 1500,
			MaxChunkLen:     500,
		},
		Takeover: TakeoverConfig{
			TTLSeconds: 900,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.novo-agente/sessions.db",
		},
		Sessions: SessionsConfig{
			TTLSeconds:   86400,
			HistoryLimit: 20,
		},
		Agent: AgentConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
		Media: MediaConfig{
			VisionModel:     "gemini-2.0-flash-lite",
			TranscribeModel: "gemini-2.0-flash-lite",
			MaxImagePx:      1024,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "novo-agente",
		},
		Log: LogConfig{
			Format: "text",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				*dst = n
			}
		}
	}

	// Gateway
	envStr("NOVO_HOST", &c.Gateway.Host)
	envInt("NOVO_PORT", &c.Gateway.Port)
	envStr("NOVO_GATEWAY_TOKEN", &c.Gateway.Token)

	// WhatsApp provider
	envStr("NOVO_WHATSAPP_API_URL", &c.WhatsApp.APIURL)
	envStr("NOVO_WHATSAPP_TOKEN", &c.WhatsApp.Token)
	envStr("NOVO_WHATSAPP_AGENT_NUMBER", &c.WhatsApp.AgentNumber)
	envStr("NOVO_WHATSAPP_BRIDGE_URL", &c.WhatsApp.BridgeURL)

	// Takeover
	envInt("NOVO_TAKEOVER_TTL", &c.Takeover.TTLSeconds)
	if v := os.Getenv("NOVO_OPERATOR_NUMBERS"); v != "" {
		c.Takeover.OperatorNumbers = splitList(v)
	}

	// Storage
	envStr("NOVO_REDIS_URL", &c.Redis.URL)
	envStr("NOVO_REDIS_PASSWORD", &c.Redis.Password)
	envStr("NOVO_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("NOVO_MODE", &c.Database.Mode)
	envStr("NOVO_SQLITE_PATH", &c.Database.SQLitePath)

	// Agent
	envStr("NOVO_PROVIDER", &c.Agent.Provider)
	envStr("NOVO_MODEL", &c.Agent.Model)
	envStr("NOVO_API_KEY", &c.Agent.APIKey)
	envStr("NOVO_API_BASE", &c.Agent.APIBase)

	// Media
	envStr("NOVO_GEMINI_API_KEY", &c.Media.GeminiAPIKey)

	// Telemetry
	if v := os.Getenv("NOVO_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	envStr("NOVO_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("NOVO_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("NOVO_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)

	// Logging
	envStr("NOVO_LOG_FORMAT", &c.Log.Format)
}

func splitList(v string) FlexibleStringSlice {
	var out FlexibleStringSlice
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used when printing the effective config.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.WhatsApp.Token)
	maskNonEmpty(&cp.Redis.Password)
	maskNonEmpty(&cp.Agent.APIKey)
	maskNonEmpty(&cp.Media.GeminiAPIKey)

	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
