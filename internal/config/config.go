package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
// Phone numbers are often written as bare numbers in config files.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the novo-agente gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Buffer    BufferConfig    `json:"buffer"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Takeover  TakeoverConfig  `json:"takeover"`
	Redis     RedisConfig     `json:"redis"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Sessions  SessionsConfig  `json:"sessions"`
	Agent     AgentConfig     `json:"agent"`
	Media     MediaConfig     `json:"media"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Log       LogConfig       `json:"log"`
	mu        sync.RWMutex
}

// GatewayConfig controls the HTTP server.
type GatewayConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Token        string `json:"token,omitempty"`          // bearer token for POST /message; empty = open
	RateLimitRPM int    `json:"rate_limit_rpm,omitempty"` // per-conversation webhook limit; 0 = disabled
}

// WhatsAppConfig configures the provider REST API and the optional bridge.
type WhatsAppConfig struct {
	APIURL      string `json:"api_url"`
	Token       string `json:"token,omitempty"`
	AgentNumber string `json:"agent_number,omitempty"` // the bot's own number
	BridgeURL   string `json:"bridge_url,omitempty"`   // ws:// inbound bridge; empty = webhook only
	SendRPM     int    `json:"send_rpm,omitempty"`     // outbound API calls per minute; 0 = unlimited
}

// BufferConfig tunes the aggregation window.
type BufferConfig struct {
	PollIntervalMs int    `json:"poll_interval_ms"`
	StallThreshold int    `json:"stall_threshold"`
	MaxWaitMs      int    `json:"max_wait_ms,omitempty"` // 0 = no cap
	Separator      string `json:"separator,omitempty"`
}

func (b BufferConfig) PollInterval() time.Duration { return ms(b.PollIntervalMs) }
func (b BufferConfig) MaxWait() time.Duration      { return ms(b.MaxWaitMs) }

// DeliveryConfig tunes humanized pacing.
type DeliveryConfig struct {
	ReadDelayMinMs  int    `json:"read_delay_min_ms"`
	ReadDelayMaxMs  int    `json:"read_delay_max_ms"`
	SettleMs        int    `json:"settle_ms"`
	PauseMs         int    `json:"pause_ms"`
	ChunkDelayMinMs int    `json:"chunk_delay_min_ms"`
	ChunkDelayMaxMs int    `json:"chunk_delay_max_ms"`
	MaxChunkLen     int    `json:"max_chunk_len"`
	FallbackReply   string `json:"fallback_reply,omitempty"`
}

// TakeoverConfig controls human-operator takeover detection.
type TakeoverConfig struct {
	TTLSeconds      int                 `json:"ttl_seconds"`
	OperatorNumbers FlexibleStringSlice `json:"operator_numbers,omitempty"` // echoes to these never trigger takeover
}

func (t TakeoverConfig) TTL() time.Duration { return time.Duration(t.TTLSeconds) * time.Second }

// RedisConfig selects the shared buffer/cooldown backend. Empty URL = in-process memory.
type RedisConfig struct {
	URL      string `json:"url,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// DatabaseConfig configures durable session history.
// PostgresDSN is NEVER read from config.json (secret), only from env NOVO_POSTGRES_DSN.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// IsManagedMode returns true if sessions live in Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// SessionsConfig controls conversation memory.
type SessionsConfig struct {
	TTLSeconds   int `json:"ttl_seconds"`
	HistoryLimit int `json:"history_limit"`
}

func (s SessionsConfig) TTL() time.Duration { return time.Duration(s.TTLSeconds) * time.Second }

// AgentConfig configures the response generator.
type AgentConfig struct {
	Provider     string   `json:"provider"`
	APIKey       string   `json:"api_key,omitempty"`
	APIBase      string   `json:"api_base,omitempty"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

// MediaConfig configures transcription and vision.
type MediaConfig struct {
	GeminiAPIKey    string `json:"gemini_api_key,omitempty"`
	VisionModel     string `json:"vision_model,omitempty"`
	TranscribeModel string `json:"transcribe_model,omitempty"`
	MaxImagePx      int    `json:"max_image_px,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Format string `json:"format,omitempty"` // "text" (default) or "json"
}

// TakeoverSnapshot returns the current takeover section. Safe during hot reload.
func (c *Config) TakeoverSnapshot() TakeoverConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t := c.Takeover
	t.OperatorNumbers = append(FlexibleStringSlice(nil), c.Takeover.OperatorNumbers...)
	return t
}

// ReplaceTakeover swaps the takeover section (hot reload).
func (c *Config) ReplaceTakeover(t TakeoverConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Takeover = t
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// LogJSON reports whether structured JSON logs were requested.
func (c *Config) LogJSON() bool {
	return strings.EqualFold(c.Log.Format, "json")
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
