// Package agent generates replies for a conversation by calling an LLM
// provider with the system prompt, the session history and the new user text.
// Each exchange is recorded back into the session store.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/samuelwildary2025/novo-agente/internal/providers"
	"github.com/samuelwildary2025/novo-agente/internal/store"
)

// DefaultHistoryLimit is the number of user turns replayed to the model.
const DefaultHistoryLimit = 20

// ErrEmptyReply is returned when the model produced nothing deliverable.
var ErrEmptyReply = errors.New("agent: empty reply")

// Config configures an Agent.
type Config struct {
	Provider     providers.Provider
	Sessions     store.SessionStore
	Model        string // empty = provider default
	SystemPrompt string
	HistoryLimit int // user turns; <= 0 uses DefaultHistoryLimit
	MaxTokens    int
	Temperature  *float64
}

// Agent is a delivery.Generator backed by an LLM provider.
type Agent struct {
	provider     providers.Provider
	sessions     store.SessionStore
	model        string
	systemPrompt string
	historyLimit int
	maxTokens    int
	temperature  *float64
	tracer       trace.Tracer
	now          func() time.Time
}

func New(cfg Config) *Agent {
	model := cfg.Model
	if model == "" && cfg.Provider != nil {
		model = cfg.Provider.DefaultModel()
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Agent{
		provider:     cfg.Provider,
		sessions:     cfg.Sessions,
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		historyLimit: limit,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		tracer:       otel.Tracer("novo-agente/agent"),
		now:          time.Now,
	}
}

// Model returns the model used for requests.
func (a *Agent) Model() string { return a.model }

// Generate produces the reply for text in the conversation identified by key.
// The user turn and the reply are appended to the session history on success.
func (a *Agent) Generate(ctx context.Context, key, text string) (string, error) {
	if a.provider == nil {
		return "", fmt.Errorf("agent: no provider configured")
	}

	history := a.loadHistory(ctx, key)
	messages := a.buildMessages(history, text)

	req := providers.ChatRequest{
		Messages: messages,
		Model:    a.model,
		Options:  map[string]any{},
	}
	if a.maxTokens > 0 {
		req.Options[providers.OptMaxTokens] = a.maxTokens
	}
	if a.temperature != nil {
		req.Options[providers.OptTemperature] = *a.temperature
	}

	ctx, span := a.startLLMSpan(ctx, key, messages)
	start := a.now()
	resp, err := a.provider.Chat(ctx, req)
	a.endLLMSpan(span, start, resp, err)
	if err != nil {
		return "", fmt.Errorf("agent: chat: %w", err)
	}

	reply := SanitizeAssistantContent(resp.Content)
	if reply == "" || IsSilentReply(reply) {
		slog.Warn("agent: empty reply", "key", key, "finish_reason", resp.FinishReason)
		return "", ErrEmptyReply
	}

	a.record(ctx, key, text, reply)
	return reply, nil
}

func (a *Agent) loadHistory(ctx context.Context, key string) []store.SessionMessage {
	if a.sessions == nil {
		return nil
	}
	// Over-fetch; limitHistoryTurns trims to whole user turns.
	history, err := a.sessions.History(ctx, key, a.historyLimit*4)
	if err != nil {
		slog.Warn("agent: load history failed", "key", key, "error", err)
		return nil
	}
	return history
}

func (a *Agent) record(ctx context.Context, key, text, reply string) {
	if a.sessions == nil {
		return
	}
	if err := a.sessions.AppendMessage(ctx, key, store.RoleUser, text); err != nil {
		slog.Warn("agent: record user turn failed", "key", key, "error", err)
		return
	}
	if err := a.sessions.AppendMessage(ctx, key, store.RoleAssistant, reply); err != nil {
		slog.Warn("agent: record assistant turn failed", "key", key, "error", err)
	}
}
