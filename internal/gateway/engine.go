// Package gateway holds the inbound engine (webhook event → buffer →
// scheduler) and the HTTP server exposing it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samuelwildary2025/novo-agente/internal/channels"
	"github.com/samuelwildary2025/novo-agente/internal/convkey"
	"github.com/samuelwildary2025/novo-agente/internal/delivery"
	"github.com/samuelwildary2025/novo-agente/internal/payload"
	"github.com/samuelwildary2025/novo-agente/internal/store"
)

// DefaultTakeoverTTL is how long the bot stays silent after a human
// operator writes to a customer.
const DefaultTakeoverTTL = 900 * time.Second

// DefaultMediaTimeout bounds media conversion inside the webhook request.
// Converters that run out of time fall back to their placeholder text.
const DefaultMediaTimeout = 20 * time.Second

// Deliverer runs the humanized reply sequence for one unit of work.
type Deliverer interface {
	Deliver(ctx context.Context, key, text string) (delivery.Result, error)
}

// Ensurer starts the debounce loop for a key when none is running.
type Ensurer interface {
	Ensure(key string) bool
}

// MediaResolver turns a media event into the text fragment to buffer.
type MediaResolver interface {
	Resolve(ctx context.Context, ev payload.Event) string
}

// Limiter caps inbound events per conversation.
type Limiter interface {
	Allow(key string) bool
}

// Takeover configures human-operator detection.
type Takeover struct {
	TTL             time.Duration
	AgentNumber     string   // the bot's own number
	OperatorNumbers []string // internal numbers; echoes to them never pause the bot
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Stores    *store.Stores
	Scheduler Ensurer
	Deliverer Deliverer
	Generator delivery.Generator // direct invocation (POST /message)
	Media     MediaResolver      // nil = media events use their caption only
	Limiter   Limiter            // nil = unlimited
	Takeover  Takeover

	MediaTimeout time.Duration // 0 = DefaultMediaTimeout
}

// Engine is the inbound control flow shared by the webhook and the bridge.
type Engine struct {
	stores    *store.Stores
	scheduler Ensurer
	deliverer Deliverer
	generator delivery.Generator
	media     MediaResolver
	limiter   Limiter

	mediaTimeout time.Duration

	mu       sync.RWMutex
	takeover Takeover

	// background deliveries when the buffer store is unavailable
	bgCtx context.Context
	bgWG  sync.WaitGroup
	now   func() time.Time
}

// NewEngine creates an engine. ctx bounds the background deliveries started
// when buffering fails.
func NewEngine(ctx context.Context, cfg EngineConfig) *Engine {
	e := &Engine{
		stores:    cfg.Stores,
		scheduler: cfg.Scheduler,
		deliverer: cfg.Deliverer,
		generator: cfg.Generator,
		media:     cfg.Media,
		limiter:   cfg.Limiter,
		bgCtx:     ctx,
		now:       time.Now,

		mediaTimeout: cfg.MediaTimeout,
	}
	if e.mediaTimeout <= 0 {
		e.mediaTimeout = DefaultMediaTimeout
	}
	e.SetTakeover(cfg.Takeover)
	return e
}

// SetTakeover replaces the takeover policy (config hot reload).
func (e *Engine) SetTakeover(t Takeover) {
	if t.TTL <= 0 {
		t.TTL = DefaultTakeoverTTL
	}
	t.AgentNumber = convkey.Digits(t.AgentNumber)
	ops := make([]string, 0, len(t.OperatorNumbers))
	for _, n := range t.OperatorNumbers {
		if d := convkey.Digits(n); d != "" {
			ops = append(ops, d)
		}
	}
	t.OperatorNumbers = ops

	e.mu.Lock()
	e.takeover = t
	e.mu.Unlock()
}

func (e *Engine) takeoverPolicy() Takeover {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.takeover
}

// HandleInbound processes one raw provider event and returns its status.
// It never blocks on generation or delivery.
func (e *Engine) HandleInbound(ctx context.Context, raw []byte) string {
	ev, err := payload.Normalize(raw)
	if err != nil {
		slog.Warn("inbound: invalid payload", "error", err, "preview", channels.Truncate(string(raw), 200))
		return channels.StatusIgnored
	}

	if ev.FromMe {
		return e.handleEcho(ctx, ev)
	}

	key, err := convkey.First(ev.Candidates...)
	if err != nil {
		slog.Warn("inbound: ignored", "reason", "no conversation key", "candidates", ev.Candidates, "kind", ev.Kind)
		return channels.StatusIgnored
	}
	if ev.Kind == payload.KindText && strings.TrimSpace(ev.Text) == "" {
		slog.Warn("inbound: ignored", "reason", "empty text", "key", key)
		return channels.StatusIgnored
	}
	if e.limiter != nil && !e.limiter.Allow(key.String()) {
		slog.Warn("inbound: ignored", "reason", "rate limited", "key", key)
		return channels.StatusIgnored
	}

	text := ev.Text
	if ev.IsMedia() && e.media != nil {
		mctx, cancel := context.WithTimeout(ctx, e.mediaTimeout)
		text = e.media.Resolve(mctx, ev)
		cancel()
	}
	if strings.TrimSpace(text) == "" {
		slog.Warn("inbound: ignored", "reason", "empty content", "key", key, "kind", ev.Kind)
		return channels.StatusIgnored
	}

	slog.Info("inbound: message", "key", key, "kind", ev.Kind, "preview", channels.Truncate(text, 50))

	frag := store.Fragment{Text: text, MessageID: ev.MessageID}

	if active, remaining := e.stores.Cooldowns.InCooldown(ctx, key.String()); active {
		if _, err := e.stores.Buffers.Push(ctx, key.String(), frag); err != nil {
			slog.Warn("inbound: buffer during cooldown failed", "key", key, "error", err)
		}
		slog.Info("inbound: cooldown", "key", key, "remaining", remaining.Round(time.Second))
		return channels.StatusCooldown
	}

	if _, err := e.stores.Buffers.Push(ctx, key.String(), frag); err != nil {
		slog.Warn("inbound: buffer unavailable, delivering directly", "key", key, "error", err)
		e.deliverNow(key.String(), text)
		return channels.StatusBuffering
	}

	e.scheduler.Ensure(key.String())
	return channels.StatusBuffering
}

// handleEcho records a message sent from the business account. When it was
// typed by a human to a customer, the bot is paused for that conversation.
func (e *Engine) handleEcho(ctx context.Context, ev payload.Event) string {
	candidates := append(append([]string{}, ev.EchoCandidates...), ev.Candidates...)
	key, err := convkey.First(candidates...)
	if err != nil {
		slog.Warn("inbound: ignored", "reason", "echo without recipient", "candidates", candidates)
		return channels.StatusIgnored
	}
	text := strings.TrimSpace(ev.Text)
	if ev.Kind == payload.KindText && text == "" {
		slog.Warn("inbound: ignored", "reason", "empty echo", "key", key)
		return channels.StatusIgnored
	}

	t := e.takeoverPolicy()
	if t.AgentNumber != "" && e.isCustomer(t, key.String()) {
		if err := e.stores.Cooldowns.SetCooldown(ctx, key.String(), t.TTL); err != nil {
			slog.Warn("inbound: set takeover cooldown failed", "key", key, "error", err)
		} else {
			slog.Info("inbound: human takeover", "key", key, "ttl", t.TTL)
		}
	}

	if text != "" && e.stores.Sessions != nil {
		if err := e.stores.Sessions.AppendMessage(ctx, key.String(), store.RoleAssistant, text); err != nil {
			slog.Warn("inbound: record echo failed", "key", key, "error", err)
		}
	}
	return channels.StatusIgnoredSelf
}

func (e *Engine) isCustomer(t Takeover, key string) bool {
	if key == t.AgentNumber {
		return false
	}
	for _, op := range t.OperatorNumbers {
		if key == op {
			return false
		}
	}
	return true
}

// deliverNow runs an unbuffered delivery in the background.
func (e *Engine) deliverNow(key, text string) {
	e.bgWG.Add(1)
	go func() {
		defer e.bgWG.Done()
		if _, err := e.deliverer.Deliver(e.bgCtx, key, text); err != nil {
			slog.Warn("inbound: direct delivery failed", "key", key, "error", err)
		}
	}()
}

// Wait blocks until background deliveries finish.
func (e *Engine) Wait() { e.bgWG.Wait() }

// DirectResult is the outcome of a synchronous generation.
type DirectResult struct {
	Key       string
	Reply     string
	Timestamp time.Time
}

// ErrNoGenerator is returned by Direct when no generator is wired.
var ErrNoGenerator = errors.New("gateway: no generator configured")

// Direct generates a reply for phone/text synchronously, bypassing the
// buffer, the cooldown and humanized delivery. Nothing is sent to WhatsApp.
func (e *Engine) Direct(ctx context.Context, phone, text string) (DirectResult, error) {
	if e.generator == nil {
		return DirectResult{}, ErrNoGenerator
	}
	key, err := convkey.Normalize(phone)
	if err != nil {
		return DirectResult{}, fmt.Errorf("telefone %q: %w", phone, err)
	}
	if strings.TrimSpace(text) == "" {
		return DirectResult{}, fmt.Errorf("mensagem is empty")
	}
	reply, err := e.generator.Generate(ctx, key.String(), text)
	if err != nil {
		return DirectResult{}, err
	}
	return DirectResult{Key: key.String(), Reply: reply, Timestamp: e.now()}, nil
}

var _ channels.InboundHandler = (*Engine)(nil)
