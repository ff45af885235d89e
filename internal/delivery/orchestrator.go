// Package delivery sequences a humanized reply: read receipt, typing
// presence, response generation, and paced chunked sends.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrSendFailed is returned when a chunk could not be delivered.
var ErrSendFailed = errors.New("delivery: send failed")

// DefaultFallbackReply is sent when the generator fails.
const DefaultFallbackReply = "Desculpe, tive um problema para processar sua mensagem. Pode repetir, por favor?"

// Presence states understood by Provider.SendPresence.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// Provider is the outbound side of the messaging provider.
type Provider interface {
	SendText(ctx context.Context, to, text string) error
	SendPresence(ctx context.Context, to string, state Presence) error
	MarkRead(ctx context.Context, chat string) error
}

// Generator produces the reply for an aggregated input.
type Generator interface {
	Generate(ctx context.Context, key, text string) (string, error)
}

// Timing holds every delay used while delivering.
type Timing struct {
	ReadDelayMin  time.Duration
	ReadDelayMax  time.Duration
	Settle        time.Duration
	Pause         time.Duration
	ChunkDelayMin time.Duration
	ChunkDelayMax time.Duration
}

// DefaultTiming mimics a person reading, typing and sending in bursts.
func DefaultTiming() Timing {
	return Timing{
		ReadDelayMin:  2 * time.Second,
		ReadDelayMax:  4 * time.Second,
		Settle:        800 * time.Millisecond,
		Pause:         500 * time.Millisecond,
		ChunkDelayMin: 800 * time.Millisecond,
		ChunkDelayMax: 1500 * time.Millisecond,
	}
}

// Config configures an Orchestrator.
type Config struct {
	Timing        Timing
	MaxChunkLen   int
	FallbackReply string
}

// Policy is what Deliver does when a step fails.
type Policy int

const (
	// Continue logs the failure and moves to the next step.
	Continue Policy = iota
	// Substitute replaces the step's output with a fallback and continues.
	Substitute
	// Abort ends the delivery with an error.
	Abort
)

func (p Policy) String() string {
	switch p {
	case Continue:
		return "continue"
	case Substitute:
		return "substitute"
	case Abort:
		return "abort"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// Result summarizes one delivery.
type Result struct {
	Reply    string
	Chunks   int      // chunks actually sent
	Fallback bool     // generator failed and the fallback reply was used
	Skipped  []string // steps that failed under the Continue policy
}

type step struct {
	name   string
	policy Policy
	run    func(ctx context.Context, d *attempt) error
}

type attempt struct {
	key   string
	text  string
	reply string
	res   Result
}

// Orchestrator runs the delivery step list for one conversation at a time
// per call. It is safe for concurrent use across keys.
type Orchestrator struct {
	provider  Provider
	generator Generator
	cfg       Config
	steps     []step
	tracer    trace.Tracer

	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	typing map[string]struct{}
}

// NewOrchestrator builds an orchestrator with the standard step list.
func NewOrchestrator(p Provider, g Generator, cfg Config) *Orchestrator {
	if cfg.MaxChunkLen <= 0 {
		cfg.MaxChunkLen = DefaultMaxChunkLen
	}
	if cfg.FallbackReply == "" {
		cfg.FallbackReply = DefaultFallbackReply
	}
	o := &Orchestrator{
		provider:  p,
		generator: g,
		cfg:       cfg,
		tracer:    otel.Tracer("novo-agente/delivery"),
		rand:      rand.Float64,
		sleep:     sleepCtx,
		typing:    make(map[string]struct{}),
	}
	o.steps = []step{
		{"read_delay", Abort, func(ctx context.Context, _ *attempt) error {
			return o.sleep(ctx, o.between(o.cfg.Timing.ReadDelayMin, o.cfg.Timing.ReadDelayMax))
		}},
		{"mark_read", Continue, func(ctx context.Context, d *attempt) error {
			return o.provider.MarkRead(ctx, d.key)
		}},
		{"settle", Abort, func(ctx context.Context, _ *attempt) error {
			return o.sleep(ctx, o.cfg.Timing.Settle)
		}},
		{"composing", Continue, o.startTyping},
		{"generate", Substitute, o.generate},
		{"paused", Continue, func(ctx context.Context, d *attempt) error {
			o.clearTyping(d.key)
			return o.provider.SendPresence(ctx, d.key, PresencePaused)
		}},
		{"pause", Abort, func(ctx context.Context, _ *attempt) error {
			return o.sleep(ctx, o.cfg.Timing.Pause)
		}},
		{"send", Abort, o.send},
	}
	return o
}

// WithRand replaces the random source; r must return values in [0, 1).
func (o *Orchestrator) WithRand(r func() float64) *Orchestrator {
	o.rand = r
	return o
}

// Policies returns the failure policy of every step, in order.
func (o *Orchestrator) Policies() map[string]Policy {
	out := make(map[string]Policy, len(o.steps))
	for _, s := range o.steps {
		out[s.name] = s.policy
	}
	return out
}

// Typing reports whether a composing indicator is currently shown for key.
func (o *Orchestrator) Typing(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.typing[key]
	return ok
}

// Deliver runs the full sequence for key. The returned error is non-nil only
// when sending failed or ctx was cancelled; presence is reset in every case.
func (o *Orchestrator) Deliver(ctx context.Context, key, text string) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "delivery.deliver", trace.WithAttributes(
		attribute.String("conversation.key", key),
		attribute.Int("input.length", len(text)),
	))
	defer span.End()

	d := &attempt{key: key, text: text}
	defer o.cleanup(ctx, key)

	for _, s := range o.steps {
		err := s.run(ctx, d)
		if err == nil {
			span.AddEvent(s.name)
			continue
		}
		span.AddEvent(s.name+" failed", trace.WithAttributes(
			attribute.String("policy", s.policy.String()),
			attribute.String("error", err.Error()),
		))

		switch s.policy {
		case Continue:
			slog.Warn("delivery: step failed, continuing", "key", key, "step", s.name, "error", err)
			d.res.Skipped = append(d.res.Skipped, s.name)
		case Substitute:
			slog.Warn("delivery: step failed, using fallback", "key", key, "step", s.name, "error", err)
			d.reply = o.cfg.FallbackReply
			d.res.Fallback = true
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			d.res.Reply = d.reply
			return d.res, fmt.Errorf("%s: %w", s.name, err)
		}
	}

	d.res.Reply = d.reply
	span.SetAttributes(attribute.Int("delivery.chunks", d.res.Chunks))
	return d.res, nil
}

func (o *Orchestrator) startTyping(ctx context.Context, d *attempt) error {
	o.mu.Lock()
	_, already := o.typing[d.key]
	o.typing[d.key] = struct{}{}
	o.mu.Unlock()
	if already {
		return nil
	}
	return o.provider.SendPresence(ctx, d.key, PresenceComposing)
}

func (o *Orchestrator) clearTyping(key string) {
	o.mu.Lock()
	delete(o.typing, key)
	o.mu.Unlock()
}

func (o *Orchestrator) generate(ctx context.Context, d *attempt) error {
	reply, err := o.generator.Generate(ctx, d.key, d.text)
	if err != nil {
		return err
	}
	if strings.TrimSpace(reply) == "" {
		return errors.New("empty reply")
	}
	d.reply = reply
	return nil
}

func (o *Orchestrator) send(ctx context.Context, d *attempt) error {
	chunks := Chunk(d.reply, o.cfg.MaxChunkLen)
	for i, c := range chunks {
		if err := o.provider.SendText(ctx, d.key, c); err != nil {
			return fmt.Errorf("%w: chunk %d/%d: %v", ErrSendFailed, i+1, len(chunks), err)
		}
		d.res.Chunks++
		if i < len(chunks)-1 {
			if err := o.sleep(ctx, o.between(o.cfg.Timing.ChunkDelayMin, o.cfg.Timing.ChunkDelayMax)); err != nil {
				return err
			}
		}
	}
	slog.Info("delivery: reply sent", "key", d.key, "chunks", len(chunks), "length", len(d.reply))
	return nil
}

// cleanup always resets presence, even when ctx is already cancelled.
func (o *Orchestrator) cleanup(ctx context.Context, key string) {
	o.clearTyping(key)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.provider.SendPresence(cctx, key, PresencePaused); err != nil {
		slog.Debug("delivery: presence cleanup failed", "key", key, "error", err)
	}
}

func (o *Orchestrator) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(o.rand()*float64(hi-lo))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
