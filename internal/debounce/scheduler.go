// Package debounce coalesces bursts of inbound fragments per conversation
// into a single dispatch.
//
// A Scheduler owns at most one loop goroutine per key. A loop samples the
// buffer length every PollInterval and drains once the length has not grown
// for StallThreshold consecutive samples (or MaxWait elapsed). After each
// dispatch it re-arms if more fragments arrived meanwhile, otherwise exits
// and releases the key.
package debounce

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/samuelwildary2025/novo-agente/internal/store"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultStallThreshold = 3
	DefaultSeparator      = " | "
)

// Config tunes the aggregation window.
type Config struct {
	PollInterval   time.Duration
	StallThreshold int
	MaxWait        time.Duration // 0 = unlimited
	Separator      string
}

// DefaultConfig returns the production window: 3 stalled samples 5s apart.
func DefaultConfig() Config {
	return Config{
		PollInterval:   DefaultPollInterval,
		StallThreshold: DefaultStallThreshold,
		Separator:      DefaultSeparator,
	}
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = DefaultStallThreshold
	}
	if c.Separator == "" {
		c.Separator = DefaultSeparator
	}
	return c
}

// Batch is one coalesced unit of work handed to the dispatcher.
type Batch struct {
	CycleID       string
	Key           string
	Text          string // context prefix (if any) + joined fragments
	LastMessageID string
	Fragments     int
}

// DispatchFunc processes a batch. It runs on the loop goroutine, so the loop
// does not re-arm until it returns.
type DispatchFunc func(ctx context.Context, b Batch) error

// Scheduler tracks the set of keys with a running loop.
type Scheduler struct {
	cfg       Config
	buffers   store.BufferStore
	cooldowns store.CooldownStore
	sessions  store.SessionStore // optional
	dispatch  DispatchFunc
	tracer    trace.Tracer

	ctx context.Context
	wg  sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

// New creates a scheduler. Loops stop when ctx is cancelled; buffered
// fragments stay in the buffer store.
func New(ctx context.Context, cfg Config, stores *store.Stores, dispatch DispatchFunc) *Scheduler {
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		buffers:   stores.Buffers,
		cooldowns: stores.Cooldowns,
		sessions:  stores.Sessions,
		dispatch:  dispatch,
		tracer:    otel.Tracer("novo-agente/debounce"),
		ctx:       ctx,
		active:    make(map[string]struct{}),
	}
}

// Ensure starts a loop for key unless one is already running. It reports
// whether a new loop was started. Safe to call on every push.
func (s *Scheduler) Ensure(key string) bool {
	if s.ctx.Err() != nil {
		return false
	}

	s.mu.Lock()
	if _, ok := s.active[key]; ok {
		s.mu.Unlock()
		return false
	}
	s.active[key] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(key)
	return true
}

// Active reports whether key currently has a loop.
func (s *Scheduler) Active(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[key]
	return ok
}

// ActiveCount returns the number of running loops.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Wait blocks until every loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// release runs when a loop exits. The final pending check and the removal
// from the active set happen under s.mu, so a push whose Ensure saw the key
// as active is either seen here or followed by an Ensure that starts a new
// loop. Held (cooldown) buffers are left for the next push.
func (s *Scheduler) release(key string) {
	s.mu.Lock()
	if s.ctx.Err() == nil && s.buffers.Len(s.ctx, key) > 0 {
		if in, _ := s.cooldowns.InCooldown(s.ctx, key); !in {
			s.mu.Unlock()
			slog.Debug("debounce: fragments arrived during exit, restarting loop", "key", key)
			go s.run(key)
			return
		}
	}
	delete(s.active, key)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Scheduler) run(key string) {
	defer s.release(key)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("debounce: loop panic", "key", key, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	slog.Debug("debounce: loop started", "key", key)
	for {
		again, err := s.cycle(key)
		if err != nil {
			slog.Error("debounce: cycle failed", "key", key, "error", err)
		}
		if !again {
			slog.Debug("debounce: loop exit", "key", key)
			return
		}
	}
}

// cycle runs one Waiting → Draining → Dispatching pass. It returns whether
// the loop should re-arm.
func (s *Scheduler) cycle(key string) (bool, error) {
	prev := s.buffers.Len(s.ctx, key)
	if prev == 0 {
		return false, nil
	}

	if !s.waitQuiet(key, prev) {
		return false, nil
	}

	if in, remaining := s.cooldowns.InCooldown(s.ctx, key); in {
		slog.Info("debounce: key entered cooldown, holding buffer", "key", key, "remaining", remaining.Round(time.Second))
		return false, nil
	}

	frags, lastID, err := s.buffers.Drain(s.ctx, key)
	if err != nil {
		return false, fmt.Errorf("drain: %w", err)
	}

	parts := make([]string, 0, len(frags))
	for _, f := range frags {
		if strings.TrimSpace(f.Text) != "" {
			parts = append(parts, f.Text)
		}
	}
	if len(parts) == 0 {
		return false, nil
	}
	text := strings.Join(parts, s.cfg.Separator)

	if s.sessions != nil {
		prefix, err := s.sessions.GetContext(s.ctx, key)
		if err != nil {
			slog.Warn("debounce: session context unavailable", "key", key, "error", err)
		} else if prefix != "" {
			text = prefix + "\n\n" + text
		}
	}

	b := Batch{
		CycleID:       uuid.NewString(),
		Key:           key,
		Text:          text,
		LastMessageID: lastID,
		Fragments:     len(parts),
	}
	s.dispatchBatch(b)

	if s.sessions != nil {
		if err := s.sessions.ExtendTTL(s.ctx, key); err != nil {
			slog.Warn("debounce: extend session ttl failed", "key", key, "error", err)
		}
	}

	return s.ctx.Err() == nil && s.buffers.Len(s.ctx, key) > 0, nil
}

func (s *Scheduler) dispatchBatch(b Batch) {
	ctx, span := s.tracer.Start(s.ctx, "debounce.dispatch", trace.WithAttributes(
		attribute.String("conversation.key", b.Key),
		attribute.String("cycle.id", b.CycleID),
		attribute.Int("cycle.fragments", b.Fragments),
		attribute.String("message.last_id", b.LastMessageID),
	))
	defer span.End()

	start := time.Now()
	slog.Info("debounce: dispatching", "key", b.Key, "cycle", b.CycleID, "fragments", b.Fragments, "last_message_id", b.LastMessageID)
	if err := s.dispatch(ctx, b); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("debounce: dispatch failed", "key", b.Key, "cycle", b.CycleID, "error", err)
		return
	}
	slog.Info("debounce: dispatched", "key", b.Key, "cycle", b.CycleID, "duration", time.Since(start).Round(time.Millisecond))
}

// waitQuiet samples the buffer until it stops growing. It returns false when
// the scheduler is shutting down.
func (s *Scheduler) waitQuiet(key string, prev int) bool {
	start := time.Now()
	stall := 0
	t := time.NewTimer(s.cfg.PollInterval)
	defer t.Stop()

	for stall < s.cfg.StallThreshold {
		select {
		case <-s.ctx.Done():
			return false
		case <-t.C:
		}

		curr := s.buffers.Len(s.ctx, key)
		if curr > prev {
			prev, stall = curr, 0
		} else {
			stall++
		}

		if s.cfg.MaxWait > 0 && time.Since(start) >= s.cfg.MaxWait {
			slog.Debug("debounce: max wait reached", "key", key, "pending", curr)
			return true
		}
		t.Reset(s.cfg.PollInterval)
	}
	return true
}
