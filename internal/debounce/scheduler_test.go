package debounce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/samuelwildary2025/novo-agente/internal/store"
	"github.com/samuelwildary2025/novo-agente/internal/store/memory"
)

type recorder struct {
	mu      sync.Mutex
	batches []Batch
	hook    func(b Batch)
}

func (r *recorder) dispatch(_ context.Context, b Batch) error {
	if r.hook != nil {
		r.hook(b)
	}
	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Batch, len(r.batches))
	copy(out, r.batches)
	return out
}

func testStores() *store.Stores {
	return &store.Stores{
		Buffers:   memory.NewBufferStore(),
		Cooldowns: memory.NewCooldownStore(),
		Sessions:  memory.NewSessionStore(time.Hour),
	}
}

func fastConfig() Config {
	return Config{PollInterval: 10 * time.Millisecond, StallThreshold: 3}
}

func push(t *testing.T, stores *store.Stores, key, text, id string) bool {
	t.Helper()
	first, err := stores.Buffers.Push(context.Background(), key, store.Fragment{Text: text, MessageID: id})
	require.NoError(t, err)
	return first
}

func TestScheduler_CoalescesBurst(t *testing.T) {
	stores := testStores()
	rec := &recorder{}
	s := New(context.Background(), fastConfig(), stores, rec.dispatch)

	const key = "5585999999999"
	for i, txt := range []string{"leite", "pão", "2 unidades"} {
		push(t, stores, key, txt, []string{"m1", "m2", "m3"}[i])
		s.Ensure(key)
	}

	require.Eventually(t, func() bool { return !s.Active(key) }, 2*time.Second, 5*time.Millisecond)
	batches := rec.all()
	require.Len(t, batches, 1)
	assert.Equal(t, "leite | pão | 2 unidades", batches[0].Text)
	assert.Equal(t, "m3", batches[0].LastMessageID)
	assert.Equal(t, 3, batches[0].Fragments)
	assert.NotEmpty(t, batches[0].CycleID)
	assert.Equal(t, 0, stores.Buffers.Len(context.Background(), key))
}

func TestScheduler_PrependsSessionContext(t *testing.T) {
	stores := testStores()
	require.NoError(t, stores.Sessions.SetContext(context.Background(), "k", "Pedido atual: 1 leite"))
	rec := &recorder{}
	s := New(context.Background(), fastConfig(), stores, rec.dispatch)

	push(t, stores, "k", "mais um pão", "")
	s.Ensure("k")

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Pedido atual: 1 leite\n\nmais um pão", rec.all()[0].Text)
}

func TestScheduler_SkipsBlankFragments(t *testing.T) {
	stores := testStores()
	rec := &recorder{}
	s := New(context.Background(), fastConfig(), stores, rec.dispatch)

	push(t, stores, "k", "oi", "")
	push(t, stores, "k", "   ", "")
	push(t, stores, "k", "tudo bem?", "")
	s.Ensure("k")

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "oi | tudo bem?", rec.all()[0].Text)
}

func TestScheduler_OnlyBlankFragmentsExitsWithoutDispatch(t *testing.T) {
	stores := testStores()
	rec := &recorder{}
	s := New(context.Background(), fastConfig(), stores, rec.dispatch)

	push(t, stores, "k", " ", "")
	s.Ensure("k")

	require.Eventually(t, func() bool { return !s.Active("k") }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.all())
}

func TestScheduler_EnsureIsRaceFree(t *testing.T) {
	stores := testStores()
	started := make(chan struct{})
	release := make(chan struct{})
	rec := &recorder{hook: func(Batch) {
		close(started)
		<-release
	}}
	s := New(context.Background(), fastConfig(), stores, rec.dispatch)
	push(t, stores, "k", "x", "")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Ensure("k") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, s.ActiveCount())

	<-started
	assert.False(t, s.Ensure("k"), "loop still owns the key while dispatching")
	close(release)
	s.Wait()
	assert.False(t, s.Active("k"))
}

func TestScheduler_RearmsForArrivalsDuringDispatch(t *testing.T) {
	stores := testStores()
	var once sync.Once
	rec := &recorder{}
	rec.hook = func(Batch) {
		once.Do(func() { push(t, stores, "k", "esqueci o café", "m9") })
	}
	s := New(context.Background(), fastConfig(), stores, rec.dispatch)

	push(t, stores, "k", "pão", "m1")
	s.Ensure("k")

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	batches := rec.all()
	assert.Equal(t, "pão", batches[0].Text)
	assert.Equal(t, "esqueci o café", batches[1].Text)
	assert.Equal(t, "m9", batches[1].LastMessageID)
	require.Eventually(t, func() bool { return !s.Active("k") }, time.Second, 5*time.Millisecond)
}

func TestScheduler_NoFragmentLoss(t *testing.T) {
	stores := testStores()
	rec := &recorder{}
	s := New(context.Background(), Config{PollInterval: 2 * time.Millisecond, StallThreshold: 2}, stores, rec.dispatch)

	const n = 100
	for i := 0; i < n; i++ {
		push(t, stores, "k", "f", "")
		s.Ensure("k")
		if i%10 == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}

	require.Eventually(t, func() bool {
		total := 0
		for _, b := range rec.all() {
			total += b.Fragments
		}
		return total == n && !s.Active("k")
	}, 5*time.Second, 5*time.Millisecond)
}

// exitWindowBuffer runs onEmpty the first time Len reports an empty buffer
// after a drain, i.e. just before the loop decides to exit.
type exitWindowBuffer struct {
	*memory.BufferStore
	mu      sync.Mutex
	drained bool
	fired   bool
	onEmpty func()
}

func (b *exitWindowBuffer) Drain(ctx context.Context, key string) ([]store.Fragment, string, error) {
	b.mu.Lock()
	b.drained = true
	b.mu.Unlock()
	return b.BufferStore.Drain(ctx, key)
}

func (b *exitWindowBuffer) Len(ctx context.Context, key string) int {
	n := b.BufferStore.Len(ctx, key)
	b.mu.Lock()
	fire := n == 0 && b.drained && !b.fired
	if fire {
		b.fired = true
	}
	b.mu.Unlock()
	if fire {
		b.onEmpty()
	}
	return n
}

func TestScheduler_PushDuringLoopExitIsDelivered(t *testing.T) {
	stores := testStores()
	buf := &exitWindowBuffer{BufferStore: memory.NewBufferStore()}
	stores.Buffers = buf
	rec := &recorder{}
	s := New(context.Background(), fastConfig(), stores, rec.dispatch)

	const key = "5585999999999"
	buf.onEmpty = func() {
		push(t, stores, key, "atrasada", "m2")
		assert.False(t, s.Ensure(key), "loop still registered while exiting")
	}

	push(t, stores, key, "oi", "m1")
	require.True(t, s.Ensure(key))

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	s.Wait()
	batches := rec.all()
	assert.Equal(t, "oi", batches[0].Text)
	assert.Equal(t, "atrasada", batches[1].Text)
	assert.Equal(t, "m2", batches[1].LastMessageID)
	assert.False(t, s.Active(key))
	assert.Equal(t, 0, stores.Buffers.Len(context.Background(), key))
}

func TestScheduler_PanicWithPendingFragmentsRestarts(t *testing.T) {
	stores := testStores()
	rec := &recorder{}
	var once sync.Once
	s := New(context.Background(), fastConfig(), stores, func(ctx context.Context, b Batch) error {
		panicked := false
		once.Do(func() {
			push(t, stores, "k", "segunda", "")
			panicked = true
		})
		if panicked {
			panic("boom")
		}
		return rec.dispatch(ctx, b)
	})

	push(t, stores, "k", "primeira", "")
	require.True(t, s.Ensure("k"))

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Wait()
	assert.Equal(t, "segunda", rec.all()[0].Text)
	assert.False(t, s.Active("k"))
}

func TestScheduler_CooldownHoldsBuffer(t *testing.T) {
	stores := testStores()
	rec := &recorder{}
	s := New(context.Background(), fastConfig(), stores, rec.dispatch)

	push(t, stores, "k", "oi", "")
	s.Ensure("k")
	require.NoError(t, stores.Cooldowns.SetCooldown(context.Background(), "k", time.Minute))

	require.Eventually(t, func() bool { return !s.Active("k") }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.all())
	assert.Equal(t, 1, stores.Buffers.Len(context.Background(), "k"))
}

func TestScheduler_PanicReleasesKey(t *testing.T) {
	stores := testStores()
	s := New(context.Background(), fastConfig(), stores, func(context.Context, Batch) error {
		panic("boom")
	})

	push(t, stores, "k", "oi", "")
	require.True(t, s.Ensure("k"))
	require.Eventually(t, func() bool { return !s.Active("k") }, 2*time.Second, 5*time.Millisecond)

	push(t, stores, "k", "de novo", "")
	assert.True(t, s.Ensure("k"), "key can be re-armed after a panic")
	s.Wait()
}

func TestScheduler_MaxWaitBoundsContinuousStream(t *testing.T) {
	stores := testStores()
	rec := &recorder{}
	cfg := Config{PollInterval: 10 * time.Millisecond, StallThreshold: 3, MaxWait: 60 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx, cfg, stores, rec.dispatch)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			push(t, stores, "k", "x", "")
			s.Ensure("k")
			time.Sleep(3 * time.Millisecond)
		}
	}()

	require.Eventually(t, func() bool { return len(rec.all()) >= 1 }, 2*time.Second, 5*time.Millisecond)
	close(stop)
	<-done
}

func TestScheduler_ShutdownKeepsFragments(t *testing.T) {
	stores := testStores()
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, Config{PollInterval: time.Hour, StallThreshold: 3}, stores, rec.dispatch)

	push(t, stores, "k", "oi", "")
	require.True(t, s.Ensure("k"))
	cancel()
	s.Wait()

	assert.Empty(t, rec.all())
	assert.Equal(t, 1, stores.Buffers.Len(context.Background(), "k"))
	assert.False(t, s.Ensure("k"), "no new loops after shutdown")
}

func TestScheduler_DispatchSpanCarriesLastMessageID(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	stores := testStores()
	batches := &recorder{}
	s := New(context.Background(), fastConfig(), stores, batches.dispatch)
	push(t, stores, "k", "leite", "m1")
	push(t, stores, "k", "pão", "m2")
	require.True(t, s.Ensure("k"))
	s.Wait()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "debounce.dispatch", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("message.last_id", "m2"))
}
