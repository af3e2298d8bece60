package consumer

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/shopflow/framework/adapters/messagebus"
	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/events"
	"github.com/akriventsev/shopflow/framework/transport"
)

const testQueue = "test-service"

type harness struct {
	bus      *messagebus.InMemoryAdapter
	registry *events.Registry
	runtime  *Runtime
	outcomes chan Outcome
}

func fastConfig() Config {
	cfg := DefaultConfig(testQueue)
	cfg.Concurrency = 2
	cfg.HandlerTimeout = time.Second
	cfg.RetryPolicy = &transport.ExponentialBackoffRetryPolicy{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  5,
	}
	cfg.ErrorBackoff = time.Millisecond
	return cfg
}

func newHarness(t *testing.T, cfg Config, register func(*events.Registry)) *harness {
	t.Helper()
	h := &harness{
		bus:      messagebus.NewInMemoryAdapter(messagebus.DefaultInMemoryConfig()),
		registry: events.NewRegistry(),
		outcomes: make(chan Outcome, 100),
	}
	register(h.registry)

	rt, err := New(cfg, h.bus, h.registry, WithOutcomeHook(func(o Outcome) { h.outcomes <- o }))
	require.NoError(t, err)
	h.runtime = rt

	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	return h
}

func (h *harness) publishOrderCreated(t *testing.T) *events.Envelope {
	t.Helper()
	env, err := events.NewPublisher(h.bus).Publish(context.Background(), events.OrderCreated{
		OrderID:     uuid.New(),
		UserID:      uuid.New(),
		Currency:    "USD",
		TotalAmount: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	return env
}

func (h *harness) waitFinal(t *testing.T) Outcome {
	t.Helper()
	for {
		select {
		case o := <-h.outcomes:
			if o.State != StateRetrying {
				return o
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for final outcome")
		}
	}
}

func TestRuntime_AcksOnSuccess(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, fastConfig(), func(r *events.Registry) {
		require.NoError(t, events.On(r, func(ctx context.Context, env *events.Envelope, e events.OrderCreated) error {
			calls.Add(1)
			return nil
		}))
	})

	h.publishOrderCreated(t)

	o := h.waitFinal(t)
	assert.Equal(t, StateAcked, o.State)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, h.bus.AckedCount(testQueue))
}

func TestRuntime_DeadLettersAfterRetryCeiling(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, fastConfig(), func(r *events.Registry) {
		require.NoError(t, events.On(r, func(ctx context.Context, env *events.Envelope, e events.OrderCreated) error {
			calls.Add(1)
			return core.Transient(errors.New("connection refused"), "payment store unavailable")
		}))
	})

	env := h.publishOrderCreated(t)

	o := h.waitFinal(t)
	assert.Equal(t, StateDeadLettered, o.State)
	assert.Equal(t, 5, o.Message.Attempt)

	// шестой попытки быть не должно
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(5), calls.Load())

	dead := h.bus.DeadLetters(testQueue)
	require.Len(t, dead, 1)
	assert.Equal(t, env.EventID, dead[0].ID)
	assert.Contains(t, dead[0].Headers[transport.HeaderDeadLetterReason], "retries exhausted after 5 attempts")
}

func TestRuntime_NonRetriableGoesStraightToDeadLetter(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, fastConfig(), func(r *events.Registry) {
		require.NoError(t, events.On(r, func(ctx context.Context, env *events.Envelope, e events.OrderCreated) error {
			calls.Add(1)
			return core.Invariant("quantity must not be negative")
		}))
	})

	h.publishOrderCreated(t)

	o := h.waitFinal(t)
	assert.Equal(t, StateDeadLettered, o.State)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, o.Message.Attempt)
}

func TestRuntime_MalformedEnvelopeIsNeverHandled(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, fastConfig(), func(r *events.Registry) {
		require.NoError(t, events.On(r, func(ctx context.Context, env *events.Envelope, e events.OrderCreated) error {
			calls.Add(1)
			return nil
		}))
	})

	require.NoError(t, h.bus.Publish(context.Background(), events.TypeOrderCreated,
		[]byte(`{"event_id":"e-1","event_type":"OrderCreated","payload":{"order_id":"not-a-uuid"}}`), nil))

	o := h.waitFinal(t)
	assert.Equal(t, StateDeadLettered, o.State)
	assert.True(t, core.HasCode(o.Err, core.ErrMalformedEvent))
	assert.Zero(t, calls.Load())
}

func TestRuntime_TimeoutIsRetried(t *testing.T) {
	cfg := fastConfig()
	cfg.HandlerTimeout = 20 * time.Millisecond

	var calls atomic.Int32
	h := newHarness(t, cfg, func(r *events.Registry) {
		require.NoError(t, events.On(r, func(ctx context.Context, env *events.Envelope, e events.OrderCreated) error {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		}))
	})

	h.publishOrderCreated(t)

	first := <-h.outcomes
	assert.Equal(t, StateRetrying, first.State)
	assert.ErrorIs(t, first.Err, ErrHandlerTimeout)

	final := h.waitFinal(t)
	assert.Equal(t, StateAcked, final.State)
	assert.Equal(t, 2, final.Message.Attempt)
}

func TestRuntime_TimeoutOverride(t *testing.T) {
	cfg := fastConfig()
	cfg.HandlerTimeout = 10 * time.Millisecond
	cfg.TimeoutOverrides = map[string]time.Duration{events.TypeProductsReindex: time.Second}

	h := newHarness(t, cfg, func(r *events.Registry) {
		require.NoError(t, events.On(r, func(ctx context.Context, env *events.Envelope, e events.ProductsReindex) error {
			time.Sleep(50 * time.Millisecond)
			return ctx.Err()
		}))
	})

	_, err := events.NewPublisher(h.bus).Publish(context.Background(), events.ProductsReindex{})
	require.NoError(t, err)

	o := h.waitFinal(t)
	assert.Equal(t, StateAcked, o.State)
}

func TestRuntime_PanicIsTreatedAsTransient(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, fastConfig(), func(r *events.Registry) {
		require.NoError(t, events.On(r, func(ctx context.Context, env *events.Envelope, e events.OrderCreated) error {
			if calls.Add(1) == 1 {
				panic("nil map")
			}
			return nil
		}))
	})

	h.publishOrderCreated(t)

	o := h.waitFinal(t)
	assert.Equal(t, StateAcked, o.State)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRuntime_StopDrainsInFlight(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool

	h := newHarness(t, fastConfig(), func(r *events.Registry) {
		require.NoError(t, events.On(r, func(ctx context.Context, env *events.Envelope, e events.OrderCreated) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
			return nil
		}))
	})

	h.publishOrderCreated(t)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.runtime.Stop(ctx))

	assert.True(t, finished.Load())
	assert.False(t, h.runtime.IsRunning())
	assert.Equal(t, 1, h.bus.AckedCount(testQueue))
}

func TestRuntime_ConcurrencyLimit(t *testing.T) {
	cfg := fastConfig()
	cfg.Concurrency = 3

	var active, peak atomic.Int32
	var mu sync.Mutex
	h := newHarness(t, cfg, func(r *events.Registry) {
		require.NoError(t, events.On(r, func(ctx context.Context, env *events.Envelope, e events.OrderCreated) error {
			n := active.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return nil
		}))
	})

	for i := 0; i < 10; i++ {
		h.publishOrderCreated(t)
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, StateAcked, h.waitFinal(t).State)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestNew_InvalidConfig(t *testing.T) {
	bus := messagebus.NewInMemoryAdapter(messagebus.DefaultInMemoryConfig())

	cfg := DefaultConfig("")
	_, err := New(cfg, bus, events.NewRegistry())
	assert.True(t, core.HasCode(err, core.ErrInvalidConfig))

	cfg = DefaultConfig("q")
	cfg.Concurrency = 0
	_, err = New(cfg, bus, events.NewRegistry())
	assert.Error(t, err)
}

func TestStart_WithoutHandlers(t *testing.T) {
	bus := messagebus.NewInMemoryAdapter(messagebus.DefaultInMemoryConfig())
	rt, err := New(DefaultConfig("q"), bus, events.NewRegistry())
	require.NoError(t, err)
	assert.Error(t, rt.Start(context.Background()))
}

// stubDelivery доставка, запоминающая вызовы InProgress и исход
type stubDelivery struct {
	msg        *transport.Message
	inProgress atomic.Int32
	settled    chan string
}

func (d *stubDelivery) Message() *transport.Message { return d.msg }

func (d *stubDelivery) Ack(ctx context.Context) error {
	d.settled <- "ack"
	return nil
}

func (d *stubDelivery) Retry(ctx context.Context, delay time.Duration) error {
	d.settled <- "retry"
	return nil
}

func (d *stubDelivery) DeadLetter(ctx context.Context, reason string) error {
	d.settled <- "dead_letter"
	return nil
}

func (d *stubDelivery) InProgress(ctx context.Context) error {
	d.inProgress.Add(1)
	return nil
}

type stubSubscriber struct {
	deliveries chan transport.Delivery
}

func (s *stubSubscriber) Subscribe(ctx context.Context, queue string, subjects []string) (transport.Subscription, error) {
	return s, nil
}

func (s *stubSubscriber) Next(ctx context.Context) (transport.Delivery, error) {
	select {
	case d := <-s.deliveries:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stubSubscriber) Close() error { return nil }

func TestRuntime_HeartbeatWhileHandlerRuns(t *testing.T) {
	cfg := fastConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond

	registry := events.NewRegistry()
	require.NoError(t, events.On(registry, func(ctx context.Context, env *events.Envelope, e events.ProductsReindex) error {
		time.Sleep(80 * time.Millisecond)
		return nil
	}))

	sub := &stubSubscriber{deliveries: make(chan transport.Delivery, 1)}
	rt, err := New(cfg, sub, registry)
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })

	env, err := events.NewEnvelope(events.ProductsReindex{}, time.Now(), nil)
	require.NoError(t, err)
	data, err := env.Marshal()
	require.NoError(t, err)

	d := &stubDelivery{
		msg:     &transport.Message{ID: env.EventID, Subject: env.EventType, Data: data, Attempt: 1},
		settled: make(chan string, 1),
	}
	sub.deliveries <- d

	select {
	case outcome := <-d.settled:
		assert.Equal(t, "ack", outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was not settled")
	}
	assert.GreaterOrEqual(t, d.inProgress.Load(), int32(3))

	// после исхода продление прекращается
	n := d.inProgress.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, d.inProgress.Load())
}

func TestRuntime_DelayedRetryDoesNotBlockWorker(t *testing.T) {
	cfg := fastConfig()
	cfg.Concurrency = 1

	var order []string
	var mu sync.Mutex
	h := newHarness(t, cfg, func(r *events.Registry) {
		require.NoError(t, events.On(r, func(ctx context.Context, env *events.Envelope, e events.OrderCreated) error {
			mu.Lock()
			order = append(order, e.Currency)
			mu.Unlock()
			return nil
		}))
	})

	publish := func(currency string, headers map[string]string) {
		env, err := events.NewEnvelope(events.OrderCreated{
			OrderID:     uuid.New(),
			UserID:      uuid.New(),
			Currency:    currency,
			TotalAmount: decimal.NewFromInt(1),
		}, time.Now(), nil)
		require.NoError(t, err)
		data, err := env.Marshal()
		require.NoError(t, err)
		require.NoError(t, h.bus.Publish(context.Background(), events.TypeOrderCreated, data, headers))
	}

	notBefore := time.Now().Add(300 * time.Millisecond)
	publish("EUR", map[string]string{transport.HeaderNotBefore: strconv.FormatInt(notBefore.UnixMilli(), 10)})
	require.Eventually(t, func() bool { return h.runtime.ParkedCount() == 1 }, time.Second, 5*time.Millisecond)

	publish("USD", nil)
	first := h.waitFinal(t)
	assert.Equal(t, StateAcked, first.State)
	assert.True(t, time.Now().Before(notBefore), "undelayed message waited for the delayed one")

	second := h.waitFinal(t)
	assert.Equal(t, StateAcked, second.State)
	assert.False(t, time.Now().Before(notBefore))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"USD", "EUR"}, order)
	assert.Zero(t, h.runtime.ParkedCount())
}

func TestRuntime_StopLeavesParkedUnsettled(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, fastConfig(), func(r *events.Registry) {
		require.NoError(t, events.On(r, func(ctx context.Context, env *events.Envelope, e events.OrderCreated) error {
			calls.Add(1)
			return nil
		}))
	})

	env, err := events.NewEnvelope(events.OrderCreated{
		OrderID:     uuid.New(),
		UserID:      uuid.New(),
		Currency:    "USD",
		TotalAmount: decimal.NewFromInt(1),
	}, time.Now(), nil)
	require.NoError(t, err)
	data, err := env.Marshal()
	require.NoError(t, err)
	notBefore := time.Now().Add(time.Hour)
	require.NoError(t, h.bus.Publish(context.Background(), events.TypeOrderCreated, data,
		map[string]string{transport.HeaderNotBefore: strconv.FormatInt(notBefore.UnixMilli(), 10)}))
	require.Eventually(t, func() bool { return h.runtime.ParkedCount() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.runtime.Stop(ctx))

	assert.Zero(t, h.runtime.ParkedCount())
	assert.Zero(t, calls.Load())
	assert.Zero(t, h.bus.AckedCount(testQueue))
}

func TestConfig_ValidateHeartbeat(t *testing.T) {
	cfg := DefaultConfig("q")
	cfg.HeartbeatInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig("q")
	cfg.MaxParked = -1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig("q")
	assert.Equal(t, 8*time.Second, cfg.MaxRetryDelay())
}
