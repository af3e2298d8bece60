// Package testkit предоставляет in-memory окружение для тестов потребителей.
package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akriventsev/shopflow/framework/adapters/messagebus"
	"github.com/akriventsev/shopflow/framework/consumer"
	"github.com/akriventsev/shopflow/framework/events"
	"github.com/akriventsev/shopflow/framework/transport"
)

// DefaultWait сколько WaitFinal ждет итог обработки
const DefaultWait = 3 * time.Second

// Environment шина в памяти, реестр обработчиков и runtime одной очереди
type Environment struct {
	Bus       *messagebus.InMemoryAdapter
	Registry  *events.Registry
	Publisher *events.Publisher
	Runtime   *consumer.Runtime

	queue    string
	outcomes chan consumer.Outcome
}

// NewEnvironment создает окружение для очереди queue. Runtime запускается в Start.
func NewEnvironment(t testing.TB, queue string) *Environment {
	t.Helper()
	bus := messagebus.NewInMemoryAdapter(messagebus.DefaultInMemoryConfig())
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })

	return &Environment{
		Bus:       bus,
		Registry:  events.NewRegistry(),
		Publisher: events.NewPublisher(bus).WithSource("testkit"),
		queue:     queue,
		outcomes:  make(chan consumer.Outcome, 256),
	}
}

// FastConfig конфигурация runtime с миллисекундным backoff
func FastConfig(queue string) consumer.Config {
	cfg := consumer.DefaultConfig(queue)
	cfg.Concurrency = 2
	cfg.HandlerTimeout = 2 * time.Second
	cfg.ErrorBackoff = time.Millisecond
	cfg.RetryPolicy = &transport.ExponentialBackoffRetryPolicy{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  transport.DefaultRetryPolicy().MaxAttempts,
	}
	return cfg
}

// Start запускает runtime с FastConfig. Обработчики должны быть зарегистрированы заранее.
func (e *Environment) Start(t testing.TB, opts ...consumer.Option) {
	t.Helper()
	e.StartWithConfig(t, FastConfig(e.queue), opts...)
}

// StartWithConfig запускает runtime с указанной конфигурацией
func (e *Environment) StartWithConfig(t testing.TB, cfg consumer.Config, opts ...consumer.Option) {
	t.Helper()
	opts = append(opts, consumer.WithOutcomeHook(func(o consumer.Outcome) { e.outcomes <- o }))
	rt, err := consumer.New(cfg, e.Bus, e.Registry, opts...)
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	e.Runtime = rt

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultWait)
		defer cancel()
		_ = rt.Stop(ctx)
	})
}

// Publish публикует событие через Publisher
func (e *Environment) Publish(t testing.TB, event events.Event) *events.Envelope {
	t.Helper()
	env, err := e.Publisher.Publish(context.Background(), event)
	require.NoError(t, err)
	return env
}

// PublishEnvelope публикует готовый конверт, например повторно тот же event_id
func (e *Environment) PublishEnvelope(t testing.TB, env *events.Envelope) {
	t.Helper()
	require.NoError(t, e.Publisher.PublishEnvelope(context.Background(), env))
}

// WaitFinal ждет следующий итог, отличный от Retrying
func (e *Environment) WaitFinal(t testing.TB) consumer.Outcome {
	t.Helper()
	timeout := time.After(DefaultWait)
	for {
		select {
		case o := <-e.outcomes:
			if o.State != consumer.StateRetrying {
				return o
			}
		case <-timeout:
			t.Fatalf("timed out waiting for final outcome on queue %s", e.queue)
			return consumer.Outcome{}
		}
	}
}

// Envelope упаковывает событие без публикации
func Envelope(t testing.TB, event events.Event, at time.Time) *events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(event, at, nil)
	require.NoError(t, err)
	return env
}
