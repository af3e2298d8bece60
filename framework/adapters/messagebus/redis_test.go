package messagebus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/shopflow/framework/transport"
)

func newTestRedisAdapter(t *testing.T) (*RedisAdapter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	cfg.BlockTimeout = 50 * time.Millisecond
	cfg.ClaimMinIdle = 0
	cfg.ConsumerName = "test-consumer"
	cfg.EnableMetrics = false

	adapter, err := NewRedisAdapterFromClient(client, cfg)
	require.NoError(t, err)
	require.NoError(t, adapter.Start(context.Background()))
	t.Cleanup(func() { _ = adapter.Stop(context.Background()) })
	return adapter, mr
}

func TestRedisAdapter_PublishSubscribeAck(t *testing.T) {
	adapter, _ := newTestRedisAdapter(t)
	ctx := context.Background()

	sub, err := adapter.Subscribe(ctx, "cart-service", []string{"OrderCreated"})
	require.NoError(t, err)

	require.NoError(t, adapter.Publish(ctx, "OrderCreated", []byte(`{"a":1}`), map[string]string{transport.HeaderMessageID: "evt-1"}))

	d := nextWithin(t, sub, time.Second)
	assert.Equal(t, "evt-1", d.Message().ID)
	assert.Equal(t, "OrderCreated", d.Message().Subject)
	assert.Equal(t, []byte(`{"a":1}`), d.Message().Data)
	assert.Equal(t, 1, d.Message().Attempt)
	require.NoError(t, d.Ack(ctx))

	pending, err := adapter.client.XPending(ctx, adapter.StreamName("OrderCreated"), "cart-service").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestRedisAdapter_RetryRepublishesWithNextAttempt(t *testing.T) {
	adapter, _ := newTestRedisAdapter(t)
	ctx := context.Background()

	sub, err := adapter.Subscribe(ctx, "q", []string{"OrderCreated"})
	require.NoError(t, err)
	require.NoError(t, adapter.Publish(ctx, "OrderCreated", []byte(`x`), nil))

	first := nextWithin(t, sub, time.Second)
	require.NoError(t, first.Retry(ctx, 2*time.Second))

	second := nextWithin(t, sub, time.Second)
	assert.Equal(t, 2, second.Message().Attempt)
	assert.False(t, second.Message().NotBefore.IsZero())
	assert.True(t, second.Message().NotBefore.After(time.Now()))
}

func TestRedisAdapter_DeadLetter(t *testing.T) {
	adapter, _ := newTestRedisAdapter(t)
	ctx := context.Background()

	sub, err := adapter.Subscribe(ctx, "payment-service", []string{"OrderCreated"})
	require.NoError(t, err)
	require.NoError(t, adapter.Publish(ctx, "OrderCreated", []byte(`bad`), nil))

	d := nextWithin(t, sub, time.Second)
	require.NoError(t, d.DeadLetter(ctx, "payload does not match schema"))

	dead := adapter.DeadLetters("payment-service")
	require.Len(t, dead, 1)
	assert.Equal(t, "OrderCreated", dead[0].Subject)
	assert.Equal(t, "payload does not match schema", dead[0].Headers[transport.HeaderDeadLetterReason])
}

func TestRedisAdapter_RedeliversPendingAfterRestart(t *testing.T) {
	adapter, _ := newTestRedisAdapter(t)
	ctx := context.Background()

	sub, err := adapter.Subscribe(ctx, "q", []string{"ProductCreated"})
	require.NoError(t, err)
	require.NoError(t, adapter.Publish(ctx, "ProductCreated", []byte(`p`), nil))

	_ = nextWithin(t, sub, time.Second) // получено, но не подтверждено
	require.NoError(t, sub.Close())

	again, err := adapter.Subscribe(ctx, "q", []string{"ProductCreated"})
	require.NoError(t, err)
	d := nextWithin(t, again, time.Second)
	assert.Equal(t, []byte(`p`), d.Message().Data)
}

func TestRedisAdapter_NextHonoursContext(t *testing.T) {
	adapter, _ := newTestRedisAdapter(t)

	sub, err := adapter.Subscribe(context.Background(), "q", []string{"OrderCreated"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisAdapter_InProgressKeepsOwnership(t *testing.T) {
	adapter, _ := newTestRedisAdapter(t)
	ctx := context.Background()

	sub, err := adapter.Subscribe(ctx, "search-service", []string{"ProductsReindex"})
	require.NoError(t, err)
	require.NoError(t, adapter.Publish(ctx, "ProductsReindex", []byte(`{}`), map[string]string{transport.HeaderMessageID: "run-1"}))

	d := nextWithin(t, sub, time.Second)
	require.NoError(t, d.InProgress(ctx))

	pending, err := adapter.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: adapter.StreamName("ProductsReindex"),
		Group:  "search-service",
		Start:  "-",
		End:    "+",
		Count:  10,
	}).Result()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "test-consumer", pending[0].Consumer)

	require.NoError(t, d.Ack(ctx))
}
