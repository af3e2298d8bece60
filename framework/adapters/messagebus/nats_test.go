package messagebus

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/shopflow/framework/transport"
)

// newTestNATSAdapter поднимает встроенный NATS с JetStream и подключает к нему адаптер
func newTestNATSAdapter(t *testing.T, ackWait time.Duration) (*NATSAdapter, string) {
	t.Helper()

	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	cfg := DefaultNATSConfig()
	cfg.URL = srv.ClientURL()
	cfg.StreamName = "TEST"
	cfg.EnableMetrics = false
	cfg.FetchWait = 200 * time.Millisecond
	cfg.AckWait = ackWait

	adapter, err := NewNATSAdapterBuilder().WithConfig(cfg).Build()
	require.NoError(t, err)
	require.NoError(t, adapter.Start(context.Background()))
	t.Cleanup(func() { _ = adapter.Stop(context.Background()) })
	return adapter, srv.ClientURL()
}

// expectNothing проверяет, что за d подписка ничего не доставила
func expectNothing(t *testing.T, sub transport.Subscription, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	delivery, err := sub.Next(ctx)
	if err == nil {
		t.Fatalf("unexpected delivery %s (%s)", delivery.Message().ID, delivery.Message().Subject)
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNATSAdapter_SingleSubjectSubscription(t *testing.T) {
	adapter, _ := newTestNATSAdapter(t, time.Minute)
	ctx := context.Background()

	sub, err := adapter.Subscribe(ctx, "payment-service", []string{"OrderCreated"})
	require.NoError(t, err)

	require.NoError(t, adapter.Publish(ctx, "ProductCreated", []byte(`{"p":1}`), map[string]string{transport.HeaderMessageID: "evt-p"}))
	require.NoError(t, adapter.Publish(ctx, "OrderCreated", []byte(`{"o":1}`), map[string]string{transport.HeaderMessageID: "evt-o"}))

	d := nextWithin(t, sub, 2*time.Second)
	assert.Equal(t, "evt-o", d.Message().ID)
	assert.Equal(t, "OrderCreated", d.Message().Subject)
	assert.Equal(t, []byte(`{"o":1}`), d.Message().Data)
	assert.Equal(t, 1, d.Message().Attempt)
	require.NoError(t, d.Ack(ctx))

	expectNothing(t, sub, 500*time.Millisecond)
}

func TestNATSAdapter_MultiSubjectSubscription(t *testing.T) {
	adapter, _ := newTestNATSAdapter(t, time.Minute)
	ctx := context.Background()

	sub, err := adapter.Subscribe(ctx, "search-service", []string{"ProductCreated", "ProductUpdated"})
	require.NoError(t, err)

	require.NoError(t, adapter.Publish(ctx, "ProductCreated", []byte(`{}`), map[string]string{transport.HeaderMessageID: "evt-1"}))
	require.NoError(t, adapter.Publish(ctx, "OrderCreated", []byte(`{}`), map[string]string{transport.HeaderMessageID: "evt-2"}))
	require.NoError(t, adapter.Publish(ctx, "ProductUpdated", []byte(`{}`), map[string]string{transport.HeaderMessageID: "evt-3"}))

	var subjects []string
	for i := 0; i < 2; i++ {
		d := nextWithin(t, sub, 2*time.Second)
		subjects = append(subjects, d.Message().Subject)
		require.NoError(t, d.Ack(ctx))
	}
	assert.ElementsMatch(t, []string{"ProductCreated", "ProductUpdated"}, subjects)

	expectNothing(t, sub, 500*time.Millisecond)
}

func TestNATSAdapter_ResubscribeWithChangedSubjects(t *testing.T) {
	adapter, _ := newTestNATSAdapter(t, time.Minute)
	ctx := context.Background()

	first, err := adapter.Subscribe(ctx, "search-service", []string{"ProductCreated"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// после рестарта сервис обрабатывает больше типов событий
	sub, err := adapter.Subscribe(ctx, "search-service", []string{"ProductCreated", "ProductsReindex"})
	require.NoError(t, err)

	require.NoError(t, adapter.Publish(ctx, "ProductsReindex", []byte(`{}`), map[string]string{transport.HeaderMessageID: "run-1"}))
	d := nextWithin(t, sub, 2*time.Second)
	assert.Equal(t, "ProductsReindex", d.Message().Subject)
	require.NoError(t, d.Ack(ctx))
}

func TestNATSAdapter_RetryRedeliversWithNextAttempt(t *testing.T) {
	adapter, _ := newTestNATSAdapter(t, time.Minute)
	ctx := context.Background()

	sub, err := adapter.Subscribe(ctx, "payment-service", []string{"OrderCreated"})
	require.NoError(t, err)
	require.NoError(t, adapter.Publish(ctx, "OrderCreated", []byte(`{}`), map[string]string{transport.HeaderMessageID: "evt-1"}))

	d := nextWithin(t, sub, 2*time.Second)
	require.Equal(t, 1, d.Message().Attempt)

	start := time.Now()
	require.NoError(t, d.Retry(ctx, 100*time.Millisecond))

	again := nextWithin(t, sub, 2*time.Second)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, "evt-1", again.Message().ID)
	assert.Equal(t, 2, again.Message().Attempt)
	require.NoError(t, again.Ack(ctx))

	expectNothing(t, sub, 500*time.Millisecond)
}

func TestNATSAdapter_DeadLetterPublishesCopyAndTerminates(t *testing.T) {
	adapter, url := newTestNATSAdapter(t, 300*time.Millisecond)
	ctx := context.Background()

	sub, err := adapter.Subscribe(ctx, "payment-service", []string{"OrderCreated"})
	require.NoError(t, err)
	require.NoError(t, adapter.Publish(ctx, "OrderCreated", []byte(`{"o":1}`), map[string]string{transport.HeaderMessageID: "evt-1"}))

	d := nextWithin(t, sub, 2*time.Second)
	require.NoError(t, d.DeadLetter(ctx, "quantity must not be negative"))

	// Term: ни AckWait, ни Retry не вернут сообщение
	expectNothing(t, sub, time.Second)

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()
	js, err := nc.JetStream()
	require.NoError(t, err)

	dlq, err := js.SubscribeSync("dlq.payment-service.OrderCreated", nats.DeliverAll(), nats.AckNone())
	require.NoError(t, err)
	msg, err := dlq.NextMsg(2 * time.Second)
	require.NoError(t, err)

	assert.Equal(t, []byte(`{"o":1}`), msg.Data)
	assert.Equal(t, "quantity must not be negative", msg.Header.Get(transport.HeaderDeadLetterReason))
	assert.Equal(t, "evt-1", msg.Header.Get(transport.HeaderMessageID))
	assert.Equal(t, "1", msg.Header.Get(transport.HeaderAttempt))
}

func TestNATSAdapter_InProgressHoldsRedelivery(t *testing.T) {
	adapter, _ := newTestNATSAdapter(t, 300*time.Millisecond)
	ctx := context.Background()

	sub, err := adapter.Subscribe(ctx, "search-service", []string{"ProductsReindex"})
	require.NoError(t, err)
	require.NoError(t, adapter.Publish(ctx, "ProductsReindex", []byte(`{}`), map[string]string{transport.HeaderMessageID: "run-1"}))

	d := nextWithin(t, sub, 2*time.Second)

	// долгий обработчик: работает втрое дольше AckWait, но продлевает срок
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; i < 9; i++ {
			<-ticker.C
			assert.NoError(t, d.InProgress(ctx))
		}
	}()
	expectNothing(t, sub, 900*time.Millisecond)
	<-done
	require.NoError(t, d.Ack(ctx))

	// без продления сообщение возвращается после AckWait
	require.NoError(t, adapter.Publish(ctx, "ProductsReindex", []byte(`{}`), map[string]string{transport.HeaderMessageID: "run-2"}))
	abandoned := nextWithin(t, sub, 2*time.Second)
	require.Equal(t, "run-2", abandoned.Message().ID)

	redelivered := nextWithin(t, sub, 2*time.Second)
	assert.Equal(t, "run-2", redelivered.Message().ID)
	assert.Equal(t, 2, redelivered.Message().Attempt)
	require.NoError(t, redelivered.Ack(ctx))
}

func TestNATSConfig_Validate(t *testing.T) {
	cfg := DefaultNATSConfig()
	require.NoError(t, cfg.Validate())

	cfg.AckWait = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultNATSConfig()
	cfg.URL = "http://localhost:4222"
	assert.Error(t, cfg.Validate())
}
