package payment

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/events"
)

func orderEnvelope(t *testing.T, orderID uuid.UUID) (*events.Envelope, events.OrderCreated) {
	t.Helper()
	e := events.OrderCreated{
		OrderID:     orderID,
		UserID:      uuid.New(),
		Currency:    "USD",
		TotalAmount: decimal.RequireFromString("120.00"),
	}
	env, err := events.NewEnvelope(e, t0, nil)
	require.NoError(t, err)
	return env, e
}

func TestService_HandleOrderCreatedIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, WithClock(func() time.Time { return t0 }))
	registry := events.NewRegistry()
	require.NoError(t, svc.Register(registry))
	ctx := context.Background()

	orderID := uuid.New()
	env, _ := orderEnvelope(t, orderID)

	require.NoError(t, registry.Dispatch(ctx, env))
	require.NoError(t, registry.Dispatch(ctx, env))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	found, err := svc.Get(ctx, orderID)
	require.NoError(t, err)
	tx := found.Value()
	assert.Equal(t, StatusPending, tx.Status)
	assert.True(t, tx.Amount.Equal(decimal.RequireFromString("120")))
	assert.Equal(t, "USD", tx.Currency)
	assert.Equal(t, DefaultGateway, tx.Gateway)
	assert.Equal(t, t0, tx.CreatedAt)
}

func TestService_ConcurrentDuplicates(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()
	env, e := orderEnvelope(t, uuid.New())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.HandleOrderCreated(ctx, env, e)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// racingStore прячет существующую запись от FindByOrderID, имитируя проигранную гонку
type racingStore struct {
	*MemoryStore
}

func (r racingStore) FindByOrderID(ctx context.Context, orderID uuid.UUID) (core.Option[*Transaction], error) {
	return core.None[*Transaction](), nil
}

func TestService_LostInsertRaceIsSuccess(t *testing.T) {
	mem := NewMemoryStore()
	ctx := context.Background()
	env, e := orderEnvelope(t, uuid.New())

	require.NoError(t, NewService(mem).HandleOrderCreated(ctx, env, e))
	require.NoError(t, NewService(racingStore{mem}).HandleOrderCreated(ctx, env, e))

	count, _ := mem.Count(ctx)
	assert.Equal(t, 1, count)
}

func TestService_ApplyGatewayResult(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()
	orderID := uuid.New()
	env, e := orderEnvelope(t, orderID)
	require.NoError(t, svc.HandleOrderCreated(ctx, env, e))

	tx, err := svc.ApplyGatewayResult(ctx, orderID, GatewayResult{Action: ActionSucceed, GatewayTransactionID: "gw-9"})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, tx.Status)
	assert.Equal(t, int64(2), tx.Version)

	tx, err = svc.ApplyGatewayResult(ctx, orderID, GatewayResult{Action: ActionSucceed, GatewayTransactionID: "gw-9"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), tx.Version)

	_, err = svc.ApplyGatewayResult(ctx, orderID, GatewayResult{Action: ActionFail})
	assert.True(t, core.HasCode(err, core.ErrBusinessInvariant))

	_, err = svc.ApplyGatewayResult(ctx, uuid.New(), GatewayResult{Action: ActionFail})
	assert.True(t, core.HasCode(err, core.ErrNotFound))

	stored, err := svc.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, "gw-9", stored.Value().GatewayTransactionID)
}

func TestMemoryStore_UpdateConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tx := pending(t)
	require.NoError(t, store.Insert(ctx, tx))

	stale := tx.Clone()
	_, err := tx.Apply(GatewayResult{Action: ActionCapture, GatewayTransactionID: "a"}, t0)
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, tx))

	_, err = stale.Apply(GatewayResult{Action: ActionFail}, t0)
	require.NoError(t, err)
	assert.True(t, core.HasCode(store.Update(ctx, stale), core.ErrConcurrencyConflict))

	ghost := pending(t)
	assert.True(t, core.HasCode(store.Update(ctx, ghost), core.ErrNotFound))
}

// TestPostgresStore требует SHOPFLOW_TEST_POSTGRES_DSN с примененными миграциями
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("SHOPFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SHOPFLOW_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	store := NewPostgresStore(pool)
	tx := pending(t)
	require.NoError(t, store.Insert(ctx, tx))

	dup := pending(t)
	dup.OrderID = tx.OrderID
	assert.True(t, core.HasCode(store.Insert(ctx, dup), core.ErrAlreadyExists))

	found, err := store.FindByOrderID(ctx, tx.OrderID)
	require.NoError(t, err)
	loaded := found.Value()
	assert.Equal(t, tx.ID, loaded.ID)
	assert.True(t, loaded.Amount.Equal(tx.Amount))

	_, err = loaded.Apply(GatewayResult{Action: ActionCapture, GatewayTransactionID: "gw"}, t0)
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, loaded))
	assert.Equal(t, int64(2), loaded.Version)

	assert.True(t, core.HasCode(store.Update(ctx, tx), core.ErrConcurrencyConflict))
}
