package cart

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/events"
)

func orderCreated(t *testing.T, userID uuid.UUID) *events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.OrderCreated{
		OrderID:     uuid.New(),
		UserID:      userID,
		Currency:    "EUR",
		TotalAmount: decimal.NewFromInt(12),
	}, t0, nil)
	require.NoError(t, err)
	return env
}

func TestOrderConsumer_ClearsCartIdempotently(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			userID := uuid.New()

			c, err := New("cart-"+name, UserOwner(userID), t0)
			require.NoError(t, err)
			require.NoError(t, c.AddItem("p1", 1, decimal.NewFromInt(12), t0))
			require.NoError(t, store.Save(ctx, c))

			registry := events.NewRegistry()
			require.NoError(t, NewOrderConsumer(store, nil).Register(registry))

			env := orderCreated(t, userID)
			require.NoError(t, registry.Dispatch(ctx, env))

			found, err := store.GetByOwner(ctx, UserOwner(userID).Key())
			require.NoError(t, err)
			assert.True(t, found.IsNone())

			// повторная доставка того же события
			require.NoError(t, registry.Dispatch(ctx, env))
			found, err = store.GetByOwner(ctx, UserOwner(userID).Key())
			require.NoError(t, err)
			assert.True(t, found.IsNone())
		})
	}
}

func TestOrderConsumer_LeavesOtherCarts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	keep := UserOwner(uuid.New())

	c, err := New("keep", keep, t0)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, c))

	consumer := NewOrderConsumer(store, nil)
	env := orderCreated(t, uuid.New())
	event, err := events.Decode(env)
	require.NoError(t, err)
	require.NoError(t, consumer.HandleOrderCreated(ctx, env, event.(events.OrderCreated)))

	found, err := store.GetByOwner(ctx, keep.Key())
	require.NoError(t, err)
	assert.True(t, found.IsSome())
}

type failingStore struct {
	Store
	err error
}

func (f failingStore) GetByOwner(ctx context.Context, key string) (core.Option[*Cart], error) {
	return core.None[*Cart](), f.err
}

func TestOrderConsumer_SurfacesStoreErrors(t *testing.T) {
	boom := core.Transient(assert.AnError, "redis down")
	consumer := NewOrderConsumer(failingStore{Store: NewMemoryStore(), err: boom}, nil)

	env := orderCreated(t, uuid.New())
	event, err := events.Decode(env)
	require.NoError(t, err)

	err = consumer.HandleOrderCreated(context.Background(), env, event.(events.OrderCreated))
	assert.ErrorIs(t, err, boom)
	assert.True(t, core.IsRetriable(err))
}
