package cart

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/shopflow/framework/consumer"
	"github.com/akriventsev/shopflow/framework/events"
	"github.com/akriventsev/shopflow/framework/testkit"
)

func TestFlow_OrderCreatedClearsCart(t *testing.T) {
	ctx := context.Background()
	env := testkit.NewEnvironment(t, Queue)
	store := NewMemoryStore()
	require.NoError(t, NewOrderConsumer(store, nil).Register(env.Registry))
	env.Start(t)

	userID := uuid.New()
	c, err := New("cart-flow", UserOwner(userID), t0)
	require.NoError(t, err)
	require.NoError(t, c.AddItem("p1", 2, decimal.RequireFromString("3.50"), t0))
	require.NoError(t, store.Save(ctx, c))

	published := env.Publish(t, events.OrderCreated{
		OrderID:     uuid.New(),
		UserID:      userID,
		Currency:    "EUR",
		TotalAmount: decimal.RequireFromString("7.00"),
	})
	assert.Equal(t, consumer.StateAcked, env.WaitFinal(t).State)

	found, err := store.GetByOwner(ctx, UserOwner(userID).Key())
	require.NoError(t, err)
	assert.True(t, found.IsNone())

	// повторная доставка: корзины уже нет, это не ошибка
	env.PublishEnvelope(t, published)
	assert.Equal(t, consumer.StateAcked, env.WaitFinal(t).State)
	assert.Empty(t, env.Bus.DeadLetters(Queue))
}
