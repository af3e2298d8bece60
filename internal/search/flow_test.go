package search

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/shopflow/framework/consumer"
	"github.com/akriventsev/shopflow/framework/events"
	"github.com/akriventsev/shopflow/framework/testkit"
)

func TestFlow_IndexAndSearch(t *testing.T) {
	env := testkit.NewEnvironment(t, Queue)
	idx := NewMemoryIndex()
	indexer := NewIndexer(idx, fiveProducts(), NewMemoryCheckpointStore(), WithChunkSize(2))
	require.NoError(t, indexer.Register(env.Registry))
	env.Start(t)

	env.Publish(t, events.ProductCreated{ProductPayload: events.ProductPayload{
		ID: "p9", Name: "Bluebird Poster", Price: decimal.RequireFromString("15.00"),
	}})
	assert.Equal(t, consumer.StateAcked, env.WaitFinal(t).State)

	engine := NewEngine(idx)
	docs, err := engine.Search(context.Background(), "blu")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "p9", docs[0].ID)

	// полный reindex заменяет снимок каталогом: p9 в каталоге нет
	time.Sleep(time.Millisecond)
	env.Publish(t, events.ProductsReindex{})
	assert.Equal(t, consumer.StateAcked, env.WaitFinal(t).State)

	docs, err = engine.Search(context.Background(), "blu")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "p1", docs[0].ID)
}

func TestFlow_MalformedProductDeadLettered(t *testing.T) {
	env := testkit.NewEnvironment(t, Queue)
	require.NoError(t, NewIndexer(NewMemoryIndex(), fiveProducts(), NewMemoryCheckpointStore()).Register(env.Registry))
	env.Start(t)

	bad := testkit.Envelope(t, events.ProductsReindex{}, time.Now())
	bad.EventType = events.TypeProductCreated
	bad.Payload = []byte(`{"id":"","name":"no id"}`)
	env.PublishEnvelope(t, bad)

	o := env.WaitFinal(t)
	assert.Equal(t, consumer.StateDeadLettered, o.State)
	assert.Len(t, env.Bus.DeadLetters(Queue), 1)
}
