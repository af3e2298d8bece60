// search-service поддерживает поисковый индекс товаров и обслуживает GET /search.
package main

import (
	"context"
	"log"

	"github.com/akriventsev/shopflow/framework/events"
	"github.com/akriventsev/shopflow/internal/bootstrap"
	"github.com/akriventsev/shopflow/internal/catalog"
	"github.com/akriventsev/shopflow/internal/config"
	"github.com/akriventsev/shopflow/internal/search"
)

func main() {
	ctx := context.Background()

	svc, err := bootstrap.New(search.Queue)
	if err != nil {
		log.Fatalf("Failed to configure %s: %v", search.Queue, err)
	}
	cfg := svc.Config.Search

	pool, err := svc.Postgres(ctx)
	if err != nil {
		svc.Logger.Fatalf("Failed to create postgres pool: %v", err)
	}
	reader := catalog.NewPostgresReader(pool.Pool(), cfg.CatalogPageSize)

	var index search.IndexStore = search.NewMemoryIndex()
	if cfg.IndexStore == config.StoreMongo {
		client, err := svc.Mongo(ctx)
		if err != nil {
			svc.Logger.Fatalf("Failed to connect to mongodb: %v", err)
		}
		mongoIndex := search.NewMongoIndex(client, cfg.Collection)
		if err := mongoIndex.EnsureIndexes(ctx); err != nil {
			svc.Logger.Fatalf("Failed to create search indexes: %v", err)
		}
		index = mongoIndex
	}

	var checkpoints search.CheckpointStore = search.NewMemoryCheckpointStore()
	if cfg.CheckpointStore == config.StorePostgres {
		checkpoints = search.NewPostgresCheckpointStore(pool.Pool())
	}

	indexer := search.NewIndexer(index, reader, checkpoints,
		search.WithChunkSize(cfg.ChunkSize),
		search.WithIndexerLogger(svc.Log()),
		search.WithIndexerMetrics(svc.Metrics),
	)
	registry := events.NewRegistry()
	if err := indexer.Register(registry); err != nil {
		svc.Logger.Fatalf("Failed to register handlers: %v", err)
	}
	if _, err := svc.Consumer(registry); err != nil {
		svc.Logger.Fatalf("Failed to create consumer: %v", err)
	}

	engine := search.NewEngine(index, search.WithLimit(cfg.Limit), search.WithEngineMetrics(svc.Metrics))
	search.RegisterRoutes(svc.HTTP.Router(), engine)

	if err := svc.Run(ctx); err != nil {
		svc.Logger.Fatalf("%s stopped with error: %v", search.Queue, err)
	}
}
