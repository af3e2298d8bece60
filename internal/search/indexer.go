package search

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akriventsev/shopflow/framework/events"
	"github.com/akriventsev/shopflow/framework/logging"
	"github.com/akriventsev/shopflow/framework/metrics"
	"github.com/akriventsev/shopflow/internal/catalog"
)

// Queue имя очереди поискового индексатора
const Queue = "search-service"

// CheckpointName имя checkpoint прогона reindex товаров.
// У каждого прогона свой checkpoint, параллельные прогоны не мешают друг другу.
func CheckpointName(runID string) string {
	return "products:" + runID
}

// DefaultChunkSize размер пачки при reindex
const DefaultChunkSize = 200

// Indexer поддерживает поисковый индекс в соответствии с событиями каталога
type Indexer struct {
	index       IndexStore
	catalog     catalog.Reader
	checkpoints CheckpointStore
	chunkSize   int
	logger      logrus.FieldLogger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// IndexerOption опция Indexer
type IndexerOption func(*Indexer)

// WithChunkSize задает размер пачки reindex
func WithChunkSize(n int) IndexerOption {
	return func(i *Indexer) {
		if n > 0 {
			i.chunkSize = n
		}
	}
}

// WithIndexerLogger устанавливает логгер
func WithIndexerLogger(logger logrus.FieldLogger) IndexerOption {
	return func(i *Indexer) { i.logger = logger }
}

// WithIndexerMetrics включает метрики записи в индекс
func WithIndexerMetrics(m *metrics.Metrics) IndexerOption {
	return func(i *Indexer) { i.metrics = m }
}

// WithIndexerClock подменяет часы
func WithIndexerClock(now func() time.Time) IndexerOption {
	return func(i *Indexer) { i.now = now }
}

// NewIndexer создает индексатор
func NewIndexer(index IndexStore, reader catalog.Reader, checkpoints CheckpointStore, opts ...IndexerOption) *Indexer {
	i := &Indexer{
		index:       index,
		catalog:     reader,
		checkpoints: checkpoints,
		chunkSize:   DefaultChunkSize,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = logging.OrDiscard(i.logger)
	return i
}

// Register подписывает индексатор на события каталога
func (i *Indexer) Register(registry *events.Registry) error {
	return errors.Join(
		events.On(registry, i.HandleProductCreated),
		events.On(registry, i.HandleProductUpdated),
		events.On(registry, i.HandleProductsReindex),
	)
}

// HandleProductCreated индексирует новый товар
func (i *Indexer) HandleProductCreated(ctx context.Context, env *events.Envelope, e events.ProductCreated) error {
	return i.upsert(ctx, env, e.ProductPayload)
}

// HandleProductUpdated заменяет документ целиком, отсутствующий image_url очищает сохраненный
func (i *Indexer) HandleProductUpdated(ctx context.Context, env *events.Envelope, e events.ProductUpdated) error {
	return i.upsert(ctx, env, e.ProductPayload)
}

func (i *Indexer) upsert(ctx context.Context, env *events.Envelope, p events.ProductPayload) error {
	log := i.logger.WithFields(logrus.Fields{
		"event_id":   env.EventID,
		"event_type": env.EventType,
		"product_id": p.ID,
	})

	written, err := i.index.Upsert(ctx, FromPayload(p, env.OccurredAt))
	if err != nil {
		return err
	}
	if !written {
		log.Debug("stored document is newer, event skipped")
		return nil
	}
	i.metrics.RecordIndexed(ctx, "event", 1)
	log.Debug("document indexed")
	return nil
}

// HandleProductsReindex перестраивает индекс из каталога.
// Повторная доставка того же события продолжает прогон с последнего checkpoint.
func (i *Indexer) HandleProductsReindex(ctx context.Context, env *events.Envelope, _ events.ProductsReindex) error {
	_, err := i.Reindex(ctx, env.EventID)
	return err
}

// Reindex выполняет или продолжает прогон runID и возвращает итоговый checkpoint.
// Каждая пачка сначала записывается в индекс, затем фиксируется в checkpoint.
// После последней пачки документы, не затронутые прогоном, удаляются.
func (i *Indexer) Reindex(ctx context.Context, runID string) (Checkpoint, error) {
	cp, err := i.resume(ctx, runID)
	if err != nil {
		return Checkpoint{}, err
	}
	log := i.logger.WithFields(logrus.Fields{
		"run_id":     runID,
		"started_at": cp.StartedAt,
	})
	if cp.LastID != "" {
		log.WithField("last_id", cp.LastID).Info("resuming reindex")
	} else {
		log.Info("starting reindex")
	}

	chunk := make([]Document, 0, i.chunkSize)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		written, err := i.index.BulkReplace(ctx, chunk)
		if err != nil {
			return err
		}
		cp.LastID = chunk[len(chunk)-1].ID
		cp.Indexed += int64(len(chunk))
		if err := i.checkpoints.Save(ctx, cp); err != nil {
			return err
		}
		i.metrics.RecordIndexed(ctx, "reindex", written)
		chunk = chunk[:0]
		return nil
	}

	for product, err := range i.catalog.StreamAllProducts(ctx, cp.LastID) {
		if err != nil {
			// уже прочитанная часть пачки корректна, сохраняем прогресс
			if flushErr := flush(); flushErr != nil {
				return cp, errors.Join(err, flushErr)
			}
			log.WithError(err).WithField("last_id", cp.LastID).Warn("reindex interrupted")
			return cp, err
		}
		chunk = append(chunk, FromProduct(product, cp.StartedAt))
		if len(chunk) >= i.chunkSize {
			if err := flush(); err != nil {
				return cp, err
			}
		}
	}
	if err := flush(); err != nil {
		return cp, err
	}

	pruned, err := i.index.Prune(ctx, cp.StartedAt)
	if err != nil {
		return cp, err
	}
	if err := i.checkpoints.Delete(ctx, cp.Name); err != nil {
		return cp, err
	}

	log.WithFields(logrus.Fields{
		"indexed": cp.Indexed,
		"pruned":  pruned,
	}).Info("reindex completed")
	return cp, nil
}

// resume загружает checkpoint прогона или начинает новый
func (i *Indexer) resume(ctx context.Context, runID string) (Checkpoint, error) {
	name := CheckpointName(runID)
	found, err := i.checkpoints.Load(ctx, name)
	if err != nil {
		return Checkpoint{}, err
	}
	if cp, ok := found.Get(); ok {
		return cp, nil
	}

	cp := Checkpoint{
		Name:      name,
		RunID:     runID,
		StartedAt: i.now().UTC(),
	}
	if err := i.checkpoints.Save(ctx, cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}
