package search

import (
	"context"
	"time"

	"github.com/akriventsev/shopflow/framework/metrics"
)

// Engine выполняет поисковые запросы к индексу
type Engine struct {
	index   IndexStore
	limit   int
	metrics *metrics.Metrics
}

// EngineOption опция Engine
type EngineOption func(*Engine)

// WithLimit задает размер выдачи по умолчанию
func WithLimit(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.limit = n
		}
	}
}

// WithEngineMetrics включает метрики запросов
func WithEngineMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine создает движок
func NewEngine(index IndexStore, opts ...EngineOption) *Engine {
	e := &Engine{index: index, limit: DefaultLimit}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search возвращает документы, релевантные тексту. Пустой запрос дает пустой результат.
func (e *Engine) Search(ctx context.Context, text string) ([]Document, error) {
	return e.SearchN(ctx, text, e.limit)
}

// SearchN как Search, но с явным размером выдачи
func (e *Engine) SearchN(ctx context.Context, text string, limit int) ([]Document, error) {
	q := ParseQuery(text)
	if q.IsEmpty() {
		return []Document{}, nil
	}
	if limit <= 0 {
		limit = e.limit
	}

	started := time.Now()
	docs, err := e.index.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordSearch(ctx, time.Since(started), len(docs))
	return docs, nil
}
