// Package metrics предоставляет систему метрик на основе OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Исходы обработки сообщения
const (
	OutcomeAcked        = "acked"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
)

// Metrics сборщик метрик приложения.
// Все методы допускают nil получатель, метрики в этом случае не пишутся.
type Metrics struct {
	meter             metric.Meter
	messagesReceived  metric.Int64Counter
	messagesProcessed metric.Int64Counter
	handlerDuration   metric.Float64Histogram
	activeHandlers    metric.Int64UpDownCounter
	publishedTotal    metric.Int64Counter
	publishErrors     metric.Int64Counter
	searchQueries     metric.Int64Counter
	searchDuration    metric.Float64Histogram
	indexedDocuments  metric.Int64Counter
}

// NewMetrics создает новый сборщик метрик
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("shopflow")

	messagesReceived, err := meter.Int64Counter(
		"messages_received_total",
		metric.WithDescription("Total number of messages received by consumers"),
	)
	if err != nil {
		return nil, err
	}

	messagesProcessed, err := meter.Int64Counter(
		"messages_processed_total",
		metric.WithDescription("Total number of messages by final outcome (acked, retried, dead_lettered)"),
	)
	if err != nil {
		return nil, err
	}

	handlerDuration, err := meter.Float64Histogram(
		"handler_duration_seconds",
		metric.WithDescription("Event handler duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	activeHandlers, err := meter.Int64UpDownCounter(
		"active_handlers",
		metric.WithDescription("Number of messages being processed"),
	)
	if err != nil {
		return nil, err
	}

	publishedTotal, err := meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages accepted by the broker"),
	)
	if err != nil {
		return nil, err
	}

	publishErrors, err := meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of failed publish attempts"),
	)
	if err != nil {
		return nil, err
	}

	searchQueries, err := meter.Int64Counter(
		"search_queries_total",
		metric.WithDescription("Total number of search queries"),
	)
	if err != nil {
		return nil, err
	}

	searchDuration, err := meter.Float64Histogram(
		"search_duration_seconds",
		metric.WithDescription("Search query duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	indexedDocuments, err := meter.Int64Counter(
		"indexed_documents_total",
		metric.WithDescription("Total number of documents written to the search index"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		meter:             meter,
		messagesReceived:  messagesReceived,
		messagesProcessed: messagesProcessed,
		handlerDuration:   handlerDuration,
		activeHandlers:    activeHandlers,
		publishedTotal:    publishedTotal,
		publishErrors:     publishErrors,
		searchQueries:     searchQueries,
		searchDuration:    searchDuration,
		indexedDocuments:  indexedDocuments,
	}, nil
}

// RecordReceived записывает получение сообщения
func (m *Metrics) RecordReceived(ctx context.Context, queue, eventType string) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("event_type", eventType),
	))
}

// RecordOutcome записывает исход обработки сообщения и длительность handler'а
func (m *Metrics) RecordOutcome(ctx context.Context, queue, eventType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("queue", queue),
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	}
	m.messagesProcessed.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.handlerDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// IncrementActiveHandlers увеличивает счетчик сообщений в обработке
func (m *Metrics) IncrementActiveHandlers(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.activeHandlers.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// DecrementActiveHandlers уменьшает счетчик сообщений в обработке
func (m *Metrics) DecrementActiveHandlers(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.activeHandlers.Add(ctx, -1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordPublish записывает результат публикации
func (m *Metrics) RecordPublish(ctx context.Context, transportName, subject string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("transport", transportName),
		attribute.String("subject", subject),
	)
	if err != nil {
		m.publishErrors.Add(ctx, 1, attrs)
		return
	}
	m.publishedTotal.Add(ctx, 1, attrs)
}

// RecordSearch записывает метрику поискового запроса
func (m *Metrics) RecordSearch(ctx context.Context, duration time.Duration, results int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("empty", results == 0))
	m.searchQueries.Add(ctx, 1, attrs)
	m.searchDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordIndexed записывает количество записанных в индекс документов
func (m *Metrics) RecordIndexed(ctx context.Context, source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.indexedDocuments.Add(ctx, int64(n), metric.WithAttributes(attribute.String("source", source)))
}
