package events

import (
	"context"
	"fmt"
	"time"

	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/observability"
	"github.com/akriventsev/shopflow/framework/transport"
)

// Заголовки, которые издатель дублирует из конверта
const (
	HeaderEventType = "x-event-type"
)

// RetryConfig конфигурация retry для публикатора
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig возвращает конфигурацию retry по умолчанию
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Publisher публикует типизированные события через транспорт.
// Subject сообщения совпадает с типом события.
type Publisher struct {
	bus         transport.Publisher
	retryConfig *RetryConfig
	source      string
	now         func() time.Time
}

// NewPublisher создает публикатор поверх транспорта
func NewPublisher(bus transport.Publisher) *Publisher {
	return &Publisher{bus: bus, now: time.Now}
}

// WithRetry настраивает повтор публикации при ошибках брокера
func (p *Publisher) WithRetry(config RetryConfig) *Publisher {
	p.retryConfig = &config
	return p
}

// WithSource задает metadata["source"] для всех событий
func (p *Publisher) WithSource(source string) *Publisher {
	p.source = source
	return p
}

// WithClock подменяет источник времени occurred_at
func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	p.now = now
	return p
}

// Publish упаковывает событие в конверт и публикует его.
// Возвращается, когда брокер принял сообщение.
func (p *Publisher) Publish(ctx context.Context, event Event) (*Envelope, error) {
	var metadata Metadata
	if p.source != "" {
		metadata = Metadata{"source": p.source}
	}
	env, err := NewEnvelope(event, p.now(), metadata)
	if err != nil {
		return nil, err
	}
	if err := p.PublishEnvelope(ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}

// PublishEnvelope публикует готовый конверт
func (p *Publisher) PublishEnvelope(ctx context.Context, env *Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	ctx, span := observability.StartProducerSpan(ctx, env.EventType)
	headers := map[string]string{
		transport.HeaderMessageID: env.EventID,
		HeaderEventType:           env.EventType,
	}
	observability.InjectHeaders(ctx, headers)

	err = p.retryPublish(ctx, env.EventType, data, headers)
	observability.EndSpan(span, err)
	return err
}

// retryPublish выполняет публикацию с retry
func (p *Publisher) retryPublish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	if p.retryConfig == nil || p.retryConfig.MaxAttempts <= 1 {
		if err := p.bus.Publish(ctx, subject, data, headers); err != nil {
			return core.Transient(err, "publish "+subject)
		}
		return nil
	}

	var lastErr error
	delay := p.retryConfig.InitialDelay

	for attempt := 0; attempt < p.retryConfig.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * p.retryConfig.BackoffMultiplier)
			if delay > p.retryConfig.MaxDelay {
				delay = p.retryConfig.MaxDelay
			}
		}

		err := p.bus.Publish(ctx, subject, data, headers)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	return core.Transient(lastErr, fmt.Sprintf("publish %s failed after %d attempts", subject, p.retryConfig.MaxAttempts))
}
