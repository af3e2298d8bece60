// Package transport предоставляет абстракции для работы с message bus.
package transport

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"
)

// Служебные заголовки, которыми адаптеры переносят состояние доставки
const (
	HeaderMessageID        = "x-message-id"
	HeaderAttempt          = "x-attempt"
	HeaderNotBefore        = "x-not-before"
	HeaderOriginalSubject  = "x-original-subject"
	HeaderDeadLetterReason = "x-dead-letter-reason"
	HeaderDeadLetteredAt   = "x-dead-lettered-at"
)

// ErrSubscriptionClosed возвращается из Next после Close подписки
var ErrSubscriptionClosed = errors.New("subscription closed")

// Message представляет сообщение в очереди
type Message struct {
	ID      string
	Subject string
	Data    []byte
	Headers map[string]string
	// Attempt номер попытки доставки, начиная с 1
	Attempt int
	// NotBefore момент, раньше которого сообщение не должно обрабатываться
	NotBefore time.Time
}

// Publisher публикатор сообщений
type Publisher interface {
	// Publish публикует сообщение в subject и возвращается, когда брокер принял его
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
}

// Delivery полученное сообщение вместе с операциями его завершения.
// Ровно одна из Ack, Retry, DeadLetter вызывается для каждой доставки.
type Delivery interface {
	Message() *Message
	// Ack подтверждает обработку, сообщение удаляется из очереди
	Ack(ctx context.Context) error
	// Retry возвращает сообщение в очередь не раньше чем через delay
	Retry(ctx context.Context, delay time.Duration) error
	// DeadLetter переносит сообщение в dead letter queue
	DeadLetter(ctx context.Context, reason string) error
	// InProgress продлевает срок подтверждения, пока обработчик еще работает,
	// чтобы брокер не доставил сообщение повторно
	InProgress(ctx context.Context) error
}

// Subscription ленивая бесконечная последовательность доставок
type Subscription interface {
	// Next блокируется до следующей доставки, отмены ctx или закрытия подписки
	Next(ctx context.Context) (Delivery, error)
	// Close закрывает подписку, последующие Next возвращают ErrSubscriptionClosed
	Close() error
}

// Subscriber подписчик на сообщения
type Subscriber interface {
	// Subscribe объявляет очередь queue, получающую сообщения перечисленных subjects.
	// Несколько подписок с одним queue делят сообщения между собой.
	Subscribe(ctx context.Context, queue string, subjects []string) (Subscription, error)
}

// MessageBus объединяет возможности публикации и подписки
type MessageBus interface {
	Publisher
	Subscriber
}

// RetryPolicy политика повторов для сообщений
type RetryPolicy interface {
	// ShouldRetry определяет, нужно ли повторить попытку с номером attempt
	ShouldRetry(attempt int, err error) bool
	// GetDelay возвращает задержку перед попыткой attempt+1
	GetDelay(attempt int) time.Duration
	// GetMaxAttempts возвращает максимальное количество попыток
	GetMaxAttempts() int
}

// ExponentialBackoffRetryPolicy политика повторов с экспоненциальной задержкой
type ExponentialBackoffRetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
}

// DefaultRetryPolicy 1s, 2s, 4s, 8s, затем dead letter на пятой неудаче
func DefaultRetryPolicy() *ExponentialBackoffRetryPolicy {
	return &ExponentialBackoffRetryPolicy{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		MaxAttempts:  5,
	}
}

// ShouldRetry определяет, нужно ли повторить попытку
func (p *ExponentialBackoffRetryPolicy) ShouldRetry(attempt int, err error) bool {
	return err != nil && attempt < p.MaxAttempts
}

// GetDelay возвращает InitialDelay * Multiplier^(attempt-1), не больше MaxDelay
func (p *ExponentialBackoffRetryPolicy) GetDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// GetMaxAttempts возвращает максимальное количество попыток
func (p *ExponentialBackoffRetryPolicy) GetMaxAttempts() int {
	return p.MaxAttempts
}

// CloneHeaders копирует заголовки, nil превращается в пустую map
func CloneHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		out[k] = v
	}
	return out
}

// AttemptFromHeaders читает номер попытки из заголовков, по умолчанию 1
func AttemptFromHeaders(headers map[string]string) int {
	if v, ok := headers[HeaderAttempt]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

// NotBeforeFromHeaders читает отметку отложенной обработки
func NotBeforeFromHeaders(headers map[string]string) time.Time {
	if v, ok := headers[HeaderNotBefore]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	}
	return time.Time{}
}

// RetryHeaders готовит заголовки копии сообщения для следующей попытки
func RetryHeaders(msg *Message, delay time.Duration, now time.Time) map[string]string {
	headers := CloneHeaders(msg.Headers)
	headers[HeaderAttempt] = strconv.Itoa(msg.Attempt + 1)
	headers[HeaderNotBefore] = strconv.FormatInt(now.Add(delay).UnixMilli(), 10)
	if msg.ID != "" {
		headers[HeaderMessageID] = msg.ID
	}
	return headers
}

// DeadLetterHeaders готовит заголовки сообщения для DLQ
func DeadLetterHeaders(msg *Message, reason string, now time.Time) map[string]string {
	headers := CloneHeaders(msg.Headers)
	headers[HeaderOriginalSubject] = msg.Subject
	headers[HeaderDeadLetterReason] = reason
	headers[HeaderDeadLetteredAt] = now.UTC().Format(time.RFC3339)
	headers[HeaderAttempt] = strconv.Itoa(msg.Attempt)
	return headers
}
