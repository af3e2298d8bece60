// Package consumer предоставляет runtime потребителя событий: пул воркеров,
// таймауты обработчиков, повторы с экспоненциальной задержкой и dead-lettering.
package consumer

import (
	"fmt"
	"time"

	"github.com/akriventsev/shopflow/framework/transport"
)

// Config конфигурация runtime
type Config struct {
	// Queue имя очереди (consumer group) сервиса
	Queue string
	// Concurrency количество одновременно обрабатываемых сообщений
	Concurrency int
	// HandlerTimeout бюджет обработки одного сообщения
	HandlerTimeout time.Duration
	// TimeoutOverrides таймауты по типу события (например, для долгого reindex)
	TimeoutOverrides map[string]time.Duration
	// RetryPolicy политика повторов временных ошибок
	RetryPolicy transport.RetryPolicy
	// SettleTimeout таймаут Ack/Retry/DeadLetter
	SettleTimeout time.Duration
	// ErrorBackoff пауза после ошибки получения сообщения
	ErrorBackoff time.Duration
	// HeartbeatInterval период InProgress во время работы обработчика.
	// Должен быть заметно меньше срока подтверждения брокера (AckWait, ClaimMinIdle).
	HeartbeatInterval time.Duration
	// MaxParked сколько отложенных повторов ждут NotBefore без воркера.
	// Сверх лимита воркер ждет сам.
	MaxParked int
}

// DefaultConfig возвращает конфигурацию по умолчанию для очереди
func DefaultConfig(queue string) Config {
	return Config{
		Queue:             queue,
		Concurrency:       4,
		HandlerTimeout:    30 * time.Second,
		TimeoutOverrides:  map[string]time.Duration{},
		RetryPolicy:       transport.DefaultRetryPolicy(),
		SettleTimeout:     10 * time.Second,
		ErrorBackoff:      time.Second,
		HeartbeatInterval: 30 * time.Second,
		MaxParked:         256,
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.Queue == "" {
		return fmt.Errorf("queue cannot be empty")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.HandlerTimeout <= 0 {
		return fmt.Errorf("handler timeout must be positive")
	}
	for eventType, d := range c.TimeoutOverrides {
		if d <= 0 {
			return fmt.Errorf("timeout override for %s must be positive", eventType)
		}
	}
	if c.RetryPolicy == nil {
		return fmt.Errorf("retry policy is required")
	}
	if c.RetryPolicy.GetMaxAttempts() < 1 {
		return fmt.Errorf("retry policy must allow at least one attempt")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.MaxParked < 0 {
		return fmt.Errorf("max parked cannot be negative")
	}
	return nil
}

// MaxRetryDelay наибольшая задержка перед повтором по политике
func (c Config) MaxRetryDelay() time.Duration {
	var longest time.Duration
	for attempt := 1; attempt < c.RetryPolicy.GetMaxAttempts(); attempt++ {
		if d := c.RetryPolicy.GetDelay(attempt); d > longest {
			longest = d
		}
	}
	return longest
}

func (c Config) timeoutFor(eventType string) time.Duration {
	if d, ok := c.TimeoutOverrides[eventType]; ok {
		return d
	}
	return c.HandlerTimeout
}
