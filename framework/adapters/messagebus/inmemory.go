// Package messagebus предоставляет адаптеры для различных message brokers.
package messagebus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/transport"
)

// InMemoryConfig конфигурация для InMemory адаптера
type InMemoryConfig struct {
	// BufferSize емкость каждой очереди
	BufferSize int
}

// DefaultInMemoryConfig возвращает конфигурацию InMemory по умолчанию
func DefaultInMemoryConfig() InMemoryConfig {
	return InMemoryConfig{BufferSize: 1000}
}

type memQueue struct {
	name     string
	subjects []string
	ch       chan *transport.Message
}

// InMemoryAdapter брокер в памяти процесса с очередями, повторами и DLQ.
// Подходит для тестов и запуска всех потребителей в одном процессе.
type InMemoryAdapter struct {
	config      InMemoryConfig
	mu          sync.RWMutex
	queues      map[string]*memQueue
	deadLetters map[string][]*transport.Message
	acked       map[string]int
	timers      map[*time.Timer]struct{}
	stopped     chan struct{}
	stopOnce    sync.Once
	running     bool
}

// NewInMemoryAdapter создает новый InMemory адаптер
func NewInMemoryAdapter(config InMemoryConfig) *InMemoryAdapter {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultInMemoryConfig().BufferSize
	}
	return &InMemoryAdapter{
		config:      config,
		queues:      make(map[string]*memQueue),
		deadLetters: make(map[string][]*transport.Message),
		acked:       make(map[string]int),
		timers:      make(map[*time.Timer]struct{}),
		stopped:     make(chan struct{}),
	}
}

// Start запускает адаптер (реализация core.Lifecycle)
func (i *InMemoryAdapter) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.running = true
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle).
// Отложенные повторы отменяются, ожидающие Next получают ErrSubscriptionClosed.
func (i *InMemoryAdapter) Stop(ctx context.Context) error {
	i.stopOnce.Do(func() {
		i.mu.Lock()
		defer i.mu.Unlock()
		for t := range i.timers {
			t.Stop()
		}
		i.timers = make(map[*time.Timer]struct{})
		i.running = false
		close(i.stopped)
	})
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (i *InMemoryAdapter) IsRunning() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.running
}

// Name возвращает имя компонента (реализация core.Component)
func (i *InMemoryAdapter) Name() string {
	return "inmemory-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (i *InMemoryAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish кладет копию сообщения в каждую очередь, привязанную к subject
func (i *InMemoryAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	select {
	case <-i.stopped:
		return fmt.Errorf("inmemory bus is stopped")
	default:
	}

	i.mu.RLock()
	var targets []*memQueue
	for _, q := range i.queues {
		for _, pattern := range q.subjects {
			if matchSubject(subject, pattern) {
				targets = append(targets, q)
				break
			}
		}
	}
	i.mu.RUnlock()

	for _, q := range targets {
		msg := &transport.Message{
			ID:        headers[transport.HeaderMessageID],
			Subject:   subject,
			Data:      append([]byte(nil), data...),
			Headers:   transport.CloneHeaders(headers),
			Attempt:   transport.AttemptFromHeaders(headers),
			NotBefore: transport.NotBeforeFromHeaders(headers),
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if err := i.enqueue(ctx, q, msg); err != nil {
			return err
		}
	}
	return nil
}

func (i *InMemoryAdapter) enqueue(ctx context.Context, q *memQueue, msg *transport.Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-i.stopped:
		return fmt.Errorf("inmemory bus is stopped")
	}
}

// Subscribe объявляет очередь и привязывает к ней subjects
func (i *InMemoryAdapter) Subscribe(ctx context.Context, queue string, subjects []string) (transport.Subscription, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue name cannot be empty")
	}
	if len(subjects) == 0 {
		return nil, fmt.Errorf("at least one subject is required")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	q, ok := i.queues[queue]
	if !ok {
		q = &memQueue{name: queue, ch: make(chan *transport.Message, i.config.BufferSize)}
		i.queues[queue] = q
	}
	for _, s := range subjects {
		if !containsString(q.subjects, s) {
			q.subjects = append(q.subjects, s)
		}
	}

	return &memSubscription{adapter: i, queue: q, closed: make(chan struct{})}, nil
}

// DeadLetters возвращает сообщения, перенесенные в DLQ очереди
func (i *InMemoryAdapter) DeadLetters(queue string) []*transport.Message {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]*transport.Message(nil), i.deadLetters[queue]...)
}

// AckedCount возвращает количество подтвержденных сообщений очереди
func (i *InMemoryAdapter) AckedCount(queue string) int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.acked[queue]
}

// PendingCount возвращает количество сообщений, ожидающих в очереди
func (i *InMemoryAdapter) PendingCount(queue string) int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if q, ok := i.queues[queue]; ok {
		return len(q.ch)
	}
	return 0
}

func (i *InMemoryAdapter) scheduleRetry(q *memQueue, msg *transport.Message, delay time.Duration) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.running {
		select {
		case <-i.stopped:
			return fmt.Errorf("inmemory bus is stopped")
		default:
		}
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		i.mu.Lock()
		delete(i.timers, timer)
		i.mu.Unlock()
		_ = i.enqueue(context.Background(), q, msg)
	})
	i.timers[timer] = struct{}{}
	return nil
}

type memSubscription struct {
	adapter   *InMemoryAdapter
	queue     *memQueue
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *memSubscription) Next(ctx context.Context) (transport.Delivery, error) {
	select {
	case msg := <-s.queue.ch:
		return &memDelivery{adapter: s.adapter, queue: s.queue, msg: msg}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, transport.ErrSubscriptionClosed
	case <-s.adapter.stopped:
		return nil, transport.ErrSubscriptionClosed
	}
}

func (s *memSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type memDelivery struct {
	adapter *InMemoryAdapter
	queue   *memQueue
	msg     *transport.Message
	settled atomic.Bool
}

func (d *memDelivery) Message() *transport.Message { return d.msg }

func (d *memDelivery) settle() error {
	if !d.settled.CompareAndSwap(false, true) {
		return fmt.Errorf("message %s already settled", d.msg.ID)
	}
	return nil
}

func (d *memDelivery) Ack(ctx context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	d.adapter.mu.Lock()
	d.adapter.acked[d.queue.name]++
	d.adapter.mu.Unlock()
	return nil
}

func (d *memDelivery) Retry(ctx context.Context, delay time.Duration) error {
	if err := d.settle(); err != nil {
		return err
	}
	next := *d.msg
	next.Headers = transport.RetryHeaders(d.msg, delay, time.Now())
	next.Attempt = d.msg.Attempt + 1
	next.NotBefore = time.Time{}
	return d.adapter.scheduleRetry(d.queue, &next, delay)
}

func (d *memDelivery) DeadLetter(ctx context.Context, reason string) error {
	if err := d.settle(); err != nil {
		return err
	}
	dead := *d.msg
	dead.Headers = transport.DeadLetterHeaders(d.msg, reason, time.Now())
	d.adapter.mu.Lock()
	d.adapter.deadLetters[d.queue.name] = append(d.adapter.deadLetters[d.queue.name], &dead)
	d.adapter.mu.Unlock()
	return nil
}

// matchSubject сопоставляет subject с шаблоном в стиле NATS (* и >)
func matchSubject(subject, pattern string) bool {
	subjectParts := strings.Split(subject, ".")
	patternParts := strings.Split(pattern, ".")

	if len(patternParts) > len(subjectParts) {
		return false
	}

	for i, part := range patternParts {
		if part == ">" {
			return true
		}
		if part == "*" {
			continue
		}
		if part != subjectParts[i] {
			return false
		}
	}

	return len(patternParts) == len(subjectParts)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// InProgress ничего не делает: в памяти нет срока подтверждения
func (d *memDelivery) InProgress(ctx context.Context) error {
	if d.settled.Load() {
		return fmt.Errorf("message %s already settled", d.msg.ID)
	}
	return nil
}
