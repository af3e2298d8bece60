package events

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Handler обработчик декодированного события
type Handler interface {
	Handle(ctx context.Context, env *Envelope, event Event) error
}

// HandlerFunc адаптер функции к Handler
type HandlerFunc func(ctx context.Context, env *Envelope, event Event) error

// Handle вызывает функцию
func (f HandlerFunc) Handle(ctx context.Context, env *Envelope, event Event) error {
	return f(ctx, env, event)
}

// Registry отображение event_type -> обработчики внутри одного процесса
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]Handler)}
}

// Register добавляет обработчик. На один тип можно зарегистрировать несколько.
func (r *Registry) Register(eventType string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler for %s cannot be nil", eventType)
	}
	if !slices.Contains(KnownEventTypes(), eventType) {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], handler)
	return nil
}

// On регистрирует типизированный обработчик для события T
func On[T Event](r *Registry, fn func(ctx context.Context, env *Envelope, event T) error) error {
	var zero T
	return r.Register(zero.EventType(), HandlerFunc(func(ctx context.Context, env *Envelope, event Event) error {
		typed, ok := event.(T)
		if !ok {
			return fmt.Errorf("handler for %s got %T", zero.EventType(), event)
		}
		return fn(ctx, env, typed)
	}))
}

// Handlers возвращает обработчики типа
func (r *Registry) Handlers(eventType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.handlers[eventType])
}

// EventTypes возвращает отсортированный список типов с обработчиками
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Dispatch декодирует конверт и вызывает все обработчики его типа по очереди.
// Типы без обработчиков игнорируются. Первая ошибка прерывает цепочку:
// при повторной доставке все обработчики выполнятся заново.
func (r *Registry) Dispatch(ctx context.Context, env *Envelope) error {
	handlers := r.Handlers(env.EventType)
	if len(handlers) == 0 {
		return nil
	}

	event, err := Decode(env)
	if errors.Is(err, ErrUnknownEventType) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, h := range handlers {
		if err := h.Handle(ctx, env, event); err != nil {
			return err
		}
	}
	return nil
}
