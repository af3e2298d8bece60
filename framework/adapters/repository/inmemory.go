// Package repository предоставляет generic адаптеры для работы с различными storage backends.
package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/akriventsev/shopflow/framework/core"
)

// InMemoryConfig конфигурация для InMemory репозитория
type InMemoryConfig struct {
	// MaxEntities максимальное количество сущностей (0 = без ограничений)
	// При достижении лимита Save вернет ошибку
	MaxEntities int
}

// DefaultInMemoryConfig возвращает конфигурацию InMemory по умолчанию
func DefaultInMemoryConfig() InMemoryConfig {
	return InMemoryConfig{
		MaxEntities: 0,
	}
}

// InMemoryOption опция InMemory репозитория
type InMemoryOption[T Entity] func(*InMemoryRepository[T])

// WithClone задает функцию копирования. Репозиторий хранит и отдает копии,
// поэтому изменения вызывающего кода не протекают в хранилище.
func WithClone[T Entity](clone func(T) T) InMemoryOption[T] {
	return func(r *InMemoryRepository[T]) { r.clone = clone }
}

// WithVersion задает функцию чтения версии для SaveIfVersion
func WithVersion[T Entity](version func(T) int64) InMemoryOption[T] {
	return func(r *InMemoryRepository[T]) { r.version = version }
}

type index[T Entity] struct {
	keyFunc func(T) string
	keys    map[string][]string // key -> entity IDs
}

// InMemoryRepository[T Entity] generic in-memory репозиторий
// с unique индексами и optimistic concurrency
type InMemoryRepository[T Entity] struct {
	config   InMemoryConfig
	entities map[string]T
	indexes  map[string]*index[T]
	clone    func(T) T
	version  func(T) int64
	mu       sync.RWMutex
}

// NewInMemoryRepository создает новый in-memory репозиторий
func NewInMemoryRepository[T Entity](config InMemoryConfig, opts ...InMemoryOption[T]) *InMemoryRepository[T] {
	r := &InMemoryRepository[T]{
		config:   config,
		entities: make(map[string]T),
		indexes:  make(map[string]*index[T]),
		clone:    func(v T) T { return v },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddUniqueIndex добавляет unique index.
// Пустой ключ в индекс не попадает.
func (r *InMemoryRepository[T]) AddUniqueIndex(name string, keyFunc func(T) string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := &index[T]{keyFunc: keyFunc, keys: make(map[string][]string)}
	for id, entity := range r.entities {
		if key := keyFunc(entity); key != "" {
			idx.keys[key] = append(idx.keys[key], id)
		}
	}
	r.indexes[name] = idx
}

// Insert добавляет новую entity. ALREADY_EXISTS, если занят id или unique ключ.
func (r *InMemoryRepository[T]) Insert(ctx context.Context, entity T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := entity.ID()
	if id == "" {
		return fmt.Errorf("entity ID cannot be empty")
	}
	if _, exists := r.entities[id]; exists {
		return core.NewError(core.ErrAlreadyExists, "entity already exists: "+id)
	}
	return r.put(entity)
}

// Save сохраняет entity (insert или replace)
func (r *InMemoryRepository[T]) Save(ctx context.Context, entity T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entity.ID() == "" {
		return fmt.Errorf("entity ID cannot be empty")
	}
	return r.put(entity)
}

// SaveIfVersion сохраняет entity, если текущая версия равна expected.
// Для новой entity expected должен быть 0.
func (r *InMemoryRepository[T]) SaveIfVersion(ctx context.Context, entity T, expected int64) error {
	if r.version == nil {
		return core.NewError(core.ErrInvalidConfig, "repository has no version function")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := entity.ID()
	if id == "" {
		return fmt.Errorf("entity ID cannot be empty")
	}

	var current int64
	if existing, ok := r.entities[id]; ok {
		current = r.version(existing)
	}
	if current != expected {
		return core.NewError(core.ErrConcurrencyConflict,
			fmt.Sprintf("entity %s: expected version %d, current %d", id, expected, current))
	}
	return r.put(entity)
}

// put вызывается под r.mu
func (r *InMemoryRepository[T]) put(entity T) error {
	id := entity.ID()
	old, exists := r.entities[id]

	if !exists && r.config.MaxEntities > 0 && len(r.entities) >= r.config.MaxEntities {
		return fmt.Errorf("repository limit reached: max %d entities", r.config.MaxEntities)
	}

	for name, idx := range r.indexes {
		key := idx.keyFunc(entity)
		if key == "" {
			continue
		}
		for _, other := range idx.keys[key] {
			if other != id {
				return core.NewError(core.ErrAlreadyExists,
					fmt.Sprintf("unique index %s: key %s is taken by %s", name, key, other))
			}
		}
	}

	if exists {
		r.unindex(id, old)
	}
	r.entities[id] = r.clone(entity)
	r.reindex(id, entity)
	return nil
}

func (r *InMemoryRepository[T]) unindex(id string, entity T) {
	for _, idx := range r.indexes {
		key := idx.keyFunc(entity)
		ids := slices.DeleteFunc(idx.keys[key], func(existing string) bool { return existing == id })
		if len(ids) == 0 {
			delete(idx.keys, key)
		} else {
			idx.keys[key] = ids
		}
	}
}

func (r *InMemoryRepository[T]) reindex(id string, entity T) {
	for _, idx := range r.indexes {
		key := idx.keyFunc(entity)
		if key == "" {
			continue
		}
		if !slices.Contains(idx.keys[key], id) {
			idx.keys[key] = append(idx.keys[key], id)
		}
	}
}

// FindByID находит entity по ID
func (r *InMemoryRepository[T]) FindByID(ctx context.Context, id string) (core.Option[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entity, exists := r.entities[id]
	if !exists {
		return core.None[T](), nil
	}
	return core.Some(r.clone(entity)), nil
}

// FindOneByIndex находит entity по ключу unique индекса
func (r *InMemoryRepository[T]) FindOneByIndex(ctx context.Context, indexName, key string) (core.Option[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, exists := r.indexes[indexName]
	if !exists {
		return core.None[T](), fmt.Errorf("index not found: %s", indexName)
	}
	for _, id := range idx.keys[key] {
		if entity, ok := r.entities[id]; ok {
			return core.Some(r.clone(entity)), nil
		}
	}
	return core.None[T](), nil
}

// Delete удаляет entity. Возвращает false, если удалять было нечего.
func (r *InMemoryRepository[T]) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entity, exists := r.entities[id]
	if !exists {
		return false, nil
	}
	r.unindex(id, entity)
	delete(r.entities, id)
	return true, nil
}

// Find находит entities по предикату, упорядочивая по ID
func (r *InMemoryRepository[T]) Find(ctx context.Context, predicate func(T) bool) ([]T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []T
	for _, entity := range r.entities {
		if predicate(entity) {
			results = append(results, r.clone(entity))
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID() < results[j].ID() })
	return results, nil
}

// FindAll возвращает все entities, упорядоченные по ID
func (r *InMemoryRepository[T]) FindAll(ctx context.Context) ([]T, error) {
	return r.Find(ctx, func(T) bool { return true })
}

// DeleteWhere удаляет entities по предикату и возвращает их количество
func (r *InMemoryRepository[T]) DeleteWhere(ctx context.Context, predicate func(T) bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, entity := range r.entities {
		if predicate(entity) {
			r.unindex(id, entity)
			delete(r.entities, id)
			removed++
		}
	}
	return removed, nil
}

// Count возвращает количество entities
func (r *InMemoryRepository[T]) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities), nil
}
