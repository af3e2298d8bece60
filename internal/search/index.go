package search

import (
	"context"
	"sync"
	"time"

	"github.com/akriventsev/shopflow/framework/adapters/repository"
	"github.com/akriventsev/shopflow/framework/core"
)

// IndexStore хранилище поисковых документов.
// Запись документа с IndexedAt старше сохраненного пропускается.
type IndexStore interface {
	// Upsert полностью заменяет документ. false если сохраненная версия свежее.
	Upsert(ctx context.Context, doc Document) (bool, error)
	// BulkReplace заменяет пачку документов и возвращает число записанных
	BulkReplace(ctx context.Context, docs []Document) (int, error)
	// Query возвращает limit самых релевантных документов
	Query(ctx context.Context, q Query, limit int) ([]Document, error)
	// Get возвращает документ по id
	Get(ctx context.Context, id string) (core.Option[Document], error)
	// Prune удаляет документы с IndexedAt раньше before
	Prune(ctx context.Context, before time.Time) (int, error)
}

type docRecord struct {
	doc Document
}

func (r docRecord) ID() string { return r.doc.ID }

// MemoryIndex IndexStore в памяти процесса
type MemoryIndex struct {
	repo *repository.InMemoryRepository[docRecord]
	// сравнение IndexedAt и запись выполняются атомарно
	mu sync.Mutex
}

// NewMemoryIndex создает пустой индекс
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		repo: repository.NewInMemoryRepository(repository.DefaultInMemoryConfig(),
			repository.WithClone(func(r docRecord) docRecord { return docRecord{doc: r.doc.clone()} }),
		),
	}
}

// Upsert реализует IndexStore
func (m *MemoryIndex) Upsert(ctx context.Context, doc Document) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsert(ctx, doc)
}

func (m *MemoryIndex) upsert(ctx context.Context, doc Document) (bool, error) {
	stored, err := m.repo.FindByID(ctx, doc.ID)
	if err != nil {
		return false, err
	}
	if stored.IsSome() && !doc.supersedes(stored.Value().doc) {
		return false, nil
	}
	if err := m.repo.Save(ctx, docRecord{doc: doc}); err != nil {
		return false, err
	}
	return true, nil
}

// BulkReplace реализует IndexStore
func (m *MemoryIndex) BulkReplace(ctx context.Context, docs []Document) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	written := 0
	for _, doc := range docs {
		ok, err := m.upsert(ctx, doc)
		if err != nil {
			return written, err
		}
		if ok {
			written++
		}
	}
	return written, nil
}

// Query реализует IndexStore полным перебором
func (m *MemoryIndex) Query(ctx context.Context, q Query, limit int) ([]Document, error) {
	if q.IsEmpty() {
		return []Document{}, nil
	}
	records, err := m.repo.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, len(records))
	for i, r := range records {
		docs[i] = r.doc
	}
	return documents(Rank(docs, q, limit)), nil
}

// Get реализует IndexStore
func (m *MemoryIndex) Get(ctx context.Context, id string) (core.Option[Document], error) {
	record, err := m.repo.FindByID(ctx, id)
	if err != nil || record.IsNone() {
		return core.None[Document](), err
	}
	return core.Some(record.Value().doc), nil
}

// Prune реализует IndexStore
func (m *MemoryIndex) Prune(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo.DeleteWhere(ctx, func(r docRecord) bool {
		return r.doc.IndexedAt.Before(before)
	})
}

// Count возвращает число документов
func (m *MemoryIndex) Count(ctx context.Context) (int, error) {
	return m.repo.Count(ctx)
}
