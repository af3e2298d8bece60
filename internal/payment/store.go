package payment

import (
	"context"

	"github.com/google/uuid"

	"github.com/akriventsev/shopflow/framework/adapters/repository"
	"github.com/akriventsev/shopflow/framework/core"
)

// Store хранилище транзакций.
// Insert возвращает ALREADY_EXISTS, если для order_id транзакция уже есть.
// Update сохраняет транзакцию при совпадении версии и увеличивает ее,
// иначе CONCURRENCY_CONFLICT.
type Store interface {
	FindByOrderID(ctx context.Context, orderID uuid.UUID) (core.Option[*Transaction], error)
	Insert(ctx context.Context, tx *Transaction) error
	Update(ctx context.Context, tx *Transaction) error
}

type txRecord struct {
	*Transaction
}

func (r txRecord) ID() string { return r.Transaction.Entity.ID }

// MemoryStore Store в памяти
type MemoryStore struct {
	repo *repository.InMemoryRepository[txRecord]
}

// NewMemoryStore создает хранилище в памяти
func NewMemoryStore() *MemoryStore {
	repo := repository.NewInMemoryRepository(repository.DefaultInMemoryConfig(),
		repository.WithClone(func(r txRecord) txRecord { return txRecord{r.Transaction.Clone()} }),
		repository.WithVersion(func(r txRecord) int64 { return r.Version }),
	)
	repo.AddUniqueIndex("order_id", func(r txRecord) string { return r.OrderID.String() })
	return &MemoryStore{repo: repo}
}

// FindByOrderID реализует Store
func (s *MemoryStore) FindByOrderID(ctx context.Context, orderID uuid.UUID) (core.Option[*Transaction], error) {
	found, err := s.repo.FindOneByIndex(ctx, "order_id", orderID.String())
	if err != nil {
		return core.None[*Transaction](), err
	}
	if r, ok := found.Get(); ok {
		return core.Some(r.Transaction), nil
	}
	return core.None[*Transaction](), nil
}

// Insert реализует Store
func (s *MemoryStore) Insert(ctx context.Context, tx *Transaction) error {
	next := tx.Clone()
	next.Version = 1
	if err := s.repo.Insert(ctx, txRecord{next}); err != nil {
		return err
	}
	tx.Version = 1
	return nil
}

// Update реализует Store
func (s *MemoryStore) Update(ctx context.Context, tx *Transaction) error {
	found, err := s.repo.FindByID(ctx, tx.ID)
	if err != nil {
		return err
	}
	if found.IsNone() {
		return core.NewError(core.ErrNotFound, "payment not found: "+tx.ID)
	}

	next := tx.Clone()
	next.Version = tx.Version + 1
	if err := s.repo.SaveIfVersion(ctx, txRecord{next}, tx.Version); err != nil {
		return err
	}
	tx.Version = next.Version
	return nil
}

// Count количество транзакций
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
