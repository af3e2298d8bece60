package cart

import (
	"context"

	"github.com/akriventsev/shopflow/framework/adapters/repository"
	"github.com/akriventsev/shopflow/framework/core"
)

// Store хранилище корзин.
// Save сохраняет корзину, если версия в хранилище равна cart.Version, и увеличивает
// cart.Version; иначе CONCURRENCY_CONFLICT. Вторая корзина того же владельца
// отклоняется с ALREADY_EXISTS. Delete возвращает false, если корзины уже нет.
type Store interface {
	GetByOwner(ctx context.Context, ownerKey string) (core.Option[*Cart], error)
	Save(ctx context.Context, cart *Cart) error
	Delete(ctx context.Context, id string) (bool, error)
}

type cartRecord struct {
	*Cart
}

func (r cartRecord) ID() string { return r.Cart.Entity.ID }

// MemoryStore Store в памяти
type MemoryStore struct {
	repo *repository.InMemoryRepository[cartRecord]
}

// NewMemoryStore создает хранилище в памяти
func NewMemoryStore() *MemoryStore {
	repo := repository.NewInMemoryRepository(repository.DefaultInMemoryConfig(),
		repository.WithClone(func(r cartRecord) cartRecord { return cartRecord{r.Cart.Clone()} }),
		repository.WithVersion(func(r cartRecord) int64 { return r.Version }),
	)
	repo.AddUniqueIndex("owner", func(r cartRecord) string { return r.Owner.Key() })
	return &MemoryStore{repo: repo}
}

// GetByOwner реализует Store
func (s *MemoryStore) GetByOwner(ctx context.Context, ownerKey string) (core.Option[*Cart], error) {
	found, err := s.repo.FindOneByIndex(ctx, "owner", ownerKey)
	if err != nil {
		return core.None[*Cart](), err
	}
	if r, ok := found.Get(); ok {
		return core.Some(r.Cart), nil
	}
	return core.None[*Cart](), nil
}

// Save реализует Store
func (s *MemoryStore) Save(ctx context.Context, cart *Cart) error {
	if err := cart.Owner.Validate(); err != nil {
		return err
	}
	next := cart.Clone()
	next.Version = cart.Version + 1
	if err := s.repo.SaveIfVersion(ctx, cartRecord{next}, cart.Version); err != nil {
		return err
	}
	cart.Version = next.Version
	return nil
}

// Delete реализует Store
func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	return s.repo.Delete(ctx, id)
}
