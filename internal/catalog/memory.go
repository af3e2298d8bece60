package catalog

import (
	"context"
	"iter"

	"github.com/akriventsev/shopflow/framework/adapters/repository"
	"github.com/akriventsev/shopflow/framework/core"
)

type productEntity struct {
	Product
}

func (p productEntity) ID() string { return p.Product.ID }

// MemoryCatalog каталог в памяти для тестов и локального запуска
type MemoryCatalog struct {
	repo *repository.InMemoryRepository[productEntity]
}

// NewMemoryCatalog создает каталог с начальными товарами
func NewMemoryCatalog(products ...Product) *MemoryCatalog {
	c := &MemoryCatalog{
		repo: repository.NewInMemoryRepository(repository.DefaultInMemoryConfig(),
			repository.WithClone(func(p productEntity) productEntity {
				if p.ImageURL != nil {
					url := *p.ImageURL
					p.ImageURL = &url
				}
				return p
			})),
	}
	for _, p := range products {
		_ = c.Put(context.Background(), p)
	}
	return c
}

// Put добавляет или заменяет товар
func (c *MemoryCatalog) Put(ctx context.Context, p Product) error {
	return c.repo.Save(ctx, productEntity{p})
}

// Remove удаляет товар
func (c *MemoryCatalog) Remove(ctx context.Context, id string) (bool, error) {
	return c.repo.Delete(ctx, id)
}

// GetProductByID реализует Reader
func (c *MemoryCatalog) GetProductByID(ctx context.Context, id string) (core.Option[Product], error) {
	found, err := c.repo.FindByID(ctx, id)
	if err != nil {
		return core.None[Product](), err
	}
	if e, ok := found.Get(); ok {
		return core.Some(e.Product), nil
	}
	return core.None[Product](), nil
}

// StreamAllProducts реализует Reader
func (c *MemoryCatalog) StreamAllProducts(ctx context.Context, afterID string) iter.Seq2[Product, error] {
	return func(yield func(Product, error) bool) {
		products, err := c.repo.Find(ctx, func(p productEntity) bool { return p.Product.ID > afterID })
		if err != nil {
			yield(Product{}, err)
			return
		}
		for _, p := range products {
			if err := ctx.Err(); err != nil {
				yield(Product{}, err)
				return
			}
			if !yield(p.Product, nil) {
				return
			}
		}
	}
}
