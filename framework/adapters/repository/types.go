// Package repository предоставляет generic адаптеры для работы с различными storage backends.
package repository

import (
	"context"

	"github.com/akriventsev/shopflow/framework/core"
)

// Entity интерфейс для entity с ID
type Entity interface {
	ID() string
}

// Repository интерфейс для репозитория.
// Отсутствие записи это core.None, а не ошибка.
type Repository[T Entity] interface {
	Insert(ctx context.Context, entity T) error
	Save(ctx context.Context, entity T) error
	FindByID(ctx context.Context, id string) (core.Option[T], error)
	Delete(ctx context.Context, id string) (bool, error)
}
