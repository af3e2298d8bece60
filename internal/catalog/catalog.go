// Package catalog read-модель каталога товаров: источник для поискового индекса.
package catalog

import (
	"context"
	"iter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/events"
)

// DefaultPageSize размер страницы StreamAllProducts по умолчанию
const DefaultPageSize = 500

// Product товар каталога
type Product struct {
	ID          string
	Name        string
	Description string
	Price       decimal.Decimal
	ImageURL    *string
	UpdatedAt   time.Time
}

// Payload переводит товар в полезную нагрузку событий ProductCreated/ProductUpdated
func (p Product) Payload() events.ProductPayload {
	return events.ProductPayload{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		ImageURL:    p.ImageURL,
	}
}

// Reader read API каталога.
// StreamAllProducts отдает товары по возрастанию ID, начиная строго после afterID;
// пустой afterID означает начало каталога. Ошибка чтения завершает последовательность.
type Reader interface {
	GetProductByID(ctx context.Context, id string) (core.Option[Product], error)
	StreamAllProducts(ctx context.Context, afterID string) iter.Seq2[Product, error]
}
