// Package search поисковый индекс товаров: индексатор событий каталога и движок запросов.
package search

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/akriventsev/shopflow/framework/events"
	"github.com/akriventsev/shopflow/internal/catalog"
)

// Document денормализованная проекция товара каталога.
// IndexedAt момент состояния источника, из которого построен документ:
// время события для upsert и начало прогона для reindex.
type Document struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	ImageURL    *string         `json:"image_url,omitempty"`
	IndexedAt   time.Time       `json:"indexed_at"`
}

// FromPayload строит документ из ProductCreated/ProductUpdated
func FromPayload(p events.ProductPayload, at time.Time) Document {
	return Document{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		ImageURL:    cloneString(p.ImageURL),
		IndexedAt:   at.UTC(),
	}
}

// FromProduct строит документ из товара каталога
func FromProduct(p catalog.Product, at time.Time) Document {
	return Document{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		ImageURL:    cloneString(p.ImageURL),
		IndexedAt:   at.UTC(),
	}
}

// supersedes новый документ заменяет сохраненный, если он не старше.
// IndexedAt события ставят часы издателя, IndexedAt прогона reindex ставят часы
// индексатора, и сравнение корректно, пока расхождение часов меньше задержки
// между записью товара в каталог и публикацией события о ней. Если часы издателя
// отстают сильнее, событие, закоммиченное после чтения товара прогоном, будет
// пропущено как старое, и документ останется в состоянии прогона до следующего
// изменения товара или следующего reindex.
func (d Document) supersedes(stored Document) bool {
	return !d.IndexedAt.Before(stored.IndexedAt)
}

func (d Document) clone() Document {
	d.ImageURL = cloneString(d.ImageURL)
	return d
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
