package catalog

import (
	"context"
	"iter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/akriventsev/shopflow/framework/adapters/repository"
	"github.com/akriventsev/shopflow/framework/core"
)

const selectProduct = `SELECT id, name, description, price::text, image_url, updated_at FROM products`

// PostgresReader Reader поверх таблицы products с keyset пагинацией
type PostgresReader struct {
	pool     *pgxpool.Pool
	pageSize int
}

// NewPostgresReader создает reader. pageSize <= 0 означает DefaultPageSize.
func NewPostgresReader(pool *pgxpool.Pool, pageSize int) *PostgresReader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &PostgresReader{pool: pool, pageSize: pageSize}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (Product, error) {
	var (
		p     Product
		price string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &price, &p.ImageURL, &p.UpdatedAt); err != nil {
		return Product{}, err
	}
	amount, err := decimal.NewFromString(price)
	if err != nil {
		return Product{}, core.Wrap(err, core.ErrMalformedEvent, "invalid product price "+price)
	}
	p.Price = amount
	return p, nil
}

// GetProductByID реализует Reader
func (r *PostgresReader) GetProductByID(ctx context.Context, id string) (core.Option[Product], error) {
	p, err := scanProduct(r.pool.QueryRow(ctx, selectProduct+` WHERE id = $1`, id))
	if repository.IsNoRows(err) {
		return core.None[Product](), nil
	}
	if err != nil {
		return core.None[Product](), repository.ClassifyPgError(err, "failed to load product "+id)
	}
	return core.Some(p), nil
}

// StreamAllProducts реализует Reader. Страницы читаются лениво по мере потребления.
func (r *PostgresReader) StreamAllProducts(ctx context.Context, afterID string) iter.Seq2[Product, error] {
	return func(yield func(Product, error) bool) {
		cursor := afterID
		for {
			page, err := r.page(ctx, cursor)
			if err != nil {
				yield(Product{}, err)
				return
			}
			for _, p := range page {
				if !yield(p, nil) {
					return
				}
			}
			if len(page) < r.pageSize {
				return
			}
			cursor = page[len(page)-1].ID
		}
	}
}

func (r *PostgresReader) page(ctx context.Context, afterID string) ([]Product, error) {
	rows, err := r.pool.Query(ctx, selectProduct+` WHERE id > $1 ORDER BY id LIMIT $2`, afterID, r.pageSize)
	if err != nil {
		return nil, repository.ClassifyPgError(err, "failed to query products")
	}
	defer rows.Close()

	page := make([]Product, 0, r.pageSize)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, repository.ClassifyPgError(err, "failed to scan product")
		}
		page = append(page, p)
	}
	if err := rows.Err(); err != nil {
		return nil, repository.ClassifyPgError(err, "failed to read products")
	}
	return page, nil
}

// Upsert записывает товар в каталог. Используется операторскими утилитами.
func (r *PostgresReader) Upsert(ctx context.Context, p Product) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO products (id, name, description, price, image_url, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description, price = EXCLUDED.price,
		    image_url = EXCLUDED.image_url, updated_at = NOW()`,
		p.ID, p.Name, p.Description, p.Price.String(), p.ImageURL)
	return repository.ClassifyPgError(err, "failed to upsert product "+p.ID)
}
