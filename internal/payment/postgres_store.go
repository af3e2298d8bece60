package payment

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/akriventsev/shopflow/framework/adapters/repository"
	"github.com/akriventsev/shopflow/framework/core"
)

const selectPayment = `
	SELECT id, order_id, amount::text, currency, status, gateway,
	       COALESCE(gateway_transaction_id, ''), failure_reason, version, created_at, updated_at
	FROM payments`

// PostgresStore Store поверх таблицы payments.
// Уникальный индекс по order_id разрешает гонку двух копий одного OrderCreated.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore создает хранилище
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// FindByOrderID реализует Store
func (s *PostgresStore) FindByOrderID(ctx context.Context, orderID uuid.UUID) (core.Option[*Transaction], error) {
	var (
		tx     Transaction
		id     uuid.UUID
		amount string
		status string
	)
	err := s.pool.QueryRow(ctx, selectPayment+` WHERE order_id = $1`, orderID).Scan(
		&id, &tx.OrderID, &amount, &tx.Currency, &status, &tx.Gateway,
		&tx.GatewayTransactionID, &tx.FailureReason, &tx.Version, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if repository.IsNoRows(err) {
		return core.None[*Transaction](), nil
	}
	if err != nil {
		return core.None[*Transaction](), repository.ClassifyPgError(err, "failed to load payment for order "+orderID.String())
	}

	tx.ID = id.String()
	tx.Status = Status(status)
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return core.None[*Transaction](), core.Wrap(err, core.ErrBusinessInvariant, "stored payment amount is invalid")
	}
	return core.Some(&tx), nil
}

// Insert реализует Store
func (s *PostgresStore) Insert(ctx context.Context, tx *Transaction) error {
	id, err := uuid.Parse(tx.ID)
	if err != nil {
		return core.Invariant("payment id %q is not a UUID", tx.ID)
	}

	var gatewayTxID *string
	if tx.GatewayTransactionID != "" {
		gatewayTxID = &tx.GatewayTransactionID
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO payments (id, order_id, amount, currency, status, gateway,
		                      gateway_transaction_id, failure_reason, version, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, 1, $9, $10)
		ON CONFLICT (order_id) DO NOTHING`,
		id, tx.OrderID, tx.Amount.String(), tx.Currency, string(tx.Status), tx.Gateway,
		gatewayTxID, tx.FailureReason, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		return repository.ClassifyPgError(err, "failed to insert payment for order "+tx.OrderID.String())
	}
	if tag.RowsAffected() == 0 {
		return core.NewError(core.ErrAlreadyExists, "payment for order "+tx.OrderID.String()+" already exists")
	}
	tx.Version = 1
	return nil
}

// Update реализует Store
func (s *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	var gatewayTxID *string
	if tx.GatewayTransactionID != "" {
		gatewayTxID = &tx.GatewayTransactionID
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE payments
		SET status = $1, gateway_transaction_id = $2, failure_reason = $3,
		    updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6`,
		string(tx.Status), gatewayTxID, tx.FailureReason, tx.UpdatedAt, tx.ID, tx.Version,
	)
	if err != nil {
		return repository.ClassifyPgError(err, "failed to update payment "+tx.ID)
	}
	if tag.RowsAffected() == 0 {
		return core.NewError(core.ErrConcurrencyConflict, "payment "+tx.ID+" was modified concurrently or deleted")
	}
	tx.Version++
	return nil
}

// HealthCheck проверяет доступность базы
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
