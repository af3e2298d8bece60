// Package repository предоставляет generic адаптеры для работы с различными storage backends.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akriventsev/shopflow/framework/core"
)

// pgUniqueViolation SQLSTATE нарушения уникального ключа
const pgUniqueViolation = "23505"

// PostgresConfig конфигурация пула PostgreSQL
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ConnectTimeout  time.Duration
}

// Validate проверяет корректность конфигурации
func (c PostgresConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("DSN cannot be empty")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("MaxConns must be greater than 0")
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		return fmt.Errorf("MinConns must be between 0 and MaxConns")
	}
	return nil
}

// DefaultPostgresConfig возвращает конфигурацию PostgreSQL по умолчанию
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxConns:        25,
		MinConns:        2,
		MaxConnLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresPool пул соединений PostgreSQL как lifecycle компонент.
// Store'ы получают пул через Pool() после Start.
type PostgresPool struct {
	config PostgresConfig
	pool   *pgxpool.Pool
	mu     sync.RWMutex
}

// NewPostgresPool создает компонент пула. Подключение выполняется в Start.
func NewPostgresPool(config PostgresConfig) (*PostgresPool, error) {
	if err := config.Validate(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid postgres config")
	}
	return &PostgresPool{config: config}, nil
}

// Start подключается к базе (реализация core.Lifecycle)
func (p *PostgresPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool != nil {
		return nil
	}

	poolConfig, err := pgxpool.ParseConfig(p.config.DSN)
	if err != nil {
		return core.Wrap(err, core.ErrInvalidConfig, "failed to parse postgres DSN")
	}
	poolConfig.MaxConns = p.config.MaxConns
	poolConfig.MinConns = p.config.MinConns
	if p.config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = p.config.MaxConnLifetime
	}
	if p.config.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = p.config.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return core.Transient(err, "failed to connect to PostgreSQL")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return core.Transient(err, "failed to ping PostgreSQL")
	}

	p.pool = pool
	return nil
}

// Stop закрывает пул (реализация core.Lifecycle)
func (p *PostgresPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	return nil
}

// IsRunning проверяет, открыт ли пул (реализация core.Lifecycle)
func (p *PostgresPool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pool != nil
}

// Name возвращает имя компонента (реализация core.Component)
func (p *PostgresPool) Name() string {
	return "postgres-pool"
}

// Type возвращает тип компонента (реализация core.Component)
func (p *PostgresPool) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Pool возвращает пул или nil до Start
func (p *PostgresPool) Pool() *pgxpool.Pool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pool
}

// HealthCheck пингует базу
func (p *PostgresPool) HealthCheck(ctx context.Context) error {
	pool := p.Pool()
	if pool == nil {
		return fmt.Errorf("postgres pool is not started")
	}
	return pool.Ping(ctx)
}

// IsUniqueViolation проверяет, что ошибка вызвана нарушением уникального ключа
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// IsNoRows проверяет, что запрос не вернул строк
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// ClassifyPgError переводит ошибку pgx в таксономию core.
// Нарушение уникальности становится ALREADY_EXISTS, остальное TRANSIENT_INFRA.
func ClassifyPgError(err error, message string) error {
	switch {
	case err == nil:
		return nil
	case IsUniqueViolation(err):
		return core.Wrap(err, core.ErrAlreadyExists, message)
	case IsNoRows(err):
		return core.Wrap(err, core.ErrNotFound, message)
	default:
		return core.Transient(err, message)
	}
}
