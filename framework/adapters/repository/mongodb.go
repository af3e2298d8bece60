// Package repository предоставляет generic адаптеры для работы с различными storage backends.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/akriventsev/shopflow/framework/core"
)

// MongoConfig конфигурация для MongoDB
type MongoConfig struct {
	URI         string
	Database    string
	Timeout     time.Duration
	MaxPoolSize int
	MinPoolSize int
}

// Validate проверяет корректность конфигурации
func (c MongoConfig) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("URI cannot be empty")
	}
	if c.Database == "" {
		return fmt.Errorf("database cannot be empty")
	}
	if c.MaxPoolSize <= 0 {
		return fmt.Errorf("MaxPoolSize must be greater than 0")
	}
	return nil
}

// DefaultMongoConfig возвращает конфигурацию MongoDB по умолчанию
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		Database:    "shopflow",
		Timeout:     10 * time.Second,
		MaxPoolSize: 100,
		MinPoolSize: 5,
	}
}

// MongoClient клиент MongoDB как lifecycle компонент
type MongoClient struct {
	config MongoConfig
	client *mongo.Client
	mu     sync.RWMutex
}

// NewMongoClient создает компонент. Подключение выполняется в Start.
func NewMongoClient(config MongoConfig) (*MongoClient, error) {
	if err := config.Validate(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid mongodb config")
	}
	return &MongoClient{config: config}, nil
}

// Start подключается и проверяет соединение (реализация core.Lifecycle)
func (m *MongoClient) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		return nil
	}

	opts := options.Client().
		ApplyURI(m.config.URI).
		SetMaxPoolSize(uint64(m.config.MaxPoolSize)).
		SetMinPoolSize(uint64(m.config.MinPoolSize))
	if m.config.Timeout > 0 {
		opts.SetConnectTimeout(m.config.Timeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return core.Transient(err, "failed to connect to MongoDB")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return core.Transient(err, "failed to ping MongoDB")
	}

	m.client = client
	return nil
}

// Stop отключается от MongoDB (реализация core.Lifecycle)
func (m *MongoClient) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil
	}
	err := m.client.Disconnect(ctx)
	m.client = nil
	return err
}

// IsRunning проверяет, подключен ли клиент (реализация core.Lifecycle)
func (m *MongoClient) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client != nil
}

// Name возвращает имя компонента (реализация core.Component)
func (m *MongoClient) Name() string {
	return "mongodb-client"
}

// Type возвращает тип компонента (реализация core.Component)
func (m *MongoClient) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Database возвращает базу из конфигурации или nil до Start
func (m *MongoClient) Database() *mongo.Database {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil
	}
	return m.client.Database(m.config.Database)
}

// HealthCheck пингует сервер
func (m *MongoClient) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("mongodb client is not started")
	}
	return client.Ping(ctx, nil)
}

// ClassifyMongoError переводит ошибку драйвера в таксономию core
func ClassifyMongoError(err error, message string) error {
	switch {
	case err == nil:
		return nil
	case mongo.IsDuplicateKeyError(err):
		return core.Wrap(err, core.ErrAlreadyExists, message)
	case errors.Is(err, mongo.ErrNoDocuments):
		return core.Wrap(err, core.ErrNotFound, message)
	default:
		return core.Transient(err, message)
	}
}
