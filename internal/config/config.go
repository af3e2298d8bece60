// Package config собирает конфигурацию сервисов shopflow из переменных окружения.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/akriventsev/shopflow/framework/adapters/messagebus"
	"github.com/akriventsev/shopflow/framework/adapters/repository"
	httptransport "github.com/akriventsev/shopflow/framework/adapters/transport"
	"github.com/akriventsev/shopflow/framework/consumer"
	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/events"
	"github.com/akriventsev/shopflow/framework/logging"
	"github.com/akriventsev/shopflow/framework/metrics"
	"github.com/akriventsev/shopflow/framework/observability"
	"github.com/akriventsev/shopflow/framework/transport"
	"github.com/akriventsev/shopflow/internal/cart"
)

// Типы хранилищ
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMongo    = "mongo"
)

// BusConfig выбор и адрес брокера
type BusConfig struct {
	// Type inmemory, nats, kafka или redis
	Type string
	// URL адрес NATS, адрес Redis или брокеры Kafka через запятую
	URL string
	// AckWait срок, после которого неподтвержденное сообщение доставляется снова
	// (AckWait в NATS, ClaimMinIdle в Redis Streams). Ноль оставляет значение адаптера.
	AckWait time.Duration
}

// SearchConfig настройки поискового сервиса
type SearchConfig struct {
	IndexStore      string
	CheckpointStore string
	Collection      string
	ChunkSize       int
	CatalogPageSize int
	Limit           int
}

// Config конфигурация сервиса
type Config struct {
	Service         string
	ShutdownTimeout time.Duration

	Log      logging.Config
	Bus      BusConfig
	Consumer consumer.Config
	HTTP     httptransport.RESTConfig
	Tracing  observability.TracingConfig
	Metrics  metrics.MetricsConfig

	Postgres repository.PostgresConfig
	Mongo    repository.MongoConfig
	Redis    messagebus.RedisConfig

	// PaymentStore memory или postgres
	PaymentStore string
	// CartStore memory или redis
	CartStore string
	CartRedis cart.RedisStoreConfig

	Search SearchConfig
}

// Load читает конфигурацию сервиса из окружения процесса
func Load(service string) (*Config, error) {
	return LoadFrom(service, os.Getenv)
}

// LoadFrom читает конфигурацию через getenv и проверяет ее
func LoadFrom(service string, getenv func(string) string) (*Config, error) {
	env := &reader{getenv: getenv}

	cfg := &Config{
		Service:         service,
		ShutdownTimeout: env.duration("SHUTDOWN_TIMEOUT", 30*time.Second),
		Log:             logging.DefaultConfig(),
		Consumer:        consumer.DefaultConfig(env.str("QUEUE", service)),
		HTTP:            httptransport.DefaultRESTConfig(),
		Postgres:        repository.DefaultPostgresConfig(),
		Mongo:           repository.DefaultMongoConfig(),
		Redis:           messagebus.DefaultRedisConfig(),
		CartRedis:       cart.DefaultRedisStoreConfig(),
	}

	cfg.Log.Level = env.str("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = env.str("LOG_FORMAT", cfg.Log.Format)

	cfg.Bus = BusConfig{
		Type:    env.str("BUS_TYPE", "nats"),
		URL:     env.str("BUS_URL", ""),
		AckWait: env.duration("BUS_ACK_WAIT", 0),
	}

	cfg.Consumer.Concurrency = env.integer("CONSUMER_CONCURRENCY", cfg.Consumer.Concurrency)
	cfg.Consumer.HandlerTimeout = env.duration("HANDLER_TIMEOUT", cfg.Consumer.HandlerTimeout)
	cfg.Consumer.TimeoutOverrides[events.TypeProductsReindex] = env.duration("REINDEX_TIMEOUT", 30*time.Minute)
	cfg.Consumer.HeartbeatInterval = env.duration("HEARTBEAT_INTERVAL", cfg.Consumer.HeartbeatInterval)
	cfg.Consumer.MaxParked = env.integer("CONSUMER_MAX_PARKED", cfg.Consumer.MaxParked)
	retry := transport.DefaultRetryPolicy()
	retry.MaxAttempts = env.integer("RETRY_MAX_ATTEMPTS", retry.MaxAttempts)
	retry.InitialDelay = env.duration("RETRY_INITIAL_DELAY", retry.InitialDelay)
	retry.MaxDelay = env.duration("RETRY_MAX_DELAY", retry.MaxDelay)
	cfg.Consumer.RetryPolicy = retry

	cfg.HTTP.Port = env.integer("HTTP_PORT", cfg.HTTP.Port)
	cfg.HTTP.ServiceName = service
	cfg.HTTP.EnableMetrics = env.boolean("METRICS_ENABLED", cfg.HTTP.EnableMetrics)
	cfg.HTTP.EnableTracing = env.boolean("TRACING_ENABLED", false)
	cfg.HTTP.ShutdownTimeout = cfg.ShutdownTimeout

	cfg.Tracing = observability.TracingConfig{
		Enabled:          cfg.HTTP.EnableTracing,
		ServiceName:      service,
		ServiceVersion:   env.str("SERVICE_VERSION", "dev"),
		Exporter:         env.str("TRACING_EXPORTER", "otlp"),
		ExporterEndpoint: env.str("TRACING_ENDPOINT", "localhost:4318"),
		SamplingRate:     env.float("TRACING_SAMPLING_RATE", 1.0),
		Environment:      env.str("ENVIRONMENT", "development"),
	}
	cfg.Metrics = metrics.MetricsConfig{
		ExporterType:  env.str("METRICS_EXPORTER", "prometheus"),
		ResourceAttrs: map[string]string{"service.name": service},
	}

	cfg.Postgres.DSN = env.str("POSTGRES_DSN", "")
	cfg.Postgres.MaxConns = int32(env.integer("POSTGRES_MAX_CONNS", int(cfg.Postgres.MaxConns)))
	cfg.Mongo.URI = env.str("MONGO_URI", "")
	cfg.Mongo.Database = env.str("MONGO_DATABASE", cfg.Mongo.Database)
	cfg.Redis.Addr = env.str("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = env.str("REDIS_PASSWORD", "")
	cfg.Redis.DB = env.integer("REDIS_DB", cfg.Redis.DB)

	cfg.PaymentStore = env.str("PAYMENT_STORE", StorePostgres)
	cfg.CartStore = env.str("CART_STORE", StoreRedis)
	cfg.CartRedis.KeyPrefix = env.str("CART_KEY_PREFIX", cfg.CartRedis.KeyPrefix)
	cfg.CartRedis.TTL = env.duration("CART_TTL", cfg.CartRedis.TTL)

	cfg.Search = SearchConfig{
		IndexStore:      env.str("SEARCH_INDEX_STORE", StoreMongo),
		CheckpointStore: env.str("SEARCH_CHECKPOINT_STORE", StorePostgres),
		Collection:      env.str("SEARCH_COLLECTION", "search_documents"),
		ChunkSize:       env.integer("SEARCH_CHUNK_SIZE", 200),
		CatalogPageSize: env.integer("CATALOG_PAGE_SIZE", 500),
		Limit:           env.integer("SEARCH_LIMIT", 20),
	}

	if err := env.err(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "failed to parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет конфигурацию целиком
func (c *Config) Validate() error {
	var errs []error
	if c.Service == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Consumer.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.HTTP.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Bus.AdapterConfig(); err != nil {
		errs = append(errs, err)
	} else if err := c.validateAckWindow(); err != nil {
		errs = append(errs, err)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("tracing sampling rate must be within [0, 1], got %v", c.Tracing.SamplingRate))
	}
	if c.Search.ChunkSize <= 0 || c.Search.CatalogPageSize <= 0 || c.Search.Limit <= 0 {
		errs = append(errs, errors.New("search chunk size, catalog page size and limit must be positive"))
	}
	if err := oneOf("PAYMENT_STORE", c.PaymentStore, StoreMemory, StorePostgres); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("CART_STORE", c.CartStore, StoreMemory, StoreRedis); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("SEARCH_INDEX_STORE", c.Search.IndexStore, StoreMemory, StoreMongo); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("SEARCH_CHECKPOINT_STORE", c.Search.CheckpointStore, StoreMemory, StorePostgres); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return core.Wrap(errors.Join(errs...), core.ErrInvalidConfig, "invalid configuration")
	}
	return nil
}

// validateAckWindow сверяет срок подтверждения брокера с настройками консьюмера.
// Обработчик продлевает срок через InProgress, поэтому двух пропущенных продлений
// не должно хватать для повторной доставки. Отложенный повтор в Redis Streams
// ждет своего времени неподтвержденным и не продлевается.
func (c *Config) validateAckWindow() error {
	ackWait := c.Bus.ackWait()
	if ackWait <= 0 {
		return nil
	}
	if 2*c.Consumer.HeartbeatInterval > ackWait {
		return fmt.Errorf("HEARTBEAT_INTERVAL %s must be at most half of the bus ack wait %s", c.Consumer.HeartbeatInterval, ackWait)
	}
	if c.Bus.Type == "redis" {
		if delay := c.Consumer.MaxRetryDelay(); delay >= ackWait {
			return fmt.Errorf("retry delay %s must be shorter than the bus ack wait %s", delay, ackWait)
		}
	}
	return nil
}

// NeedsPostgres сервису нужен пул Postgres при выбранных хранилищах
func (c *Config) NeedsPostgres() bool {
	return c.PaymentStore == StorePostgres || c.Search.CheckpointStore == StorePostgres
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, ", "), value)
}

// AdapterConfig переводит BusConfig в конфигурацию адаптера для фабрики
func (b BusConfig) AdapterConfig() (interface{}, error) {
	switch b.Type {
	case "nats":
		cfg := messagebus.DefaultNATSConfig()
		if b.URL != "" {
			cfg.URL = b.URL
		}
		if b.AckWait > 0 {
			cfg.AckWait = b.AckWait
		}
		return cfg, nil
	case "kafka":
		cfg := messagebus.DefaultKafkaConfig()
		if b.URL != "" {
			cfg.Brokers = splitList(b.URL)
		}
		return cfg, nil
	case "redis":
		cfg := messagebus.DefaultRedisConfig()
		if b.URL != "" {
			cfg.Addr = b.URL
		}
		if b.AckWait > 0 {
			cfg.ClaimMinIdle = b.AckWait
		}
		return cfg, nil
	case "inmemory":
		return messagebus.DefaultInMemoryConfig(), nil
	default:
		return nil, fmt.Errorf("unknown message bus type: %s", b.Type)
	}
}

// ackWait действующий срок подтверждения выбранного брокера, 0 если его нет
func (b BusConfig) ackWait() time.Duration {
	adapterConfig, err := b.AdapterConfig()
	if err != nil {
		return 0
	}
	switch cfg := adapterConfig.(type) {
	case messagebus.NATSConfig:
		return cfg.AckWait
	case messagebus.RedisConfig:
		return cfg.ClaimMinIdle
	default:
		return 0
	}
}

// NewBus создает адаптер шины через фабрику
func (b BusConfig) NewBus() (messagebus.Bus, error) {
	adapterConfig, err := b.AdapterConfig()
	if err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid bus config")
	}
	return messagebus.NewMessageBusFactory().Create(b.Type, adapterConfig)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// reader читает типизированные переменные окружения и копит ошибки разбора
type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) err() error {
	return errors.Join(r.errs...)
}
