// Package bootstrap собирает процесс сервиса: логгер, метрики, tracing, шину,
// хранилища, runtime потребителя и HTTP адаптер под одним App.
package bootstrap

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	shopflow "github.com/akriventsev/shopflow"
	"github.com/akriventsev/shopflow/framework/adapters/messagebus"
	"github.com/akriventsev/shopflow/framework/adapters/repository"
	"github.com/akriventsev/shopflow/framework/adapters/transport"
	"github.com/akriventsev/shopflow/framework/consumer"
	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/events"
	"github.com/akriventsev/shopflow/framework/logging"
	"github.com/akriventsev/shopflow/framework/metrics"
	"github.com/akriventsev/shopflow/framework/observability"
	"github.com/akriventsev/shopflow/internal/config"
)

// Service собранный процесс одного сервиса
type Service struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	Health  *observability.HealthRegistry
	HTTP    *transport.RESTAdapter
	Bus     messagebus.Bus
	App     *shopflow.App

	meterProvider *sdkmetric.MeterProvider
	consumers     []core.LifecycleComponent
	postgres      *repository.PostgresPool
	mongo         *repository.MongoClient
	redis         *redisClient
	mu            sync.Mutex
}

// New читает конфигурацию из окружения и собирает сервис
func New(name string) (*Service, error) {
	cfg, err := config.Load(name)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// NewWithConfig собирает сервис. Шина и runtime подключаются к брокеру только в Run.
func NewWithConfig(cfg *config.Config) (*Service, error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "failed to create logger")
	}
	log := logger.WithField("service", cfg.Service)

	provider, err := metrics.SetupMetrics(&cfg.Metrics)
	if err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "failed to setup metrics")
	}
	m, err := metrics.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	tracing, err := observability.NewTracingManager(cfg.Tracing)
	if err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "failed to setup tracing")
	}

	bus, err := cfg.Bus.NewBus()
	if err != nil {
		return nil, err
	}

	health := observability.NewHealthRegistry(0)
	if hc, ok := bus.(core.HealthCheckable); ok {
		health.Register(observability.HealthCheckFunc{CheckName: bus.Name(), Fn: hc.HealthCheck})
	}

	httpAdapter, err := transport.NewRESTAdapter(cfg.HTTP, health, log)
	if err != nil {
		return nil, err
	}

	app := shopflow.NewApp(cfg.Service, logger, shopflow.WithShutdownTimeout(cfg.ShutdownTimeout))
	app.Add(tracing, bus)

	return &Service{
		Config:        cfg,
		Logger:        logger,
		Metrics:       m,
		Health:        health,
		HTTP:          httpAdapter,
		Bus:           bus,
		App:           app,
		meterProvider: provider,
	}, nil
}

// Log возвращает логгер с полем service
func (s *Service) Log() logrus.FieldLogger {
	return s.Logger.WithField("service", s.Config.Service)
}

// Publisher возвращает издателя событий поверх шины сервиса
func (s *Service) Publisher() *events.Publisher {
	return events.NewPublisher(s.Bus).WithSource(s.Config.Service)
}

// Postgres возвращает пул Postgres. При первом вызове пул подключается сразу,
// store'ам нужен *pgxpool.Pool при создании. Остановку выполняет App.
func (s *Service) Postgres(ctx context.Context) (*repository.PostgresPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.postgres != nil {
		return s.postgres, nil
	}
	pool, err := repository.NewPostgresPool(s.Config.Postgres)
	if err != nil {
		return nil, err
	}
	if err := pool.Start(ctx); err != nil {
		return nil, err
	}
	s.App.Add(pool)
	s.Health.Register(observability.HealthCheckFunc{CheckName: pool.Name(), Fn: pool.HealthCheck})
	s.postgres = pool
	return pool, nil
}

// Mongo возвращает клиент MongoDB, подключая его при первом вызове
func (s *Service) Mongo(ctx context.Context) (*repository.MongoClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mongo != nil {
		return s.mongo, nil
	}
	client, err := repository.NewMongoClient(s.Config.Mongo)
	if err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		return nil, err
	}
	s.App.Add(client)
	s.Health.Register(observability.HealthCheckFunc{CheckName: client.Name(), Fn: client.HealthCheck})
	s.mongo = client
	return client, nil
}

// Redis возвращает клиент Redis для хранилищ, создавая и регистрируя его при первом вызове
func (s *Service) Redis() redis.UniversalClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.redis == nil {
		s.redis = newRedisClient(s.Config.Redis)
		s.App.Add(s.redis)
		s.Health.Register(observability.HealthCheckFunc{CheckName: s.redis.Name(), Fn: s.redis.HealthCheck})
	}
	return s.redis.client
}

// AddComponent регистрирует дополнительный компонент (например, фоновую задачу)
func (s *Service) AddComponent(c core.LifecycleComponent) {
	s.App.Add(c)
}

// Consumer создает runtime очереди сервиса над registry.
// Runtime запускается в Run после хранилищ.
func (s *Service) Consumer(registry *events.Registry) (*consumer.Runtime, error) {
	rt, err := consumer.New(s.Config.Consumer, s.Bus, registry,
		consumer.WithLogger(s.Log()),
		consumer.WithMetrics(s.Metrics),
	)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.consumers = append(s.consumers, rt)
	s.mu.Unlock()
	return rt, nil
}

// Run запускает компоненты до отмены ctx или сигнала остановки
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.App.Add(s.consumers...)
	s.consumers = nil
	s.mu.Unlock()
	s.App.Add(s.HTTP)

	err := s.App.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Config.ShutdownTimeout)
	defer cancel()
	if mErr := metrics.ShutdownMetrics(shutdownCtx, s.meterProvider); mErr != nil {
		s.Log().WithError(mErr).Warn("failed to shutdown metrics")
	}
	return err
}
