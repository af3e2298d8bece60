// Package transport предоставляет HTTP адаптер сервисов: /healthz, /metrics и прикладные маршруты.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/logging"
	"github.com/akriventsev/shopflow/framework/metrics"
	"github.com/akriventsev/shopflow/framework/observability"
)

// RESTConfig конфигурация для REST адаптера
type RESTConfig struct {
	Port            int
	ServiceName     string
	EnableMetrics   bool
	EnableTracing   bool
	ShutdownTimeout time.Duration
}

// DefaultRESTConfig возвращает конфигурацию REST по умолчанию
func DefaultRESTConfig() RESTConfig {
	return RESTConfig{
		Port:            8080,
		ServiceName:     "shopflow",
		EnableMetrics:   true,
		EnableTracing:   true,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate проверяет корректность конфигурации
func (c RESTConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", c.Port)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

// RESTAdapter HTTP сервер сервиса (реализация core.LifecycleComponent)
type RESTAdapter struct {
	config   RESTConfig
	router   *gin.Engine
	health   *observability.HealthRegistry
	logger   logrus.FieldLogger
	server   *http.Server
	addr     string
	running  bool
	serveErr chan error
	mu       sync.RWMutex
}

// NewRESTAdapter создает адаптер и монтирует /healthz и, если включено, /metrics
func NewRESTAdapter(config RESTConfig, health *observability.HealthRegistry, logger logrus.FieldLogger) (*RESTAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid rest config")
	}
	if health == nil {
		health = observability.NewHealthRegistry(0)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	adapter := &RESTAdapter{
		config: config,
		router: router,
		health: health,
		logger: logging.OrDiscard(logger),
	}
	router.Use(adapter.accessLog())
	if config.EnableTracing {
		router.Use(observability.HTTPTracingMiddleware(config.ServiceName))
	}

	router.GET("/healthz", health.Handler())
	if config.EnableMetrics {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return adapter, nil
}

// accessLog логирует запросы через logrus
func (r *RESTAdapter) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := r.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("http request failed")
			return
		}
		entry.Debug("http request")
	}
}

// Router возвращает роутер для регистрации прикладных маршрутов
func (r *RESTAdapter) Router() gin.IRouter {
	return r.router
}

// Handler возвращает http.Handler адаптера
func (r *RESTAdapter) Handler() http.Handler {
	return r.router
}

// Health возвращает реестр health checks
func (r *RESTAdapter) Health() *observability.HealthRegistry {
	return r.health
}

// Start начинает слушать порт (реализация core.Lifecycle).
// Ошибка bind возвращается сразу, а не теряется в горутине.
func (r *RESTAdapter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", r.config.Port))
	if err != nil {
		return core.Transient(err, "failed to listen")
	}
	r.server = &http.Server{
		Handler:           r.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	r.addr = listener.Addr().String()
	r.serveErr = make(chan error, 1)

	go func(server *http.Server, errCh chan<- error) {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.WithError(err).Error("http server stopped")
			errCh <- err
		}
		close(errCh)
	}(r.server, r.serveErr)

	r.running = true
	r.logger.WithField("addr", r.addr).Info("http server started")
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (r *RESTAdapter) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false

	shutdownCtx, cancel := context.WithTimeout(ctx, r.config.ShutdownTimeout)
	defer cancel()
	if err := r.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	return <-r.serveErr
}

// Addr возвращает фактический адрес после Start
func (r *RESTAdapter) Addr() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.addr
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (r *RESTAdapter) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Name возвращает имя компонента (реализация core.Component)
func (r *RESTAdapter) Name() string {
	return "rest-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (r *RESTAdapter) Type() core.ComponentType {
	return core.ComponentTypeTransport
}
