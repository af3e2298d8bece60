// Package shopflow предоставляет хост жизненного цикла сервисов shopflow.
//
// Сервисы платежей, корзин и поиска собираются из компонентов framework/
// и запускаются через App:
//
//	app := shopflow.NewApp("payment-service", logger)
//	app.Add(pool, bus, runtime, httpAdapter)
//	if err := app.Run(ctx); err != nil {
//	    logger.Fatal(err)
//	}
package shopflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/logging"
)

// Version версия shopflow
const Version = "1.0.0"

// DefaultShutdownTimeout время на корректную остановку всех компонентов
const DefaultShutdownTimeout = 30 * time.Second

// Metadata содержит метаданные сервиса
type Metadata struct {
	Name    string
	Version string
}

// App запускает компоненты в порядке регистрации и останавливает в обратном
type App struct {
	metadata        Metadata
	logger          logrus.FieldLogger
	components      []core.LifecycleComponent
	started         []core.LifecycleComponent
	shutdownTimeout time.Duration
	signals         []os.Signal
	mu              sync.Mutex
}

// AppOption опция App
type AppOption func(*App)

// WithShutdownTimeout задает таймаут остановки
func WithShutdownTimeout(d time.Duration) AppOption {
	return func(a *App) {
		if d > 0 {
			a.shutdownTimeout = d
		}
	}
}

// WithSignals задает сигналы, по которым Run завершает работу
func WithSignals(signals ...os.Signal) AppOption {
	return func(a *App) { a.signals = signals }
}

// NewApp создает хост
func NewApp(name string, logger logrus.FieldLogger, opts ...AppOption) *App {
	a := &App{
		metadata:        Metadata{Name: name, Version: Version},
		logger:          logging.OrDiscard(logger).WithField("service", name),
		shutdownTimeout: DefaultShutdownTimeout,
		signals:         []os.Signal{os.Interrupt, syscall.SIGTERM},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Metadata возвращает метаданные сервиса
func (a *App) Metadata() Metadata {
	return a.metadata
}

// Add регистрирует компоненты. Инфраструктуру регистрируют раньше ее потребителей.
func (a *App) Add(components ...core.LifecycleComponent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.components = append(a.components, components...)
}

// Components возвращает зарегистрированные компоненты
func (a *App) Components() []core.LifecycleComponent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]core.LifecycleComponent(nil), a.components...)
}

// Start запускает компоненты по порядку.
// При ошибке уже запущенные компоненты останавливаются.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	components := append([]core.LifecycleComponent(nil), a.components...)
	a.mu.Unlock()

	for _, c := range components {
		log := a.logger.WithFields(logrus.Fields{"component": c.Name(), "type": c.Type()})
		if err := c.Start(ctx); err != nil {
			log.WithError(err).Error("component failed to start")
			stopCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
			stopErr := a.Shutdown(stopCtx)
			cancel()
			return errors.Join(fmt.Errorf("failed to start %s: %w", c.Name(), err), stopErr)
		}
		a.mu.Lock()
		a.started = append(a.started, c)
		a.mu.Unlock()
		log.Debug("component started")
	}
	a.logger.WithField("version", a.metadata.Version).Info("service started")
	return nil
}

// Shutdown останавливает запущенные компоненты в обратном порядке.
// Ошибки не прерывают остановку остальных компонентов.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.started = nil
	a.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		if err := c.Stop(ctx); err != nil {
			a.logger.WithError(err).WithField("component", c.Name()).Error("component failed to stop")
			errs = append(errs, fmt.Errorf("failed to stop %s: %w", c.Name(), err))
			continue
		}
		a.logger.WithField("component", c.Name()).Debug("component stopped")
	}
	if len(started) > 0 {
		a.logger.Info("service stopped")
	}
	return errors.Join(errs...)
}

// Run запускает компоненты и ждет отмены ctx или сигнала, затем останавливает их
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, a.signals...)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}
