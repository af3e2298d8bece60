package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/events"
	"github.com/akriventsev/shopflow/framework/logging"
	"github.com/akriventsev/shopflow/framework/metrics"
	"github.com/akriventsev/shopflow/framework/observability"
	"github.com/akriventsev/shopflow/framework/transport"
)

// State состояние сообщения в runtime
type State string

const (
	StateReceived     State = "received"
	StateProcessing   State = "processing"
	StateAcked        State = "acked"
	StateRetrying     State = "retrying"
	StateDeadLettered State = "dead_lettered"
)

// ErrHandlerTimeout обработчик не уложился в бюджет времени
var ErrHandlerTimeout = errors.New("handler timed out")

// Outcome итог обработки одного сообщения
type Outcome struct {
	Message *transport.Message
	State   State
	Err     error
}

// Option опция Runtime
type Option func(*Runtime)

// WithLogger устанавливает логгер
func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithMetrics устанавливает сборщик метрик
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithOutcomeHook вызывает hook после завершения обработки каждого сообщения
func WithOutcomeHook(hook func(Outcome)) Option {
	return func(r *Runtime) { r.hook = hook }
}

// Runtime цикл потребления одной очереди.
// Сообщения из подписки раздаются Concurrency воркерам; каждое проходит
// Received -> Processing -> Acked | Retrying | DeadLettered.
// Runtime не дедуплицирует сообщения, идемпотентность обеспечивают обработчики.
type Runtime struct {
	config     Config
	subscriber transport.Subscriber
	registry   *events.Registry
	logger     logrus.FieldLogger
	metrics    *metrics.Metrics
	hook       func(Outcome)

	mu           sync.Mutex
	running      bool
	subscription transport.Subscription
	fetchCancel  context.CancelFunc
	handlerCtx   context.Context
	handlerStop  context.CancelFunc
	wg           sync.WaitGroup

	// slots ограничивает число одновременно работающих обработчиков,
	// включая отложенные повторы, запущенные таймером
	slots chan struct{}

	parkMu     sync.Mutex
	parked     map[*time.Timer]struct{}
	parkClosed bool
}

// New создает runtime. Подписка открывается в Start.
func New(config Config, subscriber transport.Subscriber, registry *events.Registry, opts ...Option) (*Runtime, error) {
	if err := config.Validate(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid consumer config")
	}
	if subscriber == nil || registry == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "subscriber and registry are required")
	}

	r := &Runtime{
		config:     config,
		subscriber: subscriber,
		registry:   registry,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDiscard(r.logger).WithField("queue", config.Queue)
	return r, nil
}

// Name возвращает имя компонента (реализация core.Component)
func (r *Runtime) Name() string {
	return "consumer:" + r.config.Queue
}

// Type возвращает тип компонента (реализация core.Component)
func (r *Runtime) Type() core.ComponentType {
	return core.ComponentTypeConsumer
}

// IsRunning проверяет, запущен ли runtime (реализация core.Lifecycle)
func (r *Runtime) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start подписывается на все типы событий из реестра и запускает воркеров
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	subjects := r.registry.EventTypes()
	if len(subjects) == 0 {
		return core.NewError(core.ErrInvalidConfig, "no handlers registered")
	}

	sub, err := r.subscriber.Subscribe(ctx, r.config.Queue, subjects)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.config.Queue, err)
	}

	fetchCtx, fetchCancel := context.WithCancel(context.Background())
	r.handlerCtx, r.handlerStop = context.WithCancel(context.Background())
	r.subscription = sub
	r.fetchCancel = fetchCancel
	r.slots = make(chan struct{}, r.config.Concurrency)
	r.parkMu.Lock()
	r.parked = make(map[*time.Timer]struct{})
	r.parkClosed = false
	r.parkMu.Unlock()
	r.running = true

	for i := 0; i < r.config.Concurrency; i++ {
		r.wg.Add(1)
		go r.worker(fetchCtx, i)
	}

	r.logger.WithFields(logrus.Fields{
		"subjects":    subjects,
		"concurrency": r.config.Concurrency,
	}).Info("consumer started")
	return nil
}

// Stop прекращает получение новых сообщений и ждет завершения текущих.
// Если ctx истекает раньше, обработчики отменяются.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.fetchCancel()
	sub := r.subscription
	r.mu.Unlock()

	// отложенные, но еще не запущенные повторы остаются неподтвержденными,
	// брокер доставит их снова
	r.parkMu.Lock()
	r.parkClosed = true
	for timer := range r.parked {
		if timer.Stop() {
			r.wg.Done()
		}
		delete(r.parked, timer)
	}
	r.parkMu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		r.handlerStop()
		<-done
		err = ctx.Err()
	}
	r.handlerStop()

	if cerr := sub.Close(); cerr != nil && err == nil {
		err = cerr
	}
	r.logger.Info("consumer stopped")
	return err
}

// Run запускает runtime и блокируется до отмены ctx
func (r *Runtime) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return r.Stop(stopCtx)
}

func (r *Runtime) worker(fetchCtx context.Context, id int) {
	defer r.wg.Done()
	log := r.logger.WithField("worker", id)

	for {
		delivery, err := r.subscription.Next(fetchCtx)
		if err != nil {
			if fetchCtx.Err() != nil || errors.Is(err, transport.ErrSubscriptionClosed) {
				return
			}
			log.WithError(err).Warn("failed to receive message")
			select {
			case <-fetchCtx.Done():
				return
			case <-time.After(r.config.ErrorBackoff):
			}
			continue
		}

		// отложенный повтор откладывается на таймер, воркер сразу берет следующее сообщение
		if delay := time.Until(delivery.Message().NotBefore); delay > 0 {
			if r.park(fetchCtx, delivery, delay) {
				continue
			}
			if !sleepCtx(fetchCtx, delay) {
				log.Debug("shutdown while waiting for retry delay, message left unsettled")
				return
			}
		}

		if !r.acquire(fetchCtx) {
			return
		}
		r.process(delivery)
		<-r.slots
	}
}

// park запускает доставку по таймеру после delay.
// Возвращает false, если отложенных доставок уже MaxParked или runtime останавливается.
func (r *Runtime) park(fetchCtx context.Context, delivery transport.Delivery, delay time.Duration) bool {
	r.parkMu.Lock()
	defer r.parkMu.Unlock()

	if r.parkClosed || len(r.parked) >= r.config.MaxParked {
		return false
	}

	var timer *time.Timer
	r.wg.Add(1)
	timer = time.AfterFunc(delay, func() {
		defer r.wg.Done()

		r.parkMu.Lock()
		delete(r.parked, timer)
		r.parkMu.Unlock()

		if !r.acquire(fetchCtx) {
			return
		}
		r.process(delivery)
		<-r.slots
	})
	r.parked[timer] = struct{}{}
	return true
}

// ParkedCount количество отложенных повторов, ожидающих своего времени
func (r *Runtime) ParkedCount() int {
	r.parkMu.Lock()
	defer r.parkMu.Unlock()
	return len(r.parked)
}

func (r *Runtime) acquire(fetchCtx context.Context) bool {
	if fetchCtx.Err() != nil {
		return false
	}
	select {
	case r.slots <- struct{}{}:
		return true
	case <-fetchCtx.Done():
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// process проводит одно сообщение через машину состояний
func (r *Runtime) process(delivery transport.Delivery) {
	msg := delivery.Message()
	log := r.logger.WithFields(logrus.Fields{
		"subject":    msg.Subject,
		"message_id": msg.ID,
		"attempt":    msg.Attempt,
	})

	env, err := events.ParseEnvelope(msg.Data)
	if err != nil {
		r.settle(log, delivery, "", StateReceived, err, 0)
		return
	}
	log = log.WithFields(logrus.Fields{"event_type": env.EventType, "event_id": env.EventID})
	log.Debug("message received")
	r.metrics.RecordReceived(r.handlerCtx, r.config.Queue, env.EventType)

	r.metrics.IncrementActiveHandlers(r.handlerCtx, r.config.Queue)
	start := time.Now()
	err = r.invoke(log, delivery, env)
	duration := time.Since(start)
	r.metrics.DecrementActiveHandlers(r.handlerCtx, r.config.Queue)

	r.settle(log, delivery, env.EventType, StateProcessing, err, duration)
}

// invoke вызывает обработчики с таймаутом. Обработчик, проигнорировавший
// отмену контекста, продолжает работать в фоне, но сообщение уже не подтверждается.
// Пока обработчик работает, брокеру раз в HeartbeatInterval сообщается InProgress.
func (r *Runtime) invoke(log logrus.FieldLogger, delivery transport.Delivery, env *events.Envelope) (err error) {
	msg := delivery.Message()
	ctx, span := observability.StartConsumerSpan(r.handlerCtx, r.config.Queue, msg.Subject, msg.Headers)
	defer func() { observability.EndSpan(span, err) }()

	timeout := r.config.timeoutFor(env.EventType)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stopHeartbeat := r.heartbeat(log, delivery)
	defer stopHeartbeat()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				result <- fmt.Errorf("handler panic: %v", p)
			}
		}()
		result <- r.registry.Dispatch(ctx, env)
	}()

	select {
	case err = <-result:
		if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrHandlerTimeout, timeout)
		}
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrHandlerTimeout, timeout, err)
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w after %s: %w", ErrHandlerTimeout, timeout, ctx.Err())
	}
}

// heartbeat периодически продлевает срок подтверждения доставки.
// Возвращаемая функция останавливает его и ждет завершения последнего вызова.
func (r *Runtime) heartbeat(log logrus.FieldLogger, delivery transport.Delivery) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(r.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(r.handlerCtx, r.config.SettleTimeout)
				err := delivery.InProgress(ctx)
				cancel()
				if err != nil {
					log.WithError(err).Warn("failed to extend ack deadline")
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// settle выбирает исход по ошибке и политике повторов
func (r *Runtime) settle(log logrus.FieldLogger, delivery transport.Delivery, eventType string, from State, handlerErr error, duration time.Duration) {
	msg := delivery.Message()
	ctx, cancel := context.WithTimeout(context.Background(), r.config.SettleTimeout)
	defer cancel()

	state, settleErr := r.decide(ctx, delivery, handlerErr)

	switch state {
	case StateAcked:
		log.WithField("duration", duration).Debug("message acked")
	case StateRetrying:
		log.WithError(handlerErr).WithField("retry_in", r.config.RetryPolicy.GetDelay(msg.Attempt)).Warn("handler failed, message requeued")
	case StateDeadLettered:
		log.WithError(handlerErr).WithField("from", from).Error("message dead-lettered")
	}
	if settleErr != nil {
		log.WithError(settleErr).WithField("state", state).Error("failed to settle message, broker will redeliver it")
	}

	r.metrics.RecordOutcome(ctx, r.config.Queue, eventType, string(state), duration)
	if r.hook != nil {
		r.hook(Outcome{Message: msg, State: state, Err: handlerErr})
	}
}

func (r *Runtime) decide(ctx context.Context, delivery transport.Delivery, handlerErr error) (State, error) {
	if handlerErr == nil {
		return StateAcked, delivery.Ack(ctx)
	}

	attempt := delivery.Message().Attempt
	policy := r.config.RetryPolicy

	if !core.IsRetriable(handlerErr) {
		return StateDeadLettered, delivery.DeadLetter(ctx, handlerErr.Error())
	}
	if policy.ShouldRetry(attempt, handlerErr) {
		return StateRetrying, delivery.Retry(ctx, policy.GetDelay(attempt))
	}
	reason := fmt.Sprintf("retries exhausted after %d attempts: %v", attempt, handlerErr)
	return StateDeadLettered, delivery.DeadLetter(ctx, reason)
}
