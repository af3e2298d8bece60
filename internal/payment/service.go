package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/events"
	"github.com/akriventsev/shopflow/framework/logging"
)

// Queue имя очереди платежного сервиса
const Queue = "payment-service"

// DefaultMaxConflictRetries сколько раз Service перечитывает транзакцию при конфликте версий
const DefaultMaxConflictRetries = 3

// Service создает транзакции по заказам и применяет результаты шлюза
type Service struct {
	store      Store
	gateway    string
	logger     logrus.FieldLogger
	now        func() time.Time
	newID      func() string
	maxRetries int
}

// Option опция Service
type Option func(*Service)

// WithGateway задает шлюз для новых транзакций
func WithGateway(gateway string) Option {
	return func(s *Service) { s.gateway = gateway }
}

// WithLogger устанавливает логгер
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock подменяет часы
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService создает сервис
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:      store,
		gateway:    DefaultGateway,
		now:        time.Now,
		newID:      uuid.NewString,
		maxRetries: DefaultMaxConflictRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger)
	return s
}

// Register подписывает сервис на OrderCreated
func (s *Service) Register(registry *events.Registry) error {
	return events.On(registry, s.HandleOrderCreated)
}

// HandleOrderCreated создает pending транзакцию для заказа, если ее еще нет.
// Проигранная гонка вставки дубликата означает, что транзакция уже создана.
func (s *Service) HandleOrderCreated(ctx context.Context, env *events.Envelope, e events.OrderCreated) error {
	log := s.logger.WithFields(logrus.Fields{
		"event_id": env.EventID,
		"order_id": e.OrderID,
	})

	existing, err := s.store.FindByOrderID(ctx, e.OrderID)
	if err != nil {
		return err
	}
	if tx, ok := existing.Get(); ok {
		log.WithFields(logrus.Fields{
			"payment_id": tx.ID,
			"status":     tx.Status,
		}).Info("payment already exists for order, skipping")
		return nil
	}

	tx, err := NewPending(s.newID(), e.OrderID, e.TotalAmount, e.Currency, s.gateway, s.now())
	if err != nil {
		return err
	}

	err = s.store.Insert(ctx, tx)
	if core.HasCode(err, core.ErrAlreadyExists) {
		log.Info("payment was created concurrently for order, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"payment_id": tx.ID,
		"amount":     tx.Amount.String(),
		"currency":   tx.Currency,
		"gateway":    tx.Gateway,
	}).Info("pending payment created")
	return nil
}

// Get возвращает транзакцию заказа
func (s *Service) Get(ctx context.Context, orderID uuid.UUID) (core.Option[*Transaction], error) {
	return s.store.FindByOrderID(ctx, orderID)
}

// ApplyGatewayResult применяет ответ шлюза к транзакции заказа.
// Повторная доставка уже примененного результата не меняет транзакцию.
func (s *Service) ApplyGatewayResult(ctx context.Context, orderID uuid.UUID, result GatewayResult) (*Transaction, error) {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		found, err := s.store.FindByOrderID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		tx, ok := found.Get()
		if !ok {
			return nil, core.NewError(core.ErrNotFound, "payment not found for order "+orderID.String())
		}

		from := tx.Status
		changed, err := tx.Apply(result, s.now())
		if err != nil {
			return nil, err
		}
		if !changed {
			return tx, nil
		}

		err = s.store.Update(ctx, tx)
		if err == nil {
			s.logger.WithFields(logrus.Fields{
				"order_id":   orderID,
				"payment_id": tx.ID,
				"from":       from,
				"to":         tx.Status,
			}).Info("payment status changed")
			return tx, nil
		}
		if !core.HasCode(err, core.ErrConcurrencyConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
