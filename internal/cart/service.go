package cart

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/logging"
	"github.com/akriventsev/shopflow/internal/catalog"
)

// DefaultMaxConflictRetries сколько раз Service перечитывает корзину при конфликте версий
const DefaultMaxConflictRetries = 3

// Service операции над корзиной: загрузить или создать, изменить, сохранить с проверкой версии
type Service struct {
	store      Store
	catalog    catalog.Reader
	logger     logrus.FieldLogger
	now        func() time.Time
	maxRetries int
}

// ServiceOption опция Service
type ServiceOption func(*Service)

// WithCatalog подключает каталог для AddProduct
func WithCatalog(reader catalog.Reader) ServiceOption {
	return func(s *Service) { s.catalog = reader }
}

// WithServiceLogger устанавливает логгер
func WithServiceLogger(logger logrus.FieldLogger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithClock подменяет часы
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService создает сервис корзин
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		now:        time.Now,
		maxRetries: DefaultMaxConflictRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger)
	return s
}

// Get возвращает корзину владельца
func (s *Service) Get(ctx context.Context, owner Owner) (core.Option[*Cart], error) {
	if err := owner.Validate(); err != nil {
		return core.None[*Cart](), err
	}
	return s.store.GetByOwner(ctx, owner.Key())
}

// AddItem добавляет товар по известной цене. Корзина создается при первом добавлении.
func (s *Service) AddItem(ctx context.Context, owner Owner, productID string, quantity int, price decimal.Decimal) (*Cart, error) {
	return s.mutate(ctx, owner, true, func(c *Cart, now time.Time) error {
		return c.AddItem(productID, quantity, price, now)
	})
}

// AddProduct добавляет товар по текущей цене каталога
func (s *Service) AddProduct(ctx context.Context, owner Owner, productID string, quantity int) (*Cart, error) {
	if s.catalog == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "cart service has no catalog")
	}
	found, err := s.catalog.GetProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	product, ok := found.Get()
	if !ok {
		return nil, core.NewError(core.ErrNotFound, "product not found: "+productID)
	}
	return s.AddItem(ctx, owner, productID, quantity, product.Price)
}

// RemoveItem убирает позицию
func (s *Service) RemoveItem(ctx context.Context, owner Owner, productID string) (*Cart, error) {
	return s.mutate(ctx, owner, false, func(c *Cart, now time.Time) error {
		c.RemoveItem(productID, now)
		return nil
	})
}

// UpdateQuantity меняет количество позиции
func (s *Service) UpdateQuantity(ctx context.Context, owner Owner, productID string, quantity int) (*Cart, error) {
	return s.mutate(ctx, owner, false, func(c *Cart, now time.Time) error {
		return c.UpdateQuantity(productID, quantity, now)
	})
}

// Clear удаляет корзину владельца. false, если ее не было.
func (s *Service) Clear(ctx context.Context, owner Owner) (bool, error) {
	found, err := s.Get(ctx, owner)
	if err != nil {
		return false, err
	}
	c, ok := found.Get()
	if !ok {
		return false, nil
	}
	return s.store.Delete(ctx, c.ID)
}

// mutate загружает корзину, применяет fn и сохраняет.
// Конфликт версий или гонка создания приводят к повтору с перечитыванием.
func (s *Service) mutate(ctx context.Context, owner Owner, create bool, fn func(*Cart, time.Time) error) (*Cart, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		found, err := s.store.GetByOwner(ctx, owner.Key())
		if err != nil {
			return nil, err
		}

		now := s.now()
		c, ok := found.Get()
		if !ok {
			if !create {
				return nil, core.NewError(core.ErrNotFound, "cart not found for "+owner.Key())
			}
			if c, err = New(uuid.NewString(), owner, now); err != nil {
				return nil, err
			}
		}

		if err := fn(c, now); err != nil {
			return nil, err
		}

		err = s.store.Save(ctx, c)
		if err == nil {
			return c, nil
		}
		if !core.HasCode(err, core.ErrConcurrencyConflict) && !core.HasCode(err, core.ErrAlreadyExists) {
			return nil, err
		}
		lastErr = err
		s.logger.WithError(err).WithFields(logrus.Fields{
			"owner":   owner.Key(),
			"attempt": attempt + 1,
		}).Debug("cart changed concurrently, reloading")
	}
	return nil, lastErr
}
