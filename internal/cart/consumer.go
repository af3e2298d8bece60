package cart

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/akriventsev/shopflow/framework/events"
	"github.com/akriventsev/shopflow/framework/logging"
)

// Queue имя очереди сервиса корзин
const Queue = "cart-service"

// OrderConsumer удаляет корзину пользователя после оформления заказа.
// Отсутствующая корзина не ошибка: ее мог удалить предыдущий экземпляр того же события.
type OrderConsumer struct {
	store  Store
	logger logrus.FieldLogger
}

// NewOrderConsumer создает потребителя
func NewOrderConsumer(store Store, logger logrus.FieldLogger) *OrderConsumer {
	return &OrderConsumer{store: store, logger: logging.OrDiscard(logger)}
}

// Register подписывает потребителя на OrderCreated
func (c *OrderConsumer) Register(registry *events.Registry) error {
	return events.On(registry, c.HandleOrderCreated)
}

// HandleOrderCreated обрабатывает OrderCreated
func (c *OrderConsumer) HandleOrderCreated(ctx context.Context, env *events.Envelope, e events.OrderCreated) error {
	owner := UserOwner(e.UserID)
	log := c.logger.WithFields(logrus.Fields{
		"event_id": env.EventID,
		"order_id": e.OrderID,
		"owner":    owner.Key(),
	})

	found, err := c.store.GetByOwner(ctx, owner.Key())
	if err != nil {
		return err
	}
	cart, ok := found.Get()
	if !ok {
		log.Warn("cart not found, nothing to clear")
		return nil
	}

	deleted, err := c.store.Delete(ctx, cart.ID)
	if err != nil {
		return err
	}
	if !deleted {
		log.WithField("cart_id", cart.ID).Warn("cart already deleted")
		return nil
	}

	log.WithFields(logrus.Fields{
		"cart_id": cart.ID,
		"items":   len(cart.Items),
	}).Info("cart cleared after order")
	return nil
}
