package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/akriventsev/shopflow/framework/core"
)

// Типы событий. Совпадают с subject, в который событие публикуется.
const (
	TypeOrderCreated    = "OrderCreated"
	TypeProductCreated  = "ProductCreated"
	TypeProductUpdated  = "ProductUpdated"
	TypeProductsReindex = "ProductsReindex"
)

// ErrUnknownEventType тип события не входит в известные контракты
var ErrUnknownEventType = errors.New("unknown event type")

// KnownEventTypes возвращает все типы событий, которые умеет декодировать Decode
func KnownEventTypes() []string {
	return []string{TypeOrderCreated, TypeProductCreated, TypeProductUpdated, TypeProductsReindex}
}

// OrderCreated заказ оформлен
type OrderCreated struct {
	OrderID     uuid.UUID       `json:"order_id"`
	UserID      uuid.UUID       `json:"user_id"`
	Currency    string          `json:"currency"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

func (OrderCreated) EventType() string { return TypeOrderCreated }
func (OrderCreated) isEvent()          {}

// Validate проверяет схему OrderCreated
func (e OrderCreated) Validate() error {
	if e.OrderID == uuid.Nil {
		return core.Malformed("OrderCreated: order_id is required")
	}
	if e.UserID == uuid.Nil {
		return core.Malformed("OrderCreated: user_id is required")
	}
	if !isCurrencyCode(e.Currency) {
		return core.Malformed("OrderCreated: currency %q is not a 3-letter code", e.Currency)
	}
	if e.TotalAmount.IsNegative() {
		return core.Malformed("OrderCreated: total_amount must not be negative")
	}
	return nil
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// ProductPayload общая форма ProductCreated и ProductUpdated
type ProductPayload struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	ImageURL    *string         `json:"image_url,omitempty"`
}

func (p ProductPayload) validate(eventType string) error {
	if strings.TrimSpace(p.ID) == "" {
		return core.Malformed("%s: id is required", eventType)
	}
	if p.Price.IsNegative() {
		return core.Malformed("%s: price must not be negative", eventType)
	}
	return nil
}

// ProductCreated товар добавлен в каталог
type ProductCreated struct {
	ProductPayload
}

func (ProductCreated) EventType() string { return TypeProductCreated }
func (ProductCreated) isEvent()          {}
func (e ProductCreated) Validate() error { return e.validate(TypeProductCreated) }

// ProductUpdated товар изменен, payload содержит полное новое состояние
type ProductUpdated struct {
	ProductPayload
}

func (ProductUpdated) EventType() string { return TypeProductUpdated }
func (ProductUpdated) isEvent()          {}
func (e ProductUpdated) Validate() error { return e.validate(TypeProductUpdated) }

// ProductsReindex запрос полной перестройки поискового индекса
type ProductsReindex struct{}

func (ProductsReindex) EventType() string { return TypeProductsReindex }
func (ProductsReindex) isEvent()          {}
func (ProductsReindex) Validate() error   { return nil }

// Decode выбирает схему по event_type и валидирует payload.
// Для неизвестного типа возвращает ErrUnknownEventType.
func Decode(env *Envelope) (Event, error) {
	switch env.EventType {
	case TypeOrderCreated:
		return decodeAs[OrderCreated](env)
	case TypeProductCreated:
		return decodeAs[ProductCreated](env)
	case TypeProductUpdated:
		return decodeAs[ProductUpdated](env)
	case TypeProductsReindex:
		return ProductsReindex{}, nil
	default:
		return nil, ErrUnknownEventType
	}
}

func decodeAs[T Event](env *Envelope) (Event, error) {
	var event T
	payload := bytes.TrimSpace(env.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil, core.Malformed("%s: empty payload", env.EventType)
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, core.Wrap(err, core.ErrMalformedEvent, env.EventType+": payload does not match schema")
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}
