// Package cart корзина покупателя и ее очистка после оформления заказа.
package cart

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/akriventsev/shopflow/framework/core"
)

// Owner владелец корзины: ровно одно из UserID и SessionID
type Owner struct {
	UserID    uuid.UUID `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
}

// UserOwner владелец авторизованный пользователь
func UserOwner(id uuid.UUID) Owner {
	return Owner{UserID: id}
}

// SessionOwner владелец анонимная сессия
func SessionOwner(id string) Owner {
	return Owner{SessionID: id}
}

// Validate проверяет, что заполнено ровно одно поле
func (o Owner) Validate() error {
	hasUser := o.UserID != uuid.Nil
	hasSession := strings.TrimSpace(o.SessionID) != ""
	if hasUser == hasSession {
		return core.Invariant("cart owner must have exactly one of user_id and session_id")
	}
	return nil
}

// Key ключ поиска корзины: "user:<id>" или "session:<id>"
func (o Owner) Key() string {
	if o.UserID != uuid.Nil {
		return "user:" + o.UserID.String()
	}
	return "session:" + o.SessionID
}

// Item позиция корзины. Цена фиксируется в момент добавления.
type Item struct {
	ProductID  string          `json:"product_id"`
	Quantity   int             `json:"quantity"`
	PriceAtAdd decimal.Decimal `json:"price_at_add"`
	AddedAt    time.Time       `json:"added_at"`
}

// Subtotal стоимость позиции
func (i Item) Subtotal() decimal.Decimal {
	return i.PriceAtAdd.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Cart агрегат корзины.
// Version токен optimistic concurrency, его увеличивает хранилище при сохранении.
type Cart struct {
	core.Entity
	Owner   Owner  `json:"owner"`
	Items   []Item `json:"items"`
	Version int64  `json:"version"`
}

// New создает пустую корзину
func New(id string, owner Owner, now time.Time) (*Cart, error) {
	if id == "" {
		return nil, core.Invariant("cart id is required")
	}
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	return &Cart{Entity: core.NewEntity(id, now), Owner: owner}, nil
}

// Total сумма корзины. Всегда вычисляется по позициям.
func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// IsEmpty корзина без позиций
func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// Quantity суммарное количество товаров
func (c *Cart) Quantity() int {
	n := 0
	for _, item := range c.Items {
		n += item.Quantity
	}
	return n
}

func (c *Cart) indexOf(productID string) int {
	for i, item := range c.Items {
		if item.ProductID == productID {
			return i
		}
	}
	return -1
}

// Item возвращает позицию по товару
func (c *Cart) Item(productID string) (Item, bool) {
	if i := c.indexOf(productID); i >= 0 {
		return c.Items[i], true
	}
	return Item{}, false
}

// AddItem добавляет товар. Повторное добавление увеличивает количество,
// цена позиции остается зафиксированной при первом добавлении.
func (c *Cart) AddItem(productID string, quantity int, price decimal.Decimal, now time.Time) error {
	if strings.TrimSpace(productID) == "" {
		return core.Invariant("product_id is required")
	}
	if quantity <= 0 {
		return core.Invariant("quantity must be positive, got %d", quantity)
	}
	if price.IsNegative() {
		return core.Invariant("price must not be negative, got %s", price)
	}

	if i := c.indexOf(productID); i >= 0 {
		c.Items[i].Quantity += quantity
	} else {
		c.Items = append(c.Items, Item{
			ProductID:  productID,
			Quantity:   quantity,
			PriceAtAdd: price,
			AddedAt:    now.UTC(),
		})
	}
	c.Touch(now)
	return nil
}

// RemoveItem убирает позицию. false, если товара в корзине не было.
func (c *Cart) RemoveItem(productID string, now time.Time) bool {
	i := c.indexOf(productID)
	if i < 0 {
		return false
	}
	c.Items = append(c.Items[:i], c.Items[i+1:]...)
	c.Touch(now)
	return true
}

// UpdateQuantity задает количество. Ноль удаляет позицию.
func (c *Cart) UpdateQuantity(productID string, quantity int, now time.Time) error {
	if quantity < 0 {
		return core.Invariant("quantity must not be negative, got %d", quantity)
	}
	i := c.indexOf(productID)
	if i < 0 {
		return core.NewError(core.ErrNotFound, fmt.Sprintf("product %s is not in cart %s", productID, c.ID))
	}
	if quantity == 0 {
		c.RemoveItem(productID, now)
		return nil
	}
	c.Items[i].Quantity = quantity
	c.Touch(now)
	return nil
}

// Clear удаляет все позиции
func (c *Cart) Clear(now time.Time) {
	c.Items = nil
	c.Touch(now)
}

// Clone глубокая копия
func (c *Cart) Clone() *Cart {
	cp := *c
	if c.Items != nil {
		cp.Items = append([]Item(nil), c.Items...)
	}
	return &cp
}
