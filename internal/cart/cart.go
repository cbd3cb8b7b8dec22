// Package cart содержит корзину текущей продажи и расчёт её итогов.
//
// Корзина принадлежит одной кассовой сессии и не потокобезопасна: сессия сама
// сериализует обращения к ней. С учётом остатков корзина не взаимодействует.
package cart

import (
	"fmt"

	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/money"
	"github.com/mmeshcher/zipos-register/internal/notify"
)

// Line - строка корзины. Цена и ставка налога фиксируются при первом добавлении товара.
type Line struct {
	ProductID string      `json:"product_id"`
	Name      string      `json:"name"`
	Quantity  int         `json:"quantity"`
	UnitPrice money.Money `json:"unit_price"`
	TaxRate   money.Rate  `json:"tax_rate"`
	Subtotal  money.Money `json:"subtotal"`
	Tax       money.Money `json:"tax"`
}

func (l *Line) recompute() {
	l.Subtotal = l.UnitPrice.MulQty(l.Quantity).Round()
	l.Tax = l.TaxRate.Apply(l.Subtotal)
}

// Totals - итоги корзины. Discount - фактически применённая скидка.
type Totals struct {
	Subtotal money.Money `json:"subtotal"`
	Tax      money.Money `json:"tax"`
	Discount money.Money `json:"discount"`
	Total    money.Money `json:"total"`
	Items    int         `json:"items"`
}

// EventType - вид изменения корзины.
type EventType string

const (
	EventLineAdded   EventType = "LINE_ADDED"
	EventLineChanged EventType = "LINE_CHANGED"
	EventLineRemoved EventType = "LINE_REMOVED"
	EventCleared     EventType = "CLEARED"
	EventCustomerSet EventType = "CUSTOMER_SET"
	EventDiscountSet EventType = "DISCOUNT_SET"
)

// Event описывает изменение корзины вместе с пересчитанными итогами.
type Event struct {
	Type      EventType `json:"type"`
	ProductID string    `json:"product_id,omitempty"`
	Quantity  int       `json:"quantity,omitempty"`
	Totals    Totals    `json:"totals"`
}

// Cart - корзина одной продажи.
type Cart struct {
	lines      map[string]*Line
	order      []string
	customerID string
	discount   money.Money
	frozen     bool
	events     *notify.Broker[Event]
}

// New создаёт пустую корзину.
func New() *Cart {
	return &Cart{
		lines:  make(map[string]*Line),
		events: notify.NewBroker[Event](),
	}
}

// Subscribe подписывает на изменения корзины.
func (c *Cart) Subscribe() (<-chan Event, func()) {
	return c.events.Subscribe(0)
}

func (c *Cart) mutable() error {
	if c.frozen {
		return fmt.Errorf("%w: cart is frozen for checkout", model.ErrInvalidState)
	}
	return nil
}

func (c *Cart) publish(t EventType, productID string, qty int) {
	c.events.Publish(Event{Type: t, ProductID: productID, Quantity: qty, Totals: c.Totals()})
}

// AddItem добавляет qty единиц товара. Для существующей строки количество суммируется,
// цена остаётся зафиксированной при первом добавлении.
func (c *Cart) AddItem(p model.Product, qty int) error {
	if err := c.mutable(); err != nil {
		return err
	}
	if p.ID == "" {
		return fmt.Errorf("%w: product id is required", model.ErrInvalidArgument)
	}

	line, ok := c.lines[p.ID]
	if !ok {
		if qty <= 0 {
			return fmt.Errorf("%w: %d of %s", model.ErrInvalidQuantity, qty, p.ID)
		}
		line = &Line{
			ProductID: p.ID,
			Name:      p.Name,
			Quantity:  qty,
			UnitPrice: p.Price,
			TaxRate:   p.TaxRate,
		}
		line.recompute()
		c.lines[p.ID] = line
		c.order = append(c.order, p.ID)
		c.publish(EventLineAdded, p.ID, line.Quantity)
		return nil
	}

	if line.Quantity+qty <= 0 {
		return fmt.Errorf("%w: %d of %s", model.ErrInvalidQuantity, line.Quantity+qty, p.ID)
	}
	line.Quantity += qty
	line.recompute()
	c.publish(EventLineChanged, p.ID, line.Quantity)
	return nil
}

// ChangeQuantity устанавливает количество в строке. Значение ≤ 0 удаляет строку.
func (c *Cart) ChangeQuantity(productID string, qty int) error {
	if err := c.mutable(); err != nil {
		return err
	}

	line, ok := c.lines[productID]
	if !ok {
		return fmt.Errorf("%w: product %s is not in the cart", model.ErrInvalidArgument, productID)
	}
	if qty <= 0 {
		c.remove(productID)
		return nil
	}

	line.Quantity = qty
	line.recompute()
	c.publish(EventLineChanged, productID, qty)
	return nil
}

// RemoveItem удаляет строку товара. Отсутствие строки не является ошибкой.
func (c *Cart) RemoveItem(productID string) error {
	if err := c.mutable(); err != nil {
		return err
	}
	if _, ok := c.lines[productID]; ok {
		c.remove(productID)
	}
	return nil
}

func (c *Cart) remove(productID string) {
	delete(c.lines, productID)
	for i, id := range c.order {
		if id == productID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.publish(EventLineRemoved, productID, 0)
}

// Clear очищает корзину и снимает заморозку.
func (c *Cart) Clear() {
	c.lines = make(map[string]*Line)
	c.order = nil
	c.customerID = ""
	c.discount = money.Zero
	c.frozen = false
	c.publish(EventCleared, "", 0)
}

// SetCustomer привязывает покупателя к продаже. Пустая строка отвязывает.
func (c *Cart) SetCustomer(customerID string) error {
	if err := c.mutable(); err != nil {
		return err
	}
	c.customerID = customerID
	c.publish(EventCustomerSet, "", 0)
	return nil
}

// SetDiscount задаёт скидку на чек. Скидка больше суммы чека ограничивается ею.
func (c *Cart) SetDiscount(amount money.Money) error {
	if err := c.mutable(); err != nil {
		return err
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative discount %s", model.ErrInvalidArgument, amount)
	}
	c.discount = amount.Round()
	c.publish(EventDiscountSet, "", 0)
	return nil
}

// CustomerID возвращает привязанного покупателя.
func (c *Cart) CustomerID() string { return c.customerID }

// IsEmpty сообщает, что в корзине нет строк.
func (c *Cart) IsEmpty() bool { return len(c.lines) == 0 }

// Freeze запрещает изменения корзины.
func (c *Cart) Freeze() { c.frozen = true }

// Unfreeze снова разрешает изменения корзины.
func (c *Cart) Unfreeze() { c.frozen = false }

// Line возвращает копию строки товара.
func (c *Cart) Line(productID string) (Line, bool) {
	l, ok := c.lines[productID]
	if !ok {
		return Line{}, false
	}
	return *l, true
}

// Lines возвращает копии строк в порядке добавления.
func (c *Cart) Lines() []Line {
	res := make([]Line, 0, len(c.order))
	for _, id := range c.order {
		res = append(res, *c.lines[id])
	}
	return res
}

// Totals рассчитывает итоги: налог округляется по каждой строке отдельно,
// итог = подытог + налог − скидка и не бывает отрицательным.
func (c *Cart) Totals() Totals {
	var t Totals
	for _, id := range c.order {
		l := c.lines[id]
		t.Subtotal = t.Subtotal.Add(l.Subtotal)
		t.Tax = t.Tax.Add(l.Tax)
		t.Items += l.Quantity
	}

	gross := t.Subtotal.Add(t.Tax)
	t.Discount = money.Min(c.discount, gross)
	t.Total = gross.Sub(t.Discount)
	return t
}
