// Package model содержит доменные сущности кассового ядра ziPOS.
package model

import (
	"time"

	"github.com/mmeshcher/zipos-register/internal/money"
)

// Product описывает товар. Владелец записи - постоянное хранилище.
type Product struct {
	ID            string
	Name          string
	SKU           string
	Price         money.Money
	TaxRate       money.Rate
	StockQuantity int
	MinStockLevel int
	NonReturnable bool
	UpdatedAt     time.Time
}

// Customer описывает покупателя с балансом и баллами лояльности.
type Customer struct {
	ID            string
	Name          string
	Balance       money.Money
	LoyaltyPoints int64
	TotalSpent    money.Money
	UpdatedAt     time.Time
}

// Transaction описывает продажу или возврат.
// После перехода в TransactionStatusCompleted позиции и суммы не меняются.
type Transaction struct {
	ID                    string            `json:"id"`
	TransactionNumber     string            `json:"transaction_number"`
	StoreID               string            `json:"store_id"`
	RegisterID            string            `json:"register_id"`
	CashierID             string            `json:"cashier_id"`
	CustomerID            string            `json:"customer_id,omitempty"`
	Type                  TransactionType   `json:"type"`
	Status                TransactionStatus `json:"status"`
	Items                 []TransactionItem `json:"-"`
	Payments              []Payment         `json:"-"`
	Subtotal              money.Money       `json:"subtotal"`
	TaxAmount             money.Money       `json:"tax_amount"`
	DiscountAmount        money.Money       `json:"discount_amount"`
	TotalAmount           money.Money       `json:"total_amount"`
	PaidAmount            money.Money       `json:"paid_amount"`
	ChangeAmount          money.Money       `json:"change_amount"`
	PaymentMethod         PaymentMethod     `json:"payment_method"`
	IsRefund              bool              `json:"is_refund"`
	OriginalTransactionID string            `json:"original_transaction_id,omitempty"`
	RefundReason          string            `json:"refund_reason,omitempty"`
	IsSynced              bool              `json:"-"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
}

// TotalsConsistent проверяет инвариант total = subtotal + tax − discount ≥ 0.
func (t *Transaction) TotalsConsistent() bool {
	want := t.Subtotal.Add(t.TaxAmount).Sub(t.DiscountAmount)
	return want.Equal(t.TotalAmount) && !t.TotalAmount.IsNegative()
}

// TransactionItem - неизменяемый снимок строки корзины на момент фиксации.
type TransactionItem struct {
	ID            string      `json:"id"`
	TransactionID string      `json:"transaction_id"`
	ProductID     string      `json:"product_id"`
	Quantity      int         `json:"quantity"`
	UnitPrice     money.Money `json:"unit_price"`
	TotalPrice    money.Money `json:"total_price"`
	TaxAmount     money.Money `json:"tax_amount"`
}

// Payment описывает оплату по транзакции.
type Payment struct {
	ID            string        `json:"id"`
	TransactionID string        `json:"transaction_id"`
	Amount        money.Money   `json:"amount"`
	Method        PaymentMethod `json:"method"`
	Reference     string        `json:"reference,omitempty"`
	Status        PaymentStatus `json:"status"`
	ProcessedAt   time.Time     `json:"processed_at"`
}

// InventoryAdjustment - запись аудита изменения остатка. Только добавляется.
type InventoryAdjustment struct {
	ID                string           `json:"id"`
	ProductID         string           `json:"product_id"`
	Quantity          int              `json:"quantity"`
	Reason            AdjustmentReason `json:"reason"`
	Reference         string           `json:"reference,omitempty"`
	Notes             string           `json:"notes,omitempty"`
	AdjustedBy        string           `json:"adjusted_by,omitempty"`
	StoreID           string           `json:"store_id"`
	ResultingQuantity int              `json:"resulting_quantity"`
	CreatedAt         time.Time        `json:"created_at"`
}

// StockAlert - предупреждение о низком остатке.
type StockAlert struct {
	ID           string
	ProductID    string
	AlertType    StockAlertType
	CurrentStock int
	Threshold    int
	IsActive     bool
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

// CustomerTransaction - запись аудита изменения баланса покупателя. Только добавляется.
type CustomerTransaction struct {
	ID               string                  `json:"id"`
	CustomerID       string                  `json:"customer_id"`
	TransactionID    string                  `json:"transaction_id"`
	Type             CustomerTransactionType `json:"type"`
	Amount           money.Money             `json:"amount"`
	ResultingBalance money.Money             `json:"resulting_balance"`
	PointsDelta      int64                   `json:"points_delta"`
	CreatedAt        time.Time               `json:"created_at"`
}

// EntityRef ссылается на локально созданную запись, подлежащую синхронизации.
type EntityRef struct {
	Type EntityType
	ID   string
}

// RecordID возвращает стабильный идентификатор записи для удалённой стороны.
func (r EntityRef) RecordID() string {
	return string(r.Type) + ":" + r.ID
}

// QueueEntry - запись журнала синхронизации (SyncLog).
type QueueEntry struct {
	Seq       int64
	Ref       EntityRef
	Parent    *EntityRef
	Payload   []byte
	Status    SyncStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}
