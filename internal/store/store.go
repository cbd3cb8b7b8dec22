// Package store описывает контракт постоянного хранилища кассы.
//
// Все изменения выполняются внутри Store.InTx: либо применяются все записи
// функции, либо ни одна.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mmeshcher/zipos-register/internal/model"
)

var (
	// ErrNotFound возвращается, если запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists возвращается при вставке записи с существующим ключом.
	ErrAlreadyExists = errors.New("already exists")
)

// Store - постоянное хранилище с атомарной записью нескольких сущностей.
type Store interface {
	// InTx выполняет fn в одной локальной транзакции. Ошибка fn откатывает все записи.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx - операции над хранилищем внутри одной локальной транзакции.
type Tx interface {
	Products
	Inventory
	Transactions
	Customers
	Queue

	// NextSequence возвращает следующее значение именованного счётчика, начиная с 1.
	NextSequence(ctx context.Context, name string) (int64, error)
}

// Products - доступ к товарам.
type Products interface {
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	PutProduct(ctx context.Context, p *model.Product) error
	UpdateStock(ctx context.Context, productID string, quantity int, updatedAt time.Time) error
}

// Inventory - журнал корректировок остатков и предупреждения.
type Inventory interface {
	GetAdjustment(ctx context.Context, id string) (*model.InventoryAdjustment, error)
	InsertAdjustment(ctx context.Context, a *model.InventoryAdjustment) error
	ListAdjustments(ctx context.Context, productID string) ([]model.InventoryAdjustment, error)

	ActiveAlerts(ctx context.Context, productID string) ([]model.StockAlert, error)
	ListActiveAlerts(ctx context.Context) ([]model.StockAlert, error)
	InsertAlert(ctx context.Context, a *model.StockAlert) error
	ResolveAlert(ctx context.Context, id string, resolvedAt time.Time) error
}

// Transactions - доступ к кассовым транзакциям вместе с позициями и оплатами.
type Transactions interface {
	// InsertTransaction сохраняет транзакцию, её позиции и оплаты.
	InsertTransaction(ctx context.Context, t *model.Transaction) error
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	GetTransactionByNumber(ctx context.Context, number string) (*model.Transaction, error)
	ListTransactionsByStatus(ctx context.Context, status model.TransactionStatus) ([]model.Transaction, error)
	ListRefunds(ctx context.Context, originalID string) ([]model.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, status model.TransactionStatus, completedAt *time.Time, updatedAt time.Time) error
	MarkTransactionSynced(ctx context.Context, id string) error
}

// Customers - доступ к покупателям и журналу операций по их счёту.
type Customers interface {
	GetCustomer(ctx context.Context, id string) (*model.Customer, error)
	PutCustomer(ctx context.Context, c *model.Customer) error
	GetCustomerTransaction(ctx context.Context, customerID, transactionID string) (*model.CustomerTransaction, error)
	InsertCustomerTransaction(ctx context.Context, ct *model.CustomerTransaction) error
	ListCustomerTransactions(ctx context.Context, customerID string) ([]model.CustomerTransaction, error)
}

// Queue - журнал синхронизации.
type Queue interface {
	// InsertQueueEntry добавляет запись и присваивает ей Seq.
	// Повторная вставка той же пары (тип, id) возвращает ErrAlreadyExists.
	InsertQueueEntry(ctx context.Context, e *model.QueueEntry) error
	GetQueueEntry(ctx context.Context, ref model.EntityRef) (*model.QueueEntry, error)
	// ListQueueEntries возвращает записи со статусом status в порядке Seq. limit ≤ 0 - без ограничения.
	ListQueueEntries(ctx context.Context, status model.SyncStatus, limit int) ([]model.QueueEntry, error)
	UpdateQueueEntry(ctx context.Context, e *model.QueueEntry) error
	CountQueueByStatus(ctx context.Context) (map[model.SyncStatus]int, error)
}
