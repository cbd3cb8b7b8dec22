package model

// TransactionType описывает вид кассовой операции.
type TransactionType string

const (
	TransactionTypeSale   TransactionType = "SALE"
	TransactionTypeRefund TransactionType = "REFUND"
)

// TransactionStatus описывает статус транзакции.
type TransactionStatus string

const (
	TransactionStatusPending           TransactionStatus = "PENDING"
	TransactionStatusInProgress        TransactionStatus = "IN_PROGRESS"
	TransactionStatusCompleted         TransactionStatus = "COMPLETED"
	TransactionStatusCancelled         TransactionStatus = "CANCELLED"
	TransactionStatusRefunded          TransactionStatus = "REFUNDED"
	TransactionStatusPartiallyRefunded TransactionStatus = "PARTIALLY_REFUNDED"
)

// Final сообщает, что транзакция больше не может измениться на месте.
func (s TransactionStatus) Final() bool {
	switch s {
	case TransactionStatusCompleted, TransactionStatusCancelled,
		TransactionStatusRefunded, TransactionStatusPartiallyRefunded:
		return true
	case TransactionStatusPending, TransactionStatusInProgress:
		return false
	}
	return false
}

// PaymentMethod описывает способ оплаты.
type PaymentMethod string

const (
	PaymentMethodCash          PaymentMethod = "CASH"
	PaymentMethodCard          PaymentMethod = "CARD"
	PaymentMethodMobilePayment PaymentMethod = "MOBILE_PAYMENT"
	PaymentMethodStoreCredit   PaymentMethod = "STORE_CREDIT"
	PaymentMethodCheck         PaymentMethod = "CHECK"
	PaymentMethodBankTransfer  PaymentMethod = "BANK_TRANSFER"
	PaymentMethodOther         PaymentMethod = "OTHER"
)

// Valid проверяет, что способ оплаты известен.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodMobilePayment,
		PaymentMethodStoreCredit, PaymentMethodCheck, PaymentMethodBankTransfer,
		PaymentMethodOther:
		return true
	}
	return false
}

// PaymentStatus описывает статус оплаты.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusCompleted  PaymentStatus = "COMPLETED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusCancelled  PaymentStatus = "CANCELLED"
	PaymentStatusRefunded   PaymentStatus = "REFUNDED"
)

// AdjustmentReason описывает причину изменения остатка.
type AdjustmentReason string

const (
	AdjustmentReasonSale       AdjustmentReason = "SALE"
	AdjustmentReasonStockTake  AdjustmentReason = "STOCK_TAKE"
	AdjustmentReasonDamage     AdjustmentReason = "DAMAGE"
	AdjustmentReasonTheft      AdjustmentReason = "THEFT"
	AdjustmentReasonReturn     AdjustmentReason = "RETURN"
	AdjustmentReasonTransfer   AdjustmentReason = "TRANSFER"
	AdjustmentReasonCorrection AdjustmentReason = "CORRECTION"
	AdjustmentReasonOther      AdjustmentReason = "OTHER"
)

// Valid проверяет, что причина известна.
func (r AdjustmentReason) Valid() bool {
	switch r {
	case AdjustmentReasonSale, AdjustmentReasonStockTake, AdjustmentReasonDamage,
		AdjustmentReasonTheft, AdjustmentReasonReturn, AdjustmentReasonTransfer,
		AdjustmentReasonCorrection, AdjustmentReasonOther:
		return true
	}
	return false
}

// StockAlertType описывает вид предупреждения об остатке.
type StockAlertType string

const (
	StockAlertLowStock   StockAlertType = "LOW_STOCK"
	StockAlertOutOfStock StockAlertType = "OUT_OF_STOCK"
)

// CustomerTransactionType описывает вид операции по счёту покупателя.
type CustomerTransactionType string

const (
	CustomerTransactionPurchase   CustomerTransactionType = "PURCHASE"
	CustomerTransactionRefund     CustomerTransactionType = "REFUND"
	CustomerTransactionPayment    CustomerTransactionType = "PAYMENT"
	CustomerTransactionAdjustment CustomerTransactionType = "ADJUSTMENT"
	CustomerTransactionWithdrawal CustomerTransactionType = "WITHDRAWAL"
	CustomerTransactionDeposit    CustomerTransactionType = "DEPOSIT"
)

// EntityType описывает вид синхронизируемой записи.
type EntityType string

const (
	EntityTransaction         EntityType = "TRANSACTION"
	EntityTransactionItem     EntityType = "TRANSACTION_ITEM"
	EntityPayment             EntityType = "PAYMENT"
	EntityInventoryAdjustment EntityType = "INVENTORY_ADJUSTMENT"
	EntityCustomerTransaction EntityType = "CUSTOMER_TRANSACTION"
)

// Valid проверяет, что вид записи известен.
func (t EntityType) Valid() bool {
	switch t {
	case EntityTransaction, EntityTransactionItem, EntityPayment,
		EntityInventoryAdjustment, EntityCustomerTransaction:
		return true
	}
	return false
}

// SyncStatus описывает статус записи очереди синхронизации.
type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "PENDING"
	SyncStatusInProgress SyncStatus = "IN_PROGRESS"
	SyncStatusCompleted  SyncStatus = "COMPLETED"
	SyncStatusFailed     SyncStatus = "FAILED"
	SyncStatusCancelled  SyncStatus = "CANCELLED"
)

// CanTransition проверяет допустимость перехода записи очереди между статусами.
func (s SyncStatus) CanTransition(to SyncStatus) bool {
	switch s {
	case SyncStatusPending:
		// Pending -> Failed: родительская запись уже не будет синхронизирована
		return to == SyncStatusInProgress || to == SyncStatusCancelled || to == SyncStatusFailed
	case SyncStatusInProgress:
		// возврат в Pending - парковка зависших после сбоя записей
		return to == SyncStatusCompleted || to == SyncStatusFailed || to == SyncStatusPending
	case SyncStatusFailed:
		return to == SyncStatusPending || to == SyncStatusCancelled
	case SyncStatusCompleted, SyncStatusCancelled:
		return false
	}
	return false
}
