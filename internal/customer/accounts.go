package customer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/money"
	"github.com/mmeshcher/zipos-register/internal/store"
	"github.com/mmeshcher/zipos-register/internal/syncqueue"
)

// Accounts - операции со счётом покупателя вне продаж.
type Accounts struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewAccounts создаёт сервис счетов покупателей.
func NewAccounts(st store.Store, logger *zap.Logger) *Accounts {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accounts{store: st, logger: logger, now: time.Now}
}

// Get возвращает покупателя по идентификатору.
func (a *Accounts) Get(ctx context.Context, id string) (*model.Customer, error) {
	var c *model.Customer
	err := a.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		c, err = tx.GetCustomer(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return c, nil
}

// Put сохраняет карточку покупателя.
func (a *Accounts) Put(ctx context.Context, c *model.Customer) error {
	if c.ID == "" {
		return fmt.Errorf("%w: customer id is required", model.ErrInvalidArgument)
	}
	c.UpdatedAt = a.now()
	return a.store.InTx(ctx, func(tx store.Tx) error {
		return tx.PutCustomer(ctx, c)
	})
}

// History возвращает журнал операций по счёту покупателя.
func (a *Accounts) History(ctx context.Context, customerID string) ([]model.CustomerTransaction, error) {
	var res []model.CustomerTransaction
	err := a.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = tx.ListCustomerTransactions(ctx, customerID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("customer history: %w", err)
	}
	return res, nil
}

// Post проводит по счёту операцию вне продажи. reference - ключ идемпотентности:
// повтор с тем же reference возвращает ранее созданную запись.
// Deposit увеличивает баланс, Withdrawal и Payment уменьшают, Adjustment применяется со знаком.
func (a *Accounts) Post(ctx context.Context, customerID string, kind model.CustomerTransactionType, amount money.Money, reference string) (*model.CustomerTransaction, error) {
	if customerID == "" || reference == "" {
		return nil, fmt.Errorf("%w: customer and reference are required", model.ErrInvalidArgument)
	}

	var signed money.Money
	switch kind {
	case model.CustomerTransactionDeposit:
		signed = amount
	case model.CustomerTransactionWithdrawal, model.CustomerTransactionPayment:
		signed = amount.Neg()
	case model.CustomerTransactionAdjustment:
		signed = amount
	case model.CustomerTransactionPurchase, model.CustomerTransactionRefund:
		return nil, fmt.Errorf("%w: %s is recorded by checkout", model.ErrInvalidArgument, kind)
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", model.ErrInvalidArgument, kind)
	}
	if kind != model.CustomerTransactionAdjustment && !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", model.ErrInvalidArgument)
	}

	now := a.now()
	var entry *model.CustomerTransaction

	err := a.store.InTx(ctx, func(tx store.Tx) error {
		existing, err := tx.GetCustomerTransaction(ctx, customerID, reference)
		if err == nil {
			entry = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		c, err := tx.GetCustomer(ctx, customerID)
		if err != nil {
			return err
		}
		c.Balance = c.Balance.Add(signed)
		c.UpdatedAt = now
		if err := tx.PutCustomer(ctx, c); err != nil {
			return err
		}

		entry = &model.CustomerTransaction{
			ID:               EntryID(customerID, reference),
			CustomerID:       customerID,
			TransactionID:    reference,
			Type:             kind,
			Amount:           signed,
			ResultingBalance: c.Balance,
			CreatedAt:        now,
		}
		if err := tx.InsertCustomerTransaction(ctx, entry); err != nil {
			return err
		}
		ref := model.EntityRef{Type: model.EntityCustomerTransaction, ID: entry.ID}
		return syncqueue.Enqueue(ctx, tx, ref, nil, entry, now)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown customer %s", model.ErrInvalidArgument, customerID)
		}
		return nil, fmt.Errorf("%w: post %s: %w", model.ErrDurability, kind, err)
	}

	a.logger.Info("customer account posted",
		zap.String("customer_id", customerID),
		zap.String("type", string(kind)),
		zap.String("amount", signed.String()))
	return entry, nil
}
