// Package customer применяет к счёту покупателя эффекты кассовых транзакций.
package customer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/money"
	"github.com/mmeshcher/zipos-register/internal/store"
	"github.com/mmeshcher/zipos-register/internal/syncqueue"
)

// Policy задаёт правила программы лояльности.
type Policy struct {
	LoyaltyEnabled bool
	// PointsPerUnit - баллы за единицу валюты: points = floor(total × PointsPerUnit).
	PointsPerUnit money.Rate
}

// idNamespace задаёт пространство детерминированных идентификаторов записей по счёту.
var idNamespace = uuid.MustParse("6f1c2a9e-4b7d-4e0a-9c55-2d3f8e1b7a40")

// EntryID возвращает идентификатор записи по счёту покупателя для пары (покупатель, транзакция).
func EntryID(customerID, transactionID string) string {
	return uuid.NewSHA1(idNamespace, []byte(customerID+"/"+transactionID)).String()
}

// SignedAmount возвращает сумму транзакции со знаком: продажа увеличивает баланс, возврат уменьшает.
func SignedAmount(t *model.Transaction) (money.Money, model.CustomerTransactionType) {
	switch t.Type {
	case model.TransactionTypeRefund:
		return t.TotalAmount.Neg(), model.CustomerTransactionRefund
	case model.TransactionTypeSale:
		return t.TotalAmount, model.CustomerTransactionPurchase
	}
	if t.IsRefund {
		return t.TotalAmount.Neg(), model.CustomerTransactionRefund
	}
	return t.TotalAmount, model.CustomerTransactionPurchase
}

// ApplyTransactionEffect вычисляет новое состояние покупателя и запись аудита по транзакции.
// Функция чистая: хранилище не используется.
func ApplyTransactionEffect(c model.Customer, t *model.Transaction, p Policy, now time.Time) (model.Customer, model.CustomerTransaction, error) {
	if t.CustomerID == "" || t.CustomerID != c.ID {
		return c, model.CustomerTransaction{}, fmt.Errorf("%w: transaction %s belongs to customer %q, not %q",
			model.ErrInvalidArgument, t.ID, t.CustomerID, c.ID)
	}
	if t.TotalAmount.IsNegative() {
		return c, model.CustomerTransaction{}, fmt.Errorf("%w: negative total %s", model.ErrInvalidArgument, t.TotalAmount)
	}

	amount, kind := SignedAmount(t)

	var points int64
	if p.LoyaltyEnabled {
		points = p.PointsPerUnit.Points(t.TotalAmount)
	}
	if kind == model.CustomerTransactionRefund {
		points = -min(points, c.LoyaltyPoints)
	}

	updated := c
	updated.Balance = c.Balance.Add(amount)
	updated.LoyaltyPoints = c.LoyaltyPoints + points
	updated.TotalSpent = c.TotalSpent.Add(amount)
	updated.UpdatedAt = now

	entry := model.CustomerTransaction{
		ID:               EntryID(c.ID, t.ID),
		CustomerID:       c.ID,
		TransactionID:    t.ID,
		Type:             kind,
		Amount:           amount,
		ResultingBalance: updated.Balance,
		PointsDelta:      points,
		CreatedAt:        now,
	}
	return updated, entry, nil
}

// Record применяет эффект транзакции внутри доменной записи tx и ставит запись по счёту
// в очередь синхронизации. Повторное применение для той же транзакции ничего не меняет:
// в этом случае возвращается существующая запись и false.
func Record(ctx context.Context, tx store.Tx, t *model.Transaction, p Policy, now time.Time) (*model.CustomerTransaction, bool, error) {
	existing, err := tx.GetCustomerTransaction(ctx, t.CustomerID, t.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("lookup customer transaction: %w", err)
	}

	c, err := tx.GetCustomer(ctx, t.CustomerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: unknown customer %s", model.ErrInvalidArgument, t.CustomerID)
		}
		return nil, false, fmt.Errorf("load customer: %w", err)
	}

	updated, entry, err := ApplyTransactionEffect(*c, t, p, now)
	if err != nil {
		return nil, false, err
	}

	if err := tx.PutCustomer(ctx, &updated); err != nil {
		return nil, false, fmt.Errorf("save customer: %w", err)
	}
	if err := tx.InsertCustomerTransaction(ctx, &entry); err != nil {
		return nil, false, fmt.Errorf("insert customer transaction: %w", err)
	}

	ref := model.EntityRef{Type: model.EntityCustomerTransaction, ID: entry.ID}
	parent := &model.EntityRef{Type: model.EntityTransaction, ID: t.ID}
	if err := syncqueue.Enqueue(ctx, tx, ref, parent, entry, now); err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}
