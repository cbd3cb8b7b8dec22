package repository

import (
	"context"
	"fmt"

	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/money"
	"github.com/mmeshcher/zipos-register/internal/store"
)

// GetCustomer возвращает покупателя.
func (t *tx) GetCustomer(ctx context.Context, id string) (*model.Customer, error) {
	var (
		c                   model.Customer
		balance, totalSpent string
		updatedAt           int64
	)
	err := t.queryRow(ctx,
		`SELECT id, name, balance, loyalty_points, total_spent, updated_at FROM customers WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &balance, &c.LoyaltyPoints, &totalSpent, &updatedAt)
	if err != nil {
		return nil, notFound(err, "customer "+id)
	}

	if c.Balance, err = money.New(balance); err != nil {
		return nil, err
	}
	if c.TotalSpent, err = money.New(totalSpent); err != nil {
		return nil, err
	}
	c.UpdatedAt = fromNanos(updatedAt)
	return &c, nil
}

// PutCustomer создаёт или перезаписывает покупателя.
func (t *tx) PutCustomer(ctx context.Context, c *model.Customer) error {
	_, err := t.exec(ctx,
		`INSERT INTO customers (id, name, balance, loyalty_points, total_spent, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     name = excluded.name,
		     balance = excluded.balance,
		     loyalty_points = excluded.loyalty_points,
		     total_spent = excluded.total_spent,
		     updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Balance.String(), c.LoyaltyPoints, c.TotalSpent.String(), nanos(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put customer %s: %w", c.ID, err)
	}
	return nil
}

const customerTxColumns = `id, customer_id, transaction_id, type, amount, resulting_balance, points_delta, created_at`

func scanCustomerTransaction(row scanner) (*model.CustomerTransaction, error) {
	var (
		ct                      model.CustomerTransaction
		kind, amount, resulting string
		createdAt               int64
	)
	err := row.Scan(&ct.ID, &ct.CustomerID, &ct.TransactionID, &kind, &amount, &resulting, &ct.PointsDelta, &createdAt)
	if err != nil {
		return nil, err
	}
	ct.Type = model.CustomerTransactionType(kind)
	if ct.Amount, err = money.New(amount); err != nil {
		return nil, err
	}
	if ct.ResultingBalance, err = money.New(resulting); err != nil {
		return nil, err
	}
	ct.CreatedAt = fromNanos(createdAt)
	return &ct, nil
}

// GetCustomerTransaction возвращает запись по паре (покупатель, транзакция).
func (t *tx) GetCustomerTransaction(ctx context.Context, customerID, transactionID string) (*model.CustomerTransaction, error) {
	ct, err := scanCustomerTransaction(t.queryRow(ctx,
		`SELECT `+customerTxColumns+` FROM customer_transactions WHERE customer_id = ? AND transaction_id = ?`,
		customerID, transactionID))
	if err != nil {
		return nil, notFound(err, "customer transaction "+customerID+"/"+transactionID)
	}
	return ct, nil
}

// InsertCustomerTransaction добавляет запись журнала покупателя.
func (t *tx) InsertCustomerTransaction(ctx context.Context, ct *model.CustomerTransaction) error {
	_, err := t.exec(ctx,
		`INSERT INTO customer_transactions (pos, `+customerTxColumns+`)
		 VALUES ((SELECT COALESCE(MAX(pos), 0) + 1 FROM customer_transactions), ?, ?, ?, ?, ?, ?, ?, ?)`,
		ct.ID, ct.CustomerID, ct.TransactionID, string(ct.Type), ct.Amount.String(),
		ct.ResultingBalance.String(), ct.PointsDelta, nanos(ct.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("customer transaction %s/%s: %w", ct.CustomerID, ct.TransactionID, store.ErrAlreadyExists)
		}
		return fmt.Errorf("insert customer transaction %s: %w", ct.ID, err)
	}
	return nil
}

// ListCustomerTransactions возвращает журнал покупателя в порядке записи.
func (t *tx) ListCustomerTransactions(ctx context.Context, customerID string) ([]model.CustomerTransaction, error) {
	rows, err := t.query(ctx,
		`SELECT `+customerTxColumns+` FROM customer_transactions WHERE customer_id = ? ORDER BY pos`, customerID)
	if err != nil {
		return nil, fmt.Errorf("select customer transactions: %w", err)
	}
	defer rows.Close()

	var res []model.CustomerTransaction
	for rows.Next() {
		ct, err := scanCustomerTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan customer transaction: %w", err)
		}
		res = append(res, *ct)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}
