package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/money"
	"github.com/mmeshcher/zipos-register/internal/store"
)

const transactionColumns = `id, transaction_number, store_id, register_id, cashier_id, customer_id, type, status,
	subtotal, tax_amount, discount_amount, total_amount, paid_amount, change_amount, payment_method,
	is_refund, original_transaction_id, refund_reason, is_synced, created_at, updated_at, completed_at`

// InsertTransaction сохраняет транзакцию вместе с позициями и оплатами.
func (t *tx) InsertTransaction(ctx context.Context, trx *model.Transaction) error {
	_, err := t.exec(ctx,
		`INSERT INTO transactions (pos, `+transactionColumns+`)
		 VALUES ((SELECT COALESCE(MAX(pos), 0) + 1 FROM transactions),
		         ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trx.ID, trx.TransactionNumber, trx.StoreID, trx.RegisterID, trx.CashierID, trx.CustomerID,
		string(trx.Type), string(trx.Status),
		trx.Subtotal.String(), trx.TaxAmount.String(), trx.DiscountAmount.String(), trx.TotalAmount.String(),
		trx.PaidAmount.String(), trx.ChangeAmount.String(), string(trx.PaymentMethod),
		trx.IsRefund, trx.OriginalTransactionID, trx.RefundReason, trx.IsSynced,
		nanos(trx.CreatedAt), nanos(trx.UpdatedAt), nullNanos(trx.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", trx.ID, store.ErrAlreadyExists)
		}
		return fmt.Errorf("insert transaction %s: %w", trx.ID, err)
	}

	for i, item := range trx.Items {
		_, err := t.exec(ctx,
			`INSERT INTO transaction_items (id, transaction_id, position, product_id, quantity, unit_price, total_price, tax_amount)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, trx.ID, i, item.ProductID, item.Quantity,
			item.UnitPrice.String(), item.TotalPrice.String(), item.TaxAmount.String(),
		)
		if err != nil {
			return fmt.Errorf("insert item %s: %w", item.ID, err)
		}
	}

	for i, p := range trx.Payments {
		_, err := t.exec(ctx,
			`INSERT INTO payments (id, transaction_id, position, amount, method, reference, status, processed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, trx.ID, i, p.Amount.String(), string(p.Method), p.Reference, string(p.Status), nanos(p.ProcessedAt),
		)
		if err != nil {
			return fmt.Errorf("insert payment %s: %w", p.ID, err)
		}
	}

	return nil
}

func scanTransaction(row scanner) (*model.Transaction, error) {
	var (
		trx                                                model.Transaction
		trxType, status, method                            string
		subtotal, tax, discount, total, paid, changeAmount string
		createdAt, updatedAt                               int64
		completedAt                                        sql.NullInt64
	)
	err := row.Scan(&trx.ID, &trx.TransactionNumber, &trx.StoreID, &trx.RegisterID, &trx.CashierID, &trx.CustomerID,
		&trxType, &status, &subtotal, &tax, &discount, &total, &paid, &changeAmount, &method,
		&trx.IsRefund, &trx.OriginalTransactionID, &trx.RefundReason, &trx.IsSynced,
		&createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	trx.Type = model.TransactionType(trxType)
	trx.Status = model.TransactionStatus(status)
	trx.PaymentMethod = model.PaymentMethod(method)
	trx.CreatedAt = fromNanos(createdAt)
	trx.UpdatedAt = fromNanos(updatedAt)
	trx.CompletedAt = fromNullNanos(completedAt)

	amounts := []struct {
		dst *money.Money
		src string
	}{
		{&trx.Subtotal, subtotal},
		{&trx.TaxAmount, tax},
		{&trx.DiscountAmount, discount},
		{&trx.TotalAmount, total},
		{&trx.PaidAmount, paid},
		{&trx.ChangeAmount, changeAmount},
	}
	for _, a := range amounts {
		if *a.dst, err = money.New(a.src); err != nil {
			return nil, err
		}
	}
	return &trx, nil
}

// loadLines подгружает позиции и оплаты транзакции.
func (t *tx) loadLines(ctx context.Context, trx *model.Transaction) error {
	rows, err := t.query(ctx,
		`SELECT id, product_id, quantity, unit_price, total_price, tax_amount
		 FROM transaction_items WHERE transaction_id = ? ORDER BY position`,
		trx.ID)
	if err != nil {
		return fmt.Errorf("select items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item                  model.TransactionItem
			unit, totalPrice, tax string
		)
		if err := rows.Scan(&item.ID, &item.ProductID, &item.Quantity, &unit, &totalPrice, &tax); err != nil {
			return fmt.Errorf("scan item: %w", err)
		}
		item.TransactionID = trx.ID
		if item.UnitPrice, err = money.New(unit); err != nil {
			return err
		}
		if item.TotalPrice, err = money.New(totalPrice); err != nil {
			return err
		}
		if item.TaxAmount, err = money.New(tax); err != nil {
			return err
		}
		trx.Items = append(trx.Items, item)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	prows, err := t.query(ctx,
		`SELECT id, amount, method, reference, status, processed_at
		 FROM payments WHERE transaction_id = ? ORDER BY position`,
		trx.ID)
	if err != nil {
		return fmt.Errorf("select payments: %w", err)
	}
	defer prows.Close()

	for prows.Next() {
		var (
			p                      model.Payment
			amount, method, status string
			processedAt            int64
		)
		if err := prows.Scan(&p.ID, &amount, &method, &p.Reference, &status, &processedAt); err != nil {
			return fmt.Errorf("scan payment: %w", err)
		}
		p.TransactionID = trx.ID
		if p.Amount, err = money.New(amount); err != nil {
			return err
		}
		p.Method = model.PaymentMethod(method)
		p.Status = model.PaymentStatus(status)
		p.ProcessedAt = fromNanos(processedAt)
		trx.Payments = append(trx.Payments, p)
	}
	if err := prows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}
	return nil
}

func (t *tx) getTransactionWhere(ctx context.Context, what, where string, arg any) (*model.Transaction, error) {
	trx, err := scanTransaction(t.queryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE `+where, arg))
	if err != nil {
		return nil, notFound(err, what)
	}
	if err := t.loadLines(ctx, trx); err != nil {
		return nil, err
	}
	return trx, nil
}

// GetTransaction возвращает транзакцию с позициями и оплатами.
func (t *tx) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return t.getTransactionWhere(ctx, "transaction "+id, `id = ?`, id)
}

// GetTransactionByNumber ищет транзакцию по номеру чека.
func (t *tx) GetTransactionByNumber(ctx context.Context, number string) (*model.Transaction, error) {
	return t.getTransactionWhere(ctx, "transaction number "+number, `transaction_number = ?`, number)
}

func (t *tx) listTransactions(ctx context.Context, where string, args ...any) ([]model.Transaction, error) {
	rows, err := t.query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE `+where+` ORDER BY pos`, args...)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}

	var res []model.Transaction
	for rows.Next() {
		trx, err := scanTransaction(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, *trx)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	// позиции читаются после закрытия курсора: у транзакции одно соединение
	for i := range res {
		if err := t.loadLines(ctx, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ListTransactionsByStatus возвращает транзакции с указанным статусом в порядке создания.
func (t *tx) ListTransactionsByStatus(ctx context.Context, status model.TransactionStatus) ([]model.Transaction, error) {
	return t.listTransactions(ctx, `status = ?`, string(status))
}

// ListRefunds возвращает возвраты по исходной транзакции.
func (t *tx) ListRefunds(ctx context.Context, originalID string) ([]model.Transaction, error) {
	return t.listTransactions(ctx, `is_refund = ? AND original_transaction_id = ?`, true, originalID)
}

// UpdateTransactionStatus меняет статус транзакции. completedAt = nil оставляет время завершения как есть.
func (t *tx) UpdateTransactionStatus(ctx context.Context, id string, status model.TransactionStatus, completedAt *time.Time, updatedAt time.Time) error {
	res, err := t.exec(ctx,
		`UPDATE transactions
		 SET status = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
		 WHERE id = ?`,
		string(status), nanos(updatedAt), nullNanos(completedAt), id,
	)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", id, err)
	}
	return expectOne(res, "transaction "+id)
}

// MarkTransactionSynced отмечает транзакцию как принятую удалённой системой.
func (t *tx) MarkTransactionSynced(ctx context.Context, id string) error {
	res, err := t.exec(ctx, `UPDATE transactions SET is_synced = ? WHERE id = ?`, true, id)
	if err != nil {
		return fmt.Errorf("mark transaction %s synced: %w", id, err)
	}
	return expectOne(res, "transaction "+id)
}
