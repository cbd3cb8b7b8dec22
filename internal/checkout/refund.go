package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/zipos-register/internal/ledger"
	"github.com/mmeshcher/zipos-register/internal/metrics"
	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/money"
	"github.com/mmeshcher/zipos-register/internal/store"
)

// RefundLine - возвращаемое количество товара.
type RefundLine struct {
	ProductID string
	Quantity  int
}

// RefundRequest описывает возврат по исходной продаже.
type RefundRequest struct {
	// OriginalID или OriginalNumber указывают исходную продажу.
	OriginalID     string
	OriginalNumber string
	// Lines пусто - вернуть всё, что ещё не возвращено.
	Lines  []RefundLine
	Reason string
	// Method пусто - способ оплаты исходной продажи.
	Method    model.PaymentMethod
	CashierID string
}

// Refund оформляет возврат отдельной транзакцией. Исходная продажа не изменяется.
// Возвращаемые товары приходуются корректировкой с причиной Return, кроме
// невозвратных. Количество не может превышать проданное за вычетом прежних возвратов.
func (e *Engine) Refund(ctx context.Context, req RefundRequest) (*model.Transaction, error) {
	if req.Method != "" && !req.Method.Valid() {
		return nil, fmt.Errorf("%w: unknown payment method %q", model.ErrInvalidArgument, req.Method)
	}

	originalID := req.OriginalID
	if originalID == "" {
		if req.OriginalNumber == "" {
			return nil, fmt.Errorf("%w: original transaction is required", model.ErrInvalidArgument)
		}
		original, err := e.TransactionByNumber(ctx, req.OriginalNumber)
		if err != nil {
			return nil, err
		}
		originalID = original.ID
	}

	select {
	case e.refundMu <- struct{}{}:
		defer func() { <-e.refundMu }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	refund, err := e.persistRefund(ctx, originalID, req)
	if err != nil {
		return nil, err
	}

	if err := e.restock(ctx, refund); err != nil {
		e.logger.Error("refund restock failed",
			zap.String("transaction_id", refund.ID),
			zap.String("original_id", originalID),
			zap.Error(err))
		return nil, err
	}

	completed, err := e.finalize(ctx, refund.ID)
	if err != nil {
		return nil, err
	}

	metrics.Refunds.Inc()
	e.logger.Info("refund completed",
		zap.String("transaction_id", completed.ID),
		zap.String("number", completed.TransactionNumber),
		zap.String("original_id", originalID),
		zap.Stringer("total", completed.TotalAmount))
	return completed, nil
}

// persistRefund проверяет запрос и записывает возврат в статусе InProgress.
func (e *Engine) persistRefund(ctx context.Context, originalID string, req RefundRequest) (*model.Transaction, error) {
	var refund *model.Transaction

	err := e.store.InTx(ctx, func(tx store.Tx) error {
		original, err := tx.GetTransaction(ctx, originalID)
		if err != nil {
			return err
		}
		prior, err := tx.ListRefunds(ctx, originalID)
		if err != nil {
			return err
		}

		refund, err = buildRefund(original, prior, req, e.now())
		if err != nil {
			return err
		}
		refund.StoreID = e.cfg.StoreID
		refund.RegisterID = e.cfg.RegisterID

		if refund.TransactionNumber, err = e.nextNumber(ctx, tx); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, refund)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown transaction %s", model.ErrInvalidArgument, originalID)
		}
		if errors.Is(err, model.ErrInvalidArgument) || errors.Is(err, model.ErrInvalidState) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: persist refund of %s: %w", model.ErrDurability, originalID, err)
	}
	return refund, nil
}

// refundedSoFar - уже возвращённое по одной позиции исходной продажи.
type refundedSoFar struct {
	quantity int
	subtotal money.Money
	tax      money.Money
}

// buildRefund рассчитывает транзакцию возврата. Налог и скидка распределяются
// пропорционально количеству; последний возврат позиции забирает остаток,
// чтобы сумма всех возвратов совпала с исходной продажей до копейки.
func buildRefund(original *model.Transaction, prior []model.Transaction, req RefundRequest, now time.Time) (*model.Transaction, error) {
	if original.IsRefund || original.Type != model.TransactionTypeSale {
		return nil, fmt.Errorf("%w: transaction %s is not a sale", model.ErrInvalidArgument, original.ID)
	}
	if original.Status != model.TransactionStatusCompleted {
		return nil, fmt.Errorf("%w: sale %s is %s", model.ErrInvalidState, original.ID, original.Status)
	}

	done := make(map[string]refundedSoFar)
	priorDiscount := money.Zero
	for _, r := range prior {
		priorDiscount = priorDiscount.Add(r.DiscountAmount)
		for _, item := range r.Items {
			d := done[item.ProductID]
			d.quantity += item.Quantity
			d.subtotal = d.subtotal.Add(item.TotalPrice)
			d.tax = d.tax.Add(item.TaxAmount)
			done[item.ProductID] = d
		}
	}

	items := make(map[string]model.TransactionItem, len(original.Items))
	for _, item := range original.Items {
		items[item.ProductID] = item
	}

	lines := req.Lines
	if len(lines) == 0 {
		for _, item := range original.Items {
			if left := item.Quantity - done[item.ProductID].quantity; left > 0 {
				lines = append(lines, RefundLine{ProductID: item.ProductID, Quantity: left})
			}
		}
		if len(lines) == 0 {
			return nil, fmt.Errorf("%w: sale %s is fully refunded", model.ErrInvalidArgument, original.ID)
		}
	}

	method := req.Method
	if method == "" {
		method = original.PaymentMethod
	}
	cashier := req.CashierID
	if cashier == "" {
		cashier = original.CashierID
	}

	refund := &model.Transaction{
		ID:                    uuid.NewString(),
		CashierID:             cashier,
		CustomerID:            original.CustomerID,
		Type:                  model.TransactionTypeRefund,
		Status:                model.TransactionStatusInProgress,
		PaymentMethod:         method,
		IsRefund:              true,
		OriginalTransactionID: original.ID,
		RefundReason:          req.Reason,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	requested := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: refund %d of %s", model.ErrInvalidQuantity, line.Quantity, line.ProductID)
		}
		if _, dup := requested[line.ProductID]; dup {
			return nil, fmt.Errorf("%w: product %s listed twice", model.ErrInvalidArgument, line.ProductID)
		}
		requested[line.ProductID] = line.Quantity

		item, ok := items[line.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s is not on sale %s", model.ErrInvalidArgument, line.ProductID, original.ID)
		}
		d := done[line.ProductID]
		left := item.Quantity - d.quantity
		if line.Quantity > left {
			return nil, fmt.Errorf("%w: refund %d of %s, only %d left to refund",
				model.ErrInvalidArgument, line.Quantity, line.ProductID, left)
		}

		subtotal := item.UnitPrice.MulQty(line.Quantity).Round()
		tax := item.TaxAmount.Prorate(int64(line.Quantity), int64(item.Quantity))
		if line.Quantity == left {
			subtotal = item.TotalPrice.Sub(d.subtotal)
			tax = item.TaxAmount.Sub(d.tax)
		}

		refund.Items = append(refund.Items, model.TransactionItem{
			ID:            uuid.NewString(),
			TransactionID: refund.ID,
			ProductID:     line.ProductID,
			Quantity:      line.Quantity,
			UnitPrice:     item.UnitPrice,
			TotalPrice:    subtotal,
			TaxAmount:     tax,
		})
		refund.Subtotal = refund.Subtotal.Add(subtotal)
		refund.TaxAmount = refund.TaxAmount.Add(tax)
	}

	exhausted := true
	for _, item := range original.Items {
		if done[item.ProductID].quantity+requested[item.ProductID] < item.Quantity {
			exhausted = false
		}
	}

	gross := refund.Subtotal.Add(refund.TaxAmount)
	if original.DiscountAmount.IsPositive() {
		originalGross := original.Subtotal.Add(original.TaxAmount)
		discount := original.DiscountAmount.Prorate(gross.Cents(), originalGross.Cents())
		if exhausted {
			discount = original.DiscountAmount.Sub(priorDiscount)
		}
		refund.DiscountAmount = money.Max(money.Min(discount, gross), money.Zero)
	}

	refund.TotalAmount = gross.Sub(refund.DiscountAmount)
	refund.PaidAmount = refund.TotalAmount
	refund.Payments = []model.Payment{{
		ID:            uuid.NewString(),
		TransactionID: refund.ID,
		Amount:        refund.TotalAmount,
		Method:        method,
		Status:        model.PaymentStatusRefunded,
		ProcessedAt:   now,
	}}
	return refund, nil
}

// refundStatus определяет итоговый статус возврата: Refunded, если вместе с прежними
// возвратами продажа возвращена полностью, иначе PartiallyRefunded.
func refundStatus(ctx context.Context, tx store.Tx, refund *model.Transaction) (model.TransactionStatus, error) {
	original, err := tx.GetTransaction(ctx, refund.OriginalTransactionID)
	if err != nil {
		return "", err
	}
	refunds, err := tx.ListRefunds(ctx, original.ID)
	if err != nil {
		return "", err
	}

	returned := make(map[string]int)
	for _, r := range refunds {
		for _, item := range r.Items {
			returned[item.ProductID] += item.Quantity
		}
	}
	for _, item := range original.Items {
		if returned[item.ProductID] < item.Quantity {
			return model.TransactionStatusPartiallyRefunded, nil
		}
	}
	return model.TransactionStatusRefunded, nil
}

// restock приходует возвращённые товары. Повторный вызов для того же возврата ничего не меняет.
func (e *Engine) restock(ctx context.Context, refund *model.Transaction) error {
	parent := &model.EntityRef{Type: model.EntityTransaction, ID: refund.ID}

	for _, item := range refund.Items {
		p, err := e.product(ctx, item.ProductID)
		if err != nil {
			return err
		}
		if p.NonReturnable {
			continue
		}

		req := ledger.AdjustRequest{
			ID:         ledger.ReservationID(refund.ID, item.ProductID),
			ProductID:  item.ProductID,
			Delta:      item.Quantity,
			Reason:     model.AdjustmentReasonReturn,
			Reference:  refund.ID,
			Notes:      refund.RefundReason,
			AdjustedBy: refund.CashierID,
			Parent:     parent,
		}
		err = e.retryBusy(ctx, func(ctx context.Context) error {
			_, err := e.ledger.Adjust(ctx, req)
			return err
		})
		if err != nil {
			return fmt.Errorf("restock %s: %w", item.ProductID, err)
		}
	}
	return nil
}
