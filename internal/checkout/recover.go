package checkout

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/store"
)

// RecoverFailure описывает транзакцию, которую не удалось завершить.
type RecoverFailure struct {
	TransactionID string `json:"transaction_id"`
	Number        string `json:"number"`
	Error         string `json:"error"`
}

// RecoverReport - итог восстановления.
type RecoverReport struct {
	Completed []string         `json:"completed"`
	Failed    []RecoverFailure `json:"failed,omitempty"`
}

// Recover завершает транзакции, оставшиеся в InProgress после сбоя: повторно
// списывает остатки по сохранённым позициям (продажи) или приходует возвращённые
// товары (возвраты), после чего выполняет завершающую запись. Все шаги идемпотентны.
// Транзакция, которую не удалось завершить, остаётся в InProgress и попадает в отчёт.
func (e *Engine) Recover(ctx context.Context) (RecoverReport, error) {
	var pending []model.Transaction
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		pending, err = tx.ListTransactionsByStatus(ctx, model.TransactionStatusInProgress)
		return err
	})
	if err != nil {
		return RecoverReport{}, fmt.Errorf("list in-progress transactions: %w", err)
	}

	var report RecoverReport
	for i := range pending {
		trx := &pending[i]
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := e.recoverOne(ctx, trx); err != nil {
			e.logger.Error("transaction recovery failed",
				zap.String("transaction_id", trx.ID),
				zap.String("number", trx.TransactionNumber),
				zap.Error(err))
			report.Failed = append(report.Failed, RecoverFailure{
				TransactionID: trx.ID,
				Number:        trx.TransactionNumber,
				Error:         err.Error(),
			})
			continue
		}
		report.Completed = append(report.Completed, trx.ID)
	}

	if len(pending) > 0 {
		e.logger.Info("recovery finished",
			zap.Int("completed", len(report.Completed)),
			zap.Int("failed", len(report.Failed)))
	}
	return report, nil
}

func (e *Engine) recoverOne(ctx context.Context, trx *model.Transaction) error {
	if trx.IsRefund {
		if err := e.restock(ctx, trx); err != nil {
			return err
		}
	} else {
		for _, item := range trx.Items {
			err := e.retryBusy(ctx, func(ctx context.Context) error {
				_, err := e.ledger.Recommit(ctx, trx.ID, item.ProductID, item.Quantity)
				return err
			})
			if err != nil {
				return fmt.Errorf("recommit %s: %w", item.ProductID, err)
			}
		}
	}

	_, err := e.finalize(ctx, trx.ID)
	return err
}
