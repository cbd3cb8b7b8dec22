package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/zipos-register/internal/metrics"
	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/store"
)

// threshold возвращает порог LOW_STOCK для товара: его MinStockLevel.
// Порог магазина применяется к товарам без минимума, только если он задан.
func (l *Ledger) threshold(p *model.Product) int {
	if p.MinStockLevel == 0 && l.cfg.LowStockThreshold > 0 {
		return l.cfg.LowStockThreshold
	}
	return p.MinStockLevel
}

// evaluateAlerts приводит активные предупреждения товара в соответствие с его остатком.
// У товара не больше одного активного предупреждения каждого типа; новое предупреждение
// снимает активные предупреждения другого типа. Возвращает созданные и снятые предупреждения.
func (l *Ledger) evaluateAlerts(ctx context.Context, tx store.Tx, p *model.Product, now time.Time) ([]model.StockAlert, error) {
	threshold := l.threshold(p)

	var want model.StockAlertType
	switch {
	case p.StockQuantity <= 0:
		want = model.StockAlertOutOfStock
	case p.StockQuantity <= threshold:
		want = model.StockAlertLowStock
	}

	active, err := tx.ActiveAlerts(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	var changed []model.StockAlert
	have := false
	for _, a := range active {
		if want != "" && a.AlertType == want && !have {
			have = true
			continue
		}
		if err := tx.ResolveAlert(ctx, a.ID, now); err != nil {
			return nil, err
		}
		a.IsActive = false
		a.ResolvedAt = &now
		changed = append(changed, a)
	}

	if want == "" || have {
		return changed, nil
	}

	alert := model.StockAlert{
		ID:           uuid.NewString(),
		ProductID:    p.ID,
		AlertType:    want,
		CurrentStock: p.StockQuantity,
		Threshold:    threshold,
		IsActive:     true,
		CreatedAt:    now,
	}
	if want == model.StockAlertOutOfStock {
		alert.Threshold = 0
	}
	if err := tx.InsertAlert(ctx, &alert); err != nil {
		return nil, err
	}

	metrics.StockAlerts.WithLabelValues(string(want)).Inc()
	l.logger.Warn("stock alert raised",
		zap.String("product_id", p.ID),
		zap.String("type", string(want)),
		zap.Int("current_stock", p.StockQuantity))

	return append(changed, alert), nil
}

// ActiveAlerts возвращает все активные предупреждения об остатках.
func (l *Ledger) ActiveAlerts(ctx context.Context) ([]model.StockAlert, error) {
	var res []model.StockAlert
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = tx.ListActiveAlerts(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return res, nil
}

// AcknowledgeAlert снимает предупреждение вручную.
func (l *Ledger) AcknowledgeAlert(ctx context.Context, alertID string) error {
	now := l.now()
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		return tx.ResolveAlert(ctx, alertID, now)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: unknown alert %s", model.ErrInvalidArgument, alertID)
		}
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	return nil
}
