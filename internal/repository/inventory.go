package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/store"
)

const adjustmentColumns = `id, product_id, quantity, reason, reference, notes, adjusted_by, store_id, resulting_quantity, created_at`

func scanAdjustment(row scanner) (*model.InventoryAdjustment, error) {
	var (
		a         model.InventoryAdjustment
		reason    string
		createdAt int64
	)
	err := row.Scan(&a.ID, &a.ProductID, &a.Quantity, &reason, &a.Reference, &a.Notes,
		&a.AdjustedBy, &a.StoreID, &a.ResultingQuantity, &createdAt)
	if err != nil {
		return nil, err
	}
	a.Reason = model.AdjustmentReason(reason)
	a.CreatedAt = fromNanos(createdAt)
	return &a, nil
}

// GetAdjustment возвращает запись аудита по идентификатору.
func (t *tx) GetAdjustment(ctx context.Context, id string) (*model.InventoryAdjustment, error) {
	a, err := scanAdjustment(t.queryRow(ctx,
		`SELECT `+adjustmentColumns+` FROM inventory_adjustments WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "adjustment "+id)
	}
	return a, nil
}

// InsertAdjustment добавляет запись аудита.
func (t *tx) InsertAdjustment(ctx context.Context, a *model.InventoryAdjustment) error {
	_, err := t.exec(ctx,
		`INSERT INTO inventory_adjustments (pos, `+adjustmentColumns+`)
		 VALUES ((SELECT COALESCE(MAX(pos), 0) + 1 FROM inventory_adjustments), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProductID, a.Quantity, string(a.Reason), a.Reference, a.Notes,
		a.AdjustedBy, a.StoreID, a.ResultingQuantity, nanos(a.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("adjustment %s: %w", a.ID, store.ErrAlreadyExists)
		}
		return fmt.Errorf("insert adjustment %s: %w", a.ID, err)
	}
	return nil
}

// ListAdjustments возвращает историю корректировок товара в порядке записи.
func (t *tx) ListAdjustments(ctx context.Context, productID string) ([]model.InventoryAdjustment, error) {
	rows, err := t.query(ctx,
		`SELECT `+adjustmentColumns+` FROM inventory_adjustments WHERE product_id = ? ORDER BY pos`,
		productID)
	if err != nil {
		return nil, fmt.Errorf("select adjustments: %w", err)
	}
	defer rows.Close()

	var res []model.InventoryAdjustment
	for rows.Next() {
		a, err := scanAdjustment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan adjustment: %w", err)
		}
		res = append(res, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

const alertColumns = `id, product_id, alert_type, current_stock, threshold, is_active, created_at, resolved_at`

func (t *tx) listAlerts(ctx context.Context, where string, args ...any) ([]model.StockAlert, error) {
	rows, err := t.query(ctx, `SELECT `+alertColumns+` FROM stock_alerts WHERE `+where+` ORDER BY pos`, args...)
	if err != nil {
		return nil, fmt.Errorf("select alerts: %w", err)
	}
	defer rows.Close()

	var res []model.StockAlert
	for rows.Next() {
		var (
			a          model.StockAlert
			alertType  string
			createdAt  int64
			resolvedAt sql.NullInt64
		)
		err := rows.Scan(&a.ID, &a.ProductID, &alertType, &a.CurrentStock, &a.Threshold, &a.IsActive, &createdAt, &resolvedAt)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.AlertType = model.StockAlertType(alertType)
		a.CreatedAt = fromNanos(createdAt)
		a.ResolvedAt = fromNullNanos(resolvedAt)
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ActiveAlerts возвращает активные предупреждения по товару.
func (t *tx) ActiveAlerts(ctx context.Context, productID string) ([]model.StockAlert, error) {
	return t.listAlerts(ctx, `is_active = ? AND product_id = ?`, true, productID)
}

// ListActiveAlerts возвращает все активные предупреждения.
func (t *tx) ListActiveAlerts(ctx context.Context) ([]model.StockAlert, error) {
	return t.listAlerts(ctx, `is_active = ?`, true)
}

// InsertAlert добавляет предупреждение.
func (t *tx) InsertAlert(ctx context.Context, a *model.StockAlert) error {
	_, err := t.exec(ctx,
		`INSERT INTO stock_alerts (pos, `+alertColumns+`)
		 VALUES ((SELECT COALESCE(MAX(pos), 0) + 1 FROM stock_alerts), ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProductID, string(a.AlertType), a.CurrentStock, a.Threshold, a.IsActive,
		nanos(a.CreatedAt), nullNanos(a.ResolvedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("alert %s: %w", a.ID, store.ErrAlreadyExists)
		}
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

// ResolveAlert снимает предупреждение.
func (t *tx) ResolveAlert(ctx context.Context, id string, resolvedAt time.Time) error {
	res, err := t.exec(ctx,
		`UPDATE stock_alerts SET is_active = ?, resolved_at = ? WHERE id = ?`,
		false, nanos(resolvedAt), id,
	)
	if err != nil {
		return fmt.Errorf("resolve alert %s: %w", id, err)
	}
	return expectOne(res, "alert "+id)
}
