package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/money"
	"github.com/mmeshcher/zipos-register/internal/store"
	"github.com/mmeshcher/zipos-register/internal/store/memory"
)

func newTestLedger(t *testing.T, cfg Config, products ...model.Product) (*Ledger, *memory.Store) {
	t.Helper()

	st := memory.New()
	ctx := context.Background()
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		for i := range products {
			if err := tx.PutProduct(ctx, &products[i]); err != nil {
				return err
			}
		}
		return nil
	}))

	return New(st, cfg, nil), st
}

func product(id string, stock, minLevel int) model.Product {
	return model.Product{
		ID:            id,
		Name:          id,
		Price:         money.MustParse("10.00"),
		TaxRate:       money.MustRate("0.08"),
		StockQuantity: stock,
		MinStockLevel: minLevel,
	}
}

func stockOf(t *testing.T, st store.Store, productID string) int {
	t.Helper()
	ctx := context.Background()
	var qty int
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		qty = p.StockQuantity
		return nil
	}))
	return qty
}

func activeAlerts(t *testing.T, l *Ledger) []model.StockAlert {
	t.Helper()
	alerts, err := l.ActiveAlerts(context.Background())
	require.NoError(t, err)
	return alerts
}

func TestReserveRejectsInvalidQuantity(t *testing.T) {
	l, _ := newTestLedger(t, Config{}, product("p1", 5, 0))

	for _, qty := range []int{0, -1} {
		_, err := l.Reserve(context.Background(), "p1", qty, "t1")
		assert.ErrorIs(t, err, model.ErrInvalidArgument)
	}
}

func TestReserveUnknownProduct(t *testing.T) {
	l, _ := newTestLedger(t, Config{})

	_, err := l.Reserve(context.Background(), "missing", 1, "t1")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestSellOutRaisesOutOfStock(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t, Config{}, product("p1", 5, 2))

	alerts, unsub := l.Subscribe()
	defer unsub()

	res, err := l.Reserve(ctx, "p1", 5, "t1")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, res))

	assert.Equal(t, 0, stockOf(t, st, "p1"))

	active := activeAlerts(t, l)
	require.Len(t, active, 1)
	assert.Equal(t, model.StockAlertOutOfStock, active[0].AlertType)

	select {
	case a := <-alerts:
		assert.Equal(t, model.StockAlertOutOfStock, a.AlertType)
		assert.True(t, a.IsActive)
	case <-time.After(time.Second):
		t.Fatalf("alert was not published")
	}

	_, err = l.Reserve(ctx, "p1", 1, "t2")
	require.ErrorIs(t, err, model.ErrInsufficientStock)

	var stockErr *model.StockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, "p1", stockErr.ProductID)
	assert.Equal(t, 0, stockErr.Available)
}

func TestReservationsCountAgainstAvailability(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t, Config{}, product("p1", 5, 0))

	_, err := l.Reserve(ctx, "p1", 3, "t1")
	require.NoError(t, err)

	_, err = l.Reserve(ctx, "p1", 3, "t2")
	assert.ErrorIs(t, err, model.ErrInsufficientStock)

	assert.Equal(t, 2, stockOf(t, st, "p1")-l.Reserved("p1"))

	assert.Equal(t, 1, l.ReleaseTransaction("t1"))
	assert.Equal(t, 5, stockOf(t, st, "p1"))

	_, err = l.Reserve(ctx, "p1", 5, "t2")
	assert.NoError(t, err)
}

func TestCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t, Config{}, product("p1", 10, 0))

	res, err := l.Reserve(ctx, "p1", 4, "t1")
	require.NoError(t, err)

	require.NoError(t, l.Commit(ctx, res))
	require.NoError(t, l.Commit(ctx, res))
	assert.Equal(t, 6, stockOf(t, st, "p1"))
	assert.Equal(t, 0, l.Reserved("p1"))

	// новый экземпляр учёта над тем же хранилищем - как после перезапуска
	restarted := New(st, Config{}, nil)
	require.NoError(t, restarted.Commit(ctx, res))
	applied, err := restarted.Recommit(ctx, "t1", "p1", 4)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 6, stockOf(t, st, "p1"))

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		adj, err := tx.GetAdjustment(ctx, res.ID)
		require.NoError(t, err)
		assert.Equal(t, -4, adj.Quantity)
		return nil
	}))
}

func TestCommitEnqueuesAdjustment(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t, Config{StoreID: "s1"}, product("p1", 10, 0))

	res, err := l.Reserve(ctx, "p1", 2, "t1")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, res))

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		adjustments, err := tx.ListAdjustments(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, adjustments, 1)
		assert.Equal(t, -2, adjustments[0].Quantity)
		assert.Equal(t, 8, adjustments[0].ResultingQuantity)
		assert.Equal(t, model.AdjustmentReasonSale, adjustments[0].Reason)
		assert.Equal(t, "s1", adjustments[0].StoreID)

		e, err := tx.GetQueueEntry(ctx, model.EntityRef{Type: model.EntityInventoryAdjustment, ID: res.ID})
		require.NoError(t, err)
		assert.Equal(t, model.SyncStatusPending, e.Status)
		require.NotNil(t, e.Parent)
		assert.Equal(t, "t1", e.Parent.ID)
		return nil
	}))
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Config{}, product("p1", 3, 0))

	res, err := l.Reserve(ctx, "p1", 3, "t1")
	require.NoError(t, err)

	l.Release(res)
	l.Release(res)
	assert.Equal(t, 0, l.Reserved("p1"))
}

func TestAdjustRejectsNegativeByDefault(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t, Config{}, product("p1", 3, 0))

	_, err := l.Adjust(ctx, AdjustRequest{ProductID: "p1", Delta: -4, Reason: model.AdjustmentReasonDamage})
	assert.ErrorIs(t, err, model.ErrWouldGoNegative)
	assert.Equal(t, 3, stockOf(t, st, "p1"))

	// резерв нельзя «съесть» корректировкой
	_, err = l.Reserve(ctx, "p1", 2, "t1")
	require.NoError(t, err)
	_, err = l.Adjust(ctx, AdjustRequest{ProductID: "p1", Delta: -2, Reason: model.AdjustmentReasonTheft})
	assert.ErrorIs(t, err, model.ErrWouldGoNegative)
}

func TestAdjustAllowsNegativeWhenConfigured(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t, Config{AllowNegativeStock: true}, product("p1", 3, 0))

	adj, err := l.Adjust(ctx, AdjustRequest{ProductID: "p1", Delta: -4, Reason: model.AdjustmentReasonCorrection})
	require.NoError(t, err)
	assert.Equal(t, -1, adj.ResultingQuantity)
	assert.Equal(t, -1, stockOf(t, st, "p1"))
}

func TestAdjustWithKeyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t, Config{}, product("p1", 3, 0))

	req := AdjustRequest{ID: "refund-1:p1", ProductID: "p1", Delta: 2, Reason: model.AdjustmentReasonReturn}
	first, err := l.Adjust(ctx, req)
	require.NoError(t, err)
	second, err := l.Adjust(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 5, stockOf(t, st, "p1"))
}

func TestAdjustValidatesInput(t *testing.T) {
	l, _ := newTestLedger(t, Config{}, product("p1", 3, 0))

	_, err := l.Adjust(context.Background(), AdjustRequest{ProductID: "p1", Delta: 0, Reason: model.AdjustmentReasonOther})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = l.Adjust(context.Background(), AdjustRequest{ProductID: "p1", Delta: 1, Reason: "BOGUS"})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestAlertTransitions(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Config{}, product("p1", 10, 3))

	adjust := func(delta int) {
		reason := model.AdjustmentReasonStockTake
		_, err := l.Adjust(ctx, AdjustRequest{ProductID: "p1", Delta: delta, Reason: reason})
		require.NoError(t, err)
	}

	adjust(-7) // 3: LOW_STOCK
	active := activeAlerts(t, l)
	require.Len(t, active, 1)
	assert.Equal(t, model.StockAlertLowStock, active[0].AlertType)
	assert.Equal(t, 3, active[0].Threshold)

	adjust(-1) // 2: LOW_STOCK остаётся единственным
	require.Len(t, activeAlerts(t, l), 1)

	adjust(-2) // 0: OUT_OF_STOCK снимает LOW_STOCK
	active = activeAlerts(t, l)
	require.Len(t, active, 1)
	assert.Equal(t, model.StockAlertOutOfStock, active[0].AlertType)

	adjust(20) // восстановление выше порога снимает все предупреждения
	assert.Empty(t, activeAlerts(t, l))
}

func TestNoLowStockAlertWithoutMinimum(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Config{}, product("p1", 10, 0))

	res, err := l.Reserve(ctx, "p1", 6, "t1")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, res))
	assert.Empty(t, activeAlerts(t, l))

	// без минимума предупреждение возникает только при нулевом остатке
	_, err = l.Adjust(ctx, AdjustRequest{ProductID: "p1", Delta: -4, Reason: model.AdjustmentReasonDamage})
	require.NoError(t, err)
	active := activeAlerts(t, l)
	require.Len(t, active, 1)
	assert.Equal(t, model.StockAlertOutOfStock, active[0].AlertType)
}

func TestLowStockAtMinStockLevel(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Config{}, product("p1", 10, 3))

	_, err := l.Adjust(ctx, AdjustRequest{ProductID: "p1", Delta: -6, Reason: model.AdjustmentReasonStockTake})
	require.NoError(t, err)
	assert.Empty(t, activeAlerts(t, l))

	_, err = l.Adjust(ctx, AdjustRequest{ProductID: "p1", Delta: -1, Reason: model.AdjustmentReasonStockTake})
	require.NoError(t, err)
	active := activeAlerts(t, l)
	require.Len(t, active, 1)
	assert.Equal(t, model.StockAlertLowStock, active[0].AlertType)
	assert.Equal(t, 3, active[0].Threshold)
}

func TestStoreThresholdIsOptIn(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Config{LowStockThreshold: 5}, product("p1", 10, 0), product("p2", 10, 2))

	_, err := l.Adjust(ctx, AdjustRequest{ProductID: "p1", Delta: -5, Reason: model.AdjustmentReasonStockTake})
	require.NoError(t, err)
	// собственный минимум товара важнее порога магазина
	_, err = l.Adjust(ctx, AdjustRequest{ProductID: "p2", Delta: -5, Reason: model.AdjustmentReasonStockTake})
	require.NoError(t, err)

	active := activeAlerts(t, l)
	require.Len(t, active, 1)
	assert.Equal(t, "p1", active[0].ProductID)
	assert.Equal(t, model.StockAlertLowStock, active[0].AlertType)

	require.NoError(t, l.AcknowledgeAlert(ctx, active[0].ID))
	assert.Empty(t, activeAlerts(t, l))
	assert.ErrorIs(t, l.AcknowledgeAlert(ctx, "missing"), model.ErrInvalidArgument)
}

func TestReserveBusyWhenCriticalSectionHeld(t *testing.T) {
	l, _ := newTestLedger(t, Config{ReserveTimeout: 20 * time.Millisecond}, product("p1", 5, 0))

	unlock, err := l.acquire(context.Background(), "p1")
	require.NoError(t, err)
	defer unlock()

	_, err = l.Reserve(context.Background(), "p1", 1, "t1")
	assert.ErrorIs(t, err, model.ErrBusy)
	assert.True(t, model.IsRetryable(err))
}

func TestCriticalSectionsArePerProduct(t *testing.T) {
	l, _ := newTestLedger(t, Config{ReserveTimeout: 20 * time.Millisecond}, product("p1", 5, 0), product("p2", 5, 0))

	unlock, err := l.acquire(context.Background(), "p1")
	require.NoError(t, err)
	defer unlock()

	_, err = l.Reserve(context.Background(), "p2", 1, "t1")
	assert.NoError(t, err)
}

func TestRandomSequencesNeverGoNegative(t *testing.T) {
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(42))

	for run := 0; run < 20; run++ {
		l, st := newTestLedger(t, Config{}, product("p1", 10, 2))
		var held []Reservation

		for step := 0; step < 50; step++ {
			switch rnd.Intn(3) {
			case 0:
				res, err := l.Reserve(ctx, "p1", 1+rnd.Intn(4), fmt.Sprintf("t%d-%d", run, step))
				if err == nil {
					held = append(held, res)
				}
			case 1:
				if len(held) > 0 {
					i := rnd.Intn(len(held))
					require.NoError(t, l.Commit(ctx, held[i]))
					held = append(held[:i], held[i+1:]...)
				}
			case 2:
				if len(held) > 0 {
					i := rnd.Intn(len(held))
					l.Release(held[i])
					held = append(held[:i], held[i+1:]...)
				}
			}

			stock := stockOf(t, st, "p1")
			require.GreaterOrEqual(t, stock, 0)
			require.GreaterOrEqual(t, stock-l.Reserved("p1"), 0)
		}
	}
}
