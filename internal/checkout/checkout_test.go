package checkout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/zipos-register/internal/customer"
	"github.com/mmeshcher/zipos-register/internal/ledger"
	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/money"
	"github.com/mmeshcher/zipos-register/internal/store"
	"github.com/mmeshcher/zipos-register/internal/store/memory"
	"github.com/mmeshcher/zipos-register/internal/validation"
)

// flakyStore позволяет сымитировать сбой завершающей записи.
type flakyStore struct {
	*memory.Store
	failFinalize atomic.Bool
}

func (s *flakyStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(&flakyTx{Tx: tx, s: s})
	})
}

type flakyTx struct {
	store.Tx
	s *flakyStore
}

func (t *flakyTx) UpdateTransactionStatus(ctx context.Context, id string, status model.TransactionStatus, completedAt *time.Time, updatedAt time.Time) error {
	if t.s.failFinalize.Load() {
		return errors.New("disk full")
	}
	return t.Tx.UpdateTransactionStatus(ctx, id, status, completedAt, updatedAt)
}

var loyalty = customer.Policy{LoyaltyEnabled: true, PointsPerUnit: money.MustRate("1")}

type fixture struct {
	store  *flakyStore
	ledger *ledger.Ledger
	engine *Engine
}

func newFixture(t *testing.T, products ...model.Product) *fixture {
	t.Helper()
	st := &flakyStore{Store: memory.New()}
	ctx := context.Background()

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		for i := range products {
			if err := tx.PutProduct(ctx, &products[i]); err != nil {
				return err
			}
		}
		return tx.PutCustomer(ctx, &model.Customer{ID: "c1", Name: "Ann"})
	}))

	f := &fixture{store: st}
	f.restart()
	return f
}

// restart имитирует перезапуск процесса: резервы в памяти теряются.
func (f *fixture) restart() {
	f.ledger = ledger.New(f.store, ledger.Config{StoreID: "s1", ReserveTimeout: 100 * time.Millisecond}, nil)
	f.engine = NewEngine(f.store, f.ledger, nil, Config{StoreID: "s1", RegisterID: "r1", Loyalty: loyalty}, nil)
}

func (f *fixture) stock(t *testing.T, productID string) int {
	t.Helper()
	var qty int
	require.NoError(t, f.store.InTx(context.Background(), func(tx store.Tx) error {
		p, err := tx.GetProduct(context.Background(), productID)
		if err != nil {
			return err
		}
		qty = p.StockQuantity
		return nil
	}))
	return qty
}

func (f *fixture) customer(t *testing.T) *model.Customer {
	t.Helper()
	var c *model.Customer
	require.NoError(t, f.store.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		c, err = tx.GetCustomer(context.Background(), "c1")
		return err
	}))
	return c
}

func (f *fixture) queueCount(t *testing.T) int {
	t.Helper()
	total := 0
	require.NoError(t, f.store.InTx(context.Background(), func(tx store.Tx) error {
		counts, err := tx.CountQueueByStatus(context.Background())
		for _, n := range counts {
			total += n
		}
		return err
	}))
	return total
}

func (f *fixture) transactions(t *testing.T, status model.TransactionStatus) []model.Transaction {
	t.Helper()
	var res []model.Transaction
	require.NoError(t, f.store.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		res, err = tx.ListTransactionsByStatus(context.Background(), status)
		return err
	}))
	return res
}

func product(id, price string, stock int) model.Product {
	return model.Product{
		ID:            id,
		Name:          "product " + id,
		Price:         money.MustParse(price),
		TaxRate:       money.MustRate("0.08"),
		StockQuantity: stock,
	}
}

func cash(amount string) PaymentRequest {
	return PaymentRequest{Method: model.PaymentMethodCash, Amount: money.MustParse(amount)}
}

func TestSaleWithLoyalty(t *testing.T) {
	f := newFixture(t, product("p1", "25.00", 10))
	ctx := context.Background()
	s := f.engine.NewSession("cashier-1")

	require.NoError(t, s.AddItem(ctx, "p1", 4))
	require.NoError(t, s.SetCustomer(ctx, "c1"))

	totals, err := s.BeginCheckout(ctx)
	require.NoError(t, err)
	assert.Equal(t, "108.00", totals.Total.String())
	assert.Equal(t, StateReserving, s.State())

	trx, err := s.ConfirmPayment(ctx, cash("120.00"))
	require.NoError(t, err)

	assert.Equal(t, model.TransactionStatusCompleted, trx.Status)
	assert.Equal(t, "100.00", trx.Subtotal.String())
	assert.Equal(t, "8.00", trx.TaxAmount.String())
	assert.Equal(t, "108.00", trx.TotalAmount.String())
	assert.Equal(t, "12.00", trx.ChangeAmount.String())
	assert.True(t, trx.TotalsConsistent())
	assert.NotNil(t, trx.CompletedAt)
	assert.True(t, validation.IsValidTransactionNumber(trx.TransactionNumber))

	assert.Equal(t, 6, f.stock(t, "p1"))
	assert.Equal(t, 0, f.ledger.Reserved("p1"))

	c := f.customer(t)
	assert.Equal(t, "108.00", c.Balance.String())
	assert.Equal(t, int64(108), c.LoyaltyPoints)

	// сессия готова к следующей продаже
	assert.Equal(t, StateBuilding, s.State())
	lines, _, customerID := s.Snapshot()
	assert.Empty(t, lines)
	assert.Empty(t, customerID)

	// транзакция, позиция, оплата, корректировка остатка и запись по счёту покупателя
	assert.Equal(t, 5, f.queueCount(t))
}

func TestBeginCheckoutInsufficientStockKeepsCartEditable(t *testing.T) {
	f := newFixture(t, product("p1", "1.00", 10), product("p2", "1.00", 1))
	ctx := context.Background()
	s := f.engine.NewSession("cashier-1")

	require.NoError(t, s.AddItem(ctx, "p1", 3))
	require.NoError(t, s.AddItem(ctx, "p2", 2))

	_, err := s.BeginCheckout(ctx)
	var stockErr *model.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "p2", stockErr.ProductID)
	assert.ErrorIs(t, err, model.ErrInsufficientStock)

	assert.Equal(t, StateBuilding, s.State())
	assert.Equal(t, 0, f.ledger.Reserved("p1"))

	require.NoError(t, s.ChangeQuantity("p2", 1))
	_, err = s.BeginCheckout(ctx)
	require.NoError(t, err)
}

func TestCancelPersistsNothing(t *testing.T) {
	f := newFixture(t, product("p1", "1.00", 10))
	ctx := context.Background()
	s := f.engine.NewSession("cashier-1")

	require.NoError(t, s.AddItem(ctx, "p1", 3))
	_, err := s.BeginCheckout(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, f.ledger.Reserved("p1"))

	require.NoError(t, s.Cancel())

	assert.Equal(t, 10, f.stock(t, "p1"))
	assert.Equal(t, 0, f.ledger.Reserved("p1"))
	assert.Equal(t, 0, f.queueCount(t))
	assert.Empty(t, f.transactions(t, model.TransactionStatusInProgress))
	assert.Equal(t, StateBuilding, s.State())
}

func TestCartIsFrozenWhileReserving(t *testing.T) {
	f := newFixture(t, product("p1", "1.00", 10))
	ctx := context.Background()
	s := f.engine.NewSession("cashier-1")

	require.NoError(t, s.AddItem(ctx, "p1", 1))
	_, err := s.BeginCheckout(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, s.AddItem(ctx, "p1", 1), model.ErrInvalidState)
	assert.ErrorIs(t, s.ChangeQuantity("p1", 5), model.ErrInvalidState)
	_, err = s.BeginCheckout(ctx)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestConfirmPaymentValidation(t *testing.T) {
	f := newFixture(t, product("p1", "10.00", 10))
	ctx := context.Background()
	s := f.engine.NewSession("cashier-1")

	_, err := s.ConfirmPayment(ctx, cash("10.80"))
	assert.ErrorIs(t, err, model.ErrInvalidState)

	require.NoError(t, s.AddItem(ctx, "p1", 1))
	_, err = s.BeginCheckout(ctx)
	require.NoError(t, err)

	_, err = s.ConfirmPayment(ctx, cash("10.00"))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = s.ConfirmPayment(ctx, PaymentRequest{Method: "BITCOIN"})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = s.ConfirmPayment(ctx, PaymentRequest{Method: model.PaymentMethodCard, Amount: money.MustParse("20.00")})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	// отклонённая оплата не меняет состояние, оформление можно продолжить
	assert.Equal(t, StateReserving, s.State())
	trx, err := s.ConfirmPayment(ctx, PaymentRequest{Method: model.PaymentMethodCard})
	require.NoError(t, err)
	assert.Equal(t, "10.80", trx.PaidAmount.String())
	assert.True(t, trx.ChangeAmount.IsZero())
}

func TestEmptyCartCannotCheckout(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.NewSession("cashier-1").BeginCheckout(context.Background())
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestUnknownProductAndCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.engine.NewSession("cashier-1")

	assert.ErrorIs(t, s.AddItem(ctx, "missing", 1), model.ErrInvalidArgument)
	assert.ErrorIs(t, s.SetCustomer(ctx, "nobody"), model.ErrInvalidArgument)
}

func TestConcurrentSessionOperationIsBusy(t *testing.T) {
	f := newFixture(t, product("p1", "1.00", 10))
	s := f.engine.NewSession("cashier-1")

	s.mu.Lock()
	err := s.AddItem(context.Background(), "p1", 1)
	s.mu.Unlock()

	assert.ErrorIs(t, err, model.ErrBusy)
	assert.True(t, model.IsRetryable(err))
}

func TestStateEvents(t *testing.T) {
	f := newFixture(t, product("p1", "1.00", 10))
	ctx := context.Background()
	s := f.engine.NewSession("cashier-1")
	events, unsub := s.SubscribeState()
	defer unsub()

	require.NoError(t, s.AddItem(ctx, "p1", 1))
	_, err := s.BeginCheckout(ctx)
	require.NoError(t, err)
	_, err = s.ConfirmPayment(ctx, cash("5.00"))
	require.NoError(t, err)

	var got []State
	for i := 0; i < 4; i++ {
		got = append(got, (<-events).To)
	}
	assert.Equal(t, []State{StateReserving, StateCommitting, StateCompleted, StateBuilding}, got)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StateBuilding.CanTransition(StateReserving))
	assert.True(t, StateReserving.CanTransition(StateCancelled))
	assert.False(t, StateCommitting.CanTransition(StateCancelled))
	assert.False(t, StateBuilding.CanTransition(StateCommitting))
	assert.True(t, StateFailed.CanTransition(StateBuilding))
	assert.False(t, StateCompleted.CanTransition(StateFailed))
}

func TestFinalizeFailureIsRecovered(t *testing.T) {
	f := newFixture(t, product("p1", "25.00", 10))
	ctx := context.Background()
	s := f.engine.NewSession("cashier-1")

	require.NoError(t, s.AddItem(ctx, "p1", 4))
	require.NoError(t, s.SetCustomer(ctx, "c1"))
	_, err := s.BeginCheckout(ctx)
	require.NoError(t, err)

	f.store.failFinalize.Store(true)
	_, err = s.ConfirmPayment(ctx, cash("108.00"))
	require.ErrorIs(t, err, model.ErrDurability)
	assert.Equal(t, StateFailed, s.State())

	// остаток уже списан, покупатель ещё не затронут
	assert.Equal(t, 6, f.stock(t, "p1"))
	assert.True(t, f.customer(t).Balance.IsZero())
	require.Len(t, f.transactions(t, model.TransactionStatusInProgress), 1)

	f.store.failFinalize.Store(false)
	report, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Completed, 1)
	assert.Empty(t, report.Failed)

	assert.Equal(t, 6, f.stock(t, "p1"))
	assert.Equal(t, "108.00", f.customer(t).Balance.String())
	assert.Empty(t, f.transactions(t, model.TransactionStatusInProgress))
	require.Len(t, f.transactions(t, model.TransactionStatusCompleted), 1)

	require.NoError(t, s.Reset())
	assert.Equal(t, StateBuilding, s.State())

	report, err = f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Completed)
	assert.Equal(t, "108.00", f.customer(t).Balance.String())
}

func TestRecoverAfterCrashBeforeCommit(t *testing.T) {
	f := newFixture(t, product("p1", "2.00", 10), product("p2", "3.00", 10))
	ctx := context.Background()
	s := f.engine.NewSession("cashier-1")

	require.NoError(t, s.AddItem(ctx, "p1", 2))
	require.NoError(t, s.AddItem(ctx, "p2", 1))
	_, err := s.BeginCheckout(ctx)
	require.NoError(t, err)

	// первая запись выполнена, процесс упал до списания
	trx, err := s.draft(cash("10.00"))
	require.NoError(t, err)
	require.NoError(t, f.engine.persist(ctx, trx))
	f.restart()

	report, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{trx.ID}, report.Completed)
	assert.Equal(t, 8, f.stock(t, "p1"))
	assert.Equal(t, 9, f.stock(t, "p2"))

	_, err = f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, f.stock(t, "p1"))

	completed, err := f.engine.Transaction(ctx, trx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusCompleted, completed.Status)
}

func TestRecoverReportsStockConflict(t *testing.T) {
	f := newFixture(t, product("p1", "2.00", 3))
	ctx := context.Background()
	s := f.engine.NewSession("cashier-1")

	require.NoError(t, s.AddItem(ctx, "p1", 3))
	_, err := s.BeginCheckout(ctx)
	require.NoError(t, err)
	trx, err := s.draft(cash("10.00"))
	require.NoError(t, err)
	require.NoError(t, f.engine.persist(ctx, trx))
	f.restart()

	// после перезапуска товар списан инвентаризацией
	_, err = f.ledger.Adjust(ctx, ledger.AdjustRequest{ProductID: "p1", Delta: -2, Reason: model.AdjustmentReasonStockTake})
	require.NoError(t, err)

	report, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, trx.ID, report.Failed[0].TransactionID)
	assert.Len(t, f.transactions(t, model.TransactionStatusInProgress), 1)
	assert.Equal(t, 1, f.stock(t, "p1"))
}
