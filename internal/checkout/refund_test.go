package checkout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/money"
	"github.com/mmeshcher/zipos-register/internal/store"
)

func (f *fixture) sell(t *testing.T, customerID string, lines map[string]int) *model.Transaction {
	t.Helper()
	ctx := context.Background()
	s := f.engine.NewSession("cashier-1")
	for id, qty := range lines {
		require.NoError(t, s.AddItem(ctx, id, qty))
	}
	if customerID != "" {
		require.NoError(t, s.SetCustomer(ctx, customerID))
	}
	_, err := s.BeginCheckout(ctx)
	require.NoError(t, err)
	trx, err := s.ConfirmPayment(ctx, PaymentRequest{Method: model.PaymentMethodCard})
	require.NoError(t, err)
	return trx
}

func TestPartialThenFullRefund(t *testing.T) {
	f := newFixture(t, product("p1", "10.00", 10))
	ctx := context.Background()
	sale := f.sell(t, "c1", map[string]int{"p1": 3})
	require.Equal(t, "32.40", sale.TotalAmount.String())
	assert.Equal(t, 7, f.stock(t, "p1"))

	first, err := f.engine.Refund(ctx, RefundRequest{
		OriginalNumber: sale.TransactionNumber,
		Lines:          []RefundLine{{ProductID: "p1", Quantity: 1}},
		Reason:         "damaged box",
	})
	require.NoError(t, err)
	assert.Equal(t, model.TransactionTypeRefund, first.Type)
	assert.Equal(t, model.TransactionStatusPartiallyRefunded, first.Status)
	assert.Equal(t, sale.ID, first.OriginalTransactionID)
	assert.Equal(t, model.PaymentMethodCard, first.PaymentMethod)
	assert.Equal(t, "10.00", first.Subtotal.String())
	assert.Equal(t, "0.80", first.TaxAmount.String())
	assert.Equal(t, "10.80", first.TotalAmount.String())
	assert.True(t, first.TotalsConsistent())
	assert.Equal(t, 8, f.stock(t, "p1"))

	c := f.customer(t)
	assert.Equal(t, "21.60", c.Balance.String())
	assert.Equal(t, int64(22), c.LoyaltyPoints)

	rest, err := f.engine.Refund(ctx, RefundRequest{OriginalID: sale.ID})
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusRefunded, rest.Status)
	require.Len(t, rest.Items, 1)
	assert.Equal(t, 2, rest.Items[0].Quantity)
	assert.Equal(t, "21.60", rest.TotalAmount.String())
	assert.Equal(t, 10, f.stock(t, "p1"))
	assert.True(t, f.customer(t).Balance.IsZero())

	// исходная продажа не меняется
	original, err := f.engine.Transaction(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusCompleted, original.Status)

	_, err = f.engine.Refund(ctx, RefundRequest{OriginalID: sale.ID})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestRefundLimits(t *testing.T) {
	f := newFixture(t, product("p1", "10.00", 10), product("p2", "1.00", 10))
	ctx := context.Background()
	sale := f.sell(t, "", map[string]int{"p1": 2})

	tests := []struct {
		name    string
		req     RefundRequest
		wantErr error
	}{
		{
			name:    "more than sold",
			req:     RefundRequest{OriginalID: sale.ID, Lines: []RefundLine{{ProductID: "p1", Quantity: 3}}},
			wantErr: model.ErrInvalidArgument,
		},
		{
			name:    "product not on sale",
			req:     RefundRequest{OriginalID: sale.ID, Lines: []RefundLine{{ProductID: "p2", Quantity: 1}}},
			wantErr: model.ErrInvalidArgument,
		},
		{
			name:    "zero quantity",
			req:     RefundRequest{OriginalID: sale.ID, Lines: []RefundLine{{ProductID: "p1", Quantity: 0}}},
			wantErr: model.ErrInvalidQuantity,
		},
		{
			name: "duplicate line",
			req: RefundRequest{OriginalID: sale.ID, Lines: []RefundLine{
				{ProductID: "p1", Quantity: 1}, {ProductID: "p1", Quantity: 1},
			}},
			wantErr: model.ErrInvalidArgument,
		},
		{
			name:    "unknown transaction",
			req:     RefundRequest{OriginalID: "missing"},
			wantErr: model.ErrInvalidArgument,
		},
		{
			name:    "no original",
			req:     RefundRequest{},
			wantErr: model.ErrInvalidArgument,
		},
		{
			name:    "unknown method",
			req:     RefundRequest{OriginalID: sale.ID, Method: "GOLD"},
			wantErr: model.ErrInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Refund(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 8, f.stock(t, "p1"))
}

func TestRefundOfRefundIsRejected(t *testing.T) {
	f := newFixture(t, product("p1", "10.00", 10))
	ctx := context.Background()
	sale := f.sell(t, "", map[string]int{"p1": 1})

	refund, err := f.engine.Refund(ctx, RefundRequest{OriginalID: sale.ID})
	require.NoError(t, err)

	_, err = f.engine.Refund(ctx, RefundRequest{OriginalID: refund.ID})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestRefundSkipsNonReturnableRestock(t *testing.T) {
	perishable := product("p1", "5.00", 10)
	perishable.NonReturnable = true
	f := newFixture(t, perishable)
	ctx := context.Background()

	sale := f.sell(t, "", map[string]int{"p1": 2})
	assert.Equal(t, 8, f.stock(t, "p1"))

	refund, err := f.engine.Refund(ctx, RefundRequest{OriginalID: sale.ID, Reason: "spoiled"})
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusRefunded, refund.Status)
	assert.Equal(t, 8, f.stock(t, "p1"))
}

func TestRefundProratesDiscount(t *testing.T) {
	f := newFixture(t, product("p1", "10.00", 10))
	ctx := context.Background()

	s := f.engine.NewSession("cashier-1")
	require.NoError(t, s.AddItem(ctx, "p1", 3))
	require.NoError(t, s.SetDiscount(money.MustParse("3.00")))
	_, err := s.BeginCheckout(ctx)
	require.NoError(t, err)
	sale, err := s.ConfirmPayment(ctx, cash("50.00"))
	require.NoError(t, err)
	require.Equal(t, "29.40", sale.TotalAmount.String())

	first, err := f.engine.Refund(ctx, RefundRequest{
		OriginalID: sale.ID,
		Lines:      []RefundLine{{ProductID: "p1", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, "1.00", first.DiscountAmount.String())
	assert.Equal(t, "9.80", first.TotalAmount.String())

	rest, err := f.engine.Refund(ctx, RefundRequest{OriginalID: sale.ID})
	require.NoError(t, err)
	assert.Equal(t, "2.00", rest.DiscountAmount.String())

	total := first.TotalAmount.Add(rest.TotalAmount)
	assert.True(t, total.Equal(sale.TotalAmount))
}

func TestTransactionByNumberChecksDigit(t *testing.T) {
	f := newFixture(t, product("p1", "1.00", 10))
	ctx := context.Background()
	sale := f.sell(t, "", map[string]int{"p1": 1})

	found, err := f.engine.TransactionByNumber(ctx, sale.TransactionNumber)
	require.NoError(t, err)
	assert.Equal(t, sale.ID, found.ID)

	n := []byte(sale.TransactionNumber)
	last := len(n) - 1
	n[last] = '0' + (n[last]-'0'+1)%10
	_, err = f.engine.TransactionByNumber(ctx, string(n))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestRefundRecoveredAfterCrash(t *testing.T) {
	f := newFixture(t, product("p1", "10.00", 10))
	ctx := context.Background()
	sale := f.sell(t, "c1", map[string]int{"p1": 2})

	// возврат записан, приход и завершение не выполнены
	refund, err := f.engine.persistRefund(ctx, sale.ID, RefundRequest{})
	require.NoError(t, err)
	f.restart()

	report, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{refund.ID}, report.Completed)
	assert.Equal(t, 10, f.stock(t, "p1"))
	assert.True(t, f.customer(t).Balance.IsZero())

	var refunds []model.Transaction
	require.NoError(t, f.store.InTx(ctx, func(tx store.Tx) error {
		refunds, err = tx.ListRefunds(ctx, sale.ID)
		return err
	}))
	require.Len(t, refunds, 1)
	assert.Equal(t, model.TransactionStatusRefunded, refunds[0].Status)
}
