package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/money"
	"github.com/mmeshcher/zipos-register/internal/store"
)

func TestInTxRollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		return tx.PutProduct(ctx, &model.Product{ID: "p1", StockQuantity: 5, Price: money.MustParse("1.00")})
	}))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.UpdateStock(ctx, "p1", 0, time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetProduct(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 5, p.StockQuantity)
		return nil
	}))
}

func TestQueueEntryUniquePerRef(t *testing.T) {
	s := New()
	ctx := context.Background()
	ref := model.EntityRef{Type: model.EntityTransaction, ID: "t1"}

	err := s.InTx(ctx, func(tx store.Tx) error {
		first := &model.QueueEntry{Ref: ref, Status: model.SyncStatusPending}
		require.NoError(t, tx.InsertQueueEntry(ctx, first))
		assert.Equal(t, int64(1), first.Seq)

		second := &model.QueueEntry{Ref: ref, Status: model.SyncStatusPending}
		assert.ErrorIs(t, tx.InsertQueueEntry(ctx, second), store.ErrAlreadyExists)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		counts, err := tx.CountQueueByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[model.SyncStatusPending])
		return nil
	}))
}

func TestTransactionCopiesAreIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()

	trx := &model.Transaction{
		ID:                "t1",
		TransactionNumber: "TXN-1",
		Status:            model.TransactionStatusInProgress,
		Items:             []model.TransactionItem{{ID: "i1", ProductID: "p1", Quantity: 2}},
	}
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertTransaction(ctx, trx)
	}))

	trx.Items[0].Quantity = 99

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		got, err := tx.GetTransaction(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Items[0].Quantity)

		inProgress, err := tx.ListTransactionsByStatus(ctx, model.TransactionStatusInProgress)
		require.NoError(t, err)
		assert.Len(t, inProgress, 1)

		_, err = tx.GetTransaction(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func TestClosedStoreRejectsTx(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())

	err := s.InTx(context.Background(), func(store.Tx) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}
