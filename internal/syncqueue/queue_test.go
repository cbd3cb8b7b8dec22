package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/store"
	"github.com/mmeshcher/zipos-register/internal/store/memory"
)

type fakeTransport struct {
	mu      sync.Mutex
	batches [][]Record
	reject  map[string]string
	err     error
}

func (f *fakeTransport) SubmitBatch(_ context.Context, records []Record) (map[string]Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batches = append(f.batches, records)
	if f.err != nil {
		return nil, f.err
	}

	res := make(map[string]Result, len(records))
	for _, r := range records {
		if msg, ok := f.reject[r.ID]; ok {
			res[r.ID] = Result{OK: false, Error: msg}
			continue
		}
		res[r.ID] = Result{OK: true}
	}
	return res, nil
}

func (f *fakeTransport) submittedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []string
	for _, b := range f.batches {
		for _, r := range b {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

func ref(t model.EntityType, id string) model.EntityRef {
	return model.EntityRef{Type: t, ID: id}
}

func enqueue(t *testing.T, st store.Store, r model.EntityRef, parent *model.EntityRef) {
	t.Helper()
	ctx := context.Background()
	err := st.InTx(ctx, func(tx store.Tx) error {
		return Enqueue(ctx, tx, r, parent, map[string]string{"id": r.ID}, time.Now())
	})
	require.NoError(t, err)
}

func TestEnqueueIgnoresDuplicates(t *testing.T) {
	st := memory.New()
	r := ref(model.EntityTransaction, "t1")

	enqueue(t, st, r, nil)
	enqueue(t, st, r, nil)

	q := New(st, &fakeTransport{}, Config{}, nil)
	counts, err := q.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)
}

func TestDrainCompletesAndMarksTransactionSynced(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertTransaction(ctx, &model.Transaction{ID: "t1", TransactionNumber: "TXN-1", Status: model.TransactionStatusCompleted})
	}))
	txRef := ref(model.EntityTransaction, "t1")
	enqueue(t, st, txRef, nil)
	enqueue(t, st, ref(model.EntityPayment, "p1"), &txRef)

	transport := &fakeTransport{}
	q := New(st, transport, Config{}, nil)

	report, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Submitted)
	assert.Equal(t, 2, report.Completed)

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		trx, err := tx.GetTransaction(ctx, "t1")
		require.NoError(t, err)
		assert.True(t, trx.IsSynced)
		return nil
	}))

	// повторный проход не отправляет завершённые записи
	report, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Submitted)
	assert.Len(t, transport.submittedIDs(), 2)
}

func TestDrainPreservesCausalOrder(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	txRef := ref(model.EntityTransaction, "t1")
	// корректировка остатка ставится в очередь раньше самой транзакции
	enqueue(t, st, ref(model.EntityInventoryAdjustment, "t1:p1"), &txRef)
	enqueue(t, st, txRef, nil)
	enqueue(t, st, ref(model.EntityPayment, "pay1"), &txRef)

	transport := &fakeTransport{}
	q := New(st, transport, Config{}, nil)

	_, err := q.Drain(ctx)
	require.NoError(t, err)

	ids := transport.submittedIDs()
	require.Len(t, ids, 3)
	assert.Equal(t, txRef.RecordID(), ids[0])
}

func TestDrainDefersChildWithoutParent(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	txRef := ref(model.EntityTransaction, "t1")
	enqueue(t, st, ref(model.EntityInventoryAdjustment, "t1:p1"), &txRef)

	transport := &fakeTransport{}
	q := New(st, transport, Config{}, nil)

	report, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Submitted)
	assert.Equal(t, 1, report.Deferred)

	enqueue(t, st, txRef, nil)
	report, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Completed)
}

func TestDrainExhaustedEntryStaysFailed(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	txRef := ref(model.EntityTransaction, "t1")
	enqueue(t, st, txRef, nil)
	enqueue(t, st, ref(model.EntityPayment, "pay1"), &txRef)

	transport := &fakeTransport{reject: map[string]string{txRef.RecordID(): "unknown store"}}
	q := New(st, transport, Config{MaxAttempts: 1}, nil)

	report, err := q.Drain(ctx)
	require.NoError(t, err)
	// родитель и потомок попадают в один пакет; потомок отправляется после родителя
	assert.Equal(t, 2, report.Submitted)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Completed)

	// попытки исчерпаны, автоматического повтора нет
	report, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Submitted)

	failed, err := q.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "unknown store", failed[0].LastError)
}

func TestDrainTransportErrorMarksFailedAndRetries(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	enqueue(t, st, ref(model.EntityTransaction, "t1"), nil)

	transport := &fakeTransport{err: errors.New("batch rejected: unknown register")}
	q := New(st, transport, Config{MaxAttempts: 3}, nil)

	report, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	transport.err = nil
	report, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 1, report.Completed)

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		e, err := tx.GetQueueEntry(ctx, ref(model.EntityTransaction, "t1"))
		require.NoError(t, err)
		assert.Equal(t, model.SyncStatusCompleted, e.Status)
		assert.Equal(t, 1, e.Attempts)
		return nil
	}))
}

func TestDrainParksStaleInProgress(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	r := ref(model.EntityTransaction, "t1")
	enqueue(t, st, r, nil)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		e, err := tx.GetQueueEntry(ctx, r)
		require.NoError(t, err)
		e.Status = model.SyncStatusInProgress
		e.UpdatedAt = past
		return tx.UpdateQueueEntry(ctx, e)
	}))

	q := New(st, &fakeTransport{}, Config{LivenessTimeout: time.Minute}, nil)
	report, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Parked)
	assert.Equal(t, 1, report.Completed)
}

func TestRetryFailedResetsAttempts(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	r := ref(model.EntityPayment, "pay1")
	enqueue(t, st, r, nil)

	transport := &fakeTransport{reject: map[string]string{r.RecordID(): "bad"}}
	q := New(st, transport, Config{MaxAttempts: 1}, nil)

	_, err := q.Drain(ctx)
	require.NoError(t, err)

	n, err := q.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)
	assert.Equal(t, 0, counts.Failed)
}

func TestCancelOnlyFromPendingOrFailed(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	r := ref(model.EntityPayment, "pay1")
	enqueue(t, st, r, nil)

	q := New(st, &fakeTransport{}, Config{}, nil)
	require.NoError(t, q.Cancel(ctx, r))

	err := q.Cancel(ctx, r)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestDrainWithoutTransport(t *testing.T) {
	q := New(memory.New(), nil, Config{}, nil)

	_, err := q.Drain(context.Background())
	assert.ErrorIs(t, err, model.ErrSyncFailure)
}

func TestStartWithoutTransportReturns(t *testing.T) {
	q := New(memory.New(), nil, Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		q.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("Start did not return without transport")
	}
}

func TestStartDrainsInBackground(t *testing.T) {
	st := memory.New()
	enqueue(t, st, ref(model.EntityTransaction, "t1"), nil)

	transport := &fakeTransport{}
	q := New(st, transport, Config{Interval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.Eventually(t, func() bool {
		return len(transport.submittedIDs()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDrainUnreachableDoesNotConsumeAttempts(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	r := ref(model.EntityTransaction, "t1")
	enqueue(t, st, r, nil)

	transport := &fakeTransport{err: fmt.Errorf("dial tcp: %w", ErrUnavailable)}
	q := New(st, transport, Config{MaxAttempts: 2}, nil)

	for i := 0; i < 5; i++ {
		report, err := q.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Requeued)
		assert.Equal(t, 0, report.Failed)
	}

	counts, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Pending: 1}, counts)

	failed, err := q.Failed(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)

	// связь восстановлена: запись уходит без ручного повтора
	transport.err = nil
	report, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		e, err := tx.GetQueueEntry(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, model.SyncStatusCompleted, e.Status)
		assert.Equal(t, 0, e.Attempts)
		return nil
	}))
}

func TestDrainFailsChildrenOfExhaustedParent(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	sale := ref(model.EntityTransaction, "sale1")
	enqueue(t, st, sale, nil)

	transport := &fakeTransport{reject: map[string]string{sale.RecordID(): "unknown store"}}
	q := New(st, transport, Config{MaxAttempts: 2}, nil)

	for i := 0; i < 2; i++ {
		_, err := q.Drain(ctx)
		require.NoError(t, err)
	}

	refund := ref(model.EntityTransaction, "refund1")
	refundPayment := ref(model.EntityPayment, "refund1-pay")
	enqueue(t, st, refund, &sale)
	enqueue(t, st, refundPayment, &refund)

	report, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Orphaned)
	assert.Equal(t, 0, report.Submitted)
	assert.Equal(t, 0, report.Deferred)

	failed, err := q.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 3)
	assert.Equal(t, sale, failed[0].Ref)
	assert.Equal(t, refund, failed[1].Ref)
	assert.Contains(t, failed[1].LastError, "parent "+sale.RecordID()+" failed")
	assert.Equal(t, refundPayment, failed[2].Ref)
	assert.NotContains(t, transport.submittedIDs(), refund.RecordID())

	// после ручного повтора цепочка уходит в исходном порядке
	n, err := q.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	delete(transport.reject, sale.RecordID())
	report, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Completed)

	ids := transport.submittedIDs()
	assert.Equal(t, []string{sale.RecordID(), refund.RecordID(), refundPayment.RecordID()}, ids[len(ids)-3:])
}

func TestDrainFailsChildOfCancelledParent(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	txRef := ref(model.EntityTransaction, "t1")
	payRef := ref(model.EntityPayment, "pay1")
	enqueue(t, st, txRef, nil)
	enqueue(t, st, payRef, &txRef)

	transport := &fakeTransport{}
	q := New(st, transport, Config{}, nil)
	require.NoError(t, q.Cancel(ctx, txRef))

	report, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Orphaned)
	assert.Equal(t, 0, report.Submitted)
	assert.Empty(t, transport.submittedIDs())

	failed, err := q.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, payRef, failed[0].Ref)
	assert.Equal(t, "parent "+txRef.RecordID()+" cancelled", failed[0].LastError)

	// потомок отменённой записи можно снять с синхронизации
	require.NoError(t, q.Cancel(ctx, payRef))
	counts, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Cancelled: 2}, counts)
}
