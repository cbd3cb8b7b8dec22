package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/zipos-register/internal/metrics"
	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/store"
)

// DrainReport описывает результат одного прохода очереди.
type DrainReport struct {
	Parked    int `json:"parked"`
	Retried   int `json:"retried"`
	Submitted int `json:"submitted"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	// Requeued - записи, возвращённые в Pending из-за недоступности удалённой стороны.
	Requeued int `json:"requeued"`
	// Orphaned - записи, переведённые в Failed, потому что их родитель отменён или исчерпал попытки.
	Orphaned int `json:"orphaned"`
}

// Drain отправляет один пакет записей удалённой системе.
//
// Порядок: зависшие InProgress старше LivenessTimeout возвращаются в Pending,
// Failed с оставшимися попытками - в Pending; Pending с отменённым или исчерпавшим
// попытки родителем переводятся в Failed; затем выбираются Pending в порядке Seq,
// причём запись попадает в пакет только после своей родительской записи.
func (q *Queue) Drain(ctx context.Context) (DrainReport, error) {
	var report DrainReport

	if q.transport == nil {
		return report, fmt.Errorf("%w: transport not configured", model.ErrSyncFailure)
	}
	if !q.drainMu.TryLock() {
		return report, fmt.Errorf("drain: %w", model.ErrBusy)
	}
	defer q.drainMu.Unlock()

	started := time.Now()
	defer func() {
		metrics.SyncDrainDuration.Observe(time.Since(started).Seconds())
	}()

	batch, err := q.prepareBatch(ctx, &report)
	if err != nil {
		return report, err
	}
	if len(batch) == 0 {
		q.Publish(ctx)
		return report, nil
	}

	records := make([]Record, 0, len(batch))
	for _, e := range batch {
		rec := Record{
			ID:       e.Ref.RecordID(),
			Type:     e.Ref.Type,
			EntityID: e.Ref.ID,
			Seq:      e.Seq,
			Payload:  e.Payload,
		}
		if e.Parent != nil {
			rec.ParentID = e.Parent.RecordID()
		}
		records = append(records, rec)
	}
	report.Submitted = len(records)

	results, submitErr := q.transport.SubmitBatch(ctx, records)
	if submitErr != nil {
		q.logger.Warn("sync batch rejected", zap.Int("records", len(records)), zap.Error(submitErr))
	}

	// результаты записываются и после отмены ctx, иначе пакет останется InProgress до парковки
	if err := q.recordResults(context.WithoutCancel(ctx), batch, results, submitErr, &report); err != nil {
		return report, err
	}

	q.Publish(ctx)
	return report, nil
}

func (q *Queue) prepareBatch(ctx context.Context, report *DrainReport) ([]model.QueueEntry, error) {
	now := q.now()
	var batch []model.QueueEntry

	err := q.store.InTx(ctx, func(tx store.Tx) error {
		stale, err := tx.ListQueueEntries(ctx, model.SyncStatusInProgress, 0)
		if err != nil {
			return err
		}
		for i := range stale {
			e := &stale[i]
			if now.Sub(e.UpdatedAt) < q.cfg.LivenessTimeout {
				continue
			}
			if err := q.transition(ctx, tx, e, model.SyncStatusPending, now); err != nil {
				return err
			}
			report.Parked++
		}

		failed, err := tx.ListQueueEntries(ctx, model.SyncStatusFailed, 0)
		if err != nil {
			return err
		}
		for i := range failed {
			e := &failed[i]
			if e.Attempts >= q.cfg.MaxAttempts {
				continue
			}
			if err := q.transition(ctx, tx, e, model.SyncStatusPending, now); err != nil {
				return err
			}
			report.Retried++
		}

		pending, err := tx.ListQueueEntries(ctx, model.SyncStatusPending, 0)
		if err != nil {
			return err
		}

		pending, err = q.failOrphans(ctx, tx, pending, now, report)
		if err != nil {
			return err
		}

		batch, err = q.selectBatch(ctx, tx, pending)
		if err != nil {
			return err
		}
		report.Deferred = len(pending) - len(batch)

		for i := range batch {
			if err := q.transition(ctx, tx, &batch[i], model.SyncStatusInProgress, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("prepare sync batch: %w", err)
	}
	return batch, nil
}

// selectBatch выбирает до BatchSize записей, у которых родитель уже синхронизирован
// или входит в этот же пакет раньше них.
func (q *Queue) selectBatch(ctx context.Context, tx store.Tx, pending []model.QueueEntry) ([]model.QueueEntry, error) {
	included := make(map[model.EntityRef]bool)
	var batch []model.QueueEntry

	remaining := pending
	for len(remaining) > 0 && len(batch) < q.cfg.BatchSize {
		progressed := false
		rest := make([]model.QueueEntry, 0, len(remaining))

		for _, e := range remaining {
			if len(batch) >= q.cfg.BatchSize {
				rest = append(rest, e)
				continue
			}
			ready, err := parentReady(ctx, tx, e, included)
			if err != nil {
				return nil, err
			}
			if !ready {
				rest = append(rest, e)
				continue
			}
			batch = append(batch, e)
			included[e.Ref] = true
			progressed = true
		}

		remaining = rest
		if !progressed {
			break
		}
	}
	return batch, nil
}

// failOrphans переводит в Failed записи, родитель которых отменён или исчерпал попытки,
// чтобы они были видны в Failed и возвращались RetryFailed. Записи идут в порядке Seq,
// поэтому потомки таких записей обрабатываются в том же проходе. Возвращает оставшиеся Pending.
func (q *Queue) failOrphans(ctx context.Context, tx store.Tx, pending []model.QueueEntry, now time.Time, report *DrainReport) ([]model.QueueEntry, error) {
	dead := make(map[model.EntityRef]bool)
	rest := make([]model.QueueEntry, 0, len(pending))

	for i := range pending {
		e := &pending[i]
		if e.Parent == nil {
			rest = append(rest, *e)
			continue
		}

		reason := ""
		if dead[*e.Parent] {
			reason = "parent " + e.Parent.RecordID() + " will not be synced"
		} else {
			parent, err := tx.GetQueueEntry(ctx, *e.Parent)
			switch {
			case errors.Is(err, store.ErrNotFound):
			case err != nil:
				return nil, err
			case parent.Status == model.SyncStatusCancelled:
				reason = "parent " + e.Parent.RecordID() + " cancelled"
			case parent.Status == model.SyncStatusFailed && parent.Attempts >= q.cfg.MaxAttempts:
				reason = "parent " + e.Parent.RecordID() + " failed: " + parent.LastError
			}
		}
		if reason == "" {
			rest = append(rest, *e)
			continue
		}

		e.Attempts = q.cfg.MaxAttempts
		e.LastError = reason
		if err := q.transition(ctx, tx, e, model.SyncStatusFailed, now); err != nil {
			return nil, err
		}
		dead[e.Ref] = true
		report.Orphaned++
		metrics.SyncRecords.WithLabelValues("orphaned").Inc()
		q.logger.Warn("sync entry parked behind failed parent",
			zap.String("record_id", e.Ref.RecordID()),
			zap.String("reason", reason))
	}
	return rest, nil
}

func parentReady(ctx context.Context, tx store.Tx, e model.QueueEntry, included map[model.EntityRef]bool) (bool, error) {
	if e.Parent == nil || included[*e.Parent] {
		return true, nil
	}

	parent, err := tx.GetQueueEntry(ctx, *e.Parent)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return parent.Status == model.SyncStatusCompleted, nil
}

func (q *Queue) recordResults(ctx context.Context, batch []model.QueueEntry, results map[string]Result, submitErr error, report *DrainReport) error {
	now := q.now()

	requeue := submitErr != nil && unavailable(submitErr)

	err := q.store.InTx(ctx, func(tx store.Tx) error {
		for i := range batch {
			e := &batch[i]

			if requeue {
				e.LastError = submitErr.Error()
				if err := q.transition(ctx, tx, e, model.SyncStatusPending, now); err != nil {
					return err
				}
				report.Requeued++
				continue
			}

			var failure string
			switch {
			case submitErr != nil:
				failure = submitErr.Error()
			default:
				res, ok := results[e.Ref.RecordID()]
				if !ok {
					failure = "no result returned"
				} else if !res.OK {
					failure = res.Error
					if failure == "" {
						failure = "rejected"
					}
				}
			}

			if failure == "" {
				e.LastError = ""
				if err := q.transition(ctx, tx, e, model.SyncStatusCompleted, now); err != nil {
					return err
				}
				if e.Ref.Type == model.EntityTransaction {
					if err := tx.MarkTransactionSynced(ctx, e.Ref.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
						return err
					}
				}
				report.Completed++
				metrics.SyncRecords.WithLabelValues("completed").Inc()
				continue
			}

			e.Attempts++
			e.LastError = failure
			if err := q.transition(ctx, tx, e, model.SyncStatusFailed, now); err != nil {
				return err
			}
			report.Failed++
			metrics.SyncRecords.WithLabelValues("failed").Inc()

			if e.Attempts >= q.cfg.MaxAttempts {
				q.logger.Warn("sync entry exhausted retries",
					zap.String("record_id", e.Ref.RecordID()),
					zap.Int("attempts", e.Attempts),
					zap.String("last_error", e.LastError))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: record sync results: %v", model.ErrDurability, err)
	}
	return nil
}

// unavailable сообщает, что пакет не дошёл до удалённой стороны по причинам,
// не связанным с самими записями.
func unavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (q *Queue) transition(ctx context.Context, tx store.Tx, e *model.QueueEntry, to model.SyncStatus, now time.Time) error {
	if !e.Status.CanTransition(to) {
		return fmt.Errorf("%w: queue entry %s: %s -> %s", model.ErrInvalidState, e.Ref.RecordID(), e.Status, to)
	}
	e.Status = to
	e.UpdatedAt = now
	return tx.UpdateQueueEntry(ctx, e)
}
