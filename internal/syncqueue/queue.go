// Package syncqueue реализует очередь синхронизации локально созданных записей
// с удалённой системой.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/zipos-register/internal/metrics"
	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/notify"
	"github.com/mmeshcher/zipos-register/internal/store"
)

// Record - запись, отправляемая удалённой системе. ID стабилен между попытками.
type Record struct {
	ID       string           `json:"id"`
	Type     model.EntityType `json:"type"`
	EntityID string           `json:"entity_id"`
	ParentID string           `json:"parent_id,omitempty"`
	Seq      int64            `json:"seq"`
	Payload  json.RawMessage  `json:"payload"`
}

// Result - ответ удалённой системы по одной записи.
type Result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ErrUnavailable оборачивается транспортом, когда удалённая сторона недоступна целиком
// (нет соединения, 5xx, 429). Такая ошибка не расходует попытки записей.
var ErrUnavailable = errors.New("sync endpoint unavailable")

// Transport отправляет пакет записей и возвращает результат по каждой из них.
// Удалённая сторона идемпотентна по Record.ID.
type Transport interface {
	SubmitBatch(ctx context.Context, records []Record) (map[string]Result, error)
}

// Config задаёт расписание и политику повторов.
type Config struct {
	Interval        time.Duration
	BatchSize       int
	MaxAttempts     int
	LivenessTimeout time.Duration
}

// DefaultConfig возвращает настройки очереди по умолчанию.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		BatchSize:       100,
		MaxAttempts:     5,
		LivenessTimeout: 2 * time.Minute,
	}
}

// Counts - количество записей очереди по статусам.
type Counts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Queue управляет журналом синхронизации.
type Queue struct {
	store     store.Store
	transport Transport
	cfg       Config
	logger    *zap.Logger
	events    *notify.Broker[Counts]
	now       func() time.Time

	// drainMu не даёт двум проходам очереди выполняться одновременно.
	drainMu sync.Mutex
}

// New создаёт очередь синхронизации. transport может быть nil: тогда Drain возвращает ошибку.
func New(st store.Store, transport Transport, cfg Config, logger *zap.Logger) *Queue {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = def.LivenessTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Queue{
		store:     st,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		events:    notify.NewBroker[Counts](),
		now:       time.Now,
	}
}

// Enqueue добавляет запись в очередь внутри доменной транзакции tx.
// Повторная постановка той же записи игнорируется.
func Enqueue(ctx context.Context, tx store.Tx, ref model.EntityRef, parent *model.EntityRef, payload any, now time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", ref.Type, err)
	}

	entry := &model.QueueEntry{
		Ref:       ref,
		Parent:    parent,
		Payload:   data,
		Status:    model.SyncStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := tx.InsertQueueEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("enqueue %s: %w", ref.RecordID(), err)
	}
	return nil
}

// Subscribe подписывает на изменения счётчиков очереди.
func (q *Queue) Subscribe() (<-chan Counts, func()) {
	return q.events.Subscribe(0)
}

// Status возвращает количество записей по статусам.
func (q *Queue) Status(ctx context.Context) (Counts, error) {
	var raw map[model.SyncStatus]int
	err := q.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		raw, err = tx.CountQueueByStatus(ctx)
		return err
	})
	if err != nil {
		return Counts{}, fmt.Errorf("count queue: %w", err)
	}

	var c Counts
	for status, n := range raw {
		switch status {
		case model.SyncStatusPending:
			c.Pending = n
		case model.SyncStatusInProgress:
			c.InProgress = n
		case model.SyncStatusCompleted:
			c.Completed = n
		case model.SyncStatusFailed:
			c.Failed = n
		case model.SyncStatusCancelled:
			c.Cancelled = n
		}
		metrics.SyncQueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
	return c, nil
}

// Publish рассылает подписчикам текущие счётчики очереди.
func (q *Queue) Publish(ctx context.Context) {
	counts, err := q.Status(ctx)
	if err != nil {
		q.logger.Warn("queue status unavailable", zap.Error(err))
		return
	}
	q.events.Publish(counts)
}

// Failed возвращает записи, исчерпавшие автоматические повторы.
func (q *Queue) Failed(ctx context.Context) ([]model.QueueEntry, error) {
	var res []model.QueueEntry
	err := q.store.InTx(ctx, func(tx store.Tx) error {
		failed, err := tx.ListQueueEntries(ctx, model.SyncStatusFailed, 0)
		if err != nil {
			return err
		}
		for _, e := range failed {
			if e.Attempts >= q.cfg.MaxAttempts {
				res = append(res, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list failed entries: %w", err)
	}
	return res, nil
}

// RetryFailed возвращает все записи Failed в Pending и сбрасывает счётчик попыток.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	now := q.now()
	var n int
	err := q.store.InTx(ctx, func(tx store.Tx) error {
		failed, err := tx.ListQueueEntries(ctx, model.SyncStatusFailed, 0)
		if err != nil {
			return err
		}
		for i := range failed {
			e := &failed[i]
			e.Status = model.SyncStatusPending
			e.Attempts = 0
			e.UpdatedAt = now
			if err := tx.UpdateQueueEntry(ctx, e); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("retry failed entries: %w", err)
	}

	q.logger.Info("failed sync entries reset", zap.Int("count", n))
	q.Publish(ctx)
	return n, nil
}

// Cancel снимает запись с синхронизации. Допустимо только для Pending и Failed.
func (q *Queue) Cancel(ctx context.Context, ref model.EntityRef) error {
	now := q.now()
	err := q.store.InTx(ctx, func(tx store.Tx) error {
		e, err := tx.GetQueueEntry(ctx, ref)
		if err != nil {
			return err
		}
		if !e.Status.CanTransition(model.SyncStatusCancelled) {
			return fmt.Errorf("%w: entry %s is %s", model.ErrInvalidState, ref.RecordID(), e.Status)
		}
		e.Status = model.SyncStatusCancelled
		e.UpdatedAt = now
		return tx.UpdateQueueEntry(ctx, e)
	})
	if err != nil {
		return fmt.Errorf("cancel entry: %w", err)
	}
	q.Publish(ctx)
	return nil
}

// Start запускает фоновую синхронизацию с интервалом Config.Interval.
// Возвращается сразу; работа прекращается при отмене ctx.
func (q *Queue) Start(ctx context.Context) {
	if q.transport == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(q.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report, err := q.Drain(ctx)
				if err != nil {
					if !errors.Is(err, model.ErrBusy) && !errors.Is(err, context.Canceled) {
						q.logger.Warn("sync drain failed", zap.Error(err))
					}
					continue
				}
				if report.Submitted > 0 {
					q.logger.Info("sync drain finished",
						zap.Int("submitted", report.Submitted),
						zap.Int("completed", report.Completed),
						zap.Int("failed", report.Failed),
						zap.Int("requeued", report.Requeued),
						zap.Int("deferred", report.Deferred))
				}
			}
		}
	}()
}
