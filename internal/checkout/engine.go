// Package checkout реализует жизненный цикл кассовой транзакции: резервирование
// остатков, фиксацию оплаты, отмену, возвраты и восстановление после сбоя.
//
// Продажа записывается в два атомарных шага. Первый сохраняет транзакцию в статусе
// InProgress вместе с позициями и оплатой, затем списываются остатки, второй шаг
// переводит транзакцию в Completed, применяет эффект к счёту покупателя и ставит
// записи в очередь синхронизации. Транзакция, оставшаяся в InProgress после сбоя,
// завершается через Recover.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/zipos-register/internal/customer"
	"github.com/mmeshcher/zipos-register/internal/ledger"
	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/store"
	"github.com/mmeshcher/zipos-register/internal/syncqueue"
	"github.com/mmeshcher/zipos-register/internal/validation"
)

// Config задаёт параметры кассы.
type Config struct {
	StoreID    string
	RegisterID string
	Loyalty    customer.Policy
	// BusyRetries - число повторов списания, если критическая секция товара занята.
	BusyRetries uint64
}

// Engine выполняет операции над транзакциями. Общий для всех сессий кассы.
type Engine struct {
	store  store.Store
	ledger *ledger.Ledger
	queue  *syncqueue.Queue
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	// refundMu сериализует возвраты, чтобы проверка остатка к возврату и запись были атомарны.
	refundMu chan struct{}
}

// NewEngine создаёт движок транзакций. queue может быть nil: тогда события очереди не рассылаются.
func NewEngine(st store.Store, l *ledger.Ledger, q *syncqueue.Queue, cfg Config, logger *zap.Logger) *Engine {
	if cfg.BusyRetries == 0 {
		cfg.BusyRetries = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    st,
		ledger:   l,
		queue:    q,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		refundMu: make(chan struct{}, 1),
	}
}

// Ledger возвращает учёт остатков, с которым работает движок.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// Transaction возвращает транзакцию по идентификатору.
func (e *Engine) Transaction(ctx context.Context, id string) (*model.Transaction, error) {
	var trx *model.Transaction
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		trx, err = tx.GetTransaction(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown transaction %s", model.ErrInvalidArgument, id)
		}
		return nil, fmt.Errorf("load transaction %s: %w", id, err)
	}
	return trx, nil
}

// TransactionByNumber ищет транзакцию по номеру чека, предварительно проверив контрольную цифру.
func (e *Engine) TransactionByNumber(ctx context.Context, number string) (*model.Transaction, error) {
	if !validation.IsValidTransactionNumber(number) {
		return nil, fmt.Errorf("%w: malformed transaction number %q", model.ErrInvalidArgument, number)
	}

	var trx *model.Transaction
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		trx, err = tx.GetTransactionByNumber(ctx, number)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown transaction %s", model.ErrInvalidArgument, number)
		}
		return nil, fmt.Errorf("load transaction %s: %w", number, err)
	}
	return trx, nil
}

func (e *Engine) product(ctx context.Context, id string) (*model.Product, error) {
	var p *model.Product
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		p, err = tx.GetProduct(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown product %s", model.ErrInvalidArgument, id)
		}
		return nil, fmt.Errorf("load product %s: %w", id, err)
	}
	return p, nil
}

func (e *Engine) customerExists(ctx context.Context, id string) error {
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetCustomer(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: unknown customer %s", model.ErrInvalidArgument, id)
		}
		return fmt.Errorf("load customer %s: %w", id, err)
	}
	return nil
}

// nextNumber выдаёт следующий номер чека кассы внутри доменной записи.
func (e *Engine) nextNumber(ctx context.Context, tx store.Tx) (string, error) {
	seq, err := tx.NextSequence(ctx, "transaction:"+e.cfg.RegisterID)
	if err != nil {
		return "", err
	}
	return validation.TransactionNumber(e.cfg.RegisterID, seq), nil
}

// persist выполняет первую запись: транзакция в InProgress, позиции и оплаты.
func (e *Engine) persist(ctx context.Context, trx *model.Transaction) error {
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		number, err := e.nextNumber(ctx, tx)
		if err != nil {
			return err
		}
		trx.TransactionNumber = number
		return tx.InsertTransaction(ctx, trx)
	})
	if err != nil {
		return fmt.Errorf("%w: persist transaction %s: %w", model.ErrDurability, trx.ID, err)
	}
	return nil
}

// finalize выполняет вторую запись: итоговый статус, эффект для покупателя и
// постановку записей в очередь. Уже завершённая транзакция возвращается как есть.
func (e *Engine) finalize(ctx context.Context, id string) (*model.Transaction, error) {
	var result *model.Transaction

	err := e.store.InTx(ctx, func(tx store.Tx) error {
		trx, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if trx.Status != model.TransactionStatusInProgress {
			result = trx
			return nil
		}

		status := model.TransactionStatusCompleted
		if trx.IsRefund {
			if status, err = refundStatus(ctx, tx, trx); err != nil {
				return err
			}
		}

		now := e.now()
		if err := tx.UpdateTransactionStatus(ctx, trx.ID, status, &now, now); err != nil {
			return err
		}
		trx.Status = status
		trx.CompletedAt = &now
		trx.UpdatedAt = now

		if trx.CustomerID != "" {
			if _, _, err := customer.Record(ctx, tx, trx, e.cfg.Loyalty, now); err != nil {
				return err
			}
		}
		if err := enqueueTransaction(ctx, tx, trx, now); err != nil {
			return err
		}
		result = trx
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: finalize transaction %s: %w", model.ErrDurability, id, err)
	}

	if e.queue != nil {
		e.queue.Publish(ctx)
	}
	return result, nil
}

// enqueueTransaction ставит в очередь транзакцию, её позиции и оплаты.
// Возврат отправляется после исходной продажи.
func enqueueTransaction(ctx context.Context, tx store.Tx, trx *model.Transaction, now time.Time) error {
	ref := model.EntityRef{Type: model.EntityTransaction, ID: trx.ID}

	var parent *model.EntityRef
	if trx.IsRefund && trx.OriginalTransactionID != "" {
		parent = &model.EntityRef{Type: model.EntityTransaction, ID: trx.OriginalTransactionID}
	}
	if err := syncqueue.Enqueue(ctx, tx, ref, parent, trx, now); err != nil {
		return err
	}

	for _, item := range trx.Items {
		itemRef := model.EntityRef{Type: model.EntityTransactionItem, ID: item.ID}
		if err := syncqueue.Enqueue(ctx, tx, itemRef, &ref, item, now); err != nil {
			return err
		}
	}
	for _, p := range trx.Payments {
		payRef := model.EntityRef{Type: model.EntityPayment, ID: p.ID}
		if err := syncqueue.Enqueue(ctx, tx, payRef, &ref, p, now); err != nil {
			return err
		}
	}
	return nil
}

// retryBusy повторяет fn, пока критическая секция товара занята.
func (e *Engine) retryBusy(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(e.cfg.BusyRetries, retry.NewExponential(50*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if model.IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
