// Package ledger реализует учёт остатков товаров: резервирование, фиксацию и корректировки.
//
// Зафиксированный остаток хранится в постоянном хранилище, резервы живут только в памяти.
// Каждая операция над товаром выполняется в короткой критической секции этого товара.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/zipos-register/internal/metrics"
	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/notify"
	"github.com/mmeshcher/zipos-register/internal/store"
	"github.com/mmeshcher/zipos-register/internal/syncqueue"
)

// Reservation - удерживаемое количество товара в рамках одной транзакции.
type Reservation struct {
	ID            string
	ProductID     string
	Quantity      int
	TransactionID string
}

// ReservationID возвращает идентификатор резерва. Он же - ключ идемпотентности фиксации.
func ReservationID(transactionID, productID string) string {
	return transactionID + ":" + productID
}

// Config задаёт политику учёта остатков.
type Config struct {
	StoreID            string
	ReserveTimeout     time.Duration
	AllowNegativeStock bool
	// LowStockThreshold применяется к товарам с MinStockLevel = 0. Ноль отключает порог магазина.
	LowStockThreshold int
}

// Ledger - учёт остатков, общий для всех кассовых сессий магазина.
type Ledger struct {
	store  store.Store
	cfg    Config
	logger *zap.Logger
	alerts *notify.Broker[model.StockAlert]
	now    func() time.Time

	mu           sync.Mutex
	locks        map[string]chan struct{}
	reservations map[string]map[string]Reservation
}

// New создаёт учёт остатков поверх хранилища.
func New(st store.Store, cfg Config, logger *zap.Logger) *Ledger {
	if cfg.ReserveTimeout <= 0 {
		cfg.ReserveTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:        st,
		cfg:          cfg,
		logger:       logger,
		alerts:       notify.NewBroker[model.StockAlert](),
		now:          time.Now,
		locks:        make(map[string]chan struct{}),
		reservations: make(map[string]map[string]Reservation),
	}
}

// Subscribe подписывает на поток предупреждений об остатках.
// Снятые предупреждения приходят с IsActive = false.
func (l *Ledger) Subscribe() (<-chan model.StockAlert, func()) {
	return l.alerts.Subscribe(0)
}

// acquire захватывает критическую секцию товара с ограниченным ожиданием.
func (l *Ledger) acquire(ctx context.Context, productID string) (func(), error) {
	l.mu.Lock()
	sem, ok := l.locks[productID]
	if !ok {
		sem = make(chan struct{}, 1)
		l.locks[productID] = sem
	}
	l.mu.Unlock()

	timer := time.NewTimer(l.cfg.ReserveTimeout)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: product %s is locked", model.ErrBusy, productID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Ledger) reservedLocked(productID string) int {
	total := 0
	for _, r := range l.reservations[productID] {
		total += r.Quantity
	}
	return total
}

// Reserved возвращает суммарное зарезервированное количество товара.
func (l *Ledger) Reserved(productID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reservedLocked(productID)
}

func (l *Ledger) product(ctx context.Context, productID string) (*model.Product, error) {
	var p *model.Product
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		p, err = tx.GetProduct(ctx, productID)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown product %s", model.ErrInvalidArgument, productID)
		}
		return nil, fmt.Errorf("load product %s: %w", productID, err)
	}
	return p, nil
}

// Reserve удерживает qty единиц товара за транзакцией transactionID.
// Если свободного остатка не хватает, возвращает *model.StockError без побочных эффектов.
func (l *Ledger) Reserve(ctx context.Context, productID string, qty int, transactionID string) (Reservation, error) {
	if productID == "" || transactionID == "" {
		return Reservation{}, fmt.Errorf("%w: product and transaction ids are required", model.ErrInvalidArgument)
	}
	if qty <= 0 {
		return Reservation{}, fmt.Errorf("%w: reserve quantity %d", model.ErrInvalidArgument, qty)
	}

	unlock, err := l.acquire(ctx, productID)
	if err != nil {
		metrics.Reservations.WithLabelValues("busy").Inc()
		return Reservation{}, err
	}
	defer unlock()

	p, err := l.product(ctx, productID)
	if err != nil {
		return Reservation{}, err
	}

	res := Reservation{
		ID:            ReservationID(transactionID, productID),
		ProductID:     productID,
		Quantity:      qty,
		TransactionID: transactionID,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.reservations[productID][res.ID]; ok {
		if existing.Quantity == qty {
			return existing, nil
		}
		return Reservation{}, fmt.Errorf("%w: reservation %s already holds %d", model.ErrInvalidArgument, res.ID, existing.Quantity)
	}

	available := p.StockQuantity - l.reservedLocked(productID)
	if available < qty {
		metrics.Reservations.WithLabelValues("insufficient").Inc()
		return Reservation{}, &model.StockError{ProductID: productID, Requested: qty, Available: max(available, 0)}
	}

	if l.reservations[productID] == nil {
		l.reservations[productID] = make(map[string]Reservation)
	}
	l.reservations[productID][res.ID] = res
	metrics.Reservations.WithLabelValues("ok").Inc()
	return res, nil
}

// Release снимает резерв. Повторный вызов ничего не делает.
func (l *Ledger) Release(r Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if held, ok := l.reservations[r.ProductID]; ok {
		delete(held, r.ID)
		if len(held) == 0 {
			delete(l.reservations, r.ProductID)
		}
	}
}

// ReleaseTransaction снимает все резервы транзакции и возвращает их количество.
func (l *Ledger) ReleaseTransaction(transactionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for productID, held := range l.reservations {
		for id, r := range held {
			if r.TransactionID == transactionID {
				delete(held, id)
				n++
			}
		}
		if len(held) == 0 {
			delete(l.reservations, productID)
		}
	}
	return n
}

// Commit превращает резерв в постоянное списание остатка.
// Повторная фиксация того же резерва, в том числе после перезапуска, ничего не меняет.
func (l *Ledger) Commit(ctx context.Context, r Reservation) error {
	_, err := l.commitStock(ctx, r.ID, r.ProductID, r.Quantity, r.TransactionID)
	return err
}

// Recommit повторно списывает товар по сохранённой позиции транзакции без резервирования.
// Используется при восстановлении после сбоя. Возвращает true, если списание применено сейчас.
func (l *Ledger) Recommit(ctx context.Context, transactionID, productID string, qty int) (bool, error) {
	if qty <= 0 {
		return false, fmt.Errorf("%w: recommit quantity %d", model.ErrInvalidArgument, qty)
	}
	return l.commitStock(ctx, ReservationID(transactionID, productID), productID, qty, transactionID)
}

func (l *Ledger) commitStock(ctx context.Context, id, productID string, qty int, transactionID string) (bool, error) {
	unlock, err := l.acquire(ctx, productID)
	if err != nil {
		return false, err
	}
	defer unlock()

	now := l.now()
	applied := false
	var changed []model.StockAlert

	err = l.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetAdjustment(ctx, id); err == nil {
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}

		newQty := p.StockQuantity - qty
		if newQty < 0 && !l.cfg.AllowNegativeStock {
			return fmt.Errorf("%w: product %s has %d, commit %d", model.ErrWouldGoNegative, productID, p.StockQuantity, qty)
		}

		adj := &model.InventoryAdjustment{
			ID:                id,
			ProductID:         productID,
			Quantity:          -qty,
			Reason:            model.AdjustmentReasonSale,
			Reference:         transactionID,
			StoreID:           l.cfg.StoreID,
			ResultingQuantity: newQty,
			CreatedAt:         now,
		}
		parent := &model.EntityRef{Type: model.EntityTransaction, ID: transactionID}
		if err := l.apply(ctx, tx, p, adj, parent, now); err != nil {
			return err
		}

		changed, err = l.evaluateAlerts(ctx, tx, p, now)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrWouldGoNegative) || errors.Is(err, model.ErrInvalidArgument) {
			return false, err
		}
		return false, fmt.Errorf("%w: commit %s: %w", model.ErrDurability, id, err)
	}

	// резерв снимается до выхода из критической секции, иначе он был бы учтён дважды
	l.Release(Reservation{ID: id, ProductID: productID})

	if applied {
		metrics.StockCommits.Inc()
		l.logger.Debug("stock committed",
			zap.String("product_id", productID),
			zap.String("reservation_id", id),
			zap.Int("quantity", qty))
	}
	l.publish(changed)
	return applied, nil
}

// apply записывает новый остаток, запись аудита и ставит её в очередь синхронизации.
// p.StockQuantity обновляется на месте.
func (l *Ledger) apply(ctx context.Context, tx store.Tx, p *model.Product, adj *model.InventoryAdjustment, parent *model.EntityRef, now time.Time) error {
	if err := tx.UpdateStock(ctx, p.ID, adj.ResultingQuantity, now); err != nil {
		return err
	}
	if err := tx.InsertAdjustment(ctx, adj); err != nil {
		return err
	}
	ref := model.EntityRef{Type: model.EntityInventoryAdjustment, ID: adj.ID}
	if err := syncqueue.Enqueue(ctx, tx, ref, parent, adj, now); err != nil {
		return err
	}
	p.StockQuantity = adj.ResultingQuantity
	return nil
}

// AdjustRequest описывает прямую корректировку остатка.
type AdjustRequest struct {
	// ID - необязательный ключ идемпотентности. Повтор с тем же ID ничего не меняет.
	ID         string
	ProductID  string
	Delta      int
	Reason     model.AdjustmentReason
	Reference  string
	Notes      string
	AdjustedBy string
	// Parent - запись, которую удалённая система должна получить раньше корректировки.
	Parent *model.EntityRef
}

// Adjust изменяет остаток вне продажи (инвентаризация, порча, возврат).
// Уменьшение ниже зарезервированного количества отклоняется с model.ErrWouldGoNegative,
// если отрицательные остатки не разрешены настройками.
func (l *Ledger) Adjust(ctx context.Context, req AdjustRequest) (*model.InventoryAdjustment, error) {
	if req.ProductID == "" || req.Delta == 0 {
		return nil, fmt.Errorf("%w: adjustment needs a product and a non-zero delta", model.ErrInvalidArgument)
	}
	if !req.Reason.Valid() {
		return nil, fmt.Errorf("%w: unknown adjustment reason %q", model.ErrInvalidArgument, req.Reason)
	}

	unlock, err := l.acquire(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := l.now()
	applied := false
	var (
		result  *model.InventoryAdjustment
		changed []model.StockAlert
	)

	err = l.store.InTx(ctx, func(tx store.Tx) error {
		id := req.ID
		if id != "" {
			existing, err := tx.GetAdjustment(ctx, id)
			if err == nil {
				result = existing
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		} else {
			id = uuid.NewString()
		}

		p, err := tx.GetProduct(ctx, req.ProductID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: unknown product %s", model.ErrInvalidArgument, req.ProductID)
			}
			return err
		}

		newQty := p.StockQuantity + req.Delta
		if req.Delta < 0 && !l.cfg.AllowNegativeStock {
			reserved := l.Reserved(req.ProductID)
			if newQty < reserved {
				return fmt.Errorf("%w: product %s has %d (%d reserved), delta %d",
					model.ErrWouldGoNegative, req.ProductID, p.StockQuantity, reserved, req.Delta)
			}
		}

		adj := &model.InventoryAdjustment{
			ID:                id,
			ProductID:         req.ProductID,
			Quantity:          req.Delta,
			Reason:            req.Reason,
			Reference:         req.Reference,
			Notes:             req.Notes,
			AdjustedBy:        req.AdjustedBy,
			StoreID:           l.cfg.StoreID,
			ResultingQuantity: newQty,
			CreatedAt:         now,
		}
		if err := l.apply(ctx, tx, p, adj, req.Parent, now); err != nil {
			return err
		}

		changed, err = l.evaluateAlerts(ctx, tx, p, now)
		if err != nil {
			return err
		}
		result = adj
		applied = true
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrWouldGoNegative) || errors.Is(err, model.ErrInvalidArgument) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: adjust %s: %w", model.ErrDurability, req.ProductID, err)
	}

	if applied {
		metrics.StockAdjustments.WithLabelValues(string(req.Reason)).Inc()
		l.logger.Info("stock adjusted",
			zap.String("product_id", req.ProductID),
			zap.Int("delta", req.Delta),
			zap.String("reason", string(req.Reason)),
			zap.Int("resulting_quantity", result.ResultingQuantity))
	}
	l.publish(changed)
	return result, nil
}

func (l *Ledger) publish(alerts []model.StockAlert) {
	for _, a := range alerts {
		l.alerts.Publish(a)
	}
}
