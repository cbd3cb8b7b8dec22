// Package service собирает компоненты кассы в единый фасад для HTTP API и CLI.
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mmeshcher/zipos-register/internal/cart"
	"github.com/mmeshcher/zipos-register/internal/checkout"
	"github.com/mmeshcher/zipos-register/internal/customer"
	"github.com/mmeshcher/zipos-register/internal/ledger"
	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/money"
	"github.com/mmeshcher/zipos-register/internal/store"
	"github.com/mmeshcher/zipos-register/internal/syncqueue"
)

// ErrInvalidCredentials возвращается при неверном идентификаторе кассира или PIN.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Options - зависимости фасада.
type Options struct {
	Store    store.Store
	Engine   *checkout.Engine
	Queue    *syncqueue.Queue
	Accounts *customer.Accounts
	// Cashiers сопоставляет идентификатор кассира с хешем PIN (см. HashPIN).
	Cashiers map[string]string
	Logger   *zap.Logger
}

// Service - фасад кассы: сессии кассиров, возвраты, остатки, покупатели и синхронизация.
type Service struct {
	store    store.Store
	engine   *checkout.Engine
	ledger   *ledger.Ledger
	queue    *syncqueue.Queue
	accounts *customer.Accounts
	cashiers map[string]string
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*checkout.Session
}

// NewService создаёт фасад кассы.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	accounts := opts.Accounts
	if accounts == nil {
		accounts = customer.NewAccounts(opts.Store, logger)
	}
	return &Service{
		store:    opts.Store,
		engine:   opts.Engine,
		ledger:   opts.Engine.Ledger(),
		queue:    opts.Queue,
		accounts: accounts,
		cashiers: opts.Cashiers,
		logger:   logger,
		sessions: make(map[string]*checkout.Session),
	}
}

// Close закрывает хранилище.
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// HashPIN возвращает хеш PIN кассира в том виде, в каком он задаётся в настройках.
func HashPIN(cashierID, pin string) string {
	sum := sha256.Sum256([]byte(cashierID + ":" + pin))
	return hex.EncodeToString(sum[:])
}

// AuthenticateCashier проверяет PIN кассира.
func (s *Service) AuthenticateCashier(_ context.Context, cashierID, pin string) error {
	want, ok := s.cashiers[cashierID]
	if !ok {
		return ErrInvalidCredentials
	}
	got := HashPIN(cashierID, pin)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// session возвращает сессию кассира, создавая её при первом обращении.
func (s *Service) session(cashierID string) *checkout.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[cashierID]
	if !ok {
		sess = s.engine.NewSession(cashierID)
		s.sessions[cashierID] = sess
		s.logger.Debug("register session opened", zap.String("cashier_id", cashierID))
	}
	return sess
}

// CartView - снимок корзины и состояния сессии.
type CartView struct {
	CashierID  string         `json:"cashier_id"`
	State      checkout.State `json:"state"`
	CustomerID string         `json:"customer_id,omitempty"`
	Lines      []cart.Line    `json:"lines"`
	Totals     cart.Totals    `json:"totals"`
}

// Cart возвращает корзину кассира.
func (s *Service) Cart(_ context.Context, cashierID string) (*CartView, error) {
	sess := s.session(cashierID)
	lines, totals, customerID := sess.Snapshot()
	return &CartView{
		CashierID:  cashierID,
		State:      sess.State(),
		CustomerID: customerID,
		Lines:      lines,
		Totals:     totals,
	}, nil
}

// AddItem добавляет товар в корзину кассира.
func (s *Service) AddItem(ctx context.Context, cashierID, productID string, qty int) error {
	return s.session(cashierID).AddItem(ctx, productID, qty)
}

// ChangeQuantity меняет количество товара в корзине кассира.
func (s *Service) ChangeQuantity(_ context.Context, cashierID, productID string, qty int) error {
	return s.session(cashierID).ChangeQuantity(productID, qty)
}

// RemoveItem удаляет товар из корзины кассира.
func (s *Service) RemoveItem(_ context.Context, cashierID, productID string) error {
	return s.session(cashierID).RemoveItem(productID)
}

// SetCustomer привязывает покупателя к корзине кассира.
func (s *Service) SetCustomer(ctx context.Context, cashierID, customerID string) error {
	return s.session(cashierID).SetCustomer(ctx, customerID)
}

// SetDiscount задаёт скидку на чек.
func (s *Service) SetDiscount(_ context.Context, cashierID string, amount money.Money) error {
	return s.session(cashierID).SetDiscount(amount)
}

// BeginCheckout резервирует товары корзины кассира.
func (s *Service) BeginCheckout(ctx context.Context, cashierID string) (cart.Totals, error) {
	return s.session(cashierID).BeginCheckout(ctx)
}

// ConfirmPayment проводит оплату и завершает продажу.
func (s *Service) ConfirmPayment(ctx context.Context, cashierID string, req checkout.PaymentRequest) (*model.Transaction, error) {
	return s.session(cashierID).ConfirmPayment(ctx, req)
}

// CancelCheckout отменяет оформление и очищает корзину.
func (s *Service) CancelCheckout(_ context.Context, cashierID string) error {
	return s.session(cashierID).Cancel()
}

// ResetSession возвращает сессию после сбоя к пустой корзине.
func (s *Service) ResetSession(_ context.Context, cashierID string) error {
	return s.session(cashierID).Reset()
}

// Refund оформляет возврат.
func (s *Service) Refund(ctx context.Context, req checkout.RefundRequest) (*model.Transaction, error) {
	return s.engine.Refund(ctx, req)
}

// Transaction ищет транзакцию по номеру чека.
func (s *Service) Transaction(ctx context.Context, number string) (*model.Transaction, error) {
	return s.engine.TransactionByNumber(ctx, number)
}

// Recover завершает транзакции, прерванные сбоем.
func (s *Service) Recover(ctx context.Context) (checkout.RecoverReport, error) {
	return s.engine.Recover(ctx)
}

// ProductStock - товар вместе с зарезервированным и свободным остатком.
type ProductStock struct {
	model.Product
	Reserved  int
	Available int
}

// Products возвращает каталог с остатками.
func (s *Service) Products(ctx context.Context) ([]ProductStock, error) {
	var products []model.Product
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		products, err = tx.ListProducts(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	res := make([]ProductStock, 0, len(products))
	for _, p := range products {
		reserved := s.ledger.Reserved(p.ID)
		res = append(res, ProductStock{
			Product:   p,
			Reserved:  reserved,
			Available: p.StockQuantity - reserved,
		})
	}
	return res, nil
}

// PutProduct сохраняет карточку товара. Остаток существующего товара не меняется:
// он изменяется только через корректировки. Начальный остаток нового товара
// проводится корректировкой STOCK_TAKE.
func (s *Service) PutProduct(ctx context.Context, p model.Product, adjustedBy string) error {
	if p.ID == "" || p.Name == "" {
		return fmt.Errorf("%w: product id and name are required", model.ErrInvalidArgument)
	}
	if p.Price.IsNegative() || p.StockQuantity < 0 || p.MinStockLevel < 0 {
		return fmt.Errorf("%w: negative price or stock for %s", model.ErrInvalidArgument, p.ID)
	}

	initial := 0
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		existing, err := tx.GetProduct(ctx, p.ID)
		switch {
		case err == nil:
			p.StockQuantity = existing.StockQuantity
		case errors.Is(err, store.ErrNotFound):
			initial = p.StockQuantity
			p.StockQuantity = 0
		default:
			return err
		}
		return tx.PutProduct(ctx, &p)
	})
	if err != nil {
		return fmt.Errorf("put product %s: %w", p.ID, err)
	}

	if initial > 0 {
		_, err := s.ledger.Adjust(ctx, ledger.AdjustRequest{
			ID:         "initial:" + p.ID,
			ProductID:  p.ID,
			Delta:      initial,
			Reason:     model.AdjustmentReasonStockTake,
			Notes:      "initial stock",
			AdjustedBy: adjustedBy,
		})
		return err
	}
	return nil
}

// AdjustStock проводит корректировку остатка.
func (s *Service) AdjustStock(ctx context.Context, req ledger.AdjustRequest) (*model.InventoryAdjustment, error) {
	return s.ledger.Adjust(ctx, req)
}

// Alerts возвращает активные предупреждения об остатках.
func (s *Service) Alerts(ctx context.Context) ([]model.StockAlert, error) {
	return s.ledger.ActiveAlerts(ctx)
}

// AcknowledgeAlert снимает предупреждение.
func (s *Service) AcknowledgeAlert(ctx context.Context, alertID string) error {
	return s.ledger.AcknowledgeAlert(ctx, alertID)
}

// Customer возвращает покупателя.
func (s *Service) Customer(ctx context.Context, id string) (*model.Customer, error) {
	return s.accounts.Get(ctx, id)
}

// PutCustomer сохраняет карточку покупателя. Баланс и баллы существующего покупателя не меняются.
func (s *Service) PutCustomer(ctx context.Context, c model.Customer) error {
	existing, err := s.accounts.Get(ctx, c.ID)
	switch {
	case err == nil:
		c.Balance = existing.Balance
		c.LoyaltyPoints = existing.LoyaltyPoints
		c.TotalSpent = existing.TotalSpent
	case errors.Is(err, store.ErrNotFound):
		c.Balance, c.LoyaltyPoints, c.TotalSpent = money.Zero, 0, money.Zero
	default:
		return err
	}
	return s.accounts.Put(ctx, &c)
}

// CustomerHistory возвращает журнал операций по счёту покупателя.
func (s *Service) CustomerHistory(ctx context.Context, id string) ([]model.CustomerTransaction, error) {
	return s.accounts.History(ctx, id)
}

// PostCustomer проводит по счёту покупателя операцию вне продажи.
func (s *Service) PostCustomer(ctx context.Context, customerID string, kind model.CustomerTransactionType, amount money.Money, reference string) (*model.CustomerTransaction, error) {
	return s.accounts.Post(ctx, customerID, kind, amount, reference)
}

// SyncStatus возвращает состояние очереди синхронизации.
func (s *Service) SyncStatus(ctx context.Context) (syncqueue.Counts, error) {
	return s.queue.Status(ctx)
}

// SyncNow выполняет один проход очереди.
func (s *Service) SyncNow(ctx context.Context) (syncqueue.DrainReport, error) {
	return s.queue.Drain(ctx)
}

// FailedSync возвращает записи, требующие вмешательства.
func (s *Service) FailedSync(ctx context.Context) ([]model.QueueEntry, error) {
	return s.queue.Failed(ctx)
}

// RetrySync возвращает записи Failed в очередь.
func (s *Service) RetrySync(ctx context.Context) (int, error) {
	return s.queue.RetryFailed(ctx)
}

// CancelSync снимает запись с синхронизации.
func (s *Service) CancelSync(ctx context.Context, ref model.EntityRef) error {
	return s.queue.Cancel(ctx, ref)
}

// Start запускает фоновую синхронизацию и журналирование предупреждений об остатках.
func (s *Service) Start(ctx context.Context) {
	s.queue.Start(ctx)

	alerts, unsubscribe := s.ledger.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case a, ok := <-alerts:
				if !ok {
					return
				}
				if a.IsActive {
					s.logger.Info("stock alert",
						zap.String("product_id", a.ProductID),
						zap.String("type", string(a.AlertType)),
						zap.Int("current_stock", a.CurrentStock))
				}
			}
		}
	}()
}
