package checkout

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/zipos-register/internal/cart"
	"github.com/mmeshcher/zipos-register/internal/ledger"
	"github.com/mmeshcher/zipos-register/internal/metrics"
	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/money"
	"github.com/mmeshcher/zipos-register/internal/notify"
)

// PaymentRequest описывает оплату чека.
type PaymentRequest struct {
	Method model.PaymentMethod
	// Amount - полученная сумма. Для безналичных способов ноль означает «ровно итог».
	Amount    money.Money
	Reference string
}

// Session - кассовая сессия одного кассира. Одновременные операции над одной
// сессией не ждут друг друга: вторая получает model.ErrBusy.
type Session struct {
	engine    *Engine
	cashierID string
	logger    *zap.Logger

	mu           sync.Mutex
	cart         *cart.Cart
	state        State
	txID         string
	reservations []ledger.Reservation
	events       *notify.Broker[StateEvent]
}

// NewSession открывает сессию кассира с пустой корзиной.
func (e *Engine) NewSession(cashierID string) *Session {
	return &Session{
		engine:    e,
		cashierID: cashierID,
		logger:    e.logger.With(zap.String("cashier_id", cashierID)),
		cart:      cart.New(),
		state:     StateBuilding,
		events:    notify.NewBroker[StateEvent](),
	}
}

func (s *Session) lock() error {
	if !s.mu.TryLock() {
		return fmt.Errorf("session %s: %w", s.cashierID, model.ErrBusy)
	}
	return nil
}

// CashierID возвращает кассира сессии.
func (s *Session) CashierID() string {
	return s.cashierID
}

// State возвращает текущее состояние сессии.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot возвращает строки и итоги корзины.
func (s *Session) Snapshot() ([]cart.Line, cart.Totals, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cart.Lines(), s.cart.Totals(), s.cart.CustomerID()
}

// SubscribeCart подписывает на изменения корзины.
func (s *Session) SubscribeCart() (<-chan cart.Event, func()) {
	return s.cart.Subscribe()
}

// SubscribeState подписывает на смену состояний сессии.
func (s *Session) SubscribeState() (<-chan StateEvent, func()) {
	return s.events.Subscribe(0)
}

func (s *Session) transition(to State) {
	if !s.state.CanTransition(to) {
		// переходы вызываются только из методов сессии, недопустимый переход - ошибка программы
		panic(fmt.Sprintf("checkout: invalid transition %s -> %s", s.state, to))
	}
	ev := StateEvent{From: s.state, To: to, TransactionID: s.txID}
	s.state = to
	s.events.Publish(ev)
}

func (s *Session) editable() error {
	if s.state != StateBuilding {
		return fmt.Errorf("%w: cart is not editable in state %s", model.ErrInvalidState, s.state)
	}
	return nil
}

// AddItem добавляет товар в корзину.
func (s *Session) AddItem(ctx context.Context, productID string, qty int) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if err := s.editable(); err != nil {
		return err
	}
	p, err := s.engine.product(ctx, productID)
	if err != nil {
		return err
	}
	return s.cart.AddItem(*p, qty)
}

// ChangeQuantity устанавливает количество товара в корзине. qty ≤ 0 удаляет строку.
func (s *Session) ChangeQuantity(productID string, qty int) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if err := s.editable(); err != nil {
		return err
	}
	return s.cart.ChangeQuantity(productID, qty)
}

// RemoveItem удаляет товар из корзины.
func (s *Session) RemoveItem(productID string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if err := s.editable(); err != nil {
		return err
	}
	return s.cart.RemoveItem(productID)
}

// SetCustomer привязывает покупателя. Пустой id отвязывает.
func (s *Session) SetCustomer(ctx context.Context, customerID string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if err := s.editable(); err != nil {
		return err
	}
	if customerID != "" {
		if err := s.engine.customerExists(ctx, customerID); err != nil {
			return err
		}
	}
	return s.cart.SetCustomer(customerID)
}

// SetDiscount задаёт скидку на чек.
func (s *Session) SetDiscount(amount money.Money) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if err := s.editable(); err != nil {
		return err
	}
	return s.cart.SetDiscount(amount)
}

// BeginCheckout резервирует остаток под каждую строку корзины.
// Если хотя бы один резерв не удался, все полученные резервы снимаются,
// а корзина остаётся редактируемой.
func (s *Session) BeginCheckout(ctx context.Context) (cart.Totals, error) {
	if err := s.lock(); err != nil {
		return cart.Totals{}, err
	}
	defer s.mu.Unlock()

	if err := s.editable(); err != nil {
		return cart.Totals{}, err
	}
	if s.cart.IsEmpty() {
		return cart.Totals{}, fmt.Errorf("%w: cart is empty", model.ErrInvalidArgument)
	}

	s.txID = uuid.NewString()
	s.cart.Freeze()
	s.transition(StateReserving)

	for _, line := range s.cart.Lines() {
		r, err := s.engine.ledger.Reserve(ctx, line.ProductID, line.Quantity, s.txID)
		if err == nil {
			s.reservations = append(s.reservations, r)
			err = ctx.Err()
		}
		if err != nil {
			s.rollbackReservations()
			s.cart.Unfreeze()
			s.transition(StateBuilding)
			s.txID = ""
			metrics.Checkouts.WithLabelValues("rejected").Inc()
			return cart.Totals{}, err
		}
	}

	totals := s.cart.Totals()
	s.logger.Debug("checkout started",
		zap.String("transaction_id", s.txID),
		zap.Int("lines", len(s.reservations)),
		zap.Stringer("total", totals.Total))
	return totals, nil
}

func (s *Session) rollbackReservations() {
	s.engine.ledger.ReleaseTransaction(s.txID)
	s.reservations = nil
}

// ConfirmPayment записывает продажу и списывает зарезервированный остаток.
//
// Ошибка до записи транзакции (неверная оплата, сбой первой записи) оставляет
// сессию в Reserving: оплату можно повторить или отменить. Ошибка после записи
// переводит сессию в Failed; транзакция остаётся в InProgress до Recover.
func (s *Session) ConfirmPayment(ctx context.Context, req PaymentRequest) (*model.Transaction, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if s.state != StateReserving {
		return nil, fmt.Errorf("%w: confirm payment in state %s", model.ErrInvalidState, s.state)
	}

	trx, err := s.draft(req)
	if err != nil {
		return nil, err
	}

	if err := s.engine.persist(ctx, trx); err != nil {
		s.logger.Error("persist transaction failed", zap.String("transaction_id", trx.ID), zap.Error(err))
		return nil, err
	}

	s.transition(StateCommitting)

	for _, r := range s.reservations {
		err := s.engine.retryBusy(ctx, func(ctx context.Context) error {
			return s.engine.ledger.Commit(ctx, r)
		})
		if err != nil {
			return nil, s.fail(trx, fmt.Errorf("commit %s: %w", r.ProductID, err))
		}
	}
	s.reservations = nil

	completed, err := s.engine.finalize(ctx, trx.ID)
	if err != nil {
		return nil, s.fail(trx, err)
	}

	s.transition(StateCompleted)
	metrics.Checkouts.WithLabelValues("completed").Inc()
	s.logger.Info("sale completed",
		zap.String("transaction_id", completed.ID),
		zap.String("number", completed.TransactionNumber),
		zap.Stringer("total", completed.TotalAmount),
		zap.String("method", string(completed.PaymentMethod)))

	s.reset()
	return completed, nil
}

// draft собирает транзакцию из замороженной корзины.
func (s *Session) draft(req PaymentRequest) (*model.Transaction, error) {
	if !req.Method.Valid() {
		return nil, fmt.Errorf("%w: unknown payment method %q", model.ErrInvalidArgument, req.Method)
	}
	if req.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative payment %s", model.ErrInvalidArgument, req.Amount)
	}

	totals := s.cart.Totals()
	paid := req.Amount.Round()
	if req.Method == model.PaymentMethodCash {
		if paid.LessThan(totals.Total) {
			return nil, fmt.Errorf("%w: paid %s is less than total %s", model.ErrInvalidArgument, paid, totals.Total)
		}
	} else {
		if paid.IsZero() {
			paid = totals.Total
		}
		if !paid.Equal(totals.Total) {
			return nil, fmt.Errorf("%w: %s payment must equal total %s, got %s",
				model.ErrInvalidArgument, req.Method, totals.Total, paid)
		}
	}

	now := s.engine.now()
	trx := &model.Transaction{
		ID:             s.txID,
		StoreID:        s.engine.cfg.StoreID,
		RegisterID:     s.engine.cfg.RegisterID,
		CashierID:      s.cashierID,
		CustomerID:     s.cart.CustomerID(),
		Type:           model.TransactionTypeSale,
		Status:         model.TransactionStatusInProgress,
		Subtotal:       totals.Subtotal,
		TaxAmount:      totals.Tax,
		DiscountAmount: totals.Discount,
		TotalAmount:    totals.Total,
		PaidAmount:     paid,
		ChangeAmount:   paid.Sub(totals.Total),
		PaymentMethod:  req.Method,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	for _, line := range s.cart.Lines() {
		trx.Items = append(trx.Items, model.TransactionItem{
			ID:            uuid.NewString(),
			TransactionID: trx.ID,
			ProductID:     line.ProductID,
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			TotalPrice:    line.Subtotal,
			TaxAmount:     line.Tax,
		})
	}
	trx.Payments = []model.Payment{{
		ID:            uuid.NewString(),
		TransactionID: trx.ID,
		Amount:        totals.Total,
		Method:        req.Method,
		Reference:     req.Reference,
		Status:        model.PaymentStatusCompleted,
		ProcessedAt:   now,
	}}
	return trx, nil
}

// fail переводит сессию в Failed. Оставшиеся резервы не снимаются:
// они удерживают остаток за сохранённой транзакцией до Recover.
func (s *Session) fail(trx *model.Transaction, err error) error {
	s.transition(StateFailed)
	metrics.Checkouts.WithLabelValues("failed").Inc()
	s.logger.Error("checkout failed after transaction was persisted",
		zap.String("transaction_id", trx.ID),
		zap.String("number", trx.TransactionNumber),
		zap.Error(err))
	return err
}

// Cancel отменяет оформление до начала фиксации: снимает резервы и очищает корзину.
// Ничего не сохраняется.
func (s *Session) Cancel() error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if s.state != StateBuilding && s.state != StateReserving {
		return fmt.Errorf("%w: cancel in state %s", model.ErrInvalidState, s.state)
	}

	if s.txID != "" {
		s.engine.ledger.ReleaseTransaction(s.txID)
	}
	s.reservations = nil
	s.transition(StateCancelled)
	metrics.Checkouts.WithLabelValues("cancelled").Inc()
	s.reset()
	return nil
}

// Reset возвращает сессию после сбоя к пустой корзине. Незавершённая транзакция
// остаётся в хранилище и завершается через Engine.Recover.
func (s *Session) Reset() error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if s.state != StateFailed {
		return fmt.Errorf("%w: reset in state %s", model.ErrInvalidState, s.state)
	}
	s.reset()
	return nil
}

func (s *Session) reset() {
	s.cart.Clear()
	s.transition(StateBuilding)
	s.txID = ""
	s.reservations = nil
}
