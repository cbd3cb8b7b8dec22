// Package handler содержит HTTP-обработчики локального API кассы.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/mmeshcher/zipos-register/internal/cart"
	"github.com/mmeshcher/zipos-register/internal/checkout"
	"github.com/mmeshcher/zipos-register/internal/ledger"
	"github.com/mmeshcher/zipos-register/internal/middleware"
	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/money"
	"github.com/mmeshcher/zipos-register/internal/service"
	"github.com/mmeshcher/zipos-register/internal/store"
	"github.com/mmeshcher/zipos-register/internal/syncqueue"
)

// Service определяет контракт фасада кассы, используемый HTTP-обработчиками.
type Service interface {
	AuthenticateCashier(ctx context.Context, cashierID, pin string) error

	Cart(ctx context.Context, cashierID string) (*service.CartView, error)
	AddItem(ctx context.Context, cashierID, productID string, qty int) error
	ChangeQuantity(ctx context.Context, cashierID, productID string, qty int) error
	RemoveItem(ctx context.Context, cashierID, productID string) error
	SetCustomer(ctx context.Context, cashierID, customerID string) error
	SetDiscount(ctx context.Context, cashierID string, amount money.Money) error
	BeginCheckout(ctx context.Context, cashierID string) (cart.Totals, error)
	ConfirmPayment(ctx context.Context, cashierID string, req checkout.PaymentRequest) (*model.Transaction, error)
	CancelCheckout(ctx context.Context, cashierID string) error
	ResetSession(ctx context.Context, cashierID string) error

	Refund(ctx context.Context, req checkout.RefundRequest) (*model.Transaction, error)
	Transaction(ctx context.Context, number string) (*model.Transaction, error)
	Recover(ctx context.Context) (checkout.RecoverReport, error)

	Products(ctx context.Context) ([]service.ProductStock, error)
	PutProduct(ctx context.Context, p model.Product, adjustedBy string) error
	AdjustStock(ctx context.Context, req ledger.AdjustRequest) (*model.InventoryAdjustment, error)
	Alerts(ctx context.Context) ([]model.StockAlert, error)
	AcknowledgeAlert(ctx context.Context, alertID string) error

	Customer(ctx context.Context, id string) (*model.Customer, error)
	PutCustomer(ctx context.Context, c model.Customer) error
	CustomerHistory(ctx context.Context, id string) ([]model.CustomerTransaction, error)
	PostCustomer(ctx context.Context, customerID string, kind model.CustomerTransactionType, amount money.Money, reference string) (*model.CustomerTransaction, error)

	SyncStatus(ctx context.Context) (syncqueue.Counts, error)
	SyncNow(ctx context.Context) (syncqueue.DrainReport, error)
	FailedSync(ctx context.Context) ([]model.QueueEntry, error)
	RetrySync(ctx context.Context) (int, error)
	CancelSync(ctx context.Context, ref model.EntityRef) error
}

// Handler реализует HTTP-обработчики API кассы.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	validate       *validator.Validate
}

// NewHandler создаёт обработчик HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
	}
}

// decode читает JSON-тело запроса и проверяет его по тегам validate.
func (h *Handler) decode(r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return false
	}
	return h.validate.Struct(v) == nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error     string `json:"error"`
	ProductID string `json:"product_id,omitempty"`
	Available *int   `json:"available,omitempty"`
}

// writeError переводит ошибку кассового ядра в HTTP-статус.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var stockErr *model.StockError
	switch {
	case errors.As(err, &stockErr):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:     err.Error(),
			ProductID: stockErr.ProductID,
			Available: &stockErr.Available,
		})
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, model.ErrInvalidArgument):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, model.ErrInvalidState), errors.Is(err, model.ErrWouldGoNegative):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case model.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	case errors.Is(err, model.ErrSyncFailure):
		h.logger.Warn("sync failure", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// cashier возвращает кассира текущей смены. Маршруты с ним всегда проходят через authMiddleware.
func cashier(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.GetCashierIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return id, ok
}

type loginRequest struct {
	CashierID string `json:"cashier_id" validate:"required"`
	PIN       string `json:"pin" validate:"required"`
}

// Login открывает смену кассира и устанавливает cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.AuthenticateCashier(r.Context(), req.CashierID, req.PIN); err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.writeError(w, r, err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, req.CashierID)
	w.WriteHeader(http.StatusOK)
}

// Logout завершает смену кассира.
func (h *Handler) Logout(w http.ResponseWriter, _ *http.Request) {
	h.authMiddleware.ClearAuthCookie(w)
	w.WriteHeader(http.StatusOK)
}
