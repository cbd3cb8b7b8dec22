package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/zipos-register/internal/checkout"
	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/money"
)

type transactionResponse struct {
	*model.Transaction
	Items    []model.TransactionItem `json:"items"`
	Payments []model.Payment         `json:"payments"`
}

func newTransactionResponse(t *model.Transaction) transactionResponse {
	return transactionResponse{Transaction: t, Items: t.Items, Payments: t.Payments}
}

// GetCart возвращает корзину кассира.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	cashierID, ok := cashier(w, r)
	if !ok {
		return
	}

	view, err := h.service.Cart(r.Context(), cashierID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type addItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

// AddItem добавляет товар в корзину.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	cashierID, ok := cashier(w, r)
	if !ok {
		return
	}

	var req addItemRequest
	if !h.decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.AddItem(r.Context(), cashierID, req.ProductID, req.Quantity); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.GetCart(w, r)
}

type changeQuantityRequest struct {
	Quantity int `json:"quantity" validate:"gte=0"`
}

// ChangeQuantity устанавливает количество товара. Ноль удаляет строку.
func (h *Handler) ChangeQuantity(w http.ResponseWriter, r *http.Request) {
	cashierID, ok := cashier(w, r)
	if !ok {
		return
	}

	var req changeQuantityRequest
	if !h.decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ChangeQuantity(r.Context(), cashierID, chi.URLParam(r, "productID"), req.Quantity); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.GetCart(w, r)
}

// RemoveItem удаляет товар из корзины.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	cashierID, ok := cashier(w, r)
	if !ok {
		return
	}

	if err := h.service.RemoveItem(r.Context(), cashierID, chi.URLParam(r, "productID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.GetCart(w, r)
}

type setCustomerRequest struct {
	CustomerID string `json:"customer_id"`
}

// SetCustomer привязывает покупателя к корзине. Пустой customer_id отвязывает.
func (h *Handler) SetCustomer(w http.ResponseWriter, r *http.Request) {
	cashierID, ok := cashier(w, r)
	if !ok {
		return
	}

	var req setCustomerRequest
	if !h.decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetCustomer(r.Context(), cashierID, req.CustomerID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.GetCart(w, r)
}

type setDiscountRequest struct {
	Amount money.Money `json:"amount"`
}

// SetDiscount задаёт скидку на чек.
func (h *Handler) SetDiscount(w http.ResponseWriter, r *http.Request) {
	cashierID, ok := cashier(w, r)
	if !ok {
		return
	}

	var req setDiscountRequest
	if !h.decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetDiscount(r.Context(), cashierID, req.Amount); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.GetCart(w, r)
}

// BeginCheckout резервирует товары и возвращает итоги к оплате.
func (h *Handler) BeginCheckout(w http.ResponseWriter, r *http.Request) {
	cashierID, ok := cashier(w, r)
	if !ok {
		return
	}

	totals, err := h.service.BeginCheckout(r.Context(), cashierID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

type paymentRequest struct {
	Method    model.PaymentMethod `json:"method" validate:"required"`
	Amount    money.Money         `json:"amount"`
	Reference string              `json:"reference"`
}

// ConfirmPayment проводит оплату и возвращает завершённую продажу.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	cashierID, ok := cashier(w, r)
	if !ok {
		return
	}

	var req paymentRequest
	if !h.decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	trx, err := h.service.ConfirmPayment(r.Context(), cashierID, checkout.PaymentRequest{
		Method:    req.Method,
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionResponse(trx))
}

// CancelCheckout отменяет оформление и очищает корзину.
func (h *Handler) CancelCheckout(w http.ResponseWriter, r *http.Request) {
	cashierID, ok := cashier(w, r)
	if !ok {
		return
	}

	if err := h.service.CancelCheckout(r.Context(), cashierID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetSession возвращает сессию после сбоя оформления к пустой корзине.
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	cashierID, ok := cashier(w, r)
	if !ok {
		return
	}

	if err := h.service.ResetSession(r.Context(), cashierID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type refundLineRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

type refundRequest struct {
	OriginalNumber string              `json:"original_number" validate:"required"`
	Lines          []refundLineRequest `json:"lines" validate:"dive"`
	Reason         string              `json:"reason"`
	Method         model.PaymentMethod `json:"method"`
}

// Refund оформляет возврат по номеру исходного чека.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	cashierID, ok := cashier(w, r)
	if !ok {
		return
	}

	var req refundRequest
	if !h.decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	lines := make([]checkout.RefundLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, checkout.RefundLine{ProductID: l.ProductID, Quantity: l.Quantity})
	}

	trx, err := h.service.Refund(r.Context(), checkout.RefundRequest{
		OriginalNumber: req.OriginalNumber,
		Lines:          lines,
		Reason:         req.Reason,
		Method:         req.Method,
		CashierID:      cashierID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionResponse(trx))
}

// GetTransaction возвращает транзакцию по номеру чека.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	trx, err := h.service.Transaction(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionResponse(trx))
}

// Recover завершает транзакции, прерванные сбоем.
func (h *Handler) Recover(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Recover(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
