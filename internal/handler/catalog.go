package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/zipos-register/internal/ledger"
	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/money"
)

type productResponse struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	SKU           string      `json:"sku,omitempty"`
	Price         money.Money `json:"price"`
	TaxRate       money.Rate  `json:"tax_rate"`
	StockQuantity int         `json:"stock_quantity"`
	Reserved      int         `json:"reserved"`
	Available     int         `json:"available"`
	MinStockLevel int         `json:"min_stock_level"`
	NonReturnable bool        `json:"non_returnable,omitempty"`
}

// GetProducts возвращает каталог с остатками.
func (h *Handler) GetProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.Products(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]productResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, productResponse{
			ID:            p.ID,
			Name:          p.Name,
			SKU:           p.SKU,
			Price:         p.Price,
			TaxRate:       p.TaxRate,
			StockQuantity: p.StockQuantity,
			Reserved:      p.Reserved,
			Available:     p.Available,
			MinStockLevel: p.MinStockLevel,
			NonReturnable: p.NonReturnable,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type putProductRequest struct {
	Name          string      `json:"name" validate:"required"`
	SKU           string      `json:"sku"`
	Price         money.Money `json:"price"`
	TaxRate       money.Rate  `json:"tax_rate"`
	InitialStock  int         `json:"initial_stock" validate:"gte=0"`
	MinStockLevel int         `json:"min_stock_level" validate:"gte=0"`
	NonReturnable bool        `json:"non_returnable"`
}

// PutProduct создаёт или обновляет карточку товара.
func (h *Handler) PutProduct(w http.ResponseWriter, r *http.Request) {
	cashierID, ok := cashier(w, r)
	if !ok {
		return
	}

	var req putProductRequest
	if !h.decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.PutProduct(r.Context(), model.Product{
		ID:            chi.URLParam(r, "productID"),
		Name:          req.Name,
		SKU:           req.SKU,
		Price:         req.Price,
		TaxRate:       req.TaxRate,
		StockQuantity: req.InitialStock,
		MinStockLevel: req.MinStockLevel,
		NonReturnable: req.NonReturnable,
	}, cashierID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type adjustRequest struct {
	ID        string                 `json:"id"`
	Delta     int                    `json:"delta" validate:"required"`
	Reason    model.AdjustmentReason `json:"reason" validate:"required"`
	Reference string                 `json:"reference"`
	Notes     string                 `json:"notes"`
}

// AdjustStock проводит корректировку остатка товара.
func (h *Handler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	cashierID, ok := cashier(w, r)
	if !ok {
		return
	}

	var req adjustRequest
	if !h.decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	adj, err := h.service.AdjustStock(r.Context(), ledger.AdjustRequest{
		ID:         req.ID,
		ProductID:  chi.URLParam(r, "productID"),
		Delta:      req.Delta,
		Reason:     req.Reason,
		Reference:  req.Reference,
		Notes:      req.Notes,
		AdjustedBy: cashierID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, adj)
}

type alertResponse struct {
	ID           string               `json:"id"`
	ProductID    string               `json:"product_id"`
	Type         model.StockAlertType `json:"type"`
	CurrentStock int                  `json:"current_stock"`
	Threshold    int                  `json:"threshold"`
	CreatedAt    string               `json:"created_at"`
}

// GetAlerts возвращает активные предупреждения об остатках.
func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.service.Alerts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(alerts) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]alertResponse, 0, len(alerts))
	for _, a := range alerts {
		resp = append(resp, alertResponse{
			ID:           a.ID,
			ProductID:    a.ProductID,
			Type:         a.AlertType,
			CurrentStock: a.CurrentStock,
			Threshold:    a.Threshold,
			CreatedAt:    a.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// AcknowledgeAlert снимает предупреждение.
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	if err := h.service.AcknowledgeAlert(r.Context(), chi.URLParam(r, "alertID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type customerResponse struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Balance       money.Money `json:"balance"`
	LoyaltyPoints int64       `json:"loyalty_points"`
	TotalSpent    money.Money `json:"total_spent"`
}

// GetCustomer возвращает покупателя.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Customer(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, customerResponse{
		ID:            c.ID,
		Name:          c.Name,
		Balance:       c.Balance,
		LoyaltyPoints: c.LoyaltyPoints,
		TotalSpent:    c.TotalSpent,
	})
}

type putCustomerRequest struct {
	Name string `json:"name" validate:"required"`
}

// PutCustomer создаёт или переименовывает покупателя.
func (h *Handler) PutCustomer(w http.ResponseWriter, r *http.Request) {
	var req putCustomerRequest
	if !h.decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.PutCustomer(r.Context(), model.Customer{ID: chi.URLParam(r, "customerID"), Name: req.Name})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetCustomerHistory возвращает журнал операций по счёту покупателя.
func (h *Handler) GetCustomerHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.service.CustomerHistory(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(history) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type postingRequest struct {
	Type      model.CustomerTransactionType `json:"type" validate:"required,oneof=DEPOSIT WITHDRAWAL PAYMENT ADJUSTMENT"`
	Amount    money.Money                   `json:"amount"`
	Reference string                        `json:"reference" validate:"required"`
}

// PostCustomer проводит по счёту покупателя операцию вне продажи.
func (h *Handler) PostCustomer(w http.ResponseWriter, r *http.Request) {
	var req postingRequest
	if !h.decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entry, err := h.service.PostCustomer(r.Context(), chi.URLParam(r, "customerID"), req.Type, req.Amount, req.Reference)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}
