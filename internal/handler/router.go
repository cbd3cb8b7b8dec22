package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/zipos-register/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware API кассы.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/cashier/login", h.Login)
		r.Post("/cashier/logout", h.Logout)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/cart", h.GetCart)
			r.Post("/cart/items", h.AddItem)
			r.Put("/cart/items/{productID}", h.ChangeQuantity)
			r.Delete("/cart/items/{productID}", h.RemoveItem)
			r.Put("/cart/customer", h.SetCustomer)
			r.Put("/cart/discount", h.SetDiscount)

			r.Post("/checkout", h.BeginCheckout)
			r.Post("/checkout/payment", h.ConfirmPayment)
			r.Post("/checkout/cancel", h.CancelCheckout)
			r.Post("/checkout/reset", h.ResetSession)

			r.Post("/refunds", h.Refund)
			r.Get("/transactions/{number}", h.GetTransaction)
			r.Post("/recover", h.Recover)

			r.Get("/products", h.GetProducts)
			r.Put("/products/{productID}", h.PutProduct)
			r.Post("/products/{productID}/adjustments", h.AdjustStock)

			r.Get("/alerts", h.GetAlerts)
			r.Post("/alerts/{alertID}/ack", h.AcknowledgeAlert)

			r.Get("/customers/{customerID}", h.GetCustomer)
			r.Put("/customers/{customerID}", h.PutCustomer)
			r.Get("/customers/{customerID}/history", h.GetCustomerHistory)
			r.Post("/customers/{customerID}/postings", h.PostCustomer)

			r.Get("/sync", h.GetSyncStatus)
			r.Post("/sync/drain", h.SyncNow)
			r.Get("/sync/failed", h.GetFailedSync)
			r.Post("/sync/retry", h.RetrySync)
			r.Post("/sync/entries/{type}/{entityID}/cancel", h.CancelSync)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
