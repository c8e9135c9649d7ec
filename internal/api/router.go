/**
 * @description
 * This file sets up the HTTP router for the storefront order service. It defines the
 * API endpoints, associates them with their handlers, and applies middleware for
 * request ids, logging, panic recovery, timeouts, CORS and optional sessions.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the browser storefront.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates and returns the router for the order service. Forwarded client
// addresses are honoured only when trustProxyHeaders is set.
func NewRouter(h *Handlers, sessions func(http.Handler) http.Handler, allowedOrigins []string, trustProxyHeaders bool) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if trustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Paystack authenticates with the body signature, not a session.
	r.Post("/webhook", h.PaystackWebhookHandler)

	r.Group(func(r chi.Router) {
		r.Use(sessions)

		r.Post("/orders", h.PlaceOrderHandler)
		r.Get("/orders", h.ListOrdersHandler)
		r.Post("/orders/{id}/cancel", h.CancelOrderHandler)

		r.Post("/paystack/initialize", h.InitializePaymentHandler)

		r.Post("/wallet/top-up", h.TopUpHandler)
		r.Get("/wallet", h.WalletBalanceHandler)
		r.Get("/wallet/transactions", h.WalletTransactionsHandler)
	})

	return r
}
