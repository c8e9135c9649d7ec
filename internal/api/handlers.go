/**
 * @description
 * This file contains the HTTP handlers for the storefront ordering and wallet endpoints.
 * Handlers decode the request, hand it to the application service together with the
 * caller identity from the session middleware, and translate typed service errors into
 * status codes.
 *
 * @dependencies
 * - encoding/json, errors, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For URL parameters.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/aminofabian/fnms-sub000/internal/app"
	"github.com/aminofabian/fnms-sub000/internal/domain"
	"github.com/aminofabian/fnms-sub000/internal/store"
	"github.com/aminofabian/fnms-sub000/pkg/paystack"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxRequestBodyBytes = 1 << 20

// OrderService is the application surface the handlers depend on.
type OrderService interface {
	CheckOrderRateLimit(ctx context.Context, subject string) error
	PlaceOrder(ctx context.Context, identity domain.Identity, req domain.PlaceOrderRequest) (*domain.PlaceOrderResult, error)
	ListOrders(ctx context.Context, identity domain.Identity, limit, offset int) ([]domain.Order, error)
	FindOrderByNumber(ctx context.Context, identity domain.Identity, orderNumber string) (*domain.Order, error)
	CancelOrder(ctx context.Context, identity domain.Identity, orderID uuid.UUID) (*domain.Order, error)
	InitializeOrderPayment(ctx context.Context, identity domain.Identity, req app.PaymentInitRequest) (*app.PaymentInitResult, error)
	InitiateTopUp(ctx context.Context, identity domain.Identity, req app.TopUpRequest) (*app.PaymentInitResult, error)
	GetWalletBalance(ctx context.Context, identity domain.Identity) (*domain.WalletBalance, error)
	ListWalletTransactions(ctx context.Context, identity domain.Identity, limit, offset int) ([]domain.WalletTransaction, error)
}

// WebhookProcessor verifies and applies Paystack webhook deliveries.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, body []byte, signature string) (app.ReconcileOutcome, error)
}

// Handlers holds the application services that handlers will use.
type Handlers struct {
	service  OrderService
	webhooks WebhookProcessor
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(service OrderService, webhooks WebhookProcessor) *Handlers {
	return &Handlers{service: service, webhooks: webhooks}
}

// PlaceOrderHandler handles checkout submissions from guests and members.
func (h *Handlers) PlaceOrderHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.service.CheckOrderRateLimit(r.Context(), rateLimitSubject(r)); err != nil {
		h.writeServiceError(w, "place_order", err)
		return
	}

	var req domain.PlaceOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.PlaceOrder(r.Context(), IdentityFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, "place_order", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ListOrdersHandler lists the member's orders, or looks one up by number for tracking.
func (h *Handlers) ListOrdersHandler(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	if orderNumber := strings.TrimSpace(r.URL.Query().Get("orderNumber")); orderNumber != "" {
		order, err := h.service.FindOrderByNumber(r.Context(), identity, orderNumber)
		if err != nil {
			h.writeServiceError(w, "track_order", err)
			return
		}
		writeJSON(w, http.StatusOK, order)
		return
	}

	limit, offset := pagination(r)
	orders, err := h.service.ListOrders(r.Context(), identity, limit, offset)
	if err != nil {
		h.writeServiceError(w, "list_orders", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

// CancelOrderHandler cancels one of the member's orders.
func (h *Handlers) CancelOrderHandler(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	order, err := h.service.CancelOrder(r.Context(), IdentityFromContext(r.Context()), orderID)
	if err != nil {
		h.writeServiceError(w, "cancel_order", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// InitializePaymentHandler opens a Paystack checkout for a gateway order.
func (h *Handlers) InitializePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req app.PaymentInitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.InitializeOrderPayment(r.Context(), IdentityFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, "paystack_initialize", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// TopUpHandler opens a Paystack checkout that funds the member's wallet.
func (h *Handlers) TopUpHandler(w http.ResponseWriter, r *http.Request) {
	var req app.TopUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.InitiateTopUp(r.Context(), IdentityFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, "wallet_top_up", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// WalletBalanceHandler returns the member's stored balance.
func (h *Handlers) WalletBalanceHandler(w http.ResponseWriter, r *http.Request) {
	balance, err := h.service.GetWalletBalance(r.Context(), IdentityFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, "wallet_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// WalletTransactionsHandler returns a page of the member's wallet history.
func (h *Handlers) WalletTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	transactions, err := h.service.ListWalletTransactions(r.Context(), IdentityFromContext(r.Context()), limit, offset)
	if err != nil {
		h.writeServiceError(w, "wallet_transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": transactions})
}

// writeServiceError maps service failures to HTTP responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var (
		rateErr        *app.RateLimitError
		validationErr  *app.ValidationError
		eligibilityErr *app.EligibilityError
		stockErr       *app.InsufficientStockError
		minimumErr     *app.MinimumOrderError
	)

	switch {
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, "Too many orders. Please try again shortly.")
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Error())
	case errors.As(err, &eligibilityErr):
		status := http.StatusBadRequest
		if eligibilityErr.RequiresAuth {
			status = http.StatusUnauthorized
		}
		writeError(w, status, eligibilityErr.Error())
	case errors.As(err, &stockErr):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":     stockErr.Error(),
			"productId": stockErr.ProductID,
		})
	case errors.As(err, &minimumErr):
		writeError(w, http.StatusBadRequest, minimumErr.Error())
	case errors.Is(err, app.ErrAuthenticationRequired):
		writeError(w, http.StatusUnauthorized, "Sign in to continue")
	case errors.Is(err, store.ErrInsufficientBalance):
		writeError(w, http.StatusBadRequest, "Insufficient wallet balance")
	case errors.Is(err, store.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "Order not found")
	case errors.Is(err, app.ErrOrderNotCancellable), errors.Is(err, app.ErrStaleOrderState):
		writeError(w, http.StatusConflict, "Order can no longer be cancelled")
	case errors.Is(err, app.ErrPaymentNotInitializable):
		writeError(w, http.StatusConflict, "Order is not awaiting card payment")
	case errors.Is(err, paystack.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Payment provider is unavailable. Please try again shortly.")
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"unexpected error\" err=%v", endpoint, err)
		writeError(w, http.StatusInternalServerError, "Something went wrong")
	}
}

// rateLimitSubject keys members by their account and guests by their address.
func rateLimitSubject(r *http.Request) string {
	if subject, ok := SubjectFromContext(r.Context()); ok {
		return "user:" + subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func pagination(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
