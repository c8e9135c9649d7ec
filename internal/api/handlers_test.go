package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aminofabian/fnms-sub000/internal/app"
	"github.com/aminofabian/fnms-sub000/internal/domain"
	"github.com/aminofabian/fnms-sub000/internal/store"
	"github.com/aminofabian/fnms-sub000/pkg/paystack"
	"github.com/google/uuid"
)

type serviceStub struct {
	rateLimitErr error
	placeErr     error
	placed       []domain.PlaceOrderRequest
	identities   []domain.Identity
	subjects     []string
	cancelErr    error
	order        *domain.Order
}

func (s *serviceStub) CheckOrderRateLimit(ctx context.Context, subject string) error {
	s.subjects = append(s.subjects, subject)
	return s.rateLimitErr
}

func (s *serviceStub) PlaceOrder(ctx context.Context, identity domain.Identity, req domain.PlaceOrderRequest) (*domain.PlaceOrderResult, error) {
	s.placed = append(s.placed, req)
	s.identities = append(s.identities, identity)
	if s.placeErr != nil {
		return nil, s.placeErr
	}
	return &domain.PlaceOrderResult{OrderNumber: "FN-20250101-ABC123", OrderID: uuid.MustParse("11111111-1111-1111-1111-111111111111")}, nil
}

func (s *serviceStub) ListOrders(ctx context.Context, identity domain.Identity, limit, offset int) ([]domain.Order, error) {
	if !identity.Authenticated() {
		return nil, app.ErrAuthenticationRequired
	}
	return []domain.Order{}, nil
}

func (s *serviceStub) FindOrderByNumber(ctx context.Context, identity domain.Identity, orderNumber string) (*domain.Order, error) {
	if s.order == nil || s.order.OrderNumber != orderNumber {
		return nil, store.ErrOrderNotFound
	}
	return s.order, nil
}

func (s *serviceStub) CancelOrder(ctx context.Context, identity domain.Identity, orderID uuid.UUID) (*domain.Order, error) {
	if s.cancelErr != nil {
		return nil, s.cancelErr
	}
	return &domain.Order{ID: orderID, Status: domain.OrderStatusCancelled}, nil
}

func (s *serviceStub) InitializeOrderPayment(ctx context.Context, identity domain.Identity, req app.PaymentInitRequest) (*app.PaymentInitResult, error) {
	return &app.PaymentInitResult{AuthorizationURL: "https://checkout.paystack.test/x", Reference: req.OrderNumber}, nil
}

func (s *serviceStub) InitiateTopUp(ctx context.Context, identity domain.Identity, req app.TopUpRequest) (*app.PaymentInitResult, error) {
	if !identity.Authenticated() {
		return nil, app.ErrAuthenticationRequired
	}
	return &app.PaymentInitResult{AuthorizationURL: "https://checkout.paystack.test/y", Reference: "TOPUP-1"}, nil
}

func (s *serviceStub) GetWalletBalance(ctx context.Context, identity domain.Identity) (*domain.WalletBalance, error) {
	if !identity.Authenticated() {
		return nil, app.ErrAuthenticationRequired
	}
	return &domain.WalletBalance{BalanceCents: 18000}, nil
}

func (s *serviceStub) ListWalletTransactions(ctx context.Context, identity domain.Identity, limit, offset int) ([]domain.WalletTransaction, error) {
	return []domain.WalletTransaction{}, nil
}

type webhookStub struct {
	secret string
	bodies [][]byte
	err    error
}

func (s *webhookStub) HandleWebhook(ctx context.Context, body []byte, signature string) (app.ReconcileOutcome, error) {
	if !paystack.ValidSignature(s.secret, body, signature) {
		return app.OutcomeRejected, app.ErrInvalidSignature
	}
	s.bodies = append(s.bodies, body)
	if s.err != nil {
		return app.OutcomeUnverified, s.err
	}
	return app.OutcomeOrderPaid, nil
}

func passthrough(next http.Handler) http.Handler { return next }

func newTestRouter(service *serviceStub, webhooks *webhookStub, sessions func(http.Handler) http.Handler) http.Handler {
	return NewRouter(NewHandlers(service, webhooks), sessions, []string{"https://shop.example.com"}, false)
}

func memberSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
		ctx := WithIdentity(r.Context(), domain.Identity{UserID: &userID, Email: "member@example.com"}, "user_abc")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return body
}

const checkoutBody = `{"delivery":{"recipientName":"Wanjiku","phone":"+254700000001","address":"12 Parklands Road","serviceAreaId":"33333333-3333-3333-3333-333333333333"},"paymentMethod":"PAYSTACK","items":[{"productId":"44444444-4444-4444-4444-444444444444","quantity":2}]}`

func TestPlaceOrderHandler_CreatesOrder(t *testing.T) {
	service := &serviceStub{}
	router := newTestRouter(service, &webhookStub{}, passthrough)

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(checkoutBody))
	req.RemoteAddr = "203.0.113.5:4242"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["orderNumber"] != "FN-20250101-ABC123" {
		t.Fatalf("unexpected order number %v", body["orderNumber"])
	}
	if len(service.placed) != 1 || service.placed[0].Items[0].Quantity != 2 {
		t.Fatalf("request not forwarded: %+v", service.placed)
	}
	if service.identities[0].Authenticated() {
		t.Fatal("expected a guest identity without a session")
	}
	if service.subjects[0] != "ip:203.0.113.5" {
		t.Fatalf("expected guest rate limit by address, got %q", service.subjects[0])
	}
}

func TestPlaceOrderHandler_GuestCannotRotateForwardedAddress(t *testing.T) {
	service := &serviceStub{}
	router := newTestRouter(service, &webhookStub{}, passthrough)

	for _, forwarded := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3"} {
		req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(checkoutBody))
		req.RemoteAddr = "203.0.113.5:4242"
		req.Header.Set("X-Forwarded-For", forwarded)
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	if len(service.subjects) != 3 {
		t.Fatalf("expected three rate limit checks, got %d", len(service.subjects))
	}
	for _, subject := range service.subjects {
		if subject != "ip:203.0.113.5" {
			t.Fatalf("expected the connection address to be the key, got %q", subject)
		}
	}
}

func TestPlaceOrderHandler_TrustedProxyForwardsClientAddress(t *testing.T) {
	service := &serviceStub{}
	router := NewRouter(NewHandlers(service, &webhookStub{}), passthrough, nil, true)

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(checkoutBody))
	req.RemoteAddr = "10.0.0.7:4242"
	req.Header.Set("X-Forwarded-For", "198.51.100.9")
	router.ServeHTTP(httptest.NewRecorder(), req)

	if len(service.subjects) != 1 || service.subjects[0] != "ip:198.51.100.9" {
		t.Fatalf("expected the forwarded client address behind a trusted proxy, got %v", service.subjects)
	}
}

func TestPlaceOrderHandler_MembersAreRateLimitedByAccount(t *testing.T) {
	service := &serviceStub{}
	router := newTestRouter(service, &webhookStub{}, memberSession)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(checkoutBody)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if service.subjects[0] != "user:user_abc" {
		t.Fatalf("expected member rate limit by subject, got %q", service.subjects[0])
	}
}

func TestPlaceOrderHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", &app.ValidationError{Field: "items", Reason: "at least one item is required"}, http.StatusBadRequest},
		{"guest cod", &app.EligibilityError{Method: domain.PaymentMethodCashOnDelivery, Reason: "sign in", RequiresAuth: true}, http.StatusUnauthorized},
		{"first order cod", &app.EligibilityError{Method: domain.PaymentMethodCashOnDelivery, Reason: "first order"}, http.StatusBadRequest},
		{"stock", &app.InsufficientStockError{ProductID: uuid.New(), Requested: 3}, http.StatusBadRequest},
		{"minimum", &app.MinimumOrderError{SubtotalCents: 100, MinimumCents: 500}, http.StatusBadRequest},
		{"balance", store.ErrInsufficientBalance, http.StatusBadRequest},
		{"unexpected", context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&serviceStub{placeErr: tt.err}, &webhookStub{}, passthrough)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(checkoutBody)))

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if _, ok := decodeBody(t, rec)["error"]; !ok {
				t.Fatal("expected an error field in the response")
			}
		})
	}
}

func TestPlaceOrderHandler_StockErrorNamesProduct(t *testing.T) {
	productID := uuid.New()
	router := newTestRouter(&serviceStub{placeErr: &app.InsufficientStockError{ProductID: productID, Requested: 3}}, &webhookStub{}, passthrough)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(checkoutBody)))

	if got := decodeBody(t, rec)["productId"]; got != productID.String() {
		t.Fatalf("expected productId %s, got %v", productID, got)
	}
}

func TestPlaceOrderHandler_RateLimited(t *testing.T) {
	service := &serviceStub{rateLimitErr: &app.RateLimitError{RetryAfterSeconds: 37}}
	router := newTestRouter(service, &webhookStub{}, passthrough)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(checkoutBody)))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "37" {
		t.Fatalf("expected Retry-After 37, got %q", rec.Header().Get("Retry-After"))
	}
	if len(service.placed) != 0 {
		t.Fatal("expected the order not to be attempted")
	}
}

func TestPlaceOrderHandler_RejectsMalformedJSON(t *testing.T) {
	router := newTestRouter(&serviceStub{}, &webhookStub{}, passthrough)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader("{")))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListOrdersHandler(t *testing.T) {
	service := &serviceStub{order: &domain.Order{OrderNumber: "FN-20250101-ABC123", Status: domain.OrderStatusPending}}

	guest := newTestRouter(service, &webhookStub{}, passthrough)
	rec := httptest.NewRecorder()
	guest.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 listing orders as a guest, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	guest.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders?orderNumber=FN-20250101-ABC123", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 tracking a guest order, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	guest.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders?orderNumber=FN-00000000-NOPE00", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown order number, got %d", rec.Code)
	}

	member := newTestRouter(service, &webhookStub{}, memberSession)
	rec = httptest.NewRecorder()
	member.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 listing member orders, got %d", rec.Code)
	}
}

func TestCancelOrderHandler(t *testing.T) {
	router := newTestRouter(&serviceStub{}, &webhookStub{}, memberSession)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders/not-a-uuid/cancel", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad id, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders/"+uuid.NewString()+"/cancel", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	conflict := newTestRouter(&serviceStub{cancelErr: app.ErrOrderNotCancellable}, &webhookStub{}, memberSession)
	rec = httptest.NewRecorder()
	conflict.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders/"+uuid.NewString()+"/cancel", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestWalletHandlers(t *testing.T) {
	guest := newTestRouter(&serviceStub{}, &webhookStub{}, passthrough)
	rec := httptest.NewRecorder()
	guest.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wallet", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a guest wallet, got %d", rec.Code)
	}

	member := newTestRouter(&serviceStub{}, &webhookStub{}, memberSession)
	rec = httptest.NewRecorder()
	member.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wallet", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["balanceCents"]; got != float64(18000) {
		t.Fatalf("expected balanceCents 18000, got %v", got)
	}

	rec = httptest.NewRecorder()
	member.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/wallet/top-up", strings.NewReader(`{"amountCents":100000}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a top-up, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["authorizationUrl"]; got == nil || got == "" {
		t.Fatal("expected an authorizationUrl")
	}
}

func TestPaystackWebhookHandler(t *testing.T) {
	webhooks := &webhookStub{secret: "sk_test"}
	router := newTestRouter(&serviceStub{}, webhooks, passthrough)
	payload := []byte(`{"event":"charge.success","data":{"reference":"FN-20250101-ABC123","amount":17000}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(payload)))
	req.Header.Set(paystack.SignatureHeader, "deadbeef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad signature, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(payload)))
	req.Header.Set(paystack.SignatureHeader, paystack.Sign("sk_test", payload))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["received"]; got != true {
		t.Fatalf("expected received=true, got %v", got)
	}
	if len(webhooks.bodies) != 1 || string(webhooks.bodies[0]) != string(payload) {
		t.Fatal("expected the raw body to reach the reconciler unchanged")
	}

	webhooks.err = app.ErrVerificationUnavailable
	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(payload)))
	req.Header.Set(paystack.SignatureHeader, paystack.Sign("sk_test", payload))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected verification outages to be acknowledged, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&serviceStub{}, &webhookStub{}, passthrough)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "healthy" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}
