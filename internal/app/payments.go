package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/aminofabian/fnms-sub000/internal/domain"
	"github.com/aminofabian/fnms-sub000/internal/store"
	"github.com/aminofabian/fnms-sub000/pkg/paystack"
	"github.com/google/uuid"
)

const (
	topUpReferencePrefix      = "TOPUP"
	defaultWalletHistoryLimit = 20
	maxWalletHistoryLimit     = 100
)

// PaymentGateway is the subset of the Paystack client the service uses.
type PaymentGateway interface {
	InitializeTransaction(ctx context.Context, req paystack.InitializeRequest) (*paystack.InitializeResponse, error)
	VerifyTransaction(ctx context.Context, reference string) (*paystack.Transaction, error)
}

// PaymentInitRequest asks for a hosted checkout for an existing gateway order.
type PaymentInitRequest struct {
	OrderID     string `json:"orderId"`
	OrderNumber string `json:"orderNumber"`
	Email       string `json:"email"`
}

// PaymentInitResult is where the client should redirect the customer.
type PaymentInitResult struct {
	AuthorizationURL string `json:"authorizationUrl"`
	Reference        string `json:"reference"`
}

// InitializeOrderPayment opens a Paystack checkout for a PAYSTACK order. The order number is
// the gateway reference so the webhook can find the order again.
func (s *Service) InitializeOrderPayment(ctx context.Context, identity domain.Identity, req PaymentInitRequest) (*PaymentInitResult, error) {
	orderID, err := uuid.Parse(strings.TrimSpace(req.OrderID))
	if err != nil {
		return nil, &ValidationError{Field: "orderId", Reason: "must be a valid id"}
	}

	order, err := s.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(order.OrderNumber, strings.TrimSpace(req.OrderNumber)) {
		return nil, store.ErrOrderNotFound
	}
	if order.UserID != nil && !order.IsOwnedBy(identity.UserID) {
		return nil, store.ErrOrderNotFound
	}
	if order.PaymentMethod != domain.PaymentMethodPaystack ||
		order.PaymentStatus != domain.PaymentStatusAwaiting ||
		order.Status == domain.OrderStatusCancelled {
		return nil, ErrPaymentNotInitializable
	}

	email := firstNonEmpty(req.Email, order.ContactEmail(), identity.Email)
	if email == "" {
		return nil, &ValidationError{Field: "email", Reason: "is required"}
	}

	resp, err := s.gateway.InitializeTransaction(ctx, paystack.InitializeRequest{
		Email:       email,
		Amount:      order.TotalCents,
		Reference:   order.OrderNumber,
		CallbackURL: s.opts.PaystackCallbackURL,
		Metadata: map[string]string{
			"order_id":     order.ID.String(),
			"order_number": order.OrderNumber,
		},
	})
	if err != nil {
		log.Printf("level=warn component=payments msg=\"paystack initialize failed\" order_number=%s err=%v", order.OrderNumber, err)
		return nil, fmt.Errorf("initialize payment: %w", err)
	}

	reference := resp.Reference
	if reference == "" {
		reference = order.OrderNumber
	}
	return &PaymentInitResult{AuthorizationURL: resp.AuthorizationURL, Reference: reference}, nil
}

// TopUpRequest asks to fund the wallet through Paystack.
type TopUpRequest struct {
	AmountCents int64  `json:"amountCents"`
	Email       string `json:"email"`
}

// InitiateTopUp records a pending top-up and opens a Paystack checkout for it. The wallet is
// credited only when the reconciler sees the verified charge.
func (s *Service) InitiateTopUp(ctx context.Context, identity domain.Identity, req TopUpRequest) (*PaymentInitResult, error) {
	if !identity.Authenticated() {
		return nil, ErrAuthenticationRequired
	}
	if req.AmountCents < s.opts.MinTopUpCents {
		return nil, &ValidationError{Field: "amountCents", Reason: fmt.Sprintf("must be at least %d", s.opts.MinTopUpCents)}
	}
	if s.opts.MaxTopUpCents > 0 && req.AmountCents > s.opts.MaxTopUpCents {
		return nil, &ValidationError{Field: "amountCents", Reason: fmt.Sprintf("must be at most %d", s.opts.MaxTopUpCents)}
	}
	email := firstNonEmpty(req.Email, identity.Email)
	if email == "" {
		return nil, &ValidationError{Field: "email", Reason: "is required"}
	}

	topUp := &domain.WalletTopUp{
		ID:                uuid.New(),
		UserID:            *identity.UserID,
		AmountCents:       req.AmountCents,
		PaystackReference: newTopUpReference(),
		Status:            domain.TopUpStatusPending,
	}
	if err := s.repo.CreateTopUp(ctx, topUp); err != nil {
		return nil, fmt.Errorf("create top-up: %w", err)
	}

	resp, err := s.gateway.InitializeTransaction(ctx, paystack.InitializeRequest{
		Email:       email,
		Amount:      topUp.AmountCents,
		Reference:   topUp.PaystackReference,
		CallbackURL: s.opts.PaystackCallbackURL,
		Metadata: map[string]string{
			"purpose":   "wallet_top_up",
			"top_up_id": topUp.ID.String(),
		},
	})
	if err != nil {
		log.Printf("level=warn component=payments msg=\"paystack initialize failed for top-up\" reference=%s err=%v", topUp.PaystackReference, err)
		return nil, fmt.Errorf("initialize top-up: %w", err)
	}
	return &PaymentInitResult{AuthorizationURL: resp.AuthorizationURL, Reference: topUp.PaystackReference}, nil
}

// GetWalletBalance returns the caller's stored balance.
func (s *Service) GetWalletBalance(ctx context.Context, identity domain.Identity) (*domain.WalletBalance, error) {
	if !identity.Authenticated() {
		return nil, ErrAuthenticationRequired
	}
	balance, err := s.wallet.GetBalance(ctx, *identity.UserID)
	if err != nil {
		return nil, err
	}
	return &domain.WalletBalance{BalanceCents: balance}, nil
}

// ListWalletTransactions returns a page of the caller's wallet history.
func (s *Service) ListWalletTransactions(ctx context.Context, identity domain.Identity, limit, offset int) ([]domain.WalletTransaction, error) {
	if !identity.Authenticated() {
		return nil, ErrAuthenticationRequired
	}
	if limit <= 0 {
		limit = defaultWalletHistoryLimit
	}
	if limit > maxWalletHistoryLimit {
		limit = maxWalletHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.wallet.ListTransactions(ctx, *identity.UserID, limit, offset)
}

func newTopUpReference() string {
	return fmt.Sprintf("%s-%s", topUpReferencePrefix, strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

