package app

import (
	"errors"
	"fmt"

	"github.com/aminofabian/fnms-sub000/internal/domain"
	"github.com/aminofabian/fnms-sub000/internal/store"
	"github.com/google/uuid"
)

var (
	ErrAuthenticationRequired  = errors.New("authentication required")
	ErrOrderNotCancellable     = errors.New("order can no longer be cancelled")
	ErrInvalidTransition       = errors.New("invalid order status transition")
	ErrStaleOrderState         = errors.New("order status changed concurrently")
	ErrPaymentNotInitializable = errors.New("order is not awaiting a gateway payment")
	ErrInvalidSignature        = errors.New("invalid webhook signature")
	ErrVerificationUnavailable = errors.New("payment verification unavailable")
	ErrAmountMismatch          = errors.New("verified amount does not match expected amount")
	ErrMissingReference        = errors.New("payment reference is missing")
)

// ValidationError reports a malformed or inconsistent request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// EligibilityError reports that the caller may not use the chosen payment method.
type EligibilityError struct {
	Method       domain.PaymentMethod
	Reason       string
	RequiresAuth bool
}

func (e *EligibilityError) Error() string {
	return fmt.Sprintf("payment method %s not available: %s", e.Method, e.Reason)
}

func (e *EligibilityError) Unwrap() error {
	if e.RequiresAuth {
		return ErrAuthenticationRequired
	}
	return nil
}

// InsufficientStockError names the product that cannot cover the requested quantity.
type InsufficientStockError struct {
	ProductID   uuid.UUID
	ProductName string
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Error() string {
	if e.ProductName != "" {
		return fmt.Sprintf("insufficient stock for %s (%s): requested %d, available %d", e.ProductName, e.ProductID, e.Requested, e.Available)
	}
	return fmt.Sprintf("insufficient stock for product %s: requested %d", e.ProductID, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return store.ErrInsufficientStock
}

// MinimumOrderError is returned when the basket is below the service area minimum.
type MinimumOrderError struct {
	SubtotalCents int64
	MinimumCents  int64
}

func (e *MinimumOrderError) Error() string {
	return fmt.Sprintf("order subtotal %d is below the minimum of %d for this area", e.SubtotalCents, e.MinimumCents)
}

// RateLimitError tells the caller when it may try again.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many requests; retry after %d seconds", e.RetryAfterSeconds)
}
