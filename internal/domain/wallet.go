package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WalletTransactionType classifies a ledger row.
type WalletTransactionType string

const (
	WalletTransactionTopUp        WalletTransactionType = "top_up"
	WalletTransactionOrderPayment WalletTransactionType = "order_payment"
	WalletTransactionRefund       WalletTransactionType = "refund"
	WalletTransactionAdjustment   WalletTransactionType = "adjustment"
)

// ReferenceType names what a ledger row points at.
type ReferenceType string

const (
	ReferenceTypeOrder    ReferenceType = "order"
	ReferenceTypePaystack ReferenceType = "paystack"
)

// IdempotencyKey identifies a wallet mutation that must be applied at most once.
// The same key is backed by a partial unique index on wallet_transactions.
type IdempotencyKey struct {
	UserID        uuid.UUID
	Type          WalletTransactionType
	ReferenceType ReferenceType
	ReferenceID   string
}

func (k IdempotencyKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.UserID, k.Type, k.ReferenceType, k.ReferenceID)
}

// OrderPaymentKey is the key for debiting a wallet for an order.
func OrderPaymentKey(userID, orderID uuid.UUID) IdempotencyKey {
	return IdempotencyKey{UserID: userID, Type: WalletTransactionOrderPayment, ReferenceType: ReferenceTypeOrder, ReferenceID: orderID.String()}
}

// OrderRefundKey is the key for refunding a cancelled wallet order.
func OrderRefundKey(userID, orderID uuid.UUID) IdempotencyKey {
	return IdempotencyKey{UserID: userID, Type: WalletTransactionRefund, ReferenceType: ReferenceTypeOrder, ReferenceID: orderID.String()}
}

// TopUpKey is the key for crediting a settled gateway top-up.
func TopUpKey(userID uuid.UUID, reference string) IdempotencyKey {
	return IdempotencyKey{UserID: userID, Type: WalletTransactionTopUp, ReferenceType: ReferenceTypePaystack, ReferenceID: reference}
}

// WalletEntry is a requested ledger mutation. AmountCents is signed: debits are negative.
type WalletEntry struct {
	Key         IdempotencyKey
	AmountCents int64
	Description string
}

// WalletTransaction is an append-only ledger row.
type WalletTransaction struct {
	ID                uuid.UUID             `json:"id"`
	UserID            uuid.UUID             `json:"userId"`
	Type              WalletTransactionType `json:"type"`
	AmountCents       int64                 `json:"amountCents"`
	ReferenceType     *ReferenceType        `json:"referenceType,omitempty"`
	ReferenceID       *string               `json:"referenceId,omitempty"`
	BalanceAfterCents int64                 `json:"balanceAfterCents"`
	Description       *string               `json:"description,omitempty"`
	CreatedAt         time.Time             `json:"createdAt"`
}

// TopUpStatus is the state of a wallet top-up intent.
type TopUpStatus string

const (
	TopUpStatusPending   TopUpStatus = "pending"
	TopUpStatusCompleted TopUpStatus = "completed"
)

// WalletTopUp records a gateway payment that will credit a wallet once confirmed.
type WalletTopUp struct {
	ID                uuid.UUID   `json:"id"`
	UserID            uuid.UUID   `json:"userId"`
	AmountCents       int64       `json:"amountCents"`
	PaystackReference string      `json:"reference"`
	Status            TopUpStatus `json:"status"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
	CompletedAt       *time.Time  `json:"completedAt,omitempty"`
}

// WalletBalance is the response body of the balance endpoint.
type WalletBalance struct {
	BalanceCents int64 `json:"balanceCents"`
}
