package domain

import (
	"time"

	"github.com/google/uuid"
)

// Product is the subset of the catalog the ordering flow reads.
type Product struct {
	ID            uuid.UUID
	Name          string
	PriceCents    int64
	StockQuantity int
	IsActive      bool
}

// ServiceArea is a delivery zone with its own fee and optional minimum basket.
type ServiceArea struct {
	ID               uuid.UUID
	Name             string
	DeliveryFeeCents int64
	MinOrderCents    int64
	IsActive         bool
}

// User is the storefront account. WalletBalanceCents is the denormalized ledger sum.
type User struct {
	ID                 uuid.UUID
	AuthSubject        string
	Email              *string
	WalletBalanceCents int64
	CreatedAt          time.Time
}
