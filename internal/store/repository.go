/**
 * @description
 * This file defines the data access contracts of the order service. The contracts are
 * split by concern so each ledger only depends on the tables it owns, and are then
 * composed into `Repository` for the application service and the Postgres implementation.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/aminofabian/fnms-sub000/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrUserNotFound               = errors.New("user not found")
	ErrProductNotFound            = errors.New("product not found")
	ErrServiceAreaNotFound        = errors.New("service area not found")
	ErrOrderNotFound              = errors.New("order not found")
	ErrTopUpNotFound              = errors.New("wallet top-up not found")
	ErrWalletTransactionNotFound  = errors.New("wallet transaction not found")
	ErrInsufficientStock          = errors.New("insufficient stock")
	ErrInsufficientBalance        = errors.New("insufficient wallet balance")
	ErrDuplicateOrderNumber       = errors.New("order number already exists")
	ErrDuplicateWalletTransaction = errors.New("wallet transaction already recorded")
	ErrDuplicateTopUpReference    = errors.New("top-up reference already exists")
)

// CatalogRepository reads products and service areas. The catalog is owned elsewhere.
type CatalogRepository interface {
	FindProductByID(ctx context.Context, productID uuid.UUID) (*domain.Product, error)
	FindServiceAreaByID(ctx context.Context, areaID uuid.UUID) (*domain.ServiceArea, error)
}

// StockRepository is the only writer of products.stock_quantity.
type StockRepository interface {
	// DecrementStock lowers stock by qty or returns ErrInsufficientStock without changing anything.
	DecrementStock(ctx context.Context, productID uuid.UUID, qty int) error
	IncrementStock(ctx context.Context, productID uuid.UUID, qty int) error
}

// OrderRepository persists orders and their items.
type OrderRepository interface {
	// CreateOrder inserts the order and all of its items in one transaction.
	CreateOrder(ctx context.Context, order *domain.Order) error
	DeleteOrder(ctx context.Context, orderID uuid.UUID) error
	FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	FindOrderByNumber(ctx context.Context, orderNumber string) (*domain.Order, error)
	ListOrdersByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Order, error)
	CountOrdersByUser(ctx context.Context, userID uuid.UUID) (int, error)
	// TransitionOrderStatus moves the order only if it is still in `from`. It reports whether it did.
	TransitionOrderStatus(ctx context.Context, orderID uuid.UUID, from, to domain.OrderStatus) (bool, error)
	// TransitionPaymentStatus moves payment_status only if it is still in `from` and the order is
	// not cancelled. It reports whether it did.
	TransitionPaymentStatus(ctx context.Context, orderID uuid.UUID, from, to domain.PaymentStatus) (bool, error)
	ListOrdersAwaitingPayment(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error)
}

// WalletRepository is the only writer of users.wallet_balance_cents and wallet_transactions.
type WalletRepository interface {
	// GetWalletBalance returns 0 when the user row does not exist.
	GetWalletBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	FindWalletTransactionByKey(ctx context.Context, key domain.IdempotencyKey) (*domain.WalletTransaction, error)
	// RecordWalletTransaction locks the user row, applies the signed amount and appends the ledger row atomically.
	RecordWalletTransaction(ctx context.Context, entry domain.WalletEntry) (*domain.WalletTransaction, error)
	ListWalletTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.WalletTransaction, error)
	CreateTopUp(ctx context.Context, topUp *domain.WalletTopUp) error
	FindTopUpByReference(ctx context.Context, reference string) (*domain.WalletTopUp, error)
	// MarkTopUpCompleted moves a pending top-up to completed. It reports whether it did.
	MarkTopUpCompleted(ctx context.Context, topUpID uuid.UUID) (bool, error)
}

// UserRepository resolves identities issued by the auth provider.
type UserRepository interface {
	FindUserByAuthSubject(ctx context.Context, subject string) (*domain.User, error)
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	CatalogRepository
	StockRepository
	OrderRepository
	WalletRepository
	UserRepository
}
