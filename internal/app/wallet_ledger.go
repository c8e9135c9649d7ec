package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aminofabian/fnms-sub000/internal/domain"
	"github.com/aminofabian/fnms-sub000/internal/store"
	"github.com/google/uuid"
)

// WalletLedger owns every change to a user's stored balance. Mutations that carry an
// idempotency key are applied at most once, no matter how often they are retried.
type WalletLedger struct {
	repo store.WalletRepository
}

func NewWalletLedger(repo store.WalletRepository) *WalletLedger {
	return &WalletLedger{repo: repo}
}

// GetBalance returns the stored balance, zero for unknown users.
func (l *WalletLedger) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return l.repo.GetWalletBalance(ctx, userID)
}

// RecordTransaction applies a signed mutation and appends its ledger row.
func (l *WalletLedger) RecordTransaction(ctx context.Context, entry domain.WalletEntry) (*domain.WalletTransaction, error) {
	return l.repo.RecordWalletTransaction(ctx, entry)
}

// ListTransactions returns a page of the user's ledger, newest first.
func (l *WalletLedger) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.WalletTransaction, error) {
	return l.repo.ListWalletTransactions(ctx, userID, limit, offset)
}

// DeductForOrder debits the order total once per order.
func (l *WalletLedger) DeductForOrder(ctx context.Context, userID, orderID uuid.UUID, totalCents int64, description string) (*domain.WalletTransaction, error) {
	if totalCents <= 0 {
		return nil, &ValidationError{Field: "totalCents", Reason: "must be greater than zero"}
	}
	key := domain.OrderPaymentKey(userID, orderID)

	existing, err := l.findExisting(ctx, key)
	if err != nil || existing != nil {
		return existing, err
	}

	balance, err := l.repo.GetWalletBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read wallet balance: %w", err)
	}
	if balance < totalCents {
		return nil, fmt.Errorf("%w: balance %d, required %d", store.ErrInsufficientBalance, balance, totalCents)
	}

	return l.record(ctx, domain.WalletEntry{Key: key, AmountCents: -totalCents, Description: description})
}

// FindOrderPayment returns the debit recorded for an order, or nil when there is none.
func (l *WalletLedger) FindOrderPayment(ctx context.Context, userID, orderID uuid.UUID) (*domain.WalletTransaction, error) {
	txn, err := l.repo.FindWalletTransactionByKey(ctx, domain.OrderPaymentKey(userID, orderID))
	if errors.Is(err, store.ErrWalletTransactionNotFound) {
		return nil, nil
	}
	return txn, err
}

// RefundForOrder credits the order total back once per order.
func (l *WalletLedger) RefundForOrder(ctx context.Context, userID, orderID uuid.UUID, totalCents int64, orderNumber string) (*domain.WalletTransaction, error) {
	if totalCents <= 0 {
		return nil, &ValidationError{Field: "totalCents", Reason: "must be greater than zero"}
	}
	return l.apply(ctx, domain.WalletEntry{
		Key:         domain.OrderRefundKey(userID, orderID),
		AmountCents: totalCents,
		Description: fmt.Sprintf("Refund for order %s", orderNumber),
	})
}

// CreditTopUp credits a settled gateway top-up once per reference.
func (l *WalletLedger) CreditTopUp(ctx context.Context, userID uuid.UUID, reference string, amountCents int64) (*domain.WalletTransaction, error) {
	if amountCents <= 0 {
		return nil, &ValidationError{Field: "amountCents", Reason: "must be greater than zero"}
	}
	if reference == "" {
		return nil, ErrMissingReference
	}
	return l.apply(ctx, domain.WalletEntry{
		Key:         domain.TopUpKey(userID, reference),
		AmountCents: amountCents,
		Description: "Wallet top-up",
	})
}

func (l *WalletLedger) findExisting(ctx context.Context, key domain.IdempotencyKey) (*domain.WalletTransaction, error) {
	existing, err := l.repo.FindWalletTransactionByKey(ctx, key)
	if err == nil {
		log.Printf("level=info component=wallet_ledger msg=\"idempotent replay; mutation already applied\" key=%s txn_id=%s", key, existing.ID)
		return existing, nil
	}
	if errors.Is(err, store.ErrWalletTransactionNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("lookup wallet transaction: %w", err)
}

// apply records a keyed entry unless it already exists.
func (l *WalletLedger) apply(ctx context.Context, entry domain.WalletEntry) (*domain.WalletTransaction, error) {
	existing, err := l.findExisting(ctx, entry.Key)
	if err != nil || existing != nil {
		return existing, err
	}
	return l.record(ctx, entry)
}

// record writes the entry. A concurrent duplicate that loses the unique index race
// resolves to the row that won.
func (l *WalletLedger) record(ctx context.Context, entry domain.WalletEntry) (*domain.WalletTransaction, error) {
	txn, err := l.repo.RecordWalletTransaction(ctx, entry)
	if err == nil {
		return txn, nil
	}
	if errors.Is(err, store.ErrDuplicateWalletTransaction) {
		winner, findErr := l.repo.FindWalletTransactionByKey(ctx, entry.Key)
		if findErr != nil {
			return nil, fmt.Errorf("lookup concurrent wallet transaction: %w", findErr)
		}
		return winner, nil
	}
	return nil, err
}
