package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aminofabian/fnms-sub000/internal/store"
	"github.com/google/uuid"
)

// StockLedger is the only component that changes product stock.
type StockLedger struct {
	repo store.StockRepository
}

func NewStockLedger(repo store.StockRepository) *StockLedger {
	return &StockLedger{repo: repo}
}

// Reserve takes qty units of a product or fails without changing stock.
func (l *StockLedger) Reserve(ctx context.Context, productID uuid.UUID, qty int) error {
	if qty <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be greater than zero"}
	}
	err := l.repo.DecrementStock(ctx, productID, qty)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrInsufficientStock) {
		return &InsufficientStockError{ProductID: productID, Requested: qty}
	}
	return fmt.Errorf("reserve stock for product %s: %w", productID, err)
}

// Release returns qty units of a product unconditionally.
func (l *StockLedger) Release(ctx context.Context, productID uuid.UUID, qty int) error {
	if qty <= 0 {
		return nil
	}
	if err := l.repo.IncrementStock(ctx, productID, qty); err != nil {
		log.Printf("level=warn component=stock_ledger msg=\"stock release failed\" product_id=%s qty=%d err=%v", productID, qty, err)
		return fmt.Errorf("release stock for product %s: %w", productID, err)
	}
	return nil
}
