package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aminofabian/fnms-sub000/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetWalletBalance reads the denormalized balance. A missing user has a zero balance.
func (r *PostgresRepository) GetWalletBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, "SELECT wallet_balance_cents FROM users WHERE id = $1", userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

const walletTransactionColumns = `
	id, user_id, type, amount_cents, reference_type, reference_id, balance_after_cents, description, created_at`

func scanWalletTransaction(row pgx.Row) (*domain.WalletTransaction, error) {
	var txn domain.WalletTransaction
	err := row.Scan(
		&txn.ID, &txn.UserID, &txn.Type, &txn.AmountCents, &txn.ReferenceType, &txn.ReferenceID,
		&txn.BalanceAfterCents, &txn.Description, &txn.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// FindWalletTransactionByKey looks up a previously applied mutation.
func (r *PostgresRepository) FindWalletTransactionByKey(ctx context.Context, key domain.IdempotencyKey) (*domain.WalletTransaction, error) {
	txn, err := scanWalletTransaction(r.db.QueryRow(ctx,
		"SELECT "+walletTransactionColumns+` FROM wallet_transactions
		 WHERE user_id = $1 AND type = $2 AND reference_type = $3 AND reference_id = $4`,
		key.UserID, key.Type, key.ReferenceType, key.ReferenceID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletTransactionNotFound
		}
		return nil, err
	}
	return txn, nil
}

// RecordWalletTransaction is the single mutation primitive of the wallet. The user row lock
// serializes concurrent mutations for the same user, so the computed balance_after always
// equals the previous balance plus the amount.
func (r *PostgresRepository) RecordWalletTransaction(ctx context.Context, entry domain.WalletEntry) (*domain.WalletTransaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx, "SELECT wallet_balance_cents FROM users WHERE id = $1 FOR UPDATE", entry.Key.UserID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	after := balance + entry.AmountCents
	if after < 0 {
		return nil, ErrInsufficientBalance
	}

	if _, err := tx.Exec(ctx,
		"UPDATE users SET wallet_balance_cents = $1, updated_at = NOW() WHERE id = $2",
		after, entry.Key.UserID,
	); err != nil {
		if isCheckViolation(err, usersWalletBalanceNonNegative) {
			return nil, ErrInsufficientBalance
		}
		return nil, err
	}

	var description *string
	if entry.Description != "" {
		description = &entry.Description
	}
	var referenceType *domain.ReferenceType
	var referenceID *string
	if entry.Key.ReferenceType != "" {
		referenceType = &entry.Key.ReferenceType
		referenceID = &entry.Key.ReferenceID
	}

	txn, err := scanWalletTransaction(tx.QueryRow(ctx, `
		INSERT INTO wallet_transactions (
			id, user_id, type, amount_cents, reference_type, reference_id, balance_after_cents, description
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+walletTransactionColumns,
		uuid.New(), entry.Key.UserID, entry.Key.Type, entry.AmountCents, referenceType, referenceID, after, description,
	))
	if err != nil {
		if isUniqueViolation(err, walletTransactionsIdemKey) {
			return nil, ErrDuplicateWalletTransaction
		}
		return nil, fmt.Errorf("insert wallet transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err, walletTransactionsIdemKey) {
			return nil, ErrDuplicateWalletTransaction
		}
		return nil, err
	}
	return txn, nil
}

// ListWalletTransactions returns a user's ledger, newest first.
func (r *PostgresRepository) ListWalletTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.WalletTransaction, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+walletTransactionColumns+` FROM wallet_transactions
		 WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []domain.WalletTransaction{}
	for rows.Next() {
		txn, err := scanWalletTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *txn)
	}
	return transactions, rows.Err()
}

// CreateTopUp records a pending gateway top-up.
func (r *PostgresRepository) CreateTopUp(ctx context.Context, topUp *domain.WalletTopUp) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO wallet_top_ups (id, user_id, amount_cents, paystack_reference, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		topUp.ID, topUp.UserID, topUp.AmountCents, topUp.PaystackReference, topUp.Status,
	).Scan(&topUp.CreatedAt, &topUp.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, walletTopUpsReferenceKey) {
			return ErrDuplicateTopUpReference
		}
		return err
	}
	return nil
}

// FindTopUpByReference loads a top-up by its gateway reference.
func (r *PostgresRepository) FindTopUpByReference(ctx context.Context, reference string) (*domain.WalletTopUp, error) {
	var t domain.WalletTopUp
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, amount_cents, paystack_reference, status, created_at, updated_at, completed_at
		FROM wallet_top_ups WHERE paystack_reference = $1`,
		reference,
	).Scan(&t.ID, &t.UserID, &t.AmountCents, &t.PaystackReference, &t.Status, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTopUpNotFound
		}
		return nil, err
	}
	return &t, nil
}

// MarkTopUpCompleted flips a pending top-up to completed exactly once.
func (r *PostgresRepository) MarkTopUpCompleted(ctx context.Context, topUpID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE wallet_top_ups
		SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		topUpID, domain.TopUpStatusCompleted, domain.TopUpStatusPending,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
