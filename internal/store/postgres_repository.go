/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface for
 * the catalog, stock, user and order tables. Wallet ledger queries live in
 * postgres_wallet.go.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aminofabian/fnms-sub000/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

const (
	ordersOrderNumberKey          = "orders_order_number_key"
	walletTransactionsIdemKey     = "wallet_transactions_idempotency_key"
	walletTopUpsReferenceKey      = "wallet_top_ups_paystack_reference_key"
	usersWalletBalanceNonNegative = "users_wallet_balance_cents_check"
)

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func isCheckViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgCheckViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

// FindUserByAuthSubject resolves the storefront user behind an auth provider subject.
func (r *PostgresRepository) FindUserByAuthSubject(ctx context.Context, subject string) (*domain.User, error) {
	var user domain.User
	err := r.db.QueryRow(ctx,
		"SELECT id, auth_subject, email, wallet_balance_cents, created_at FROM users WHERE auth_subject = $1",
		subject,
	).Scan(&user.ID, &user.AuthSubject, &user.Email, &user.WalletBalanceCents, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindProductByID loads the fields of a product the ordering flow needs.
func (r *PostgresRepository) FindProductByID(ctx context.Context, productID uuid.UUID) (*domain.Product, error) {
	var p domain.Product
	err := r.db.QueryRow(ctx,
		"SELECT id, name, price_cents, stock_quantity, is_active FROM products WHERE id = $1",
		productID,
	).Scan(&p.ID, &p.Name, &p.PriceCents, &p.StockQuantity, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindServiceAreaByID loads a delivery zone.
func (r *PostgresRepository) FindServiceAreaByID(ctx context.Context, areaID uuid.UUID) (*domain.ServiceArea, error) {
	var a domain.ServiceArea
	err := r.db.QueryRow(ctx,
		"SELECT id, name, delivery_fee_cents, min_order_cents, is_active FROM service_areas WHERE id = $1",
		areaID,
	).Scan(&a.ID, &a.Name, &a.DeliveryFeeCents, &a.MinOrderCents, &a.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceAreaNotFound
		}
		return nil, err
	}
	return &a, nil
}

// DecrementStock is a single conditional update so two concurrent orders cannot both
// take the last units of a product.
func (r *PostgresRepository) DecrementStock(ctx context.Context, productID uuid.UUID, qty int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity - $2, updated_at = NOW()
		 WHERE id = $1 AND stock_quantity >= $2`,
		productID, qty,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)", productID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrProductNotFound
	}
	return ErrInsufficientStock
}

// IncrementStock returns units to a product.
func (r *PostgresRepository) IncrementStock(ctx context.Context, productID uuid.UUID, qty int) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE products SET stock_quantity = stock_quantity + $2, updated_at = NOW() WHERE id = $1",
		productID, qty,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// CreateOrder inserts the order header and its items in one transaction.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *domain.Order) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO orders (
			id, order_number, user_id, status, payment_method, payment_status,
			subtotal_cents, delivery_fee_cents, total_cents, service_area_id,
			recipient_name, recipient_phone, recipient_email, delivery_address, delivery_notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`,
		order.ID, order.OrderNumber, order.UserID, order.Status, order.PaymentMethod, order.PaymentStatus,
		order.SubtotalCents, order.DeliveryFeeCents, order.TotalCents, order.ServiceAreaID,
		order.RecipientName, order.RecipientPhone, order.RecipientEmail, order.DeliveryAddress, order.DeliveryNotes,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, ordersOrderNumberKey) {
			return ErrDuplicateOrderNumber
		}
		return fmt.Errorf("insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		batch.Queue(`
			INSERT INTO order_items (
				id, order_id, product_id, variant_id, product_name, quantity, unit_price_cents, line_total_cents
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			item.ID, item.OrderID, item.ProductID, item.VariantID, item.ProductName,
			item.Quantity, item.UnitPriceCents, item.LineTotalCents,
		)
	}
	results := tx.SendBatch(ctx, batch)
	for range order.Items {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// DeleteOrder removes an order and, through the foreign key cascade, its items.
func (r *PostgresRepository) DeleteOrder(ctx context.Context, orderID uuid.UUID) error {
	_, err := r.db.Exec(ctx, "DELETE FROM orders WHERE id = $1", orderID)
	return err
}

const orderColumns = `
	id, order_number, user_id, status, payment_method, payment_status,
	subtotal_cents, delivery_fee_cents, total_cents, service_area_id,
	recipient_name, recipient_phone, recipient_email, delivery_address, delivery_notes,
	created_at, updated_at`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.UserID, &o.Status, &o.PaymentMethod, &o.PaymentStatus,
		&o.SubtotalCents, &o.DeliveryFeeCents, &o.TotalCents, &o.ServiceAreaID,
		&o.RecipientName, &o.RecipientPhone, &o.RecipientEmail, &o.DeliveryAddress, &o.DeliveryNotes,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *PostgresRepository) findOrder(ctx context.Context, where string, arg interface{}) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE "+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if err := r.attachItems(ctx, []*domain.Order{order}); err != nil {
		return nil, err
	}
	return order, nil
}

// FindOrderByID loads an order with its items.
func (r *PostgresRepository) FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return r.findOrder(ctx, "id = $1", orderID)
}

// FindOrderByNumber loads an order with its items by its human-readable number.
func (r *PostgresRepository) FindOrderByNumber(ctx context.Context, orderNumber string) (*domain.Order, error) {
	return r.findOrder(ctx, "order_number = $1", orderNumber)
}

// ListOrdersByUser returns a user's orders, newest first.
func (r *PostgresRepository) ListOrdersByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Order, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3",
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	return r.collectOrders(ctx, rows)
}

// ListOrdersAwaitingPayment returns gateway orders still waiting for confirmation, oldest first.
func (r *PostgresRepository) ListOrdersAwaitingPayment(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+orderColumns+` FROM orders
		 WHERE payment_status = $1 AND status <> $2 AND created_at < $3
		 ORDER BY created_at ASC LIMIT $4`,
		domain.PaymentStatusAwaiting, domain.OrderStatusCancelled, createdBefore, limit,
	)
	if err != nil {
		return nil, err
	}
	return r.collectOrders(ctx, rows)
}

func (r *PostgresRepository) collectOrders(ctx context.Context, rows pgx.Rows) ([]domain.Order, error) {
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachItems(ctx, orders); err != nil {
		return nil, err
	}

	result := make([]domain.Order, 0, len(orders))
	for _, o := range orders {
		result = append(result, *o)
	}
	return result, nil
}

func (r *PostgresRepository) attachItems(ctx context.Context, orders []*domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(orders))
	byID := make(map[uuid.UUID]*domain.Order, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
		byID[o.ID] = o
		o.Items = []domain.OrderItem{}
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, order_id, product_id, variant_id, product_name, quantity, unit_price_cents, line_total_cents
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, id`,
		ids,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(
			&item.ID, &item.OrderID, &item.ProductID, &item.VariantID, &item.ProductName,
			&item.Quantity, &item.UnitPriceCents, &item.LineTotalCents,
		); err != nil {
			return err
		}
		if owner, ok := byID[item.OrderID]; ok {
			owner.Items = append(owner.Items, item)
		}
	}
	return rows.Err()
}

// CountOrdersByUser counts every order the user has placed.
func (r *PostgresRepository) CountOrdersByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM orders WHERE user_id = $1", userID).Scan(&count)
	return count, err
}

// TransitionOrderStatus is a compare-and-set on orders.status.
func (r *PostgresRepository) TransitionOrderStatus(ctx context.Context, orderID uuid.UUID, from, to domain.OrderStatus) (bool, error) {
	tag, err := r.db.Exec(ctx,
		"UPDATE orders SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2",
		orderID, from, to,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionPaymentStatus is a compare-and-set on orders.payment_status. A cancelled order
// never changes payment status, so a cancel and a payment cannot both commit.
func (r *PostgresRepository) TransitionPaymentStatus(ctx context.Context, orderID uuid.UUID, from, to domain.PaymentStatus) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE orders SET payment_status = $3, updated_at = NOW()
		 WHERE id = $1 AND payment_status = $2 AND status <> $4`,
		orderID, from, to, domain.OrderStatusCancelled,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
