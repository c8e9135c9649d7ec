package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aminofabian/fnms-sub000/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) (*PostgresRepository, *pgxpool.Pool) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("orders_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, RunMigrations(connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewPostgresRepository(pool), pool
}

func seedUser(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		"INSERT INTO users (id, auth_subject, email) VALUES ($1, $2, $3)",
		id, "user_"+id.String(), "shopper@example.com",
	)
	require.NoError(t, err)
	return id
}

func seedProduct(t *testing.T, pool *pgxpool.Pool, stock int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		"INSERT INTO products (id, name, price_cents, stock_quantity) VALUES ($1, 'Pishori rice 2kg', 35000, $2)",
		id, stock,
	)
	require.NoError(t, err)
	return id
}

func seedServiceArea(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		"INSERT INTO service_areas (id, name, delivery_fee_cents, min_order_cents) VALUES ($1, 'Westlands', 15000, 50000)",
		id,
	)
	require.NoError(t, err)
	return id
}

func TestRecordWalletTransaction_ConcurrentDebitsKeepLedgerBalanced(t *testing.T) {
	repo, pool := setupTestDB(t)
	ctx := context.Background()
	userID := seedUser(t, pool)

	_, err := repo.RecordWalletTransaction(ctx, domain.WalletEntry{
		Key:         domain.TopUpKey(userID, "ref_seed"),
		AmountCents: 10000,
	})
	require.NoError(t, err)

	const attempts = 20
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.RecordWalletTransaction(ctx, domain.WalletEntry{
				Key:         domain.OrderPaymentKey(userID, uuid.New()),
				AmountCents: -1000,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientBalance):
				insufficient++
			default:
				t.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, attempts-10, insufficient)

	balance, err := repo.GetWalletBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	var ledgerSum, minAfter int64
	err = pool.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount_cents), 0), COALESCE(MIN(balance_after_cents), 0) FROM wallet_transactions WHERE user_id = $1",
		userID,
	).Scan(&ledgerSum, &minAfter)
	require.NoError(t, err)
	assert.Equal(t, balance, ledgerSum, "ledger must sum to the cached balance")
	assert.GreaterOrEqual(t, minAfter, int64(0))
}

func TestRecordWalletTransaction_DuplicateKeyIsRejected(t *testing.T) {
	repo, pool := setupTestDB(t)
	ctx := context.Background()
	userID := seedUser(t, pool)
	key := domain.TopUpKey(userID, "ref_dup")

	first, err := repo.RecordWalletTransaction(ctx, domain.WalletEntry{Key: key, AmountCents: 5000})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), first.BalanceAfterCents)

	_, err = repo.RecordWalletTransaction(ctx, domain.WalletEntry{Key: key, AmountCents: 5000})
	assert.ErrorIs(t, err, ErrDuplicateWalletTransaction)

	balance, err := repo.GetWalletBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), balance, "the rolled back duplicate must not move the balance")

	found, err := repo.FindWalletTransactionByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
}

func TestDecrementStock_ConcurrentReservesNeverOversell(t *testing.T) {
	repo, pool := setupTestDB(t)
	ctx := context.Background()
	productID := seedProduct(t, pool, 5)

	const attempts = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.DecrementStock(ctx, productID, 1)
			if err != nil && !errors.Is(err, ErrInsufficientStock) {
				t.Errorf("unexpected reserve error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	product, err := repo.FindProductByID(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 0, product.StockQuantity)

	assert.ErrorIs(t, repo.DecrementStock(ctx, uuid.New(), 1), ErrProductNotFound)
}

func TestTransitionPaymentStatus_RefusesCancelledOrder(t *testing.T) {
	repo, pool := setupTestDB(t)
	ctx := context.Background()
	order := newStoredOrder(t, pool, "FN-20250301-CANCEL")
	require.NoError(t, repo.CreateOrder(ctx, order))

	ok, err := repo.TransitionOrderStatus(ctx, order.ID, domain.OrderStatusPending, domain.OrderStatusCancelled)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.TransitionPaymentStatus(ctx, order.ID, domain.PaymentStatusAwaiting, domain.PaymentStatusPaid)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := repo.FindOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, stored.Status)
	assert.Equal(t, domain.PaymentStatusAwaiting, stored.PaymentStatus)
	require.Len(t, stored.Items, 1)
}

func TestCreateOrder_DuplicateOrderNumber(t *testing.T) {
	repo, pool := setupTestDB(t)
	ctx := context.Background()

	first := newStoredOrder(t, pool, "FN-20250301-AAAAAA")
	require.NoError(t, repo.CreateOrder(ctx, first))

	second := newStoredOrder(t, pool, "FN-20250301-AAAAAA")
	assert.ErrorIs(t, repo.CreateOrder(ctx, second), ErrDuplicateOrderNumber)

	_, err := repo.FindOrderByID(ctx, second.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func newStoredOrder(t *testing.T, pool *pgxpool.Pool, orderNumber string) *domain.Order {
	t.Helper()
	productID := seedProduct(t, pool, 10)
	return &domain.Order{
		ID:               uuid.New(),
		OrderNumber:      orderNumber,
		Status:           domain.OrderStatusPending,
		PaymentMethod:    domain.PaymentMethodPaystack,
		PaymentStatus:    domain.PaymentStatusAwaiting,
		SubtotalCents:    70000,
		DeliveryFeeCents: 15000,
		TotalCents:       85000,
		ServiceAreaID:    seedServiceArea(t, pool),
		RecipientName:    "Wanjiku Kamau",
		RecipientPhone:   "+254700000001",
		DeliveryAddress:  "Ring Road, Westlands",
		Items: []domain.OrderItem{{
			ID:             uuid.New(),
			ProductID:      productID,
			ProductName:    "Pishori rice 2kg",
			Quantity:       2,
			UnitPriceCents: 35000,
			LineTotalCents: 70000,
		}},
	}
}
