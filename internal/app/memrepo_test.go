package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aminofabian/fnms-sub000/internal/domain"
	"github.com/aminofabian/fnms-sub000/internal/store"
	"github.com/aminofabian/fnms-sub000/pkg/paystack"
	"github.com/google/uuid"
)

// memRepo is an in-memory store.Repository with the same guarantees as the Postgres one:
// conditional stock decrement, serialized wallet mutations and unique idempotency keys.
type memRepo struct {
	mu sync.Mutex

	products     map[uuid.UUID]*domain.Product
	areas        map[uuid.UUID]*domain.ServiceArea
	users        map[uuid.UUID]*domain.User
	orders       map[uuid.UUID]*domain.Order
	walletTxns   []domain.WalletTransaction
	topUps       map[string]*domain.WalletTopUp
	createErrs   []error
	incrementErr error
	walletErr    error
	// walletAckErr is returned after the wallet mutation has been applied.
	walletAckErr error
	// stolenStock simulates a concurrent buyer taking units between validation and reservation.
	stolenStock map[uuid.UUID]int
}

func newMemRepo() *memRepo {
	return &memRepo{
		products: map[uuid.UUID]*domain.Product{},
		areas:    map[uuid.UUID]*domain.ServiceArea{},
		users:    map[uuid.UUID]*domain.User{},
		orders:   map[uuid.UUID]*domain.Order{},
		topUps:   map[string]*domain.WalletTopUp{},

		stolenStock: map[uuid.UUID]int{},
	}
}

func (r *memRepo) addProduct(name string, priceCents int64, stock int) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.products[id] = &domain.Product{ID: id, Name: name, PriceCents: priceCents, StockQuantity: stock, IsActive: true}
	return id
}

func (r *memRepo) addArea(feeCents, minCents int64) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.areas[id] = &domain.ServiceArea{ID: id, Name: "Westlands", DeliveryFeeCents: feeCents, MinOrderCents: minCents, IsActive: true}
	return id
}

func (r *memRepo) addUser(email string, balanceCents int64) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.users[id] = &domain.User{ID: id, AuthSubject: "sub_" + id.String(), Email: &email, WalletBalanceCents: balanceCents, CreatedAt: time.Now()}
	return id
}

func (r *memRepo) stockOf(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.products[id].StockQuantity
}

func (r *memRepo) balanceOf(id uuid.UUID) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[id].WalletBalanceCents
}

func (r *memRepo) orderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

func (r *memRepo) ledgerFor(userID uuid.UUID) []domain.WalletTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.WalletTransaction
	for _, txn := range r.walletTxns {
		if txn.UserID == userID {
			out = append(out, txn)
		}
	}
	return out
}

func (r *memRepo) FindProductByID(ctx context.Context, productID uuid.UUID) (*domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[productID]
	if !ok {
		return nil, store.ErrProductNotFound
	}
	copied := *p
	return &copied, nil
}

func (r *memRepo) FindServiceAreaByID(ctx context.Context, areaID uuid.UUID) (*domain.ServiceArea, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.areas[areaID]
	if !ok {
		return nil, store.ErrServiceAreaNotFound
	}
	copied := *a
	return &copied, nil
}

func (r *memRepo) DecrementStock(ctx context.Context, productID uuid.UUID, qty int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[productID]
	if ok && r.stolenStock[productID] > 0 {
		p.StockQuantity -= r.stolenStock[productID]
		delete(r.stolenStock, productID)
	}
	if !ok || p.StockQuantity < qty {
		return store.ErrInsufficientStock
	}
	p.StockQuantity -= qty
	return nil
}

func (r *memRepo) IncrementStock(ctx context.Context, productID uuid.UUID, qty int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.incrementErr != nil {
		return r.incrementErr
	}
	p, ok := r.products[productID]
	if !ok {
		return store.ErrProductNotFound
	}
	p.StockQuantity += qty
	return nil
}

func (r *memRepo) CreateOrder(ctx context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.createErrs) > 0 {
		err := r.createErrs[0]
		r.createErrs = r.createErrs[1:]
		if err != nil {
			return err
		}
	}
	for _, existing := range r.orders {
		if existing.OrderNumber == order.OrderNumber {
			return store.ErrDuplicateOrderNumber
		}
	}
	now := time.Now()
	order.CreatedAt = now
	order.UpdatedAt = now
	copied := *order
	copied.Items = append([]domain.OrderItem(nil), order.Items...)
	r.orders[order.ID] = &copied
	return nil
}

func (r *memRepo) DeleteOrder(ctx context.Context, orderID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orders, orderID)
	return nil
}

func (r *memRepo) FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	copied := *o
	return &copied, nil
}

func (r *memRepo) FindOrderByNumber(ctx context.Context, orderNumber string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.OrderNumber == orderNumber {
			copied := *o
			return &copied, nil
		}
	}
	return nil, store.ErrOrderNotFound
}

func (r *memRepo) ListOrdersByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []domain.Order{}
	for _, o := range r.orders {
		if o.UserID != nil && *o.UserID == userID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []domain.Order{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) CountOrdersByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, o := range r.orders {
		if o.UserID != nil && *o.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (r *memRepo) TransitionOrderStatus(ctx context.Context, orderID uuid.UUID, from, to domain.OrderStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return false, store.ErrOrderNotFound
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	return true, nil
}

func (r *memRepo) TransitionPaymentStatus(ctx context.Context, orderID uuid.UUID, from, to domain.PaymentStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return false, store.ErrOrderNotFound
	}
	if o.PaymentStatus != from || o.Status == domain.OrderStatusCancelled {
		return false, nil
	}
	o.PaymentStatus = to
	return true, nil
}

func (r *memRepo) ListOrdersAwaitingPayment(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []domain.Order{}
	for _, o := range r.orders {
		if o.PaymentMethod == domain.PaymentMethodPaystack &&
			o.PaymentStatus == domain.PaymentStatusAwaiting &&
			o.Status != domain.OrderStatusCancelled &&
			o.CreatedAt.Before(createdBefore) {
			out = append(out, *o)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) setOrderCreatedAt(orderID uuid.UUID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[orderID].CreatedAt = at
}

func (r *memRepo) GetWalletBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return 0, nil
	}
	return u.WalletBalanceCents, nil
}

func (r *memRepo) findTxnLocked(key domain.IdempotencyKey) *domain.WalletTransaction {
	for i := range r.walletTxns {
		txn := r.walletTxns[i]
		if txn.UserID == key.UserID && txn.Type == key.Type &&
			txn.ReferenceType != nil && *txn.ReferenceType == key.ReferenceType &&
			txn.ReferenceID != nil && *txn.ReferenceID == key.ReferenceID {
			return &txn
		}
	}
	return nil
}

func (r *memRepo) FindWalletTransactionByKey(ctx context.Context, key domain.IdempotencyKey) (*domain.WalletTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if txn := r.findTxnLocked(key); txn != nil {
		return txn, nil
	}
	return nil, store.ErrWalletTransactionNotFound
}

func (r *memRepo) RecordWalletTransaction(ctx context.Context, entry domain.WalletEntry) (*domain.WalletTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.walletErr != nil {
		return nil, r.walletErr
	}
	u, ok := r.users[entry.Key.UserID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	after := u.WalletBalanceCents + entry.AmountCents
	if after < 0 {
		return nil, store.ErrInsufficientBalance
	}
	if entry.Key.ReferenceType != "" && r.findTxnLocked(entry.Key) != nil {
		return nil, store.ErrDuplicateWalletTransaction
	}
	u.WalletBalanceCents = after

	refType := entry.Key.ReferenceType
	refID := entry.Key.ReferenceID
	description := entry.Description
	txn := domain.WalletTransaction{
		ID:                uuid.New(),
		UserID:            entry.Key.UserID,
		Type:              entry.Key.Type,
		AmountCents:       entry.AmountCents,
		ReferenceType:     &refType,
		ReferenceID:       &refID,
		BalanceAfterCents: after,
		Description:       &description,
		CreatedAt:         time.Now(),
	}
	r.walletTxns = append(r.walletTxns, txn)
	if r.walletAckErr != nil {
		return nil, r.walletAckErr
	}
	return &txn, nil
}

func (r *memRepo) ListWalletTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.WalletTransaction, error) {
	all := r.ledgerFor(userID)
	out := make([]domain.WalletTransaction, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
	}
	if offset >= len(out) {
		return []domain.WalletTransaction{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) CreateTopUp(ctx context.Context, topUp *domain.WalletTopUp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.topUps[topUp.PaystackReference]; exists {
		return store.ErrDuplicateTopUpReference
	}
	topUp.CreatedAt = time.Now()
	topUp.UpdatedAt = topUp.CreatedAt
	copied := *topUp
	r.topUps[topUp.PaystackReference] = &copied
	return nil
}

func (r *memRepo) FindTopUpByReference(ctx context.Context, reference string) (*domain.WalletTopUp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topUps[reference]
	if !ok {
		return nil, store.ErrTopUpNotFound
	}
	copied := *t
	return &copied, nil
}

func (r *memRepo) MarkTopUpCompleted(ctx context.Context, topUpID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.topUps {
		if t.ID == topUpID {
			if t.Status != domain.TopUpStatusPending {
				return false, nil
			}
			now := time.Now()
			t.Status = domain.TopUpStatusCompleted
			t.CompletedAt = &now
			return true, nil
		}
	}
	return false, store.ErrTopUpNotFound
}

func (r *memRepo) FindUserByAuthSubject(ctx context.Context, subject string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.AuthSubject == subject {
			copied := *u
			return &copied, nil
		}
	}
	return nil, store.ErrUserNotFound
}

// gatewayStub is a scripted PaymentGateway.
type gatewayStub struct {
	mu           sync.Mutex
	transactions map[string]*paystack.Transaction
	verifyErr    error
	verifyCalls  int
	initRequests []paystack.InitializeRequest
	initErr      error
}

func newGatewayStub() *gatewayStub {
	return &gatewayStub{transactions: map[string]*paystack.Transaction{}}
}

func (g *gatewayStub) succeed(reference string, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transactions[reference] = &paystack.Transaction{Reference: reference, Amount: amount, Status: "success", Currency: "KES"}
}

func (g *gatewayStub) InitializeTransaction(ctx context.Context, req paystack.InitializeRequest) (*paystack.InitializeResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initErr != nil {
		return nil, g.initErr
	}
	g.initRequests = append(g.initRequests, req)
	return &paystack.InitializeResponse{
		AuthorizationURL: "https://checkout.paystack.test/" + req.Reference,
		AccessCode:       "access_" + req.Reference,
		Reference:        req.Reference,
	}, nil
}

func (g *gatewayStub) VerifyTransaction(ctx context.Context, reference string) (*paystack.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	txn, ok := g.transactions[reference]
	if !ok {
		return nil, &paystack.APIError{StatusCode: 404, Message: "Transaction reference not found"}
	}
	copied := *txn
	return &copied, nil
}

// notifierStub records notifications and can be told to fail.
type notifierStub struct {
	mu            sync.Mutex
	confirmations []string
	alerts        []domain.OrderSummary
	sms           []string
	unsettled     []domain.UnsettledPaymentAlert
	err           error
}

func (n *notifierStub) SendOrderConfirmation(ctx context.Context, email string, summary domain.OrderSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmations = append(n.confirmations, email)
	return n.err
}

func (n *notifierStub) SendOrderAlert(ctx context.Context, summary domain.OrderSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, summary)
	return n.err
}

func (n *notifierStub) SendSMS(ctx context.Context, phone, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sms = append(n.sms, phone)
	return n.err
}

func (n *notifierStub) AlertUnsettledPayment(ctx context.Context, alert domain.UnsettledPaymentAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.unsettled = append(n.unsettled, alert)
	return nil
}

var errInjected = errors.New("injected failure")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
