/**
 * @description
 * This file contains the order orchestrator of the storefront. `PlaceOrder` turns a
 * checkout submission into a durable order: it validates the basket against the
 * catalog and the chosen payment method, then commits the order, the stock
 * reservations and (for wallet orders) the wallet debit as a saga so that any
 * failure unwinds the steps that already happened.
 *
 * Notifications and cart clean-up run after the response in a detached goroutine;
 * their failures are logged and never affect the placed order.
 *
 * @dependencies
 * - context, crypto/rand, errors, fmt, log, sync, time: Standard Go libraries.
 * - github.com/google/uuid: For identifiers.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/aminofabian/fnms-sub000/internal/domain"
	"github.com/aminofabian/fnms-sub000/internal/store"
	"github.com/google/uuid"
)

const (
	orderNumberAttempts      = 3
	defaultSideEffectTimeout = 15 * time.Second
	defaultOrderPageSize     = 20
	maxOrderPageSize         = 100
)

// Options carries the tunables of the service.
type Options struct {
	PaystackCallbackURL     string
	MinTopUpCents           int64
	MaxTopUpCents           int64
	OrderRateLimitPerMinute int
	SideEffectTimeout       time.Duration
}

// Service provides the ordering and wallet use cases.
type Service struct {
	repo     store.Repository
	stock    *StockLedger
	wallet   *WalletLedger
	gateway  PaymentGateway
	notifier Notifier
	carts    CartStore
	limiter  OrderRateLimiter
	opts     Options

	now    func() time.Time
	random io.Reader

	background sync.WaitGroup
}

// NewService creates a new order service instance.
func NewService(repo store.Repository, gateway PaymentGateway, notifier Notifier, opts Options) *Service {
	if opts.SideEffectTimeout <= 0 {
		opts.SideEffectTimeout = defaultSideEffectTimeout
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Service{
		repo:     repo,
		stock:    NewStockLedger(repo),
		wallet:   NewWalletLedger(repo),
		gateway:  gateway,
		notifier: notifier,
		opts:     opts,
		now:      time.Now,
		random:   rand.Reader,
	}
}

// SetCartStore enables clearing the persisted cart after a successful order.
func (s *Service) SetCartStore(carts CartStore) {
	s.carts = carts
}

// SetRateLimiter enables throttling of order placement.
func (s *Service) SetRateLimiter(limiter OrderRateLimiter) {
	s.limiter = limiter
}

// Wallet exposes the wallet ledger to collaborators such as the payment reconciler.
func (s *Service) Wallet() *WalletLedger {
	return s.wallet
}

// WaitForBackground blocks until detached side effects have finished.
func (s *Service) WaitForBackground() {
	s.background.Wait()
}

// ResolveIdentity maps an auth provider subject to the storefront identity.
func (s *Service) ResolveIdentity(ctx context.Context, subject string) (domain.Identity, error) {
	user, err := s.repo.FindUserByAuthSubject(ctx, subject)
	if err != nil {
		return domain.Identity{}, err
	}
	identity := domain.Identity{UserID: &user.ID}
	if user.Email != nil {
		identity.Email = *user.Email
	}
	return identity, nil
}

// CheckOrderRateLimit throttles order placement per caller.
func (s *Service) CheckOrderRateLimit(ctx context.Context, subject string) error {
	if s.limiter == nil || s.opts.OrderRateLimitPerMinute <= 0 {
		return nil
	}
	allowed, retryAfter, err := s.limiter.ReserveOrderSlot(ctx, subject, s.opts.OrderRateLimitPerMinute, time.Minute)
	if err != nil {
		// Fail open.
		log.Printf("level=warn component=orders msg=\"rate limiter unavailable\" subject=%s err=%v", subject, err)
		return nil
	}
	if allowed {
		return nil
	}
	seconds := int((retryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return &RateLimitError{RetryAfterSeconds: seconds}
}

// PlaceOrder validates and commits a checkout submission.
func (s *Service) PlaceOrder(ctx context.Context, identity domain.Identity, req domain.PlaceOrderRequest) (*domain.PlaceOrderResult, error) {
	order, err := s.validateOrder(ctx, identity, req)
	if err != nil {
		return nil, err
	}

	saga := NewSaga("place_order")
	compensate := func(cause error) {
		if cerr := saga.Compensate(context.WithoutCancel(ctx)); cerr != nil {
			log.Printf("level=error component=orders msg=\"CRITICAL: order compensation incomplete\" order_id=%s order_number=%s cause=%v err=%v", order.ID, order.OrderNumber, cause, cerr)
		}
	}

	if err := saga.Run(ctx, SagaStep{
		Name:   "create_order",
		Action: func(ctx context.Context) error { return s.insertOrder(ctx, order) },
		Undo:   func(ctx context.Context) error { return s.repo.DeleteOrder(ctx, order.ID) },
	}); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	for _, item := range order.Items {
		item := item
		if err := saga.Run(ctx, SagaStep{
			Name:   "reserve_stock:" + item.ProductID.String(),
			Action: func(ctx context.Context) error { return s.stock.Reserve(ctx, item.ProductID, item.Quantity) },
			Undo:   func(ctx context.Context) error { return s.stock.Release(ctx, item.ProductID, item.Quantity) },
		}); err != nil {
			var stockErr *InsufficientStockError
			if errors.As(err, &stockErr) {
				stockErr.ProductName = item.ProductName
			}
			log.Printf("level=warn component=orders msg=\"stock reservation failed; unwinding\" order_id=%s product_id=%s err=%v", order.ID, item.ProductID, err)
			compensate(err)
			return nil, err
		}
	}

	if order.PaymentMethod == domain.PaymentMethodWallet {
		if err := saga.Run(ctx, SagaStep{
			Name: "wallet_debit",
			Action: func(ctx context.Context) error {
				_, err := s.wallet.DeductForOrder(ctx, *order.UserID, order.ID, order.TotalCents, fmt.Sprintf("Payment for order %s", order.OrderNumber))
				if err == nil || errors.Is(err, store.ErrInsufficientBalance) {
					return err
				}
				// A failed commit acknowledgement can hide a debit that did commit. Keep the
				// order in that case rather than leave a ledger row pointing at nothing.
				debit, lookupErr := s.wallet.FindOrderPayment(context.WithoutCancel(ctx), *order.UserID, order.ID)
				if lookupErr != nil {
					log.Printf("level=error component=orders msg=\"CRITICAL: wallet debit outcome unknown; check ledger for order\" order_id=%s user_id=%s err=%v lookup_err=%v", order.ID, *order.UserID, err, lookupErr)
					return err
				}
				if debit != nil {
					log.Printf("level=warn component=orders msg=\"wallet debit reported an error but was recorded; keeping order\" order_id=%s txn_id=%s err=%v", order.ID, debit.ID, err)
					return nil
				}
				return err
			},
		}); err != nil {
			log.Printf("level=warn component=orders msg=\"wallet debit failed; unwinding\" order_id=%s user_id=%s err=%v", order.ID, *order.UserID, err)
			compensate(err)
			return nil, err
		}
	}

	log.Printf("level=info component=orders msg=\"order placed\" order_id=%s order_number=%s method=%s total_cents=%d", order.ID, order.OrderNumber, order.PaymentMethod, order.TotalCents)
	s.dispatchOrderSideEffects(order)

	return &domain.PlaceOrderResult{OrderNumber: order.OrderNumber, OrderID: order.ID}, nil
}

func (s *Service) insertOrder(ctx context.Context, order *domain.Order) error {
	var lastErr error
	for attempt := 1; attempt <= orderNumberAttempts; attempt++ {
		number, err := newOrderNumber(s.now(), s.random)
		if err != nil {
			return err
		}
		order.OrderNumber = number
		lastErr = s.repo.CreateOrder(ctx, order)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, store.ErrDuplicateOrderNumber) {
			return lastErr
		}
		log.Printf("level=warn component=orders msg=\"order number collision; regenerating\" order_number=%s attempt=%d", number, attempt)
	}
	return lastErr
}

// validateOrder runs every check before anything is written and returns the priced order.
func (s *Service) validateOrder(ctx context.Context, identity domain.Identity, req domain.PlaceOrderRequest) (*domain.Order, error) {
	method, err := validateShape(req)
	if err != nil {
		return nil, err
	}
	if method.RequiresAuthentication() && !identity.Authenticated() {
		return nil, &EligibilityError{Method: method, Reason: "sign in to use this payment method", RequiresAuth: true}
	}

	areaID, err := uuid.Parse(strings.TrimSpace(req.Delivery.ServiceAreaID))
	if err != nil {
		return nil, &ValidationError{Field: "delivery.serviceAreaId", Reason: "must be a valid id"}
	}
	area, err := s.repo.FindServiceAreaByID(ctx, areaID)
	if err != nil {
		if errors.Is(err, store.ErrServiceAreaNotFound) {
			return nil, &ValidationError{Field: "delivery.serviceAreaId", Reason: "unknown service area"}
		}
		return nil, fmt.Errorf("lookup service area: %w", err)
	}
	if !area.IsActive {
		return nil, &ValidationError{Field: "delivery.serviceAreaId", Reason: "we do not deliver to this area at the moment"}
	}

	items, subtotal, err := s.priceItems(ctx, req.Items)
	if err != nil {
		return nil, err
	}
	if area.MinOrderCents > 0 && subtotal < area.MinOrderCents {
		return nil, &MinimumOrderError{SubtotalCents: subtotal, MinimumCents: area.MinOrderCents}
	}
	total := subtotal + area.DeliveryFeeCents

	email := strings.TrimSpace(req.Delivery.Email)
	if email == "" {
		email = strings.TrimSpace(identity.Email)
	}

	switch method {
	case domain.PaymentMethodWallet:
		balance, err := s.wallet.GetBalance(ctx, *identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("read wallet balance: %w", err)
		}
		if balance < total {
			return nil, fmt.Errorf("%w: balance %d, required %d", store.ErrInsufficientBalance, balance, total)
		}
	case domain.PaymentMethodCashOnDelivery:
		prior, err := s.repo.CountOrdersByUser(ctx, *identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("count prior orders: %w", err)
		}
		if prior == 0 {
			return nil, &EligibilityError{Method: method, Reason: "cash on delivery is available after your first order"}
		}
	case domain.PaymentMethodPaystack:
		if email == "" {
			return nil, &EligibilityError{Method: method, Reason: "an email address is required for card payments"}
		}
	}

	order := &domain.Order{
		ID:               uuid.New(),
		UserID:           identity.UserID,
		Status:           domain.OrderStatusPending,
		PaymentMethod:    method,
		PaymentStatus:    method.InitialPaymentStatus(),
		SubtotalCents:    subtotal,
		DeliveryFeeCents: area.DeliveryFeeCents,
		TotalCents:       total,
		ServiceAreaID:    area.ID,
		RecipientName:    strings.TrimSpace(req.Delivery.RecipientName),
		RecipientPhone:   strings.TrimSpace(req.Delivery.Phone),
		RecipientEmail:   optionalString(email),
		DeliveryAddress:  strings.TrimSpace(req.Delivery.Address),
		DeliveryNotes:    optionalString(req.Delivery.Notes),
		Items:            items,
	}
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
	}
	return order, nil
}

// validateShape checks everything that needs no lookups.
func validateShape(req domain.PlaceOrderRequest) (domain.PaymentMethod, error) {
	if len(req.Items) == 0 {
		return "", &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	for i, line := range req.Items {
		if line.Quantity <= 0 {
			return "", &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be greater than zero"}
		}
		if _, err := uuid.Parse(strings.TrimSpace(line.ProductID)); err != nil {
			return "", &ValidationError{Field: fmt.Sprintf("items[%d].productId", i), Reason: "must be a valid id"}
		}
		if line.VariantID != nil && strings.TrimSpace(*line.VariantID) != "" {
			if _, err := uuid.Parse(strings.TrimSpace(*line.VariantID)); err != nil {
				return "", &ValidationError{Field: fmt.Sprintf("items[%d].variantId", i), Reason: "must be a valid id"}
			}
		}
	}

	required := []struct {
		field string
		value string
	}{
		{"delivery.recipientName", req.Delivery.RecipientName},
		{"delivery.phone", req.Delivery.Phone},
		{"delivery.address", req.Delivery.Address},
		{"delivery.serviceAreaId", req.Delivery.ServiceAreaID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return "", &ValidationError{Field: r.field, Reason: "is required"}
		}
	}

	method, ok := domain.ParsePaymentMethod(req.PaymentMethod)
	if !ok {
		return "", &ValidationError{Field: "paymentMethod", Reason: "unsupported payment method"}
	}
	return method, nil
}

// priceItems resolves every line against the catalog. Catalog prices are authoritative.
func (s *Service) priceItems(ctx context.Context, lines []domain.CartLine) ([]domain.OrderItem, int64, error) {
	requested := make(map[uuid.UUID]int, len(lines))
	products := make(map[uuid.UUID]*domain.Product, len(lines))
	items := make([]domain.OrderItem, 0, len(lines))
	var subtotal int64

	for i, line := range lines {
		productID := uuid.MustParse(strings.TrimSpace(line.ProductID))
		product, ok := products[productID]
		if !ok {
			found, err := s.repo.FindProductByID(ctx, productID)
			if err != nil {
				if errors.Is(err, store.ErrProductNotFound) {
					return nil, 0, &ValidationError{Field: fmt.Sprintf("items[%d].productId", i), Reason: "product not found"}
				}
				return nil, 0, fmt.Errorf("lookup product %s: %w", productID, err)
			}
			product = found
			products[productID] = product
		}
		if !product.IsActive {
			return nil, 0, &ValidationError{Field: fmt.Sprintf("items[%d].productId", i), Reason: "product is no longer available"}
		}

		requested[productID] += line.Quantity
		if product.StockQuantity < requested[productID] {
			return nil, 0, &InsufficientStockError{
				ProductID:   productID,
				ProductName: product.Name,
				Requested:   requested[productID],
				Available:   product.StockQuantity,
			}
		}

		if line.PriceCents != 0 && line.PriceCents != product.PriceCents {
			log.Printf("level=info component=orders msg=\"client price differs from catalog; using catalog\" product_id=%s client_price=%d catalog_price=%d", productID, line.PriceCents, product.PriceCents)
		}

		var variantID *uuid.UUID
		if line.VariantID != nil && strings.TrimSpace(*line.VariantID) != "" {
			parsed := uuid.MustParse(strings.TrimSpace(*line.VariantID))
			variantID = &parsed
		}

		lineTotal := product.PriceCents * int64(line.Quantity)
		subtotal += lineTotal
		items = append(items, domain.OrderItem{
			ID:             uuid.New(),
			ProductID:      productID,
			VariantID:      variantID,
			ProductName:    product.Name,
			Quantity:       line.Quantity,
			UnitPriceCents: product.PriceCents,
			LineTotalCents: lineTotal,
		})
	}
	return items, subtotal, nil
}

// dispatchOrderSideEffects notifies the customer and operators and clears the saved cart.
func (s *Service) dispatchOrderSideEffects(order *domain.Order) {
	snapshot := *order
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.SideEffectTimeout)
		defer cancel()

		summary := snapshot.Summary()
		if email := snapshot.ContactEmail(); email != "" {
			if err := s.notifier.SendOrderConfirmation(ctx, email, summary); err != nil {
				log.Printf("level=warn component=orders msg=\"order confirmation failed\" order_number=%s err=%v", snapshot.OrderNumber, err)
			}
		}
		if err := s.notifier.SendOrderAlert(ctx, summary); err != nil {
			log.Printf("level=warn component=orders msg=\"operator alert failed\" order_number=%s err=%v", snapshot.OrderNumber, err)
		}
		if snapshot.RecipientPhone != "" {
			if err := s.notifier.SendSMS(ctx, snapshot.RecipientPhone, orderPlacedSMS(&snapshot)); err != nil {
				log.Printf("level=warn component=orders msg=\"order sms failed\" order_number=%s err=%v", snapshot.OrderNumber, err)
			}
		}
		if s.carts != nil && snapshot.UserID != nil {
			if err := s.carts.Clear(ctx, *snapshot.UserID); err != nil {
				log.Printf("level=warn component=orders msg=\"cart clear failed\" user_id=%s err=%v", *snapshot.UserID, err)
			}
		}
	}()
}

func orderPlacedSMS(order *domain.Order) string {
	return fmt.Sprintf("Order %s received. Total %s. We will let you know when it is on the way.", order.OrderNumber, formatCents(order.TotalCents))
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// ListOrders returns the caller's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, identity domain.Identity, limit, offset int) ([]domain.Order, error) {
	if !identity.Authenticated() {
		return nil, ErrAuthenticationRequired
	}
	if limit <= 0 {
		limit = defaultOrderPageSize
	}
	if limit > maxOrderPageSize {
		limit = maxOrderPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListOrdersByUser(ctx, *identity.UserID, limit, offset)
}

// FindOrderByNumber looks up an order for tracking. Guest orders are visible to anyone
// holding the number; account orders only to their owner.
func (s *Service) FindOrderByNumber(ctx context.Context, identity domain.Identity, orderNumber string) (*domain.Order, error) {
	order, err := s.repo.FindOrderByNumber(ctx, strings.TrimSpace(orderNumber))
	if err != nil {
		return nil, err
	}
	if order.UserID != nil && !order.IsOwnedBy(identity.UserID) {
		return nil, store.ErrOrderNotFound
	}
	return order, nil
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
