package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aminofabian/fnms-sub000/internal/domain"
	"github.com/aminofabian/fnms-sub000/internal/store"
	"github.com/google/uuid"
)

// CancelOrder cancels one of the caller's orders while it is still pending or confirmed.
func (s *Service) CancelOrder(ctx context.Context, identity domain.Identity, orderID uuid.UUID) (*domain.Order, error) {
	if !identity.Authenticated() {
		return nil, ErrAuthenticationRequired
	}
	order, err := s.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.IsOwnedBy(identity.UserID) {
		return nil, store.ErrOrderNotFound
	}
	if err := s.cancel(ctx, order, "customer"); err != nil {
		return nil, err
	}
	order.Status = domain.OrderStatusCancelled
	return order, nil
}

// ApplyStatusTransition moves an order to the requested status on behalf of operators.
func (s *Service) ApplyStatusTransition(ctx context.Context, orderID uuid.UUID, to domain.OrderStatus, actor string) error {
	order, err := s.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == to {
		return nil
	}
	if to == domain.OrderStatusCancelled {
		return s.cancel(ctx, order, actor)
	}
	if !domain.CanTransition(order.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, to)
	}

	moved, err := s.repo.TransitionOrderStatus(ctx, order.ID, order.Status, to)
	if err != nil {
		return fmt.Errorf("transition order status: %w", err)
	}
	if !moved {
		return ErrStaleOrderState
	}
	log.Printf("level=info component=orders msg=\"order status changed\" order_id=%s from=%s to=%s actor=%s", order.ID, order.Status, to, actor)

	if to == domain.OrderStatusDelivered && order.PaymentMethod.SettlesOnDelivery() {
		settled, err := s.repo.TransitionPaymentStatus(ctx, order.ID, domain.PaymentStatusPending, domain.PaymentStatusPaid)
		if err != nil {
			return fmt.Errorf("settle payment on delivery: %w", err)
		}
		if settled {
			log.Printf("level=info component=orders msg=\"payment collected on delivery\" order_id=%s method=%s", order.ID, order.PaymentMethod)
		}
	}
	return nil
}

// cancel performs the guarded transition and then returns stock and wallet funds.
func (s *Service) cancel(ctx context.Context, order *domain.Order, actor string) error {
	if !order.Status.IsCancellable() {
		return fmt.Errorf("%w: order is %s", ErrOrderNotCancellable, order.Status)
	}
	moved, err := s.repo.TransitionOrderStatus(ctx, order.ID, order.Status, domain.OrderStatusCancelled)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if !moved {
		return ErrStaleOrderState
	}
	log.Printf("level=info component=orders msg=\"order cancelled\" order_id=%s order_number=%s actor=%s", order.ID, order.OrderNumber, actor)

	// The status gate above guarantees the releases below run once per order. Retrying the
	// cancellation cannot repair a failed release, so failures are logged for manual repair.
	releaseCtx := context.WithoutCancel(ctx)

	// A payment may have landed between the read and the cancel. Once cancelled, payment
	// status is frozen, so this read is final.
	if current, err := s.repo.FindOrderByID(releaseCtx, order.ID); err != nil {
		log.Printf("level=warn component=orders msg=\"could not reload cancelled order; using payment status read before cancel\" order_id=%s err=%v", order.ID, err)
	} else {
		order.PaymentStatus = current.PaymentStatus
	}
	for _, item := range order.Items {
		if err := s.stock.Release(releaseCtx, item.ProductID, item.Quantity); err != nil {
			log.Printf("level=error component=orders msg=\"CRITICAL: stock not returned for cancelled order\" order_id=%s product_id=%s qty=%d err=%v", order.ID, item.ProductID, item.Quantity, err)
		}
	}

	switch {
	case order.PaymentMethod == domain.PaymentMethodWallet && order.PaymentStatus == domain.PaymentStatusPaid && order.UserID != nil:
		if _, err := s.wallet.RefundForOrder(releaseCtx, *order.UserID, order.ID, order.TotalCents, order.OrderNumber); err != nil {
			log.Printf("level=error component=orders msg=\"CRITICAL: wallet refund failed for cancelled order\" order_id=%s user_id=%s err=%v", order.ID, *order.UserID, err)
		}
	case order.PaymentMethod == domain.PaymentMethodPaystack && order.PaymentStatus == domain.PaymentStatusPaid:
		log.Printf("level=warn component=orders msg=\"cancelled order was paid by card; refund through the gateway dashboard\" order_id=%s order_number=%s", order.ID, order.OrderNumber)
	}
	return nil
}

// OrderStatusConsumer applies status events published by operator and dispatch tooling.
type OrderStatusConsumer struct {
	service *Service
}

func NewOrderStatusConsumer(service *Service) *OrderStatusConsumer {
	return &OrderStatusConsumer{service: service}
}

// HandleMessage returns false only for failures worth retrying.
func (c *OrderStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.OrderStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=order_status_consumer msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}

	orderID, err := uuid.Parse(strings.TrimSpace(event.OrderID))
	if err != nil {
		log.Printf("level=warn component=order_status_consumer msg=\"invalid order id; dropping\" event_id=%s order_id=%q", event.EventID, event.OrderID)
		return true
	}
	status, ok := domain.ParseOrderStatus(event.Status)
	if !ok {
		log.Printf("level=warn component=order_status_consumer msg=\"unknown status; dropping\" event_id=%s status=%q", event.EventID, event.Status)
		return true
	}

	actor := event.Actor
	if actor == "" {
		actor = "operator"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err = c.service.ApplyStatusTransition(ctx, orderID, status, actor)
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrOrderNotFound):
		log.Printf("level=warn component=order_status_consumer msg=\"order not found; acknowledging\" event_id=%s order_id=%s", event.EventID, orderID)
		return true
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrOrderNotCancellable):
		log.Printf("level=warn component=order_status_consumer msg=\"transition rejected; acknowledging\" event_id=%s order_id=%s status=%s err=%v", event.EventID, orderID, status, err)
		return true
	default:
		log.Printf("level=error component=order_status_consumer msg=\"processing error; re-queuing\" event_id=%s order_id=%s err=%v", event.EventID, orderID, err)
		return false
	}
}
