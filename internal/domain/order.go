/**
 * @description
 * This file defines the order aggregate of the storefront: the order and its line
 * items, the payment methods a customer can settle with, and the status state
 * machine every order moves through. All status changes in the service are checked
 * against CanTransition so there is exactly one place that decides what is legal.
 *
 * @dependencies
 * - time: Standard Go library.
 * - github.com/google/uuid: For order and item identifiers.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the fulfilment state of an order.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusConfirmed      OrderStatus = "confirmed"
	OrderStatusPreparing      OrderStatus = "preparing"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

// PaymentMethod is how the customer settles an order.
type PaymentMethod string

const (
	PaymentMethodPaystack       PaymentMethod = "PAYSTACK"
	PaymentMethodCashOnDelivery PaymentMethod = "CASH_ON_DELIVERY"
	PaymentMethodWallet         PaymentMethod = "WALLET"
	PaymentMethodTill           PaymentMethod = "TILL"
)

// PaymentStatus tracks settlement independently from fulfilment.
type PaymentStatus string

const (
	// PaymentStatusAwaiting means an external gateway confirmation is outstanding.
	PaymentStatusAwaiting PaymentStatus = "awaiting"
	// PaymentStatusPending means payment is collected offline (cash or till) later.
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:        {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:      {OrderStatusPreparing, OrderStatusCancelled},
	OrderStatusPreparing:      {OrderStatusOutForDelivery},
	OrderStatusOutForDelivery: {OrderStatusDelivered},
}

// CanTransition reports whether an order may move from one status to another.
// Delivered and cancelled are terminal.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsCancellable reports whether the order can still be cancelled.
func (s OrderStatus) IsCancellable() bool {
	return CanTransition(s, OrderStatusCancelled)
}

// IsTerminal reports whether no further transitions exist from s.
func (s OrderStatus) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

// ParseOrderStatus normalizes a status string coming from an event or request.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusPreparing,
		OrderStatusOutForDelivery, OrderStatusDelivered, OrderStatusCancelled:
		return status, true
	default:
		return "", false
	}
}

// ParsePaymentMethod accepts the method names used by the storefront checkout.
func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	method := PaymentMethod(strings.ToUpper(strings.TrimSpace(raw)))
	switch method {
	case PaymentMethodPaystack, PaymentMethodCashOnDelivery, PaymentMethodWallet, PaymentMethodTill:
		return method, true
	default:
		return "", false
	}
}

// RequiresAuthentication reports whether guests are barred from the method.
func (m PaymentMethod) RequiresAuthentication() bool {
	switch m {
	case PaymentMethodWallet, PaymentMethodTill, PaymentMethodCashOnDelivery:
		return true
	default:
		return false
	}
}

// InitialPaymentStatus is the payment status an order starts with for a method.
func (m PaymentMethod) InitialPaymentStatus() PaymentStatus {
	switch m {
	case PaymentMethodWallet:
		return PaymentStatusPaid
	case PaymentMethodPaystack:
		return PaymentStatusAwaiting
	default:
		return PaymentStatusPending
	}
}

// SettlesOnDelivery reports whether the money is collected when the order is handed over.
func (m PaymentMethod) SettlesOnDelivery() bool {
	return m == PaymentMethodCashOnDelivery || m == PaymentMethodTill
}

// Order is a placed storefront order.
type Order struct {
	ID               uuid.UUID     `json:"id"`
	OrderNumber      string        `json:"orderNumber"`
	UserID           *uuid.UUID    `json:"userId,omitempty"`
	Status           OrderStatus   `json:"status"`
	PaymentMethod    PaymentMethod `json:"paymentMethod"`
	PaymentStatus    PaymentStatus `json:"paymentStatus"`
	SubtotalCents    int64         `json:"subtotalCents"`
	DeliveryFeeCents int64         `json:"deliveryFeeCents"`
	TotalCents       int64         `json:"totalCents"`
	ServiceAreaID    uuid.UUID     `json:"serviceAreaId"`
	RecipientName    string        `json:"recipientName"`
	RecipientPhone   string        `json:"recipientPhone"`
	RecipientEmail   *string       `json:"recipientEmail,omitempty"`
	DeliveryAddress  string        `json:"deliveryAddress"`
	DeliveryNotes    *string       `json:"deliveryNotes,omitempty"`
	Items            []OrderItem   `json:"items"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// OrderItem is an immutable line of an order. Name and price are snapshots taken at placement.
type OrderItem struct {
	ID             uuid.UUID  `json:"id"`
	OrderID        uuid.UUID  `json:"orderId"`
	ProductID      uuid.UUID  `json:"productId"`
	VariantID      *uuid.UUID `json:"variantId,omitempty"`
	ProductName    string     `json:"productName"`
	Quantity       int        `json:"quantity"`
	UnitPriceCents int64      `json:"unitPriceCents"`
	LineTotalCents int64      `json:"lineTotalCents"`
}

// IsOwnedBy reports whether the order belongs to the given user. Guest orders belong to nobody.
func (o *Order) IsOwnedBy(userID *uuid.UUID) bool {
	if o.UserID == nil || userID == nil {
		return false
	}
	return *o.UserID == *userID
}

// ContactEmail returns the recipient email or an empty string.
func (o *Order) ContactEmail() string {
	if o.RecipientEmail == nil {
		return ""
	}
	return *o.RecipientEmail
}

// Summary builds the projection sent to notification channels.
func (o *Order) Summary() OrderSummary {
	lines := make([]OrderSummaryLine, 0, len(o.Items))
	for _, item := range o.Items {
		lines = append(lines, OrderSummaryLine{
			ProductName:    item.ProductName,
			Quantity:       item.Quantity,
			LineTotalCents: item.LineTotalCents,
		})
	}
	return OrderSummary{
		OrderID:          o.ID,
		OrderNumber:      o.OrderNumber,
		RecipientName:    o.RecipientName,
		RecipientPhone:   o.RecipientPhone,
		DeliveryAddress:  o.DeliveryAddress,
		PaymentMethod:    o.PaymentMethod,
		PaymentStatus:    o.PaymentStatus,
		SubtotalCents:    o.SubtotalCents,
		DeliveryFeeCents: o.DeliveryFeeCents,
		TotalCents:       o.TotalCents,
		Lines:            lines,
	}
}

// DeliveryDetails is the delivery block of a checkout submission.
type DeliveryDetails struct {
	RecipientName string `json:"recipientName"`
	Phone         string `json:"phone"`
	Email         string `json:"email"`
	Address       string `json:"address"`
	ServiceAreaID string `json:"serviceAreaId"`
	Notes         string `json:"notes"`
}

// CartLine is one line of a checkout submission. PriceCents is what the client displayed;
// the catalog price is authoritative.
type CartLine struct {
	ProductID  string  `json:"productId"`
	VariantID  *string `json:"variantId,omitempty"`
	Quantity   int     `json:"quantity"`
	PriceCents int64   `json:"priceCents"`
}

// PlaceOrderRequest is the checkout submission.
type PlaceOrderRequest struct {
	Delivery      DeliveryDetails `json:"delivery"`
	PaymentMethod string          `json:"paymentMethod"`
	Items         []CartLine      `json:"items"`
}

// PlaceOrderResult is returned once an order has been durably created.
type PlaceOrderResult struct {
	OrderNumber string    `json:"orderNumber"`
	OrderID     uuid.UUID `json:"orderId"`
}

// Identity is the caller of an operation. A nil UserID means a guest.
type Identity struct {
	UserID *uuid.UUID
	Email  string
}

// Authenticated reports whether the caller is a signed-in user.
func (i Identity) Authenticated() bool {
	return i.UserID != nil
}
