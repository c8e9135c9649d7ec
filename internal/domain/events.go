/**
 * @description
 * Message payloads that cross process boundaries: the Paystack webhook body,
 * order status events from the dispatch tooling, and the notification messages
 * published for the notification service.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaystackEventChargeSuccess is the only webhook event the reconciler acts on.
const PaystackEventChargeSuccess = "charge.success"

// PaystackWebhookEvent is the body Paystack posts to the webhook endpoint.
type PaystackWebhookEvent struct {
	Event string             `json:"event"`
	Data  PaystackChargeData `json:"data"`
}

// PaystackChargeData carries the charge fields the reconciler needs.
type PaystackChargeData struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	Currency  string `json:"currency"`
	Customer  struct {
		Email string `json:"email"`
	} `json:"customer"`
}

// OrderStatusEvent is published by operator and dispatch tooling on `order.status.*`.
type OrderStatusEvent struct {
	EventID    string    `json:"event_id"`
	OrderID    string    `json:"order_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// OrderSummary is the projection of an order sent to notification channels.
type OrderSummary struct {
	OrderID          uuid.UUID          `json:"order_id"`
	OrderNumber      string             `json:"order_number"`
	RecipientName    string             `json:"recipient_name"`
	RecipientPhone   string             `json:"recipient_phone"`
	DeliveryAddress  string             `json:"delivery_address"`
	PaymentMethod    PaymentMethod      `json:"payment_method"`
	PaymentStatus    PaymentStatus      `json:"payment_status"`
	SubtotalCents    int64              `json:"subtotal_cents"`
	DeliveryFeeCents int64              `json:"delivery_fee_cents"`
	TotalCents       int64              `json:"total_cents"`
	Lines            []OrderSummaryLine `json:"lines"`
}

// OrderSummaryLine is one line of an OrderSummary.
type OrderSummaryLine struct {
	ProductName    string `json:"product_name"`
	Quantity       int    `json:"quantity"`
	LineTotalCents int64  `json:"line_total_cents"`
}

// OrderConfirmationNotification asks the notification service to email the customer.
type OrderConfirmationNotification struct {
	Email   string       `json:"email"`
	Summary OrderSummary `json:"summary"`
}

// OrderAlertNotification asks the notification service to alert store operators.
type OrderAlertNotification struct {
	Summary OrderSummary `json:"summary"`
}

// SMSNotification asks the notification service to text a phone number.
type SMSNotification struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// UnsettledPaymentAlert flags a gateway order whose confirmation never arrived.
type UnsettledPaymentAlert struct {
	OrderID     uuid.UUID `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	TotalCents  int64     `json:"total_cents"`
	CreatedAt   time.Time `json:"created_at"`
	AgeMinutes  int64     `json:"age_minutes"`
}
