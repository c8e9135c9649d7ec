package app

import (
	"context"

	"github.com/aminofabian/fnms-sub000/internal/domain"
	"github.com/aminofabian/fnms-sub000/pkg/rabbitmq"
)

const (
	RoutingKeyOrderConfirmation = "notification.order.confirmation"
	RoutingKeyOrderAlert        = "notification.order.alert"
	RoutingKeySMS               = "notification.sms"
	RoutingKeyUnsettledPayment  = "ops.payment.unsettled"
)

// Notifier delivers customer and operator notifications. Delivery is best effort.
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, email string, summary domain.OrderSummary) error
	SendOrderAlert(ctx context.Context, summary domain.OrderSummary) error
	SendSMS(ctx context.Context, phone, message string) error
}

// EventNotifier hands notifications to the notification service over RabbitMQ.
type EventNotifier struct {
	publisher rabbitmq.Publisher
	exchange  string
}

func NewEventNotifier(publisher rabbitmq.Publisher, exchange string) *EventNotifier {
	return &EventNotifier{publisher: publisher, exchange: exchange}
}

func (n *EventNotifier) SendOrderConfirmation(ctx context.Context, email string, summary domain.OrderSummary) error {
	return n.publisher.Publish(ctx, n.exchange, RoutingKeyOrderConfirmation, domain.OrderConfirmationNotification{
		Email:   email,
		Summary: summary,
	})
}

func (n *EventNotifier) SendOrderAlert(ctx context.Context, summary domain.OrderSummary) error {
	return n.publisher.Publish(ctx, n.exchange, RoutingKeyOrderAlert, domain.OrderAlertNotification{Summary: summary})
}

func (n *EventNotifier) SendSMS(ctx context.Context, phone, message string) error {
	return n.publisher.Publish(ctx, n.exchange, RoutingKeySMS, domain.SMSNotification{Phone: phone, Message: message})
}

// AlertUnsettledPayment raises an operations alert for a gateway order nobody confirmed.
func (n *EventNotifier) AlertUnsettledPayment(ctx context.Context, alert domain.UnsettledPaymentAlert) error {
	return n.publisher.Publish(ctx, n.exchange, RoutingKeyUnsettledPayment, alert)
}

type noopNotifier struct{}

func (noopNotifier) SendOrderConfirmation(context.Context, string, domain.OrderSummary) error {
	return nil
}

func (noopNotifier) SendOrderAlert(context.Context, domain.OrderSummary) error { return nil }

func (noopNotifier) SendSMS(context.Context, string, string) error { return nil }
