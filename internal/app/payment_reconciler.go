/**
 * @description
 * The payment reconciler finalizes gateway payments announced by the Paystack webhook.
 * A webhook body is never trusted on its own: the signature is checked over the raw
 * bytes and the charge is then verified out of band with Paystack before any order is
 * marked paid or any wallet is credited. Every write is guarded by a status gate or a
 * wallet idempotency key, so redelivered webhooks are harmless.
 *
 * @dependencies
 * - context, encoding/json, errors, log, time: Standard Go libraries.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/paystack: Signature verification and the gateway client contract.
 */

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
	"github.com/aminofabian/fnms-sub000/pkg/paystack"
)

const (
	defaultVerifyTimeout = 10 * time.Second
	referenceLockTTL     = 30 * time.Second
)

// ReconcileOutcome describes what a webhook delivery led to.
type ReconcileOutcome string

const (
	OutcomeIgnored          ReconcileOutcome = "ignored"
	OutcomeOrderPaid        ReconcileOutcome = "order_paid"
	OutcomeTopUpCredited    ReconcileOutcome = "top_up_credited"
	OutcomeAlreadySettled   ReconcileOutcome = "already_settled"
	OutcomeInFlight         ReconcileOutcome = "in_flight"
	OutcomeUnverified       ReconcileOutcome = "unverified"
	OutcomeRejected         ReconcileOutcome = "rejected"
	OutcomeUnknownReference ReconcileOutcome = "unknown_reference"
)

// PaymentReconciler verifies and applies gateway payment confirmations.
type PaymentReconciler struct {
	repo          store.Repository
	wallet        *WalletLedger
	gateway       PaymentGateway
	secret        string
	verifyTimeout time.Duration
	locker        ReferenceLocker
}

func NewPaymentReconciler(repo store.Repository, wallet *WalletLedger, gateway PaymentGateway, secret string, verifyTimeout time.Duration) *PaymentReconciler {
	if verifyTimeout <= 0 {
		verifyTimeout = defaultVerifyTimeout
	}
	return &PaymentReconciler{
		repo:          repo,
		wallet:        wallet,
		gateway:       gateway,
		secret:        secret,
		verifyTimeout: verifyTimeout,
	}
}

// SetReferenceLocker enables suppression of concurrent duplicate deliveries.
func (r *PaymentReconciler) SetReferenceLocker(locker ReferenceLocker) {
	r.locker = locker
}

// VerifySignature checks the webhook signature over the raw request body.
func (r *PaymentReconciler) VerifySignature(body []byte, signature string) error {
	if !paystack.ValidSignature(r.secret, body, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// HandleWebhook verifies and processes one webhook delivery. Once the signature is valid
// the caller acknowledges the delivery whatever the outcome; errors are for logging.
func (r *PaymentReconciler) HandleWebhook(ctx context.Context, body []byte, signature string) (ReconcileOutcome, error) {
	if err := r.VerifySignature(body, signature); err != nil {
		return OutcomeRejected, err
	}

	var event domain.PaystackWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=payment_reconciler msg=\"unparsable webhook body\" err=%v", err)
		return OutcomeIgnored, nil
	}
	if event.Event != domain.PaystackEventChargeSuccess {
		log.Printf("level=info component=payment_reconciler msg=\"webhook event ignored\" event=%s reference=%s", event.Event, event.Data.Reference)
		return OutcomeIgnored, nil
	}
	return r.Reconcile(ctx, event.Data.Reference)
}

// Reconcile settles whatever the reference belongs to, using Paystack's answer as the
// only source of truth for status and amount.
func (r *PaymentReconciler) Reconcile(ctx context.Context, reference string) (ReconcileOutcome, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return OutcomeIgnored, ErrMissingReference
	}

	if r.locker != nil {
		release, acquired, err := r.locker.Acquire(ctx, reference, referenceLockTTL)
		if err != nil {
			log.Printf("level=warn component=payment_reconciler msg=\"reference lock unavailable; continuing on database gates\" reference=%s err=%v", reference, err)
		} else if !acquired {
			log.Printf("level=info component=payment_reconciler msg=\"reference already being processed\" reference=%s", reference)
			return OutcomeInFlight, nil
		} else {
			defer release()
		}
	}

	verifyCtx, cancel := context.WithTimeout(ctx, r.verifyTimeout)
	txn, err := r.gateway.VerifyTransaction(verifyCtx, reference)
	cancel()
	if err != nil {
		log.Printf("level=error component=payment_reconciler msg=\"verification failed; reference left pending for manual reconciliation\" reference=%s err=%v", reference, err)
		return OutcomeUnverified, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	if !txn.Succeeded() {
		log.Printf("level=warn component=payment_reconciler msg=\"gateway does not report success\" reference=%s status=%s", reference, txn.Status)
		return OutcomeUnverified, nil
	}
	if txn.Reference != "" && txn.Reference != reference {
		log.Printf("level=error component=payment_reconciler msg=\"verified reference differs from webhook reference\" reference=%s verified_reference=%s", reference, txn.Reference)
		return OutcomeRejected, ErrAmountMismatch
	}

	order, err := r.repo.FindOrderByNumber(ctx, reference)
	if err == nil {
		return r.settleOrder(ctx, order, txn)
	}
	if !errors.Is(err, store.ErrOrderNotFound) {
		return OutcomeIgnored, fmt.Errorf("lookup order: %w", err)
	}

	topUp, err := r.repo.FindTopUpByReference(ctx, reference)
	if err == nil {
		return r.settleTopUp(ctx, topUp, txn)
	}
	if !errors.Is(err, store.ErrTopUpNotFound) {
		return OutcomeIgnored, fmt.Errorf("lookup top-up: %w", err)
	}

	log.Printf("level=warn component=payment_reconciler msg=\"verified charge matches no order or top-up\" reference=%s amount=%d", reference, txn.Amount)
	return OutcomeUnknownReference, nil
}

func (r *PaymentReconciler) settleOrder(ctx context.Context, order *domain.Order, txn *paystack.Transaction) (ReconcileOutcome, error) {
	if order.PaymentMethod != domain.PaymentMethodPaystack {
		log.Printf("level=warn component=payment_reconciler msg=\"charge for non-gateway order\" order_number=%s method=%s", order.OrderNumber, order.PaymentMethod)
		return OutcomeRejected, nil
	}
	if order.PaymentStatus == domain.PaymentStatusPaid {
		return OutcomeAlreadySettled, nil
	}
	if txn.Amount != order.TotalCents {
		log.Printf("level=error component=payment_reconciler msg=\"verified amount differs from order total\" order_number=%s verified=%d expected=%d", order.OrderNumber, txn.Amount, order.TotalCents)
		return OutcomeRejected, ErrAmountMismatch
	}
	if order.Status == domain.OrderStatusCancelled {
		return rejectCancelledPayment(order, txn)
	}

	paid, err := r.repo.TransitionPaymentStatus(ctx, order.ID, domain.PaymentStatusAwaiting, domain.PaymentStatusPaid)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("mark order paid: %w", err)
	}
	if !paid {
		// Either a concurrent delivery paid it or a cancel committed after the read above.
		current, err := r.repo.FindOrderByID(ctx, order.ID)
		if err != nil {
			return OutcomeIgnored, fmt.Errorf("reload order: %w", err)
		}
		if current.Status == domain.OrderStatusCancelled && current.PaymentStatus != domain.PaymentStatusPaid {
			return rejectCancelledPayment(current, txn)
		}
		return OutcomeAlreadySettled, nil
	}
	log.Printf("level=info component=payment_reconciler msg=\"order paid\" order_id=%s order_number=%s amount=%d", order.ID, order.OrderNumber, txn.Amount)
	return OutcomeOrderPaid, nil
}

func rejectCancelledPayment(order *domain.Order, txn *paystack.Transaction) (ReconcileOutcome, error) {
	log.Printf("level=error component=payment_reconciler msg=\"CRITICAL: payment received for cancelled order; refund manually\" order_id=%s order_number=%s amount=%d", order.ID, order.OrderNumber, txn.Amount)
	return OutcomeRejected, nil
}

func (r *PaymentReconciler) settleTopUp(ctx context.Context, topUp *domain.WalletTopUp, txn *paystack.Transaction) (ReconcileOutcome, error) {
	if topUp.Status == domain.TopUpStatusCompleted {
		return OutcomeAlreadySettled, nil
	}
	if txn.Amount != topUp.AmountCents {
		log.Printf("level=error component=payment_reconciler msg=\"verified amount differs from top-up amount\" reference=%s verified=%d expected=%d", topUp.PaystackReference, txn.Amount, topUp.AmountCents)
		return OutcomeRejected, ErrAmountMismatch
	}

	// The credit is keyed by the reference, so a crash between these two writes is repaired
	// by the next delivery without crediting twice.
	if _, err := r.wallet.CreditTopUp(ctx, topUp.UserID, topUp.PaystackReference, topUp.AmountCents); err != nil {
		return OutcomeIgnored, fmt.Errorf("credit top-up: %w", err)
	}
	if _, err := r.repo.MarkTopUpCompleted(ctx, topUp.ID); err != nil {
		return OutcomeIgnored, fmt.Errorf("mark top-up completed: %w", err)
	}
	log.Printf("level=info component=payment_reconciler msg=\"wallet top-up credited\" user_id=%s reference=%s amount=%d", topUp.UserID, topUp.PaystackReference, topUp.AmountCents)
	return OutcomeTopUpCredited, nil
}
