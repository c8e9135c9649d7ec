/**
 * @description
 * Periodic sweep over gateway orders whose payment was never confirmed. Orders are not
 * cancelled or retried automatically; operators get an alert per order so they can
 * reconcile it against the Paystack dashboard.
 */

package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/aminofabian/fnms-sub000/internal/domain"
	"github.com/aminofabian/fnms-sub000/internal/store"
	"github.com/robfig/cron/v3"
)

const sweepBatchSize = 100

// UnsettledPaymentAlerter raises operator alerts for stale gateway orders.
type UnsettledPaymentAlerter interface {
	AlertUnsettledPayment(ctx context.Context, alert domain.UnsettledPaymentAlert) error
}

// PaymentSweeper finds PAYSTACK orders still awaiting payment after the grace period.
type PaymentSweeper struct {
	repo       store.OrderRepository
	alerter    UnsettledPaymentAlerter
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewPaymentSweeper(repo store.OrderRepository, alerter UnsettledPaymentAlerter, staleAfter time.Duration, logger *slog.Logger) *PaymentSweeper {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &PaymentSweeper{repo: repo, alerter: alerter, staleAfter: staleAfter, logger: logger, now: time.Now}
}

// Sweep alerts once per stale order found in this run and returns how many were raised.
func (s *PaymentSweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	orders, err := s.repo.ListOrdersAwaitingPayment(ctx, now.Add(-s.staleAfter), sweepBatchSize)
	if err != nil {
		return 0, err
	}

	raised := 0
	for _, order := range orders {
		alert := domain.UnsettledPaymentAlert{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			TotalCents:  order.TotalCents,
			CreatedAt:   order.CreatedAt,
			AgeMinutes:  int64(now.Sub(order.CreatedAt).Minutes()),
		}
		if err := s.alerter.AlertUnsettledPayment(ctx, alert); err != nil {
			s.logger.Warn("failed to raise unsettled payment alert", "order_number", order.OrderNumber, "error", err)
			continue
		}
		raised++
	}
	return raised, nil
}

// Run is the cron entry point.
func (s *PaymentSweeper) Run() {
	s.logger.Info("starting unsettled payment sweep")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	raised, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("unsettled payment sweep failed", "error", err)
		return
	}
	s.logger.Info("unsettled payment sweep finished", "alerts", raised)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  *PaymentSweeper
	schedule string
	logger   *slog.Logger
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(sweeper *PaymentSweeper, schedule string, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:     c,
		sweeper:  sweeper,
		schedule: schedule,
		logger:   logger,
	}
}

// Start registers the sweep and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.sweeper.Run); err != nil {
		s.logger.Error("failed to schedule unsettled payment sweep", "error", err)
		return err
	}
	s.logger.Info("scheduled unsettled payment sweep", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
