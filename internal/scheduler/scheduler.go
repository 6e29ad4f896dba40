package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine is the subset of mixing operations the drivers invoke. Every
// operation is individually safe to retry and to run concurrently on the
// same transaction, so overlapping ticks need no coordination.
type Engine interface {
	DetectPayment(ctx context.Context, id uuid.UUID) (bool, error)
	AdvanceRound(ctx context.Context, id uuid.UUID) (bool, error)
	SendPayout(ctx context.Context, id uuid.UUID) (bool, error)
}

// Store provides the batch queries the drivers iterate over.
type Store interface {
	ListPendingCreatedSince(ctx context.Context, since time.Time) ([]uuid.UUID, error)
	ListMixingBelowRounds(ctx context.Context, rounds int) ([]uuid.UUID, error)
	ListPayoutDue(ctx context.Context, now time.Time, maxRetries int) ([]uuid.UUID, error)
	PurgeTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds driver periods and batch parameters.
type Config struct {
	PaymentPollInterval time.Duration
	RoundInterval       time.Duration
	PayoutInterval      time.Duration
	PendingLookback     time.Duration

	MixingRounds     int
	PayoutMaxRetries int
	RetentionDays    int
	CleanupHour      int
}

// Scheduler runs the four periodic drivers: payment poll, round advance,
// payout due and retention cleanup.
type Scheduler struct {
	cfg    Config
	engine Engine
	store  Store
	log    *zap.Logger
}

func New(cfg Config, engine Engine, store Store, log *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		engine: engine,
		store:  store,
		log:    log,
	}
}

// Run starts all drivers and blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.loop(ctx, "payment-poll", s.cfg.PaymentPollInterval, s.pollPayments)
	})
	g.Go(func() error {
		return s.loop(ctx, "round-advance", s.cfg.RoundInterval, s.advanceRounds)
	})
	g.Go(func() error {
		return s.loop(ctx, "payout-due", s.cfg.PayoutInterval, s.sendPayouts)
	})
	g.Go(func() error {
		return s.cleanupLoop(ctx)
	})

	return g.Wait()
}

// loop runs tick on the interval until the context is cancelled.
func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, tick func(ctx context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.runTick(ctx, name, tick)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runTick(ctx, name, tick)
		}
	}
}

// runTick executes one batch. A panicking batch is recovered and logged; the
// driver keeps running.
func (s *Scheduler) runTick(ctx context.Context, name string, tick func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("driver panicked",
				zap.String("driver", name), zap.Any("panic", r))
		}
	}()
	tick(ctx)
}

// pollPayments checks recent pending transactions for incoming funds.
func (s *Scheduler) pollPayments(ctx context.Context) {
	since := time.Now().UTC().Add(-s.cfg.PendingLookback)
	ids, err := s.store.ListPendingCreatedSince(ctx, since)
	if err != nil {
		s.log.Error("failed to list pending transactions", zap.Error(err))
		return
	}

	for _, id := range ids {
		funded, err := s.engine.DetectPayment(ctx, id)
		if err != nil {
			s.log.Warn("payment check failed",
				zap.String("transaction_id", id.String()), zap.Error(err))
			continue
		}
		if funded {
			// move the freshly funded transaction along without waiting for
			// the next round-advance tick
			if _, err := s.engine.AdvanceRound(ctx, id); err != nil {
				s.log.Warn("initial round failed",
					zap.String("transaction_id", id.String()), zap.Error(err))
			}
		}
	}
}

// advanceRounds progresses every mixing transaction below its round target.
func (s *Scheduler) advanceRounds(ctx context.Context) {
	ids, err := s.store.ListMixingBelowRounds(ctx, s.cfg.MixingRounds)
	if err != nil {
		s.log.Error("failed to list mixing transactions", zap.Error(err))
		return
	}

	for _, id := range ids {
		if _, err := s.engine.AdvanceRound(ctx, id); err != nil {
			s.log.Warn("round advance failed",
				zap.String("transaction_id", id.String()), zap.Error(err))
		}
	}
}

// sendPayouts sends every payout whose scheduled time has passed.
func (s *Scheduler) sendPayouts(ctx context.Context) {
	ids, err := s.store.ListPayoutDue(ctx, time.Now().UTC(), s.cfg.PayoutMaxRetries)
	if err != nil {
		s.log.Error("failed to list due payouts", zap.Error(err))
		return
	}

	for _, id := range ids {
		sent, err := s.engine.SendPayout(ctx, id)
		if err != nil {
			s.log.Warn("payout failed",
				zap.String("transaction_id", id.String()), zap.Error(err))
			continue
		}
		if sent {
			s.log.Info("payout sent", zap.String("transaction_id", id.String()))
		}
	}
}

// cleanupLoop purges old transactions, logs and alerts once a day at the
// configured hour.
func (s *Scheduler) cleanupLoop(ctx context.Context) error {
	for {
		wait := untilNextHour(time.Now().UTC(), s.cfg.CleanupHour)
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			s.runTick(ctx, "retention-cleanup", s.cleanup)
		}
	}
}

func (s *Scheduler) cleanup(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)

	txs, err := s.store.PurgeTransactionsBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("failed to purge transactions", zap.Error(err))
	}
	alerts, err := s.store.PurgeAlertsBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("failed to purge alerts", zap.Error(err))
	}

	s.log.Info("retention cleanup finished",
		zap.Int64("transactions", txs),
		zap.Int64("alerts", alerts))
}

// untilNextHour returns the duration until the next occurrence of hour (UTC).
func untilNextHour(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
