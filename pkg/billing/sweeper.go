package billing

import (
	"context"
	"time"

	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/robfig/cron/v3"
)

// SweepSchedule is the default cron expression for the period sweeper.
const SweepSchedule = "@hourly"

// Sweeper periodically cancels subscriptions that ran past their period end
// with the cancel-at-period-end flag set. The webhook normally delivers the
// deletion event first; the sweeper covers dropped deliveries.
type Sweeper struct {
	store  Store
	logger *observability.Logger
	cron   *cron.Cron
}

// NewSweeper creates a sweeper; call Start to schedule it.
func NewSweeper(store Store, logger *observability.Logger) *Sweeper {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Sweeper{store: store, logger: logger, cron: cron.New()}
}

// Start schedules the sweep on the given cron expression ("" selects
// SweepSchedule) and starts the scheduler.
func (s *Sweeper) Start(schedule string) error {
	if schedule == "" {
		schedule = SweepSchedule
	}
	if _, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.WithError(err).Error("subscription sweep failed")
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.SubscriptionSweepsTotal.Add(float64(n))
		s.logger.WithField("canceled", n).Info("swept expired subscriptions")
	}
	return n, nil
}
