package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/robfig/cron/v3"
)

// PruneSchedule is the default cron expression for the retention job.
const PruneSchedule = "@daily"

// Retention prunes audit entries older than the configured window. The log
// is append-only in normal operation; this is the only writer that removes
// rows.
type Retention struct {
	audit     *Logger
	retainFor time.Duration
	logger    *observability.Logger
	cron      *cron.Cron
}

// NewRetention creates a retention job keeping entries for retainFor.
func NewRetention(audit *Logger, retainFor time.Duration, logger *observability.Logger) *Retention {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Retention{audit: audit, retainFor: retainFor, logger: logger, cron: cron.New()}
}

// Start schedules the prune on the given cron expression ("" selects
// PruneSchedule) and starts the scheduler.
func (r *Retention) Start(schedule string) error {
	if schedule == "" {
		schedule = PruneSchedule
	}
	if _, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if _, err := r.Prune(ctx); err != nil {
			r.logger.WithError(err).Error("audit log prune failed")
		}
	}); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running prune to finish.
func (r *Retention) Stop(ctx context.Context) error {
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prune runs one pass immediately and returns the number of rows removed.
func (r *Retention) Prune(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-r.retainFor)
	res, err := r.audit.db.ExecContext(ctx,
		`DELETE FROM audit_logs WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit entries before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	if n > 0 {
		r.logger.WithField("removed", n).Info("pruned expired audit entries")
	}
	return n, nil
}
