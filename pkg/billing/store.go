package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store persists subscriptions, the product catalog and the processed-event
// log. Mutating methods take the external event id and record it in the same
// transaction as their effect; a replayed id returns ErrDuplicateEvent with
// no state change.
type Store interface {
	// ActivateSubscription creates or reactivates the subscription keyed on
	// its external id, in state active. Any other active subscription held
	// by the same user is canceled in the same transaction, so a user has
	// at most one active subscription at a time.
	ActivateSubscription(ctx context.Context, eventID string, sub *Subscription) error

	// MarkInvoicePaid sets the subscription active and refreshes its period
	// bounds. Unknown subscription ids return an *UnresolvableReferenceError.
	MarkInvoicePaid(ctx context.Context, eventID, stripeSubID string, periodStart, periodEnd time.Time) error

	// MarkInvoiceFailed sets the subscription past_due.
	MarkInvoiceFailed(ctx context.Context, eventID, stripeSubID string) error

	// SyncSubscription overwrites status, period bounds and the cancel flag
	// from an upstream subscription object.
	SyncSubscription(ctx context.Context, eventID, stripeSubID string, status SubscriptionStatus, periodStart, periodEnd time.Time, cancelAtPeriodEnd bool) error

	// CancelSubscription sets the subscription canceled. Terminal; the row
	// is never deleted.
	CancelSubscription(ctx context.Context, eventID, stripeSubID string) error

	// RecordProcessed records an event id with no other effect. Used by the
	// one-off purchase path, where the ledger's payment-id constraint is the
	// idempotence key. A replayed id returns ErrDuplicateEvent.
	RecordProcessed(ctx context.Context, eventID string) error

	// ProductByPriceID resolves a catalog product from its external price
	// id. Unknown ids return an *UnresolvableReferenceError.
	ProductByPriceID(ctx context.Context, priceID string) (*Product, error)

	// SubscriptionByStripeID returns the subscription keyed on its external
	// id, or nil when none exists.
	SubscriptionByStripeID(ctx context.Context, stripeSubID string) (*Subscription, error)

	// SweepExpired cancels subscriptions whose period ended with the
	// cancel-at-period-end flag set. Returns the number transitioned.
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

var billingMigrations = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		stripe_price_id TEXT NOT NULL UNIQUE,
		credits BIGINT NOT NULL DEFAULT 0,
		price_cents BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		product_id BIGINT NOT NULL REFERENCES products(id),
		stripe_subscription_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		current_period_start TIMESTAMPTZ NOT NULL,
		current_period_end TIMESTAMPTZ NOT NULL,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT PRIMARY KEY,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// PostgresStore is the production billing store backed by lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the billing schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range billingMigrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("billing migration failed: %w", err)
		}
	}
	return nil
}

// markEvent inserts the event id inside tx. Returns ErrDuplicateEvent when
// the id was already recorded.
func markEvent(ctx context.Context, tx *sql.Tx, eventID string) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO processed_events (event_id) VALUES ($1) ON CONFLICT (event_id) DO NOTHING`,
		eventID)
	if err != nil {
		return fmt.Errorf("record event %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record event %s: %w", eventID, err)
	}
	if n == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

// withEvent runs fn and the processed-event insert in one transaction. A
// duplicate event id rolls everything back before fn's effects commit.
func (s *PostgresStore) withEvent(ctx context.Context, eventID string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := markEvent(ctx, tx, eventID); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event %s: %w", eventID, err)
	}
	return nil
}

// ActivateSubscription upserts on the external subscription id so a replayed
// checkout (with a fresh event id) converges instead of erroring. The user's
// other active subscriptions are superseded inside the same transaction.
func (s *PostgresStore) ActivateSubscription(ctx context.Context, eventID string, sub *Subscription) error {
	return s.withEvent(ctx, eventID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE subscriptions
			SET status = $2, updated_at = NOW()
			WHERE user_id = $1 AND status = $3 AND stripe_subscription_id != $4`,
			sub.UserID, string(StatusCanceled), string(StatusActive), sub.StripeSubscriptionID)
		if err != nil {
			return fmt.Errorf("supersede active subscriptions for %s: %w", sub.UserID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO subscriptions
				(user_id, product_id, stripe_subscription_id, status, current_period_start, current_period_end, cancel_at_period_end)
			VALUES ($1, $2, $3, $4, $5, $6, FALSE)
			ON CONFLICT (stripe_subscription_id) DO UPDATE SET
				status = $4,
				current_period_start = $5,
				current_period_end = $6,
				cancel_at_period_end = FALSE,
				updated_at = NOW()`,
			sub.UserID, sub.ProductID, sub.StripeSubscriptionID, string(StatusActive),
			sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
		if err != nil {
			return fmt.Errorf("activate subscription %s: %w", sub.StripeSubscriptionID, err)
		}
		return nil
	})
}

func (s *PostgresStore) MarkInvoicePaid(ctx context.Context, eventID, stripeSubID string, periodStart, periodEnd time.Time) error {
	return s.withEvent(ctx, eventID, func(tx *sql.Tx) error {
		return s.updateSubscription(ctx, tx, eventID, stripeSubID, `
			UPDATE subscriptions
			SET status = $2, current_period_start = $3, current_period_end = $4, updated_at = NOW()
			WHERE stripe_subscription_id = $1`,
			stripeSubID, string(StatusActive), periodStart, periodEnd)
	})
}

func (s *PostgresStore) MarkInvoiceFailed(ctx context.Context, eventID, stripeSubID string) error {
	return s.withEvent(ctx, eventID, func(tx *sql.Tx) error {
		return s.updateSubscription(ctx, tx, eventID, stripeSubID, `
			UPDATE subscriptions
			SET status = $2, updated_at = NOW()
			WHERE stripe_subscription_id = $1`,
			stripeSubID, string(StatusPastDue))
	})
}

func (s *PostgresStore) SyncSubscription(ctx context.Context, eventID, stripeSubID string, status SubscriptionStatus, periodStart, periodEnd time.Time, cancelAtPeriodEnd bool) error {
	return s.withEvent(ctx, eventID, func(tx *sql.Tx) error {
		return s.updateSubscription(ctx, tx, eventID, stripeSubID, `
			UPDATE subscriptions
			SET status = $2, current_period_start = $3, current_period_end = $4, cancel_at_period_end = $5, updated_at = NOW()
			WHERE stripe_subscription_id = $1`,
			stripeSubID, string(status), periodStart, periodEnd, cancelAtPeriodEnd)
	})
}

func (s *PostgresStore) CancelSubscription(ctx context.Context, eventID, stripeSubID string) error {
	return s.withEvent(ctx, eventID, func(tx *sql.Tx) error {
		return s.updateSubscription(ctx, tx, eventID, stripeSubID, `
			UPDATE subscriptions
			SET status = $2, updated_at = NOW()
			WHERE stripe_subscription_id = $1`,
			stripeSubID, string(StatusCanceled))
	})
}

// updateSubscription runs an absolute setter and classifies a zero-row result
// as an unresolvable subscription reference.
func (s *PostgresStore) updateSubscription(ctx context.Context, tx *sql.Tx, eventID, stripeSubID, query string, args ...interface{}) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", stripeSubID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", stripeSubID, err)
	}
	if n == 0 {
		return unresolvable(eventID, "subscription", stripeSubID)
	}
	return nil
}

func (s *PostgresStore) RecordProcessed(ctx context.Context, eventID string) error {
	return s.withEvent(ctx, eventID, func(tx *sql.Tx) error { return nil })
}

func (s *PostgresStore) ProductByPriceID(ctx context.Context, priceID string) (*Product, error) {
	var p Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, stripe_price_id, credits, price_cents
		FROM products
		WHERE stripe_price_id = $1`,
		priceID).Scan(&p.ID, &p.Name, &p.StripePriceID, &p.Credits, &p.PriceCents)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, unresolvable("", "price", priceID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup product by price %s: %w", priceID, err)
	}
	return &p, nil
}

func (s *PostgresStore) SubscriptionByStripeID(ctx context.Context, stripeSubID string) (*Subscription, error) {
	var sub Subscription
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, product_id, stripe_subscription_id, status,
		       current_period_start, current_period_end, cancel_at_period_end,
		       created_at, updated_at
		FROM subscriptions
		WHERE stripe_subscription_id = $1`,
		stripeSubID).Scan(
		&sub.ID, &sub.UserID, &sub.ProductID, &sub.StripeSubscriptionID, &status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup subscription %s: %w", stripeSubID, err)
	}
	sub.Status = SubscriptionStatus(status)
	return &sub, nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $1, updated_at = NOW()
		WHERE cancel_at_period_end = TRUE
		  AND status != $1
		  AND current_period_end <= $2`,
		string(StatusCanceled), now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired subscriptions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep expired subscriptions: %w", err)
	}
	return n, nil
}
