package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresStore implements Store on PostgreSQL. Balance mutations run inside
// a single database transaction: the conditional balance update and the
// transaction-log append either both commit or neither does.
type PostgresStore struct {
	db             *sql.DB
	defaultCredits int64
}

// NewPostgresStore creates a PostgresStore. defaultCredits is the starting
// balance reported for (and granted to) users the ledger has never seen.
func NewPostgresStore(db *sql.DB, defaultCredits int64) *PostgresStore {
	return &PostgresStore{db: db, defaultCredits: defaultCredits}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresMigrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger migration failed: %w", err)
		}
	}
	return nil
}

// Balance returns the user's current balance, or the default starting
// balance when no row exists yet.
func (s *PostgresStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = $1`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return s.defaultCredits, nil
	}
	if err != nil {
		return 0, storeErr("balance query", err)
	}
	return balance, nil
}

// Deduct performs the sufficiency check and debit as one conditional update.
// Two concurrent deductions for the same user serialize on the row; the
// loser re-evaluates against the committed balance.
func (s *PostgresStore) Deduct(ctx context.Context, userID string, amount int64, description, operation string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin deduct", err)
	}
	defer tx.Rollback()

	if err := s.ensureUser(ctx, tx, userID); err != nil {
		return 0, err
	}

	var newBalance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE users
		SET credits = credits - $2, updated_at = NOW()
		WHERE id = $1 AND credits >= $2
		RETURNING credits`,
		userID, amount).Scan(&newBalance)
	if err == sql.ErrNoRows {
		// Conditional update matched nothing: insufficient balance.
		// Re-read the true balance for the error payload.
		var balance int64
		if err := tx.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = $1`, userID).Scan(&balance); err != nil {
			return 0, storeErr("balance re-read", err)
		}
		return 0, &InsufficientCreditsError{UserID: userID, Balance: balance, Needed: amount}
	}
	if err != nil {
		return 0, storeErr("conditional debit", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (user_id, amount, kind, description, operation, balance_after)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`,
		userID, -amount, KindUsage, description, operation, newBalance)
	if err != nil {
		return 0, storeErr("append transaction", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit deduct", err)
	}
	return newBalance, nil
}

// Add credits the balance and appends a transaction. Duplicate external
// payment ids hit the unique constraint on stripe_payment_id; the whole
// transaction rolls back so the balance is credited at most once per id.
func (s *PostgresStore) Add(ctx context.Context, userID string, amount int64, kind Kind, description, stripePaymentID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin add", err)
	}
	defer tx.Rollback()

	if err := s.ensureUser(ctx, tx, userID); err != nil {
		return 0, err
	}

	var newBalance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE users
		SET credits = credits + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING credits`,
		userID, amount).Scan(&newBalance)
	if err != nil {
		return 0, storeErr("credit update", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (user_id, amount, kind, description, stripe_payment_id, balance_after)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		ON CONFLICT (stripe_payment_id) DO NOTHING`,
		userID, amount, kind, description, stripePaymentID, newBalance)
	if err != nil {
		return 0, storeErr("append transaction", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, storeErr("rows affected", err)
	}
	if inserted == 0 {
		// Already recorded: roll back the credit and report the current balance.
		tx.Rollback()
		balance, err := s.Balance(ctx, userID)
		if err != nil {
			return 0, err
		}
		return 0, &DuplicatePaymentError{StripePaymentID: stripePaymentID, Balance: balance}
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit add", err)
	}
	return newBalance, nil
}

// History returns transactions newest first, ordered by insertion with id as
// tie breaker so offset paging is stable.
func (s *PostgresStore) History(ctx context.Context, userID string, limit, offset int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, kind, description, COALESCE(operation, ''), COALESCE(stripe_payment_id, ''), balance_after, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, storeErr("history query", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		t := &Transaction{}
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Kind, &t.Description,
			&t.Operation, &t.StripePaymentID, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, storeErr("history scan", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("history rows", err)
	}
	return txns, nil
}

// UsageStats aggregates usage-kind transactions within the trailing window.
func (s *PostgresStore) UsageStats(ctx context.Context, userID string, days int) (*UsageStats, error) {
	since := time.Now().AddDate(0, 0, -days)
	stats := &UsageStats{PerOperation: make(map[string]int64), PeriodDays: days}

	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(-amount), 0), COUNT(*)
		FROM credit_transactions
		WHERE user_id = $1 AND kind = $2 AND created_at >= $3`,
		userID, KindUsage, since).Scan(&stats.TotalUsed, &stats.APICalls)
	if err != nil {
		return nil, storeErr("usage totals", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(operation, 'unknown'), SUM(-amount)
		FROM credit_transactions
		WHERE user_id = $1 AND kind = $2 AND created_at >= $3
		GROUP BY COALESCE(operation, 'unknown')`,
		userID, KindUsage, since)
	if err != nil {
		return nil, storeErr("usage breakdown", err)
	}
	defer rows.Close()

	for rows.Next() {
		var op string
		var used int64
		if err := rows.Scan(&op, &used); err != nil {
			return nil, storeErr("usage scan", err)
		}
		stats.PerOperation[op] = used
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("usage rows", err)
	}
	return stats, nil
}

// ensureUser creates the user row with the default starting balance on first
// ledger contact. Safe under concurrency: conflicting inserts are no-ops.
func (s *PostgresStore) ensureUser(ctx context.Context, tx *sql.Tx, userID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, credits) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`,
		userID, s.defaultCredits)
	if err != nil {
		return storeErr("ensure user", err)
	}
	return nil
}
