package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements Store on SQLite for development and single-node
// deployments. Semantics match PostgresStore: the same conditional update,
// the same unique-constraint dedup on stripe_payment_id.
type SQLiteStore struct {
	db             *sql.DB
	defaultCredits int64
}

// OpenSQLiteStore opens (and migrates) a SQLite-backed ledger at path.
// Use ":memory:" for throwaway stores in tests.
func OpenSQLiteStore(path string, defaultCredits int64) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent deductions.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, defaultCredits: defaultCredits}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing handle without migrating.
func NewSQLiteStore(db *sql.DB, defaultCredits int64) *SQLiteStore {
	return &SQLiteStore{db: db, defaultCredits: defaultCredits}
}

// Migrate creates the ledger tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteMigrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Balance returns the user's current balance, or the default starting
// balance when no row exists yet.
func (s *SQLiteStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return s.defaultCredits, nil
	}
	if err != nil {
		return 0, storeErr("balance query", err)
	}
	return balance, nil
}

// Deduct mirrors PostgresStore.Deduct with SQLite placeholders.
func (s *SQLiteStore) Deduct(ctx context.Context, userID string, amount int64, description, operation string) (int64, error) {
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
		SET credits = credits - ?2, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?1 AND credits >= ?2
		RETURNING credits`,
		userID, amount).Scan(&newBalance)
	if err == sql.ErrNoRows {
		var balance int64
		if err := tx.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&balance); err != nil {
			return 0, storeErr("balance re-read", err)
		}
		return 0, &InsufficientCreditsError{UserID: userID, Balance: balance, Needed: amount}
	}
	if err != nil {
		return 0, storeErr("conditional debit", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (user_id, amount, kind, description, operation, balance_after)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?)`,
		userID, -amount, KindUsage, description, operation, newBalance)
	if err != nil {
		return 0, storeErr("append transaction", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit deduct", err)
	}
	return newBalance, nil
}

// Add mirrors PostgresStore.Add with SQLite placeholders.
func (s *SQLiteStore) Add(ctx context.Context, userID string, amount int64, kind Kind, description, stripePaymentID string) (int64, error) {
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
		SET credits = credits + ?2, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?1
		RETURNING credits`,
		userID, amount).Scan(&newBalance)
	if err != nil {
		return 0, storeErr("credit update", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (user_id, amount, kind, description, stripe_payment_id, balance_after)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?)
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

// History returns transactions newest first with stable offset paging.
func (s *SQLiteStore) History(ctx context.Context, userID string, limit, offset int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, kind, description, COALESCE(operation, ''), COALESCE(stripe_payment_id, ''), balance_after, created_at
		FROM credit_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
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
func (s *SQLiteStore) UsageStats(ctx context.Context, userID string, days int) (*UsageStats, error) {
	since := time.Now().AddDate(0, 0, -days)
	stats := &UsageStats{PerOperation: make(map[string]int64), PeriodDays: days}

	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(-amount), 0), COUNT(*)
		FROM credit_transactions
		WHERE user_id = ? AND kind = ? AND created_at >= ?`,
		userID, KindUsage, since).Scan(&stats.TotalUsed, &stats.APICalls)
	if err != nil {
		return nil, storeErr("usage totals", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(operation, 'unknown'), SUM(-amount)
		FROM credit_transactions
		WHERE user_id = ? AND kind = ? AND created_at >= ?
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

func (s *SQLiteStore) ensureUser(ctx context.Context, tx *sql.Tx, userID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, credits) VALUES (?, ?)
		ON CONFLICT (id) DO NOTHING`,
		userID, s.defaultCredits)
	if err != nil {
		return storeErr("ensure user", err)
	}
	return nil
}
