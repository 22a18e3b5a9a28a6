package ledger

import (
	"context"
	"time"
)

// Kind classifies a ledger transaction.
type Kind string

const (
	KindPurchase Kind = "purchase"
	KindUsage    Kind = "usage"
	KindBonus    Kind = "bonus"
	KindRefund   Kind = "refund"
	KindAdmin    Kind = "admin"
)

// Valid reports whether k is one of the known transaction kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPurchase, KindUsage, KindBonus, KindRefund, KindAdmin:
		return true
	}
	return false
}

// Transaction is an immutable ledger entry recording one balance change.
// Amount is signed: positive for credits, negative for debits. BalanceAfter
// is the user's balance immediately after this transaction committed.
type Transaction struct {
	ID              int64     `json:"id"`
	UserID          string    `json:"user_id"`
	Amount          int64     `json:"amount"`
	Kind            Kind      `json:"kind"`
	Description     string    `json:"description"`
	Operation       string    `json:"operation,omitempty"`
	StripePaymentID string    `json:"stripe_payment_id,omitempty"`
	BalanceAfter    int64     `json:"balance_after"`
	CreatedAt       time.Time `json:"created_at"`
}

// DeductResult is the successful outcome of a Deduct call.
type DeductResult struct {
	RemainingBalance int64 `json:"remaining_balance"`
}

// AddResult is the successful outcome of an Add call.
type AddResult struct {
	NewBalance int64 `json:"new_balance"`
}

// UsageStats aggregates usage-kind transactions over a trailing window.
type UsageStats struct {
	TotalUsed    int64            `json:"total_used"`
	APICalls     int64            `json:"api_calls"`
	PerOperation map[string]int64 `json:"per_operation"`
	PeriodDays   int              `json:"period_days"`
}

// Store is the durable ledger backend. Implementations must provide the
// atomicity guarantees documented on each method; the service layer never
// performs a read-then-write across two round trips.
type Store interface {
	// Balance returns the current balance for a user. Users without a row
	// report the configured default starting balance.
	Balance(ctx context.Context, userID string) (int64, error)

	// Deduct atomically checks sufficiency, decrements the balance and
	// appends a usage transaction. Insufficient balance yields an
	// *InsufficientCreditsError carrying the true current balance.
	Deduct(ctx context.Context, userID string, amount int64, description, operation string) (int64, error)

	// Add atomically increments the balance and appends a transaction.
	// A repeated stripePaymentID yields an *DuplicatePaymentError and
	// leaves the balance unchanged.
	Add(ctx context.Context, userID string, amount int64, kind Kind, description, stripePaymentID string) (int64, error)

	// History returns transactions newest first with stable offset paging.
	History(ctx context.Context, userID string, limit, offset int) ([]*Transaction, error)

	// UsageStats aggregates usage-kind transactions over the trailing window.
	UsageStats(ctx context.Context, userID string, days int) (*UsageStats, error)
}

// BalanceCache is the fast-path balance copy. All methods are best effort:
// callers treat every error as a cache miss, never as an operation failure.
type BalanceCache interface {
	Get(ctx context.Context, userID string) (balance int64, ok bool, err error)
	Set(ctx context.Context, userID string, balance int64, ttl time.Duration) error
	Invalidate(ctx context.Context, userID string) error
}
