package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tally/pkg/observability"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL bounds balance staleness when a cached entry outlives a
// concurrent mutation (e.g. a request canceled between commit and refresh).
const DefaultCacheTTL = 5 * time.Minute

// Service mediates between the balance cache and the durable store.
// It is safe for concurrent use; all mutual exclusion for balance mutation
// is delegated to the store's row-level atomicity.
type Service struct {
	store  Store
	cache  BalanceCache
	ttl    time.Duration
	logger *observability.Logger

	// collapses concurrent cache-miss reads for the same user
	group singleflight.Group
}

// NewService creates a ledger service. cache may be a no-op implementation;
// ttl <= 0 selects DefaultCacheTTL.
func NewService(store Store, cache BalanceCache, ttl time.Duration, logger *observability.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Service{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}
}

// GetBalance returns the user's current balance, serving from cache when a
// fresh entry exists and falling back to the store otherwise. Cache failures
// are non-fatal: they degrade to a direct store read.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	if balance, ok, err := s.cache.Get(ctx, userID); err == nil && ok {
		observability.BalanceCacheHits.Inc()
		return balance, nil
	} else if err != nil {
		observability.BalanceCacheErrors.Inc()
		s.logger.WithError(err).WithField("user_id", userID).Warn("balance cache read failed, falling back to store")
	}
	observability.BalanceCacheMisses.Inc()

	v, err, _ := s.group.Do(userID, func() (interface{}, error) {
		balance, err := s.store.Balance(ctx, userID)
		if err != nil {
			return int64(0), err
		}
		s.refreshCache(ctx, userID, balance)
		return balance, nil
	})
	if err != nil {
		return 0, fmt.Errorf("get balance for %s: %w", userID, err)
	}
	return v.(int64), nil
}

// Deduct removes amount credits from the user's balance and appends a usage
// transaction. The sufficiency check happens inside the store as a single
// conditional update; on rejection the returned error unwraps to
// ErrInsufficientCredits and carries the authoritative balance.
func (s *Service) Deduct(ctx context.Context, userID string, amount int64, description, operation string) (*DeductResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deduct amount must be positive, got %d", amount)
	}

	newBalance, err := s.store.Deduct(ctx, userID, amount, description, operation)
	if err != nil {
		var insufficient *InsufficientCreditsError
		if errors.As(err, &insufficient) {
			observability.InsufficientCreditsTotal.Inc()
			// keep the cache honest about the unchanged balance
			s.refreshCache(ctx, userID, insufficient.Balance)
			return nil, err
		}
		return nil, err
	}

	observability.CreditsDeductedTotal.Add(float64(amount))
	s.refreshCache(ctx, userID, newBalance)
	return &DeductResult{RemainingBalance: newBalance}, nil
}

// Add grants amount credits of the given kind. When stripePaymentID is
// non-empty the grant is idempotent: a repeat call returns an error that
// unwraps to ErrDuplicatePayment and the balance is credited exactly once.
func (s *Service) Add(ctx context.Context, userID string, amount int64, kind Kind, description, stripePaymentID string) (*AddResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("add amount must be positive, got %d", amount)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid transaction kind %q", kind)
	}

	newBalance, err := s.store.Add(ctx, userID, amount, kind, description, stripePaymentID)
	if err != nil {
		return nil, err
	}

	observability.CreditsAddedTotal.WithLabelValues(string(kind)).Add(float64(amount))
	s.refreshCache(ctx, userID, newBalance)
	return &AddResult{NewBalance: newBalance}, nil
}

// History returns the user's transactions newest first. Reads go straight to
// the store; the cache holds balances only.
func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.History(ctx, userID, limit, offset)
}

// UsageStats aggregates usage-kind transactions over the trailing window.
func (s *Service) UsageStats(ctx context.Context, userID string, days int) (*UsageStats, error) {
	if days <= 0 {
		days = 30
	}
	return s.store.UsageStats(ctx, userID, days)
}

// refreshCache is called only after a confirmed durable state; a cache that
// cannot be written is logged and counted, never surfaced.
func (s *Service) refreshCache(ctx context.Context, userID string, balance int64) {
	if err := s.cache.Set(ctx, userID, balance, s.ttl); err != nil {
		observability.BalanceCacheErrors.Inc()
		s.logger.WithError(err).WithField("user_id", userID).Warn("balance cache refresh failed")
	}
}
