//go:build integration

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgresLedger starts a throwaway PostgreSQL container and migrates
// the ledger schema into it.
func setupPostgresLedger(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("ledger_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	require.NoError(t, db.Ping())

	store := NewPostgresStore(db, 100)
	require.NoError(t, store.Migrate(ctx))

	cleanup := func() {
		db.Close()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := postgresContainer.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	}
	return store, cleanup
}

func TestIntegrationConcurrentDeductions(t *testing.T) {
	store, cleanup := setupPostgresLedger(t)
	defer cleanup()
	ctx := context.Background()

	// concurrent deductions totaling more than the balance: exactly enough
	// succeed to exhaust it, none push it below zero
	const workers = 30
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Deduct(ctx, "alice", 10, "usage", "GET /api/users")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientCredits)
		}
	}
	assert.Equal(t, 10, succeeded)

	balance, err := store.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	// ledger invariant: balance equals the sum of all transaction amounts
	txns, err := store.History(ctx, "alice", 100, 0)
	require.NoError(t, err)
	var sum int64 = 100
	for _, txn := range txns {
		sum += txn.Amount
	}
	assert.Equal(t, balance, sum)
}

func TestIntegrationConcurrentDuplicateAdds(t *testing.T) {
	store, cleanup := setupPostgresLedger(t)
	defer cleanup()
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Add(ctx, "bob", 500, KindPurchase, "starter pack", "pi_race")
		}()
	}
	wg.Wait()

	balance, err := store.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(600), balance, "payment id must credit exactly once")

	txns, err := store.History(ctx, "bob", 100, 0)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestIntegrationRandomizedSequenceInvariant(t *testing.T) {
	store, cleanup := setupPostgresLedger(t)
	defer cleanup()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if (worker+j)%3 == 0 {
					store.Add(ctx, "carol", int64(5+j), KindPurchase, "", fmt.Sprintf("pi_%d_%d", worker, j))
				} else {
					store.Deduct(ctx, "carol", int64(1+j%5), "usage", "GET /api/users")
				}
			}
		}(i)
	}
	wg.Wait()

	balance, err := store.Balance(ctx, "carol")
	require.NoError(t, err)
	require.GreaterOrEqual(t, balance, int64(0))

	txns, err := store.History(ctx, "carol", 1000, 0)
	require.NoError(t, err)
	var sum int64 = 100
	for _, txn := range txns {
		sum += txn.Amount
	}
	assert.Equal(t, balance, sum)
}
