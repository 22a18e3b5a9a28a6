// Package ledger implements the credit ledger: per-user balances backed by an
// append-only transaction log, fronted by an optional balance cache.
//
// # Overview
//
// Every metered API call costs credits. The ledger owns the four balance
// operations consumed by the HTTP layer:
//
//   - GetBalance: cached read, store-backed on miss
//   - Deduct: atomic conditional debit with sufficiency check
//   - Add: credit grant, idempotent per external payment id
//   - History / UsageStats: transaction log reads
//
// # Consistency model
//
// The durable store is the single source of truth. The balance column and the
// transaction log are updated in one database transaction, and the sufficiency
// check is pushed into the store as a conditional update
// (UPDATE ... SET credits = credits - n WHERE id = ? AND credits >= n) so two
// concurrent deductions can never both observe a stale pre-decrement balance.
// The cache is a bounded-staleness copy: it is written only after a durable
// commit, and every cache failure falls open to a direct store read.
//
// # Backends
//
// Two Store implementations ship with identical semantics: PostgresStore for
// production and SQLiteStore for development and single-node deployments.
package ledger
