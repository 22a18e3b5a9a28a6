// Package billing reconciles external payment-processor events against the
// credit ledger and subscription state.
//
// Events arrive as signed webhook payloads. Signature verification happens at
// the transport boundary (VerifySignature); the Reconciler itself assumes
// verified input. Event types form a closed set: the dispatch switch in
// Reconciler.Handle is exhaustive, so adding a new event kind is a
// compile-time decision, not a runtime string match.
//
// Every handler is idempotent. Subscription mutations record the external
// event id in processed_events inside the same database transaction as their
// effects, so a replayed event is rejected by a unique constraint and reported
// as ErrDuplicateEvent (a success-no-op for callers). Credit grants are
// deduplicated by the ledger's unique external payment id instead, which
// covers replays even across a lost processed_events write.
package billing
