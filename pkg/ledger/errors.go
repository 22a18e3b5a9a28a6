package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks across package boundaries.
var (
	// ErrInsufficientCredits is returned when a deduction would take the
	// balance below zero. The deduction is rejected; nothing is written.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrDuplicatePayment is returned when Add is called with an external
	// payment id that was already recorded. The balance is unchanged;
	// callers treat this as success-no-op.
	ErrDuplicatePayment = errors.New("duplicate payment")

	// ErrStoreUnavailable wraps any durable-store failure during a balance
	// mutation. The operation must be treated as not having happened.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
)

// InsufficientCreditsError carries the authoritative balance alongside the
// rejection so handlers can report it without another round trip.
type InsufficientCreditsError struct {
	UserID  string
	Balance int64
	Needed  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for user %s: have %d, need %d", e.UserID, e.Balance, e.Needed)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// DuplicatePaymentError reports a repeated external payment id and the
// current (unchanged) balance.
type DuplicatePaymentError struct {
	StripePaymentID string
	Balance         int64
}

func (e *DuplicatePaymentError) Error() string {
	return fmt.Sprintf("payment %s already recorded", e.StripePaymentID)
}

func (e *DuplicatePaymentError) Unwrap() error { return ErrDuplicatePayment }

// storeErr wraps a backend failure so it satisfies errors.Is(err, ErrStoreUnavailable).
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
