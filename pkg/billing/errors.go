package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateEvent is returned when an event id was already processed.
	// State is unchanged; callers treat this as success-no-op.
	ErrDuplicateEvent = errors.New("event already processed")

	// ErrUnresolvableReference is returned when an event references an
	// unknown price, product, subscription or purchaser. Fatal for that
	// event only: the sender can retry after manual correction.
	ErrUnresolvableReference = errors.New("unresolvable reference")

	// ErrInvalidSignature is returned when webhook signature verification
	// fails. The payload must never reach the Reconciler.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// UnresolvableReferenceError identifies which reference in an event could not
// be resolved.
type UnresolvableReferenceError struct {
	EventID string
	Field   string
	Value   string
}

func (e *UnresolvableReferenceError) Error() string {
	return fmt.Sprintf("event %s references unknown %s %q", e.EventID, e.Field, e.Value)
}

func (e *UnresolvableReferenceError) Unwrap() error { return ErrUnresolvableReference }

func unresolvable(eventID, field, value string) error {
	return &UnresolvableReferenceError{EventID: eventID, Field: field, Value: value}
}
