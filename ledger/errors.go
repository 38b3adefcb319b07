/*
errors.go - Centralized error taxonomy for the ledger engine

PURPOSE:
  Every engine operation fails with exactly one of four stable kinds so
  callers can branch on errors.Is instead of parsing messages:

    NotFound            referenced entity missing or wrong tenant
    Validation          bad input (amount <= 0, over-allocation, ...)
    InvalidState        mutation against a voided payment / VOID charge
    ConcurrencyConflict a balance snapshot went stale before commit

  ConcurrencyConflict is the only kind safe to retry automatically;
  everything else requires caller correction.

USAGE:
  if errors.Is(err, ledger.ErrValidation) { ... }

  var oa *ledger.OverAllocationError
  if errors.As(err, &oa) {
      log.Printf("charge %s only has %s left", oa.ChargeID, oa.Available)
  }

SEE ALSO:
  - engine.go: produces these errors
  - api/handlers.go: maps them to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a patient, charge, payment, or
	// allocation does not exist or belongs to another tenant. The two
	// cases are deliberately indistinguishable to callers.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for bad input: non-positive amounts,
	// allocations exceeding a charge's balance, apply requests
	// exceeding a payment's unapplied amount.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidState is returned when a mutation targets an
	// already-voided payment or a VOID charge.
	ErrInvalidState = errors.New("invalid state")

	// ErrConcurrencyConflict is returned when a row version check fails
	// at commit time. Retry the whole operation, never partial steps.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError identifies which entity lookup failed.
type NotFoundError struct {
	Kind string // "patient", "charge", "payment", "allocation"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// OverAllocationError is returned when a target amount exceeds what a
// charge can still absorb.
type OverAllocationError struct {
	ChargeID  ChargeID
	Requested Money
	Available Money
}

func (e *OverAllocationError) Error() string {
	return fmt.Sprintf("allocation %s exceeds remaining balance %s on charge %s",
		e.Requested, e.Available, e.ChargeID)
}

func (e *OverAllocationError) Unwrap() error { return ErrValidation }

// UnappliedExceededError is returned when an apply request totals more
// than the payment's unapplied funds.
type UnappliedExceededError struct {
	PaymentID PaymentID
	Requested Money
	Unapplied Money
}

func (e *UnappliedExceededError) Error() string {
	return fmt.Sprintf("apply total %s exceeds unapplied amount %s on payment %s",
		e.Requested, e.Unapplied, e.PaymentID)
}

func (e *UnappliedExceededError) Unwrap() error { return ErrValidation }

// InvalidStateError identifies the entity whose state blocked the operation.
type InvalidStateError struct {
	Kind  string // "payment", "charge"
	ID    string
	State string // "voided", "void"
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s is %s", e.Kind, e.ID, e.State)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// ConflictError identifies the row whose version check failed.
type ConflictError struct {
	Kind string
	ID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently", e.Kind, e.ID)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrencyConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidState)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
