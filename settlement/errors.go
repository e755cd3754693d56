/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error types in one place. Callers match with errors.Is/errors.As;
  the api package maps them to HTTP status codes.

ERROR CATEGORIES:
  1. Validation errors  - bad amount or counterparty, rejected at creation
  2. Eligibility errors - insufficient user or platform funds
  3. Adapter errors     - transient (retried) vs definitive (terminal)
  4. Store errors       - conflicts and aborted atomic units

SEE ALSO:
  - engine.go: Produces most of these
  - store.go: Produces ErrConcurrencyConflict / ErrInsufficientFunds
*/
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned when an amount is non-positive or outside
	// the rail's [min, max] bounds. No transaction record is created.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidCounterparty is returned when the destination address or
	// phone number does not match the rail's format.
	ErrInvalidCounterparty = errors.New("invalid counterparty")

	// ErrUnknownRail is returned when no adapter is registered for a rail code.
	ErrUnknownRail = errors.New("unknown rail")

	// ErrNotEligible is returned when a withdrawal fails the eligibility
	// check before any rail call is made.
	ErrNotEligible = errors.New("not eligible")

	// ErrNotFound is returned when a transaction id does not exist.
	ErrNotFound = errors.New("transaction not found")

	// ErrMissingReference is returned when verification is attempted for a
	// deposit that has no claimed external reference to check.
	ErrMissingReference = errors.New("no external reference to verify")

	// ErrIllegalTransition is returned when an operation is invoked against
	// a state it is not legal from.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrConcurrencyConflict is returned by the store when a write lost a
	// race on the state or version field. Callers treat this as
	// no-op-for-the-loser, never as a user-facing error.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	// ErrInsufficientFunds is returned by the store when a balance
	// adjustment would drive the balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAdapterTransient marks an adapter failure that may succeed on
	// retry (timeout, connection refused). The transaction stays in its
	// current non-terminal state.
	ErrAdapterTransient = errors.New("transient adapter failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes why creation was rejected.
type ValidationError struct {
	Field   string // "amount" or "counterparty"
	Rail    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s invalid for rail %s: %s", e.Field, e.Rail, e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e.Field == "counterparty" {
		return ErrInvalidCounterparty
	}
	return ErrInvalidAmount
}

// EligibilityError describes a failed withdrawal eligibility check.
type EligibilityError struct {
	Rail      string
	Reason    string // machine-readable, e.g. "InsufficientPlatformFunds"
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *EligibilityError) Error() string {
	return fmt.Sprintf("withdrawal not eligible on %s: %s (requested %s, available %s)",
		e.Rail, e.Reason, e.Requested, e.Available)
}

func (e *EligibilityError) Unwrap() error { return ErrNotEligible }

// IsRetryable reports whether the error might succeed on retry by a later
// scheduler cycle.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAdapterTransient) || errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError reports whether the error is due to invalid caller input
// rather than an internal fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidCounterparty) ||
		errors.Is(err, ErrUnknownRail) ||
		errors.Is(err, ErrNotEligible) ||
		errors.Is(err, ErrIllegalTransition)
}
