/*
Package settlement contains the transaction state machine, the ledger
mutation protocol, and the reconciliation scheduler that together settle
user deposits and withdrawals against external rails.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: one deposit or withdrawal moving through the state machine
  - State: the lifecycle position of a transaction
  - Direction: deposit (credits the user) or withdrawal (debits the user)
  - Filter: query shape for listing transactions

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal, normalized to the rail's
     declared precision before any comparison. Never float64.
  2. Single writer: only the Engine mutates a Transaction, and only the
     Store applies balance changes.
  3. Auditability: terminal transactions are retained forever; failure
     reasons are recorded on the record itself.

SEE ALSO:
  - engine.go: State machine operations
  - store.go: Persistence contract
  - fees.go: Eligibility and fee computation
*/
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DIRECTION & STATE
// =============================================================================

// Direction distinguishes money coming into the platform from money going out.
type Direction string

const (
	Deposit    Direction = "deposit"
	Withdrawal Direction = "withdrawal"
)

// State is the lifecycle position of a transaction.
//
// Deposits:    pending -> verifying -> {confirmed, failed, expired}
// Withdrawals: pending -> eligible_checked -> submitted -> {processed, failed}
//
// confirmed, processed, failed and expired are terminal: no further
// transition is legal and the record is kept for audit.
type State string

const (
	StatePending         State = "pending"
	StateVerifying       State = "verifying"
	StateConfirmed       State = "confirmed"
	StateEligibleChecked State = "eligible_checked"
	StateSubmitted       State = "submitted"
	StateProcessed       State = "processed"
	StateFailed          State = "failed"
	StateExpired         State = "expired"
)

// Terminal reports whether no further transition is legal from s.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateProcessed, StateFailed, StateExpired:
		return true
	}
	return false
}

// FailureReason is recorded when a transaction reaches StateFailed.
type FailureReason string

const (
	ReasonDuplicateReference  FailureReason = "DuplicateReference"
	ReasonAmountMismatch      FailureReason = "AmountMismatch"
	ReasonAddressMismatch     FailureReason = "AddressMismatch"
	ReasonAdapterRejected     FailureReason = "AdapterRejected"
	ReasonMaxRetriesExceeded  FailureReason = "MaxRetriesExceeded"
	ReasonReferenceConflict   FailureReason = "ReferenceConflict"
	ReasonInsufficientBalance FailureReason = "InsufficientBalance"
)

// =============================================================================
// TRANSACTION
// =============================================================================

// Transaction is one deposit or withdrawal. It is created once, mutated only
// by the Engine, and never deleted.
//
// INVARIANTS:
//   - Net = Gross - Fee for withdrawals; Net = Gross for deposits.
//   - All amounts are non-negative and inside the rail's [min, max] bounds.
//   - ExternalRef, once bound in the suppression index, is unique per rail
//     family across all transactions.
//   - Version increments on every write; the Store rejects stale writes.
type Transaction struct {
	ID           string
	UserID       string
	Direction    Direction
	Rail         string // rail code, e.g. "TRC20", "MTN"
	Family       RailFamily
	Gross        decimal.Decimal
	Fee          decimal.Decimal
	Net          decimal.Decimal
	Counterparty string // destination address or phone number
	ExternalRef  string // tx hash / provider transaction id; empty until claimed
	State        State
	Reason       FailureReason
	RetryCount   int
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Credits reports whether reaching this transaction's crediting terminal
// state mutates the user balance upward (deposits only).
func (t Transaction) Credits() bool { return t.Direction == Deposit }

// =============================================================================
// QUERYING
// =============================================================================

// Filter narrows a transaction listing. Zero values match everything.
type Filter struct {
	UserID    string
	Direction Direction
	Rail      string
	States    []State
}

// Matches reports whether tx satisfies the filter.
func (f Filter) Matches(tx Transaction) bool {
	if f.UserID != "" && tx.UserID != f.UserID {
		return false
	}
	if f.Direction != "" && tx.Direction != f.Direction {
		return false
	}
	if f.Rail != "" && tx.Rail != f.Rail {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if tx.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// =============================================================================
// AMOUNT NORMALIZATION
// =============================================================================

// Normalize truncates d to the given number of decimal places. Settlement
// comparisons always normalize both sides first; once normalized the
// tolerance is zero.
func Normalize(d decimal.Decimal, precision int32) decimal.Decimal {
	return d.Truncate(precision)
}

// AmountsEqual compares two amounts at the rail's precision.
func AmountsEqual(a, b decimal.Decimal, precision int32) bool {
	return Normalize(a, precision).Equal(Normalize(b, precision))
}
