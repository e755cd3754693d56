/*
store.go - Persistence contract for transactions, balances, suppression index

PURPOSE:
  Defines the interface between the state machine and the database. The
  store owns balances outright: the Engine requests mutations, it never
  applies them.

ATOMIC UNITS:
  WithTx runs a function against a Unit whose writes commit or roll back
  together. Every settling transition executes {state CAS, suppression
  bind, balance adjustment} inside one Unit - partial application is the
  primary bug class this contract exists to prevent.

NO LOST UPDATES:
  Update is a compare-and-set on the transaction's Version field. A write
  against a stale version returns ErrConcurrencyConflict and changes
  nothing; callers re-read and treat the winner's outcome as their own.

IMPLEMENTATIONS:
  - store/sqlite: production store (WAL, short-lived transactions)
  - settlement/store: in-memory store for tests
*/
package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the durable source of truth for transactions, user balances and
// the duplicate-suppression index.
type Store interface {
	// InsertTransaction persists a newly created record. The id must be new.
	InsertTransaction(ctx context.Context, tx Transaction) error

	// GetTransaction returns the record or ErrNotFound.
	GetTransaction(ctx context.Context, id string) (Transaction, error)

	// ListTransactions returns records matching the filter, newest first.
	ListTransactions(ctx context.Context, f Filter) ([]Transaction, error)

	// ListUnsettled returns all non-terminal records created at or before
	// the cutoff. The reconciliation scheduler is the only caller.
	ListUnsettled(ctx context.Context, createdBefore time.Time) ([]Transaction, error)

	// Balance returns the user's ledger balance (zero for unknown users).
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)

	// WithTx executes fn inside one atomic unit. If fn returns an error the
	// unit is rolled back and the error is returned unchanged.
	WithTx(ctx context.Context, fn func(Unit) error) error
}

// Unit is the write surface available inside one atomic store transaction.
type Unit interface {
	// Get reads the current record inside the unit, or ErrNotFound.
	Get(ctx context.Context, id string) (Transaction, error)

	// Update writes the record if and only if its Version still matches the
	// stored one, then increments Version. A stale write returns
	// ErrConcurrencyConflict without modifying anything.
	Update(ctx context.Context, tx Transaction) error

	// AdjustBalance applies delta to the user's balance. A negative result
	// returns ErrInsufficientFunds and leaves the balance untouched.
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error

	// TryBind atomically binds (family, ref) to txID in the suppression
	// index. Returns false without mutation if ref is already bound to a
	// different transaction; returns true if it was bound to txID (freshly
	// or previously - rebinding to the same id is idempotent).
	TryBind(ctx context.Context, family RailFamily, ref, txID string) (bool, error)
}
