package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackgerm/settlement-engine/settlement"
	"github.com/blackgerm/settlement-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func sampleTx(id string, created time.Time) settlement.Transaction {
	return settlement.Transaction{
		ID:           id,
		UserID:       "user-1",
		Direction:    settlement.Deposit,
		Rail:         "TRC20",
		Family:       settlement.FamilyBlockchain,
		Gross:        dec("100.5"),
		Fee:          decimal.Zero,
		Net:          dec("100.5"),
		Counterparty: "TJRabPrwbZy45sbavfcjinPJC18kjpRTv8",
		State:        settlement.StatePending,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

var t0 = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// TRANSACTION ROUND TRIP
// =============================================================================

func TestInsertAndGet_RoundTrip(t *testing.T) {
	// GIVEN: A transaction with decimal amounts
	// WHEN: Inserting and reading it back
	// THEN: Every field survives, amounts exactly

	store := newTestStore(t)
	ctx := context.Background()

	in := sampleTx("tx-1", t0)
	require.NoError(t, store.InsertTransaction(ctx, in))

	out, err := store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.UserID, out.UserID)
	assert.Equal(t, in.Direction, out.Direction)
	assert.Equal(t, in.Rail, out.Rail)
	assert.Equal(t, in.Family, out.Family)
	assert.True(t, out.Gross.Equal(dec("100.5")))
	assert.True(t, out.Net.Equal(dec("100.5")))
	assert.Equal(t, in.State, out.State)
	assert.True(t, out.CreatedAt.Equal(t0))
}

func TestGet_Missing_ReturnsNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetTransaction(context.Background(), "nope")
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestInsert_DuplicateID_Rejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertTransaction(ctx, sampleTx("tx-1", t0)))
	err := store.InsertTransaction(ctx, sampleTx("tx-1", t0))
	assert.Error(t, err, "transaction ids are immutable primary keys")
}

// =============================================================================
// LISTING
// =============================================================================

func TestListTransactions_Filters(t *testing.T) {
	// GIVEN: A mix of transactions across users, rails and states
	// WHEN: Listing with filters
	// THEN: Only matching rows come back, newest first

	store := newTestStore(t)
	ctx := context.Background()

	a := sampleTx("tx-a", t0)
	b := sampleTx("tx-b", t0.Add(time.Minute))
	b.UserID = "user-2"
	c := sampleTx("tx-c", t0.Add(2*time.Minute))
	c.Rail = "MTN"
	c.Family = settlement.FamilyMobileMoney
	c.State = settlement.StateConfirmed
	for _, tx := range []settlement.Transaction{a, b, c} {
		require.NoError(t, store.InsertTransaction(ctx, tx))
	}

	byUser, err := store.ListTransactions(ctx, settlement.Filter{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, "tx-c", byUser[0].ID, "newest first")

	byRail, err := store.ListTransactions(ctx, settlement.Filter{Rail: "MTN"})
	require.NoError(t, err)
	require.Len(t, byRail, 1)
	assert.Equal(t, "tx-c", byRail[0].ID)

	byState, err := store.ListTransactions(ctx, settlement.Filter{
		States: []settlement.State{settlement.StatePending},
	})
	require.NoError(t, err)
	assert.Len(t, byState, 2)
}

func TestListUnsettled_SkipsTerminalAndYoung(t *testing.T) {
	// GIVEN: Pending, submitted, confirmed and too-recent transactions
	// WHEN: Listing unsettled records created before a cutoff
	// THEN: Only aged non-terminal rows, oldest first

	store := newTestStore(t)
	ctx := context.Background()

	old := sampleTx("tx-old", t0)
	submitted := sampleTx("tx-submitted", t0.Add(time.Minute))
	submitted.Direction = settlement.Withdrawal
	submitted.State = settlement.StateSubmitted
	done := sampleTx("tx-done", t0)
	done.State = settlement.StateConfirmed
	fresh := sampleTx("tx-fresh", t0.Add(time.Hour))
	for _, tx := range []settlement.Transaction{old, submitted, done, fresh} {
		require.NoError(t, store.InsertTransaction(ctx, tx))
	}

	out, err := store.ListUnsettled(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "tx-old", out[0].ID, "oldest first")
	assert.Equal(t, "tx-submitted", out[1].ID)
}

// =============================================================================
// VERSION CAS
// =============================================================================

func TestUpdate_StaleVersion_Conflict(t *testing.T) {
	// GIVEN: A record updated once (version bumped)
	// WHEN: A second writer updates with the old version
	// THEN: ErrConcurrencyConflict; the first write stands

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertTransaction(ctx, sampleTx("tx-1", t0)))

	stale, err := store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)

	err = store.WithTx(ctx, func(u settlement.Unit) error {
		tx, err := u.Get(ctx, "tx-1")
		if err != nil {
			return err
		}
		tx.State = settlement.StateVerifying
		return u.Update(ctx, tx)
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(u settlement.Unit) error {
		stale.State = settlement.StateFailed
		return u.Update(ctx, stale)
	})
	assert.ErrorIs(t, err, settlement.ErrConcurrencyConflict)

	cur, err := store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StateVerifying, cur.State, "the losing write must not land")
	assert.Equal(t, int64(1), cur.Version)
}

// =============================================================================
// ATOMIC UNITS
// =============================================================================

func TestWithTx_ErrorRollsBackEverything(t *testing.T) {
	// GIVEN: A unit that updates state, binds a reference and credits a
	//        balance, then fails
	// WHEN: The unit returns an error
	// THEN: None of the three effects are visible afterwards

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertTransaction(ctx, sampleTx("tx-1", t0)))

	sentinel := assert.AnError
	err := store.WithTx(ctx, func(u settlement.Unit) error {
		tx, err := u.Get(ctx, "tx-1")
		if err != nil {
			return err
		}
		tx.State = settlement.StateConfirmed
		if err := u.Update(ctx, tx); err != nil {
			return err
		}
		if _, err := u.TryBind(ctx, settlement.FamilyBlockchain, "0xhash", "tx-1"); err != nil {
			return err
		}
		if err := u.AdjustBalance(ctx, "user-1", dec("100.5")); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	cur, err := store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatePending, cur.State)

	balance, err := store.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	// The binding must have rolled back too: a different transaction can
	// still claim the reference.
	err = store.WithTx(ctx, func(u settlement.Unit) error {
		bound, err := u.TryBind(ctx, settlement.FamilyBlockchain, "0xhash", "tx-2")
		require.NoError(t, err)
		assert.True(t, bound)
		return nil
	})
	require.NoError(t, err)
}

// =============================================================================
// BALANCES
// =============================================================================

func TestAdjustBalance_NeverGoesNegative(t *testing.T) {
	// GIVEN: A user with 50
	// WHEN: Debiting 80
	// THEN: ErrInsufficientFunds and the balance is unchanged

	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(u settlement.Unit) error {
		return u.AdjustBalance(ctx, "user-1", dec("50"))
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(u settlement.Unit) error {
		return u.AdjustBalance(ctx, "user-1", dec("-80"))
	})
	assert.ErrorIs(t, err, settlement.ErrInsufficientFunds)

	balance, err := store.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("50")))
}

func TestAdjustBalance_UnknownUserDebit_Rejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(u settlement.Unit) error {
		return u.AdjustBalance(ctx, "ghost", dec("-1"))
	})
	assert.ErrorIs(t, err, settlement.ErrInsufficientFunds)
}

func TestBalance_UnknownUser_Zero(t *testing.T) {
	store := newTestStore(t)

	balance, err := store.Balance(context.Background(), "ghost")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestAdjustBalance_DecimalPrecisionPreserved(t *testing.T) {
	// GIVEN: Credits with 6-decimal amounts
	// WHEN: Accumulating them
	// THEN: The stored balance is exact, no float drift

	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		err := store.WithTx(ctx, func(u settlement.Unit) error {
			return u.AdjustBalance(ctx, "user-1", dec("0.000001"))
		})
		require.NoError(t, err)
	}

	balance, err := store.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("0.00001")), "got %s", balance)
}

// =============================================================================
// SUPPRESSION INDEX
// =============================================================================

func TestTryBind_FirstWinsRestLose(t *testing.T) {
	// GIVEN: Two transactions claiming the same external reference
	// WHEN: Both try to bind
	// THEN: First binds, second is refused, rebinding by the owner succeeds

	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(u settlement.Unit) error {
		bound, err := u.TryBind(ctx, settlement.FamilyBlockchain, "0xhash", "tx-1")
		require.NoError(t, err)
		assert.True(t, bound)

		bound, err = u.TryBind(ctx, settlement.FamilyBlockchain, "0xhash", "tx-2")
		require.NoError(t, err)
		assert.False(t, bound, "a reference settles exactly one transaction")

		bound, err = u.TryBind(ctx, settlement.FamilyBlockchain, "0xhash", "tx-1")
		require.NoError(t, err)
		assert.True(t, bound, "rebinding by the owner is idempotent")
		return nil
	})
	require.NoError(t, err)
}

func TestTryBind_ScopedPerFamily(t *testing.T) {
	// GIVEN: The same reference string on two rail families
	// WHEN: Binding on both
	// THEN: Both succeed; namespaces are per family

	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(u settlement.Unit) error {
		bound, err := u.TryBind(ctx, settlement.FamilyBlockchain, "REF-1", "tx-1")
		require.NoError(t, err)
		assert.True(t, bound)

		bound, err = u.TryBind(ctx, settlement.FamilyMobileMoney, "REF-1", "tx-2")
		require.NoError(t, err)
		assert.True(t, bound)
		return nil
	})
	require.NoError(t, err)
}
