package settlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackgerm/settlement-engine/settlement"
)

func newTestScheduler(f *engineFixture) *settlement.Scheduler {
	return settlement.NewScheduler(f.engine, f.store, settlement.SchedulerConfig{
		Interval:    time.Hour, // cycles are driven manually in tests
		MinAge:      time.Minute,
		Concurrency: 2,
		ItemTimeout: 5 * time.Second,
	}, nil)
}

func TestRunCycle_VerifiesAgedDepositWithReference(t *testing.T) {
	// GIVEN: A deposit stuck in verifying with a claimed reference, now
	//        confirmable on the rail
	// WHEN: A reconciliation cycle runs
	// THEN: The deposit confirms and the user is credited

	f := newEngineFixture(t, usdtRail())
	s := newTestScheduler(f)
	ctx := context.Background()

	tx := depositOf(t, f, "user-1", "100")
	_, err := f.engine.AttemptVerify(ctx, tx.ID, "0xhash-1")
	require.NoError(t, err) // rail had not seen it; record waits in verifying

	f.adapter.verifyResults = []settlement.VerifyResult{{
		Status:              settlement.VerifyFound,
		ObservedAmount:      dec("100"),
		ObservedDestination: f.rail.PlatformAddress,
	}}
	f.clock.Advance(2 * time.Minute)

	s.RunCycle(ctx)

	cur, err := f.engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StateConfirmed, cur.State)
	assert.True(t, f.balanceOf(t, "user-1").Equal(dec("100")))
}

func TestRunCycle_ExpiresAgedUnreferencedDeposit(t *testing.T) {
	// GIVEN: A pending deposit with no reference, past the expiry window
	// WHEN: A reconciliation cycle runs
	// THEN: The deposit expires without touching the ledger

	f := newEngineFixture(t, usdtRail())
	s := newTestScheduler(f)
	ctx := context.Background()

	tx := depositOf(t, f, "user-1", "100")
	f.clock.Advance(25 * time.Hour)

	s.RunCycle(ctx)

	cur, err := f.engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StateExpired, cur.State)
	assert.True(t, f.balanceOf(t, "user-1").IsZero())
}

func TestRunCycle_LeavesYoungDepositAlone(t *testing.T) {
	// GIVEN: A deposit created seconds ago
	// WHEN: A reconciliation cycle runs
	// THEN: Untouched; the minimum age keeps the sweeper off fresh records

	f := newEngineFixture(t, usdtRail())
	s := newTestScheduler(f)
	ctx := context.Background()

	tx := depositOf(t, f, "user-1", "100")

	s.RunCycle(ctx)

	cur, err := f.engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatePending, cur.State)
	assert.Equal(t, 0, f.adapter.verifyCalls)
}

func TestRunCycle_ResolvesStuckSubmittedWithdrawal(t *testing.T) {
	// GIVEN: A withdrawal stuck in submitted after a timed-out send that
	//        actually landed on the rail
	// WHEN: A reconciliation cycle runs
	// THEN: Processed by correlation-id lookup; no second send

	f := newEngineFixture(t, usdtRail())
	s := newTestScheduler(f)
	ctx := context.Background()

	f.fund(t, "user-1", dec("200"))
	tx := stuckSubmitted(t, f, "user-1", "50")
	f.adapter.verifyResults = []settlement.VerifyResult{{
		Status:         settlement.VerifyFound,
		ObservedAmount: dec("49"),
	}}
	f.clock.Advance(2 * time.Minute)

	s.RunCycle(ctx)

	cur, err := f.engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StateProcessed, cur.State)
	assert.Equal(t, 1, f.adapter.sendCalls)
	assert.True(t, f.balanceOf(t, "user-1").Equal(dec("150")))
}

func TestRunCycle_DrivesStrandedEligibleChecked(t *testing.T) {
	// GIVEN: A withdrawal whose inline processing never ran
	// WHEN: A reconciliation cycle runs
	// THEN: The scheduler pushes it through ProcessWithdrawal to processed

	f := newEngineFixture(t, usdtRail())
	s := newTestScheduler(f)
	ctx := context.Background()

	f.fund(t, "user-1", dec("200"))
	tx := withdrawalOf(t, f, "user-1", "50")
	f.clock.Advance(2 * time.Minute)

	s.RunCycle(ctx)

	cur, err := f.engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StateProcessed, cur.State)
	assert.True(t, f.balanceOf(t, "user-1").Equal(dec("150")))
}

func TestRunCycle_OneFailureDoesNotAbortTheRest(t *testing.T) {
	// GIVEN: Two aged deposits; the rail errors on every verify call
	// WHEN: A reconciliation cycle runs
	// THEN: Both are attempted and both remain retryable

	f := newEngineFixture(t, usdtRail())
	s := newTestScheduler(f)
	ctx := context.Background()

	tx1 := depositOf(t, f, "user-1", "100")
	tx2 := depositOf(t, f, "user-2", "100")
	_, err := f.engine.AttemptVerify(ctx, tx1.ID, "0xhash-1")
	require.NoError(t, err)
	_, err = f.engine.AttemptVerify(ctx, tx2.ID, "0xhash-2")
	require.NoError(t, err)

	f.adapter.verifyErr = errors.New("connection refused")
	f.clock.Advance(2 * time.Minute)

	s.RunCycle(ctx)

	for _, id := range []string{tx1.ID, tx2.ID} {
		cur, err := f.engine.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, settlement.StateVerifying, cur.State)
	}
	assert.Equal(t, 4, f.adapter.verifyCalls, "two manual attempts plus one per item in the cycle")
}

func TestScheduler_StartStop(t *testing.T) {
	// GIVEN: A running scheduler
	// WHEN: Stopping it
	// THEN: Stop returns cleanly and is idempotent

	f := newEngineFixture(t, usdtRail())
	s := newTestScheduler(f)

	s.Start()
	s.Stop()
	s.Stop() // second stop is a no-op
}
