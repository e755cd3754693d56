/*
engine.go - Transaction state machine

PURPOSE:
  Owns the lifecycle of every deposit and withdrawal. The Engine is the
  only component permitted to request a ledger mutation, and every
  settling transition runs {state CAS, suppression bind, balance change}
  as one atomic store unit.

STATE MACHINES:
  Deposit:    pending -> verifying -> {confirmed, failed, expired}
  Withdrawal: pending -> eligible_checked -> submitted -> {processed, failed}

CREDITS AND DEBITS:
  Deposit:    +net exactly once, on the transition into confirmed.
  Withdrawal: -gross reserved on the transition into submitted; +gross
              restored if the withdrawal later fails. Only net leaves the
              platform; the fee is revenue.

RACES:
  Two callers racing the same transaction both go through the same
  version-guarded path. The loser's write returns ErrConcurrencyConflict,
  which the Engine absorbs by re-reading and reporting the winner's
  outcome. Callers never see the conflict.

TRIGGER SOURCES:
  The reconciliation scheduler and the API's force-verify endpoint call
  the same methods on the same Engine. There is no second verification
  code path.

SEE ALSO:
  - scheduler.go: Drives these operations for aged transactions
  - fees.go: Eligibility computation used at create and process time
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE
// =============================================================================

// EngineConfig tunes retry, expiry and adapter behavior. Zero values fall
// back to the documented defaults.
type EngineConfig struct {
	// MaxRetries caps non-terminal adapter calls per transaction before a
	// forced failure (default 10).
	MaxRetries int
	// ExpireAfter is how long a deposit may sit without an observed
	// reference before it is expired (default 24h).
	ExpireAfter time.Duration
	// AdapterTimeout bounds every single adapter call (default 30s).
	AdapterTimeout time.Duration
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.ExpireAfter <= 0 {
		c.ExpireAfter = 24 * time.Hour
	}
	if c.AdapterTimeout <= 0 {
		c.AdapterTimeout = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Engine is the transaction state machine.
type Engine struct {
	store Store
	rails Resolver
	cfg   EngineConfig
	log   *slog.Logger
}

// NewEngine builds an Engine over the given store and rail resolver.
func NewEngine(store Store, rails Resolver, cfg EngineConfig, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, rails: rails, cfg: cfg.withDefaults(), log: log}
}

func (e *Engine) now() time.Time { return e.cfg.Clock() }

// =============================================================================
// CREATE
// =============================================================================

// CreateInput describes a requested funds movement.
type CreateInput struct {
	UserID       string
	Direction    Direction
	Rail         string
	Amount       decimal.Decimal
	Counterparty string
}

// Create validates the request, computes the fee split and writes a new
// record. Deposits land in pending; withdrawals are eligibility-gated and
// land in eligible_checked. The ledger is never touched here.
func (e *Engine) Create(ctx context.Context, in CreateInput) (Transaction, error) {
	adapter, rail, err := e.rails.Resolve(in.Rail)
	if err != nil {
		return Transaction{}, err
	}
	if err := rail.CheckAmount(in.Amount); err != nil {
		return Transaction{}, err
	}
	if err := rail.CheckCounterparty(in.Counterparty); err != nil {
		return Transaction{}, err
	}

	gross := Normalize(in.Amount, rail.Precision)

	var elig Eligibility
	switch in.Direction {
	case Deposit:
		elig = Evaluate(EvaluateInput{Direction: Deposit, Rail: rail, Amount: gross})
	case Withdrawal:
		userBalance, err := e.store.Balance(ctx, in.UserID)
		if err != nil {
			return Transaction{}, fmt.Errorf("reading user balance: %w", err)
		}
		platformBalance, err := e.queryPlatformBalance(ctx, adapter, rail)
		if err != nil {
			return Transaction{}, err
		}
		elig = Evaluate(EvaluateInput{
			Direction:       Withdrawal,
			Rail:            rail,
			Amount:          gross,
			UserBalance:     userBalance,
			PlatformBalance: platformBalance,
		})
	default:
		return Transaction{}, fmt.Errorf("%w: direction %q", ErrInvalidAmount, in.Direction)
	}

	if !elig.Eligible {
		if elig.Reason == ReasonAmountOutOfBounds {
			return Transaction{}, rail.CheckAmount(gross)
		}
		return Transaction{}, &EligibilityError{
			Rail: rail.Code, Reason: elig.Reason, Requested: gross,
		}
	}

	now := e.now()
	tx := Transaction{
		ID:           uuid.NewString(),
		UserID:       in.UserID,
		Direction:    in.Direction,
		Rail:         rail.Code,
		Family:       rail.Family,
		Gross:        gross,
		Fee:          elig.Fee,
		Net:          elig.Net,
		Counterparty: in.Counterparty,
		State:        StatePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.Direction == Withdrawal {
		// The eligibility gate just passed; record that as its own state so
		// ProcessWithdrawal has a defined entry point.
		tx.State = StateEligibleChecked
	}

	if err := e.store.InsertTransaction(ctx, tx); err != nil {
		return Transaction{}, fmt.Errorf("persisting transaction: %w", err)
	}
	e.log.Info("transaction created",
		"id", tx.ID, "direction", tx.Direction, "rail", tx.Rail,
		"gross", tx.Gross, "net", tx.Net, "state", tx.State)
	return tx, nil
}

func (e *Engine) queryPlatformBalance(ctx context.Context, adapter Adapter, rail RailConfig) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AdapterTimeout)
	defer cancel()
	balance, err := adapter.QueryBalance(ctx, rail.PlatformAddress)
	if err != nil {
		return decimal.Zero, fmt.Errorf("querying platform balance on %s: %w", rail.Code, err)
	}
	return balance, nil
}

// =============================================================================
// ATTEMPT VERIFY (deposits)
// =============================================================================

// AttemptVerify drives a deposit toward settlement against a claimed
// external reference. Legal from pending and verifying only; calls against
// a terminal record return the terminal record with no error.
//
// The settling transition - suppression bind, external reference, state,
// balance credit - is one atomic store unit. A race between two verify
// attempts produces exactly one effective transition; the loser observes
// and returns the winner's outcome.
func (e *Engine) AttemptVerify(ctx context.Context, id, claimedRef string) (Transaction, error) {
	adapter, rail, tx, proceed, err := e.enterVerifying(ctx, id, claimedRef)
	if err != nil || !proceed {
		return tx, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.AdapterTimeout)
	result, verr := adapter.Verify(callCtx, tx.ExternalRef, rail.PlatformAddress, tx.Gross)
	cancel()
	if verr != nil {
		// Transient: the record stays in verifying and the scheduler will
		// retry next cycle.
		e.log.Warn("verify call failed", "id", id, "rail", rail.Code, "error", verr)
		return tx, fmt.Errorf("%w: %v", ErrAdapterTransient, verr)
	}

	return e.settleVerifyResult(ctx, id, rail, result)
}

// enterVerifying performs the first atomic phase: validate legality, record
// the claimed reference, bump the retry counter and move into verifying.
// proceed is true only when this caller won the transition and owns the
// adapter call that follows.
func (e *Engine) enterVerifying(ctx context.Context, id, claimedRef string) (Adapter, RailConfig, Transaction, bool, error) {
	var out Transaction
	var adapter Adapter
	var rail RailConfig

	err := e.store.WithTx(ctx, func(u Unit) error {
		tx, err := u.Get(ctx, id)
		if err != nil {
			return err
		}
		if tx.State.Terminal() {
			out = tx
			return nil
		}
		if tx.Direction != Deposit || (tx.State != StatePending && tx.State != StateVerifying) {
			return fmt.Errorf("%w: attempt_verify from %s %s", ErrIllegalTransition, tx.Direction, tx.State)
		}

		adapter, rail, err = e.rails.Resolve(tx.Rail)
		if err != nil {
			return err
		}

		if claimedRef == "" {
			claimedRef = tx.ExternalRef
		}
		if claimedRef == "" {
			return fmt.Errorf("%w: no external reference claimed for %s", ErrMissingReference, id)
		}

		if tx.RetryCount >= e.cfg.MaxRetries {
			tx.State = StateFailed
			tx.Reason = ReasonMaxRetriesExceeded
			tx.UpdatedAt = e.now()
			if err := u.Update(ctx, tx); err != nil {
				return err
			}
			out = tx
			return nil
		}

		tx.State = StateVerifying
		tx.ExternalRef = claimedRef
		tx.RetryCount++
		tx.UpdatedAt = e.now()
		if err := u.Update(ctx, tx); err != nil {
			return err
		}
		tx.Version++
		out = tx
		return nil
	})
	if errors.Is(err, ErrConcurrencyConflict) {
		// Lost the race into verifying; report the winner's state.
		current, gerr := e.store.GetTransaction(ctx, id)
		if gerr != nil {
			return nil, RailConfig{}, Transaction{}, false, gerr
		}
		return nil, RailConfig{}, current, false, nil
	}
	if err != nil {
		return nil, RailConfig{}, Transaction{}, false, err
	}
	if out.State.Terminal() {
		return nil, RailConfig{}, out, false, nil
	}
	return adapter, rail, out, true, nil
}

// settleVerifyResult performs the second atomic phase against the adapter's
// verdict. Everything that settles - bind, state, credit - commits together.
func (e *Engine) settleVerifyResult(ctx context.Context, id string, rail RailConfig, result VerifyResult) (Transaction, error) {
	var out Transaction
	err := e.store.WithTx(ctx, func(u Unit) error {
		tx, err := u.Get(ctx, id)
		if err != nil {
			return err
		}
		if tx.State != StateVerifying {
			// Another attempt settled (or expired) the record while the
			// adapter call was in flight. Its outcome stands.
			out = tx
			return nil
		}

		switch result.Status {
		case VerifyNotFound:
			// The rail has not seen the reference yet; stay in verifying
			// and let the scheduler come back.
			out = tx
			return nil

		case VerifyMismatch:
			tx.Reason = classifyMismatch(rail, result)
			tx.State = StateFailed

		case VerifyFound:
			switch {
			case result.ObservedDestination != "" && result.ObservedDestination != rail.PlatformAddress:
				tx.State = StateFailed
				tx.Reason = ReasonAddressMismatch
			case !AmountsEqual(result.ObservedAmount, tx.Gross, rail.Precision):
				tx.State = StateFailed
				tx.Reason = ReasonAmountMismatch
			default:
				bound, err := u.TryBind(ctx, tx.Family, tx.ExternalRef, tx.ID)
				if err != nil {
					return err
				}
				if !bound {
					// Someone else settled against this external event.
					tx.State = StateFailed
					tx.Reason = ReasonDuplicateReference
				} else {
					tx.State = StateConfirmed
					if err := u.AdjustBalance(ctx, tx.UserID, tx.Net); err != nil {
						return err
					}
				}
			}
		default:
			return fmt.Errorf("adapter returned unknown verify status %q", result.Status)
		}

		tx.UpdatedAt = e.now()
		if err := u.Update(ctx, tx); err != nil {
			return err
		}
		tx.Version++
		out = tx
		return nil
	})
	if errors.Is(err, ErrConcurrencyConflict) {
		return e.store.GetTransaction(ctx, id)
	}
	if err != nil {
		return Transaction{}, err
	}

	if out.State.Terminal() {
		e.log.Info("deposit settled", "id", out.ID, "state", out.State, "reason", out.Reason, "ref", out.ExternalRef)
	}
	return out, nil
}

func classifyMismatch(rail RailConfig, result VerifyResult) FailureReason {
	if result.ObservedDestination != "" && result.ObservedDestination != rail.PlatformAddress {
		return ReasonAddressMismatch
	}
	return ReasonAmountMismatch
}

// =============================================================================
// PROCESS WITHDRAWAL
// =============================================================================

// ProcessWithdrawal reserves the user's funds and pushes the net amount out
// through the rail. Legal from eligible_checked only.
//
// The reservation (debit of gross) commits together with the transition
// into submitted. If the adapter definitively rejects, the reservation is
// reversed in the same unit as the transition into failed. If the adapter
// times out, the record stays submitted and RecheckSubmitted resolves it
// later by querying the rail - never by re-sending.
func (e *Engine) ProcessWithdrawal(ctx context.Context, id string) (Transaction, error) {
	adapter, rail, tx, proceed, err := e.reserveWithdrawal(ctx, id)
	if err != nil || !proceed {
		return tx, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.AdapterTimeout)
	result, serr := adapter.Send(callCtx, tx.Counterparty, tx.Net, tx.ID)
	cancel()
	if serr != nil {
		// Outcome unknown: the funds may or may not have moved. Keep the
		// reservation and the submitted state; the scheduler re-queries the
		// rail with the transaction id before assuming anything.
		e.log.Warn("send call failed, leaving submitted", "id", id, "rail", rail.Code, "error", serr)
		return tx, fmt.Errorf("%w: %v", ErrAdapterTransient, serr)
	}

	return e.settleSendResult(ctx, id, result)
}

// reserveWithdrawal re-checks the user balance and atomically applies the
// optimistic debit together with the transition into submitted. proceed is
// true only when this caller applied the reservation and owns the Send.
func (e *Engine) reserveWithdrawal(ctx context.Context, id string) (Adapter, RailConfig, Transaction, bool, error) {
	var out Transaction
	var adapter Adapter
	var rail RailConfig
	reserved := false

	err := e.store.WithTx(ctx, func(u Unit) error {
		tx, err := u.Get(ctx, id)
		if err != nil {
			return err
		}
		if tx.State.Terminal() || tx.State == StateSubmitted {
			// Already settled or already in flight from an earlier attempt;
			// never send twice.
			out = tx
			return nil
		}
		if tx.Direction != Withdrawal || tx.State != StateEligibleChecked {
			return fmt.Errorf("%w: process_withdrawal from %s %s", ErrIllegalTransition, tx.Direction, tx.State)
		}

		adapter, rail, err = e.rails.Resolve(tx.Rail)
		if err != nil {
			return err
		}

		// Balances move between request and processing; reserve only if the
		// gross debit still fits. The store's negative-balance guard is the
		// backstop, this check produces the friendlier terminal reason.
		if err := u.AdjustBalance(ctx, tx.UserID, tx.Gross.Neg()); err != nil {
			if errors.Is(err, ErrInsufficientFunds) {
				return errInsufficientAtProcess
			}
			return err
		}

		tx.State = StateSubmitted
		tx.RetryCount++
		tx.UpdatedAt = e.now()
		if err := u.Update(ctx, tx); err != nil {
			return err
		}
		tx.Version++
		out = tx
		reserved = true
		return nil
	})

	switch {
	case errors.Is(err, errInsufficientAtProcess):
		// The reservation rolled back with the unit; record the terminal
		// failure in its own unit.
		failed, ferr := e.forceFail(ctx, id, ReasonInsufficientBalance, false)
		return nil, RailConfig{}, failed, false, ferr
	case errors.Is(err, ErrConcurrencyConflict):
		current, gerr := e.store.GetTransaction(ctx, id)
		return nil, RailConfig{}, current, false, gerr
	case err != nil:
		return nil, RailConfig{}, Transaction{}, false, err
	}
	return adapter, rail, out, reserved, nil
}

var errInsufficientAtProcess = errors.New("insufficient balance at process time")

// settleSendResult finishes a withdrawal after a definitive adapter answer.
func (e *Engine) settleSendResult(ctx context.Context, id string, result SendResult) (Transaction, error) {
	var out Transaction
	err := e.store.WithTx(ctx, func(u Unit) error {
		tx, err := u.Get(ctx, id)
		if err != nil {
			return err
		}
		if tx.State != StateSubmitted {
			out = tx
			return nil
		}

		switch result.Status {
		case SendAccepted:
			bound, err := u.TryBind(ctx, tx.Family, result.ExternalRef, tx.ID)
			if err != nil {
				return err
			}
			if !bound {
				// The rail handed back a reference already bound to another
				// transaction. Funds position is ambiguous; reverse the
				// reservation and fail loudly for operator attention.
				if err := u.AdjustBalance(ctx, tx.UserID, tx.Gross); err != nil {
					return err
				}
				tx.State = StateFailed
				tx.Reason = ReasonReferenceConflict
			} else {
				tx.ExternalRef = result.ExternalRef
				tx.State = StateProcessed
			}

		case SendRejected:
			// Definitive rejection: reverse the reservation in the same unit.
			if err := u.AdjustBalance(ctx, tx.UserID, tx.Gross); err != nil {
				return err
			}
			tx.State = StateFailed
			tx.Reason = ReasonAdapterRejected

		default:
			return fmt.Errorf("adapter returned unknown send status %q", result.Status)
		}

		tx.UpdatedAt = e.now()
		if err := u.Update(ctx, tx); err != nil {
			return err
		}
		tx.Version++
		out = tx
		return nil
	})
	if errors.Is(err, ErrConcurrencyConflict) {
		return e.store.GetTransaction(ctx, id)
	}
	if err != nil {
		return Transaction{}, err
	}

	e.log.Info("withdrawal settled", "id", out.ID, "state", out.State, "reason", out.Reason, "ref", out.ExternalRef)
	return out, nil
}

// RecheckSubmitted resolves a withdrawal whose Send never produced a
// definitive answer. It queries the rail using the recorded reference, or
// the transaction id as correlation key, and settles on what the rail
// reports. It never re-sends.
func (e *Engine) RecheckSubmitted(ctx context.Context, id string) (Transaction, error) {
	tx, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if tx.State.Terminal() {
		return tx, nil
	}
	if tx.State != StateSubmitted {
		return tx, fmt.Errorf("%w: recheck from %s", ErrIllegalTransition, tx.State)
	}

	adapter, rail, err := e.rails.Resolve(tx.Rail)
	if err != nil {
		return tx, err
	}

	if tx.RetryCount >= e.cfg.MaxRetries {
		// Give up: reverse the reservation and surface for intervention.
		return e.forceFail(ctx, id, ReasonMaxRetriesExceeded, true)
	}

	ref := tx.ExternalRef
	if ref == "" {
		ref = tx.ID // correlation key the adapter attached at Send time
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.AdapterTimeout)
	result, verr := adapter.Verify(callCtx, ref, tx.Counterparty, tx.Net)
	cancel()

	var out Transaction
	err = e.store.WithTx(ctx, func(u Unit) error {
		cur, err := u.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.State != StateSubmitted {
			out = cur
			return nil
		}

		cur.RetryCount++
		switch {
		case verr != nil, result.Status == VerifyNotFound:
			// Still unknown; keep the reservation, try again next cycle.

		case result.Status == VerifyFound:
			bound, err := u.TryBind(ctx, cur.Family, ref, cur.ID)
			if err != nil {
				return err
			}
			if !bound {
				if err := u.AdjustBalance(ctx, cur.UserID, cur.Gross); err != nil {
					return err
				}
				cur.State = StateFailed
				cur.Reason = ReasonReferenceConflict
			} else {
				cur.ExternalRef = ref
				cur.State = StateProcessed
			}

		case result.Status == VerifyMismatch:
			if err := u.AdjustBalance(ctx, cur.UserID, cur.Gross); err != nil {
				return err
			}
			cur.State = StateFailed
			cur.Reason = classifyMismatch(rail, result)
		}

		cur.UpdatedAt = e.now()
		if err := u.Update(ctx, cur); err != nil {
			return err
		}
		cur.Version++
		out = cur
		return nil
	})
	if errors.Is(err, ErrConcurrencyConflict) {
		return e.store.GetTransaction(ctx, id)
	}
	if err != nil {
		return Transaction{}, err
	}
	if verr != nil {
		return out, fmt.Errorf("%w: %v", ErrAdapterTransient, verr)
	}
	return out, nil
}

// forceFail transitions a record to failed with the given reason,
// optionally reversing a held reservation in the same unit.
func (e *Engine) forceFail(ctx context.Context, id string, reason FailureReason, refund bool) (Transaction, error) {
	var out Transaction
	err := e.store.WithTx(ctx, func(u Unit) error {
		tx, err := u.Get(ctx, id)
		if err != nil {
			return err
		}
		if tx.State.Terminal() {
			out = tx
			return nil
		}
		if refund {
			if err := u.AdjustBalance(ctx, tx.UserID, tx.Gross); err != nil {
				return err
			}
		}
		tx.State = StateFailed
		tx.Reason = reason
		tx.UpdatedAt = e.now()
		if err := u.Update(ctx, tx); err != nil {
			return err
		}
		tx.Version++
		out = tx
		return nil
	})
	if errors.Is(err, ErrConcurrencyConflict) {
		return e.store.GetTransaction(ctx, id)
	}
	if err != nil {
		return Transaction{}, err
	}
	e.log.Warn("transaction force-failed", "id", out.ID, "reason", out.Reason)
	return out, nil
}

// =============================================================================
// EXPIRE
// =============================================================================

// Expire transitions an aged pending/verifying record with no observed
// external reference to expired. No ledger effect, ever. A record that
// already settled is returned unchanged.
func (e *Engine) Expire(ctx context.Context, id string) (Transaction, error) {
	var out Transaction
	err := e.store.WithTx(ctx, func(u Unit) error {
		tx, err := u.Get(ctx, id)
		if err != nil {
			return err
		}
		if tx.State.Terminal() {
			out = tx
			return nil
		}
		if tx.State != StatePending && tx.State != StateVerifying {
			return fmt.Errorf("%w: expire from %s", ErrIllegalTransition, tx.State)
		}
		if tx.ExternalRef != "" {
			// A reference has been claimed; let verification finish or fail.
			out = tx
			return nil
		}
		if e.now().Sub(tx.CreatedAt) < e.cfg.ExpireAfter {
			out = tx
			return nil
		}

		tx.State = StateExpired
		tx.UpdatedAt = e.now()
		if err := u.Update(ctx, tx); err != nil {
			return err
		}
		tx.Version++
		out = tx
		return nil
	})
	if errors.Is(err, ErrConcurrencyConflict) {
		return e.store.GetTransaction(ctx, id)
	}
	if err != nil {
		return Transaction{}, err
	}
	if out.State == StateExpired {
		e.log.Info("transaction expired", "id", out.ID, "age", e.now().Sub(out.CreatedAt))
	}
	return out, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns the current authoritative record.
func (e *Engine) Get(ctx context.Context, id string) (Transaction, error) {
	return e.store.GetTransaction(ctx, id)
}

// List returns records matching the filter, newest first.
func (e *Engine) List(ctx context.Context, f Filter) ([]Transaction, error) {
	return e.store.ListTransactions(ctx, f)
}

// BalanceOf returns the user's ledger balance.
func (e *Engine) BalanceOf(ctx context.Context, userID string) (decimal.Decimal, error) {
	return e.store.Balance(ctx, userID)
}

// CheckEligibility evaluates a hypothetical movement without creating
// anything. Platform balance is read live from the rail.
func (e *Engine) CheckEligibility(ctx context.Context, userID, railCode string, direction Direction, amount decimal.Decimal) (Eligibility, error) {
	adapter, rail, err := e.rails.Resolve(railCode)
	if err != nil {
		return Eligibility{}, err
	}
	in := EvaluateInput{Direction: direction, Rail: rail, Amount: amount}
	if direction == Withdrawal {
		if in.UserBalance, err = e.store.Balance(ctx, userID); err != nil {
			return Eligibility{}, err
		}
		if in.PlatformBalance, err = e.queryPlatformBalance(ctx, adapter, rail); err != nil {
			return Eligibility{}, err
		}
	}
	return Evaluate(in), nil
}

// Rails exposes the configured rails (read-only) for the API layer.
func (e *Engine) Rails() []RailConfig { return e.rails.Configs() }
