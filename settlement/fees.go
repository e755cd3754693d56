/*
fees.go - Eligibility and fee computation

PURPOSE:
  Pure functions used both at creation time and at processing time to
  decide whether a movement is admissible and what it nets out to.
  No store, no adapters, no side effects - independently testable.

FEE MODEL:
  Deposits:    fee 0, net == gross (platform absorbs rail fees).
  Withdrawals: fixed per-rail fee, net == gross - fee. The user is debited
               gross; only net leaves the platform. The fee is revenue.

ELIGIBILITY (withdrawals):
  1. amount within the rail's [min, max]
  2. user balance >= gross (the debit that will be reserved)
  3. platform rail balance >= net (the amount that must actually be sent)
*/
package settlement

import "github.com/shopspring/decimal"

// Eligibility reason codes surfaced to callers.
const (
	ReasonOK                        = ""
	ReasonAmountOutOfBounds         = "InvalidAmount"
	ReasonUserInsufficientBalance   = "InsufficientBalance"
	ReasonInsufficientPlatformFunds = "InsufficientPlatformFunds"
	ReasonFeeExceedsAmount          = "FeeExceedsAmount"
)

// EvaluateInput carries everything Evaluate needs. Balances are snapshots
// taken by the caller; Evaluate itself never reads shared state.
type EvaluateInput struct {
	Direction       Direction
	Rail            RailConfig
	Amount          decimal.Decimal
	UserBalance     decimal.Decimal
	PlatformBalance decimal.Decimal
}

// Eligibility is the admission decision with the computed fee split.
type Eligibility struct {
	Eligible bool
	Fee      decimal.Decimal
	Net      decimal.Decimal
	Reason   string
}

// Evaluate computes the fee/net split and the admission decision for a
// funds movement. It normalizes the amount to the rail's precision first;
// every comparison below is exact.
func Evaluate(in EvaluateInput) Eligibility {
	amount := Normalize(in.Amount, in.Rail.Precision)

	if in.Direction == Deposit {
		// Deposits carry no fee and need no balance checks: the user is
		// sending funds in, not drawing them out.
		if err := in.Rail.CheckAmount(amount); err != nil {
			return Eligibility{Fee: decimal.Zero, Net: amount, Reason: ReasonAmountOutOfBounds}
		}
		return Eligibility{Eligible: true, Fee: decimal.Zero, Net: amount}
	}

	fee := Normalize(in.Rail.WithdrawalFee, in.Rail.Precision)
	net := amount.Sub(fee)

	if err := in.Rail.CheckAmount(amount); err != nil {
		return Eligibility{Fee: fee, Net: net, Reason: ReasonAmountOutOfBounds}
	}
	if !net.IsPositive() {
		return Eligibility{Fee: fee, Net: net, Reason: ReasonFeeExceedsAmount}
	}
	if in.UserBalance.LessThan(amount) {
		return Eligibility{Fee: fee, Net: net, Reason: ReasonUserInsufficientBalance}
	}
	if Normalize(in.PlatformBalance, in.Rail.Precision).LessThan(net) {
		return Eligibility{Fee: fee, Net: net, Reason: ReasonInsufficientPlatformFunds}
	}

	return Eligibility{Eligible: true, Fee: fee, Net: net}
}
