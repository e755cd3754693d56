/*
rail.go - Rail capability interface and per-rail configuration

PURPOSE:
  Defines the boundary between the settlement core and the external rails
  (blockchain networks, mobile-money providers). The core only ever sees
  this interface; concrete clients live in the rails package.

CAPABILITY CONTRACT:
  Verify:       Is this external reference a real, matching transfer?
  Send:         Push funds out; must be correlatable, never blindly resent.
  QueryBalance: How much can the platform actually spend on this rail?

  Adapters must be idempotent-or-verifiable: a Send that timed out is
  re-queried through Verify with the correlation id, never re-sent.

CONFIGURATION:
  One RailConfig per rail code, injected at construction. There is no
  process-wide mutable rail table; the Engine resolves rail code ->
  (adapter, config) through a Resolver built once at startup.
*/
package settlement

import (
	"context"
	"regexp"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RAIL FAMILY & CONFIG
// =============================================================================

// RailFamily groups rails that share a counterparty addressing scheme and an
// external-reference namespace. The suppression index is scoped per family.
type RailFamily string

const (
	FamilyBlockchain  RailFamily = "blockchain"
	FamilyMobileMoney RailFamily = "mobile_money"
)

// RailConfig carries everything the core needs to know about one rail.
type RailConfig struct {
	Code            string // "TRC20", "BEP20", "MTN", "ORANGE"
	Family          RailFamily
	Currency        string // "USDT", "XAF"
	Precision       int32  // decimal places for settlement comparisons
	MinAmount       decimal.Decimal
	MaxAmount       decimal.Decimal
	WithdrawalFee   decimal.Decimal // fixed fee; deposit fee is always zero
	PlatformAddress string          // where deposits land / withdrawals originate
}

var (
	tronAddressRe = regexp.MustCompile(`^T[1-9A-HJ-NP-Za-km-z]{33}$`)
	bscAddressRe  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	// Cameroon MSISDN: country code 237 followed by a 9-digit number on the
	// 6/7 prefixes used by both providers.
	phoneRe = regexp.MustCompile(`^(\+?237)?[67]\d{8}$`)
)

// CheckCounterparty validates a destination address or phone number against
// the rail's format. Format rules follow the rail code for blockchains
// (address shapes differ per network) and the family for mobile money.
func (c RailConfig) CheckCounterparty(counterparty string) error {
	var ok bool
	switch {
	case c.Family == FamilyMobileMoney:
		ok = phoneRe.MatchString(counterparty)
	case c.Code == "TRC20":
		ok = tronAddressRe.MatchString(counterparty)
	case c.Code == "BEP20":
		ok = bscAddressRe.MatchString(counterparty)
	default:
		// Unknown blockchain codes only need a non-empty destination; bounds
		// and verification still apply.
		ok = counterparty != ""
	}
	if !ok {
		return &ValidationError{Field: "counterparty", Rail: c.Code, Message: "malformed destination"}
	}
	return nil
}

// CheckAmount validates an amount against the rail's bounds.
func (c RailConfig) CheckAmount(amount decimal.Decimal) error {
	amount = Normalize(amount, c.Precision)
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Rail: c.Code, Message: "amount must be positive"}
	}
	if amount.LessThan(c.MinAmount) {
		return &ValidationError{Field: "amount", Rail: c.Code,
			Message: "below minimum " + c.MinAmount.String() + " " + c.Currency}
	}
	if amount.GreaterThan(c.MaxAmount) {
		return &ValidationError{Field: "amount", Rail: c.Code,
			Message: "above maximum " + c.MaxAmount.String() + " " + c.Currency}
	}
	return nil
}

// =============================================================================
// ADAPTER - capability interface implemented per (network, provider)
// =============================================================================

// VerifyStatus is the adapter's verdict on an external reference.
type VerifyStatus string

const (
	// VerifyFound: the transfer exists and is final; observed fields are set.
	VerifyFound VerifyStatus = "found"
	// VerifyNotFound: the rail has not (yet) seen the reference. Retryable.
	VerifyNotFound VerifyStatus = "not_found"
	// VerifyMismatch: the transfer exists but contradicts expectations.
	// Definitive, never retried.
	VerifyMismatch VerifyStatus = "mismatch"
)

// VerifyResult is what an adapter observed about an external reference.
type VerifyResult struct {
	Status              VerifyStatus
	ObservedAmount      decimal.Decimal
	ObservedDestination string
}

// SendStatus is the adapter's verdict on an outbound transfer.
type SendStatus string

const (
	SendAccepted SendStatus = "accepted"
	SendRejected SendStatus = "rejected"
)

// SendResult is the outcome of an outbound transfer attempt.
type SendResult struct {
	Status      SendStatus
	ExternalRef string // tx hash or provider transaction id, set on accept
	Error       string // provider-reported reason, set on reject
}

// Adapter is the per-rail capability the core settles against. All methods
// honor ctx cancellation; transport-level failures are reported by wrapping
// ErrAdapterTransient so the scheduler can distinguish them from definitive
// verdicts.
type Adapter interface {
	// Verify checks whether ref names a final transfer of expectedAmount to
	// expectedDestination on this rail.
	Verify(ctx context.Context, ref, expectedDestination string, expectedAmount decimal.Decimal) (VerifyResult, error)

	// Send pushes amount to destination. correlationID identifies this
	// transfer on the rail so that a timed-out Send can later be resolved
	// through Verify instead of being blindly re-sent.
	Send(ctx context.Context, destination string, amount decimal.Decimal, correlationID string) (SendResult, error)

	// QueryBalance returns the spendable amount held at address on this rail.
	QueryBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// Resolver maps rail codes to their adapter and configuration. Built once at
// startup; the Engine never branches on rail strings beyond this lookup.
type Resolver interface {
	Resolve(code string) (Adapter, RailConfig, error)
	Configs() []RailConfig
}
