/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for API communication, decoupling the internal domain
  model from the external contract. Amounts are serialized as decimal
  strings; clients must never see floats.
*/
package api

import (
	"time"

	"github.com/blackgerm/settlement-engine/settlement"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateTransactionRequest starts a deposit or withdrawal.
type CreateTransactionRequest struct {
	UserID       string `json:"user_id"`
	Direction    string `json:"direction"` // "deposit" | "withdrawal"
	Rail         string `json:"rail"`
	Amount       string `json:"amount"` // decimal string
	Counterparty string `json:"counterparty"`
}

// VerifyRequest carries a claimed external reference for a deposit.
type VerifyRequest struct {
	Reference string `json:"reference"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// TransactionDTO is the external view of a transaction.
type TransactionDTO struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Direction    string    `json:"direction"`
	Rail         string    `json:"rail"`
	Family       string    `json:"family"`
	Gross        string    `json:"gross"`
	Fee          string    `json:"fee"`
	Net          string    `json:"net"`
	Counterparty string    `json:"counterparty"`
	ExternalRef  string    `json:"external_ref,omitempty"`
	State        string    `json:"state"`
	Reason       string    `json:"reason,omitempty"`
	RetryCount   int       `json:"retry_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toTransactionDTO(tx settlement.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:           tx.ID,
		UserID:       tx.UserID,
		Direction:    string(tx.Direction),
		Rail:         tx.Rail,
		Family:       string(tx.Family),
		Gross:        tx.Gross.String(),
		Fee:          tx.Fee.String(),
		Net:          tx.Net.String(),
		Counterparty: tx.Counterparty,
		ExternalRef:  tx.ExternalRef,
		State:        string(tx.State),
		Reason:       string(tx.Reason),
		RetryCount:   tx.RetryCount,
		CreatedAt:    tx.CreatedAt,
		UpdatedAt:    tx.UpdatedAt,
	}
}

// EligibilityDTO is the admission decision for a hypothetical movement.
type EligibilityDTO struct {
	Eligible bool   `json:"eligible"`
	Fee      string `json:"fee"`
	Net      string `json:"net"`
	Reason   string `json:"reason,omitempty"`
}

// RailDTO describes one configured rail.
type RailDTO struct {
	Code          string `json:"code"`
	Family        string `json:"family"`
	Currency      string `json:"currency"`
	Precision     int32  `json:"precision"`
	MinAmount     string `json:"min_amount"`
	MaxAmount     string `json:"max_amount"`
	WithdrawalFee string `json:"withdrawal_fee"`
}

func toRailDTO(cfg settlement.RailConfig) RailDTO {
	return RailDTO{
		Code:          cfg.Code,
		Family:        string(cfg.Family),
		Currency:      cfg.Currency,
		Precision:     cfg.Precision,
		MinAmount:     cfg.MinAmount.String(),
		MaxAmount:     cfg.MaxAmount.String(),
		WithdrawalFee: cfg.WithdrawalFee.String(),
	}
}

// BalanceDTO is a user's ledger balance.
type BalanceDTO struct {
	UserID  string `json:"user_id"`
	Balance string `json:"balance"`
}

// ErrorDTO is the uniform error envelope.
type ErrorDTO struct {
	Error string `json:"error"`
}
