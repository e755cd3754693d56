/*
chain.go - Blockchain gateway adapter

PURPOSE:
  Settlement adapter for the blockchain rails (TRC20, BEP20). Talks to a
  chain gateway service over JSON HTTP: the gateway wraps the actual node
  RPC and token-contract plumbing, this adapter only cares about the
  three capability calls.

ENDPOINTS:
  GET  /tx/{hash}        transfer details by hash
  POST /transfer         push tokens out
  GET  /balance/{addr}   spendable token balance at an address

SEMANTICS:
  - HTTP 404 on /tx means the chain has not seen the hash yet: not_found,
    retryable.
  - A transfer whose on-chain status is anything but success is a
    definitive mismatch.
  - Amounts cross the wire as integer strings at the chain's native
    precision (6 decimals on TRC20, 18 on BEP20) and are rescaled here.
*/
package rails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blackgerm/settlement-engine/settlement"
)

// ChainConfig configures a blockchain gateway client.
type ChainConfig struct {
	BaseURL   string
	APIKey    string
	Precision int32 // native token decimals on this chain
}

// ChainAdapter implements settlement.Adapter against a chain gateway.
type ChainAdapter struct {
	cfg    ChainConfig
	client *http.Client
}

// NewChainAdapter builds an adapter. client may be nil; a default with a
// 30s timeout is used then.
func NewChainAdapter(cfg ChainConfig, client *http.Client) *ChainAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ChainAdapter{cfg: cfg, client: client}
}

type chainTxResponse struct {
	Status string `json:"status"` // "success", "failed", "reverted"
	To     string `json:"to"`
	From   string `json:"from"`
	Amount string `json:"amount"` // integer string at native precision
}

// Verify looks up ref on-chain and compares it against expectations.
func (a *ChainAdapter) Verify(ctx context.Context, ref, expectedDestination string, expectedAmount decimal.Decimal) (settlement.VerifyResult, error) {
	var resp chainTxResponse
	status, err := a.get(ctx, "/tx/"+ref, &resp)
	if err != nil {
		return settlement.VerifyResult{}, err
	}
	if status == http.StatusNotFound {
		return settlement.VerifyResult{Status: settlement.VerifyNotFound}, nil
	}
	if status != http.StatusOK {
		return settlement.VerifyResult{}, fmt.Errorf("chain gateway returned %d for tx %s", status, ref)
	}

	if resp.Status != "success" {
		// Mined but failed/reverted: definitive, never becomes valid.
		return settlement.VerifyResult{Status: settlement.VerifyMismatch}, nil
	}

	observed, err := a.fromNative(resp.Amount)
	if err != nil {
		return settlement.VerifyResult{}, fmt.Errorf("parsing on-chain amount %q: %w", resp.Amount, err)
	}

	return settlement.VerifyResult{
		Status:              settlement.VerifyFound,
		ObservedAmount:      observed,
		ObservedDestination: resp.To,
	}, nil
}

type chainTransferRequest struct {
	To            string `json:"to"`
	Amount        string `json:"amount"` // integer string at native precision
	CorrelationID string `json:"correlation_id"`
}

type chainTransferResponse struct {
	TxHash string `json:"tx_hash"`
	Error  string `json:"error"`
}

// Send pushes amount to destination through the gateway. The gateway
// deduplicates on correlation_id, so a retried call after a timeout returns
// the original transfer instead of creating a second one.
func (a *ChainAdapter) Send(ctx context.Context, destination string, amount decimal.Decimal, correlationID string) (settlement.SendResult, error) {
	req := chainTransferRequest{
		To:            destination,
		Amount:        a.toNative(amount),
		CorrelationID: correlationID,
	}

	var resp chainTransferResponse
	status, err := a.post(ctx, "/transfer", req, &resp)
	if err != nil {
		return settlement.SendResult{}, err
	}

	switch {
	case status == http.StatusOK || status == http.StatusAccepted:
		return settlement.SendResult{Status: settlement.SendAccepted, ExternalRef: resp.TxHash}, nil
	case status >= 400 && status < 500:
		return settlement.SendResult{Status: settlement.SendRejected, Error: resp.Error}, nil
	default:
		return settlement.SendResult{}, fmt.Errorf("chain gateway returned %d for transfer", status)
	}
}

type chainBalanceResponse struct {
	Balance string `json:"balance"` // integer string at native precision
}

// QueryBalance returns the spendable token balance at address.
func (a *ChainAdapter) QueryBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	var resp chainBalanceResponse
	status, err := a.get(ctx, "/balance/"+address, &resp)
	if err != nil {
		return decimal.Zero, err
	}
	if status != http.StatusOK {
		return decimal.Zero, fmt.Errorf("chain gateway returned %d for balance", status)
	}
	return a.fromNative(resp.Balance)
}

// =============================================================================
// WIRE HELPERS
// =============================================================================

// toNative scales a decimal amount to the chain's integer representation.
func (a *ChainAdapter) toNative(amount decimal.Decimal) string {
	return amount.Shift(a.cfg.Precision).Truncate(0).String()
}

// fromNative rescales an integer amount string back to decimal units.
func (a *ChainAdapter) fromNative(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	return d.Shift(-a.cfg.Precision), nil
}

func (a *ChainAdapter) get(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+path, nil)
	if err != nil {
		return 0, err
	}
	return a.do(req, out)
}

func (a *ChainAdapter) post(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, out)
}

func (a *ChainAdapter) do(req *http.Request, out any) (int, error) {
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("chain gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding chain gateway response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
