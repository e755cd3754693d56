/*
momo.go - Mobile-money provider adapter

PURPOSE:
  Settlement adapter for the mobile-money rails (MTN, ORANGE). Providers
  are phone-number addressed and webhook driven; for settlement purposes
  this adapter uses their pull APIs only: initiate an outbound payout and
  poll transaction status. Webhook ingestion belongs to the API layer of
  whoever deploys this engine.

AUTHENTICATION:
  Requests carry a bearer API key plus an HMAC-SHA256 signature over
  body + timestamp + secret, in X-Signature / X-Timestamp headers.

ENDPOINTS:
  POST /disbursements        push funds to a subscriber (withdrawal)
  GET  /transactions/{id}    status of a collection or disbursement
  GET  /account/balance      merchant float account balance

CORRELATION:
  Our internal transaction id travels as the provider-side transaction_id
  on every disbursement, so a timed-out payout is resolved by polling
  GET /transactions/{our-id} - never by paying twice.
*/
package rails

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blackgerm/settlement-engine/settlement"
)

// MomoConfig configures a mobile-money provider client.
type MomoConfig struct {
	Provider   string // "MTN", "ORANGE"
	BaseURL    string
	APIKey     string
	APISecret  string
	MerchantID string
	Currency   string // "XAF"
}

// MomoAdapter implements settlement.Adapter against a mobile-money API.
type MomoAdapter struct {
	cfg    MomoConfig
	client *http.Client
	now    func() time.Time
}

// NewMomoAdapter builds an adapter. client may be nil; a default with a
// 30s timeout is used then.
func NewMomoAdapter(cfg MomoConfig, client *http.Client) *MomoAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &MomoAdapter{cfg: cfg, client: client, now: time.Now}
}

type momoTxResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"` // "SUCCESSFUL", "PENDING", "FAILED"
	Amount        string `json:"amount"`
	PhoneNumber   string `json:"phone_number"`
	Reason        string `json:"reason"`
}

// Verify polls the provider for ref (a provider transaction id) and
// compares the settled transfer against expectations.
func (a *MomoAdapter) Verify(ctx context.Context, ref, expectedDestination string, expectedAmount decimal.Decimal) (settlement.VerifyResult, error) {
	var resp momoTxResponse
	status, err := a.get(ctx, "/transactions/"+ref, &resp)
	if err != nil {
		return settlement.VerifyResult{}, err
	}
	if status == http.StatusNotFound {
		return settlement.VerifyResult{Status: settlement.VerifyNotFound}, nil
	}
	if status != http.StatusOK {
		return settlement.VerifyResult{}, fmt.Errorf("%s API returned %d for transaction %s", a.cfg.Provider, status, ref)
	}

	switch resp.Status {
	case "PENDING", "INITIATED":
		// Provider knows the id but hasn't settled it; retryable.
		return settlement.VerifyResult{Status: settlement.VerifyNotFound}, nil
	case "FAILED", "REJECTED", "CANCELLED":
		return settlement.VerifyResult{Status: settlement.VerifyMismatch}, nil
	}

	observed, err := decimal.NewFromString(resp.Amount)
	if err != nil {
		return settlement.VerifyResult{}, fmt.Errorf("parsing provider amount %q: %w", resp.Amount, err)
	}

	return settlement.VerifyResult{
		Status:              settlement.VerifyFound,
		ObservedAmount:      observed,
		ObservedDestination: resp.PhoneNumber,
	}, nil
}

type momoDisbursementRequest struct {
	MerchantID    string `json:"merchant_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	PhoneNumber   string `json:"phone_number"`
	TransactionID string `json:"transaction_id"`
	Description   string `json:"description"`
}

// Send initiates a disbursement to the subscriber's phone number. The
// provider deduplicates on transaction_id, which carries our correlation id.
func (a *MomoAdapter) Send(ctx context.Context, destination string, amount decimal.Decimal, correlationID string) (settlement.SendResult, error) {
	req := momoDisbursementRequest{
		MerchantID:    a.cfg.MerchantID,
		Amount:        amount.String(),
		Currency:      a.cfg.Currency,
		PhoneNumber:   destination,
		TransactionID: correlationID,
		Description:   "Account withdrawal",
	}

	var resp momoTxResponse
	status, err := a.post(ctx, "/disbursements", req, &resp)
	if err != nil {
		return settlement.SendResult{}, err
	}

	switch {
	case status == http.StatusOK || status == http.StatusAccepted:
		ref := resp.TransactionID
		if ref == "" {
			ref = correlationID
		}
		return settlement.SendResult{Status: settlement.SendAccepted, ExternalRef: ref}, nil
	case status >= 400 && status < 500:
		return settlement.SendResult{Status: settlement.SendRejected, Error: resp.Reason}, nil
	default:
		return settlement.SendResult{}, fmt.Errorf("%s API returned %d for disbursement", a.cfg.Provider, status)
	}
}

type momoBalanceResponse struct {
	AvailableBalance string `json:"available_balance"`
	Currency         string `json:"currency"`
}

// QueryBalance returns the merchant float account balance. The address
// argument is ignored: a mobile-money rail has exactly one platform
// account, identified by the API credentials.
func (a *MomoAdapter) QueryBalance(ctx context.Context, _ string) (decimal.Decimal, error) {
	var resp momoBalanceResponse
	status, err := a.get(ctx, "/account/balance", &resp)
	if err != nil {
		return decimal.Zero, err
	}
	if status != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%s API returned %d for balance", a.cfg.Provider, status)
	}
	return decimal.NewFromString(resp.AvailableBalance)
}

// =============================================================================
// SIGNED HTTP
// =============================================================================

func (a *MomoAdapter) get(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+path, nil)
	if err != nil {
		return 0, err
	}
	return a.do(req, nil, out)
}

func (a *MomoAdapter) post(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, payload, out)
}

func (a *MomoAdapter) do(req *http.Request, body []byte, out any) (int, error) {
	timestamp := strconv.FormatInt(a.now().Unix(), 10)
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Signature", a.sign(body, timestamp))

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s API request: %w", a.cfg.Provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding %s API response: %w", a.cfg.Provider, err)
		}
	}
	return resp.StatusCode, nil
}

// sign computes the HMAC-SHA256 signature over body + timestamp + secret.
func (a *MomoAdapter) sign(body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(a.cfg.APISecret))
	mac.Write(body)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(a.cfg.APISecret))
	return hex.EncodeToString(mac.Sum(nil))
}
