package rails_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackgerm/settlement-engine/rails"
	"github.com/blackgerm/settlement-engine/settlement"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newMomoAdapter(t *testing.T, handler http.HandlerFunc) *rails.MomoAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return rails.NewMomoAdapter(rails.MomoConfig{
		Provider:   "MTN",
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		APISecret:  "test-secret",
		MerchantID: "merchant-001",
		Currency:   "XAF",
	}, srv.Client())
}

// =============================================================================
// REQUEST SIGNING
// =============================================================================

func TestMomo_SignedRequest(t *testing.T) {
	// GIVEN: A provider that authenticates with HMAC-SHA256 over
	//        body + timestamp + secret
	// WHEN: Sending a disbursement
	// THEN: Authorization, X-Timestamp and a verifiable X-Signature are set

	adapter := newMomoAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		timestamp := r.Header.Get("X-Timestamp")
		require.NotEmpty(t, timestamp)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		mac := hmac.New(sha256.New, []byte("test-secret"))
		mac.Write(body)
		mac.Write([]byte(timestamp))
		mac.Write([]byte("test-secret"))
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), r.Header.Get("X-Signature"))

		json.NewEncoder(w).Encode(map[string]string{"transaction_id": "MP-1", "status": "PENDING"})
	})

	out, err := adapter.Send(context.Background(), "237670000001", dec("950"), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.SendAccepted, out.Status)
}

// =============================================================================
// VERIFY
// =============================================================================

func TestMomoVerify_Successful(t *testing.T) {
	adapter := newMomoAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transactions/MP-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{
			"transaction_id": "MP-1",
			"status":         "SUCCESSFUL",
			"amount":         "1000",
			"phone_number":   "237670000001",
		})
	})

	out, err := adapter.Verify(context.Background(), "MP-1", "237670000001", dec("1000"))
	require.NoError(t, err)
	assert.Equal(t, settlement.VerifyFound, out.Status)
	assert.True(t, out.ObservedAmount.Equal(dec("1000")))
	assert.Equal(t, "237670000001", out.ObservedDestination)
}

func TestMomoVerify_ProviderStillPending_NotFound(t *testing.T) {
	// GIVEN: The provider knows the id but has not settled it
	// WHEN: Verifying
	// THEN: not_found; the caller comes back next cycle

	adapter := newMomoAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "PENDING"})
	})

	out, err := adapter.Verify(context.Background(), "MP-1", "", dec("1000"))
	require.NoError(t, err)
	assert.Equal(t, settlement.VerifyNotFound, out.Status)
}

func TestMomoVerify_Failed_Mismatch(t *testing.T) {
	adapter := newMomoAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "FAILED", "reason": "payer limit"})
	})

	out, err := adapter.Verify(context.Background(), "MP-1", "", dec("1000"))
	require.NoError(t, err)
	assert.Equal(t, settlement.VerifyMismatch, out.Status)
}

func TestMomoVerify_UnknownID_NotFound(t *testing.T) {
	adapter := newMomoAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	out, err := adapter.Verify(context.Background(), "MP-missing", "", dec("1000"))
	require.NoError(t, err)
	assert.Equal(t, settlement.VerifyNotFound, out.Status)
}

// =============================================================================
// SEND
// =============================================================================

func TestMomoSend_CarriesCorrelationID(t *testing.T) {
	// GIVEN: A provider that deduplicates on transaction_id
	// WHEN: Sending a disbursement
	// THEN: The payload carries the merchant id, currency and our
	//       correlation id as the provider-side transaction id

	var got map[string]string
	adapter := newMomoAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/disbursements", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]string{"transaction_id": "MP-77", "status": "PENDING"})
	})

	out, err := adapter.Send(context.Background(), "237670000001", dec("950"), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.SendAccepted, out.Status)
	assert.Equal(t, "MP-77", out.ExternalRef)
	assert.Equal(t, "merchant-001", got["merchant_id"])
	assert.Equal(t, "XAF", got["currency"])
	assert.Equal(t, "950", got["amount"])
	assert.Equal(t, "corr-1", got["transaction_id"])
	assert.Equal(t, "237670000001", got["phone_number"])
}

func TestMomoSend_NoProviderID_FallsBackToCorrelation(t *testing.T) {
	// GIVEN: A provider that accepts but returns no transaction id
	// WHEN: Sending
	// THEN: The correlation id becomes the external reference, so the
	//       disbursement is still findable later

	adapter := newMomoAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{})
	})

	out, err := adapter.Send(context.Background(), "237670000001", dec("950"), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.SendAccepted, out.Status)
	assert.Equal(t, "corr-1", out.ExternalRef)
}

func TestMomoSend_Rejected(t *testing.T) {
	adapter := newMomoAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"status": "REJECTED", "reason": "unregistered subscriber"})
	})

	out, err := adapter.Send(context.Background(), "237670000001", dec("950"), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.SendRejected, out.Status)
	assert.Equal(t, "unregistered subscriber", out.Error)
}

// =============================================================================
// BALANCE
// =============================================================================

func TestMomoQueryBalance(t *testing.T) {
	adapter := newMomoAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/account/balance", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"available_balance": "250000", "currency": "XAF"})
	})

	balance, err := adapter.QueryBalance(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("250000")))
}
