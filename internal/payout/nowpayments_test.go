package payout

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"vaultpay/internal/model"
	"vaultpay/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signSHA512(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func testWithdrawal() model.Withdrawal {
	return model.Withdrawal{
		ID:                 "wd-1",
		UserID:             "u1",
		Currency:           types.CurrencyUSDT,
		Amount:             decimal.RequireFromString("25.5"),
		DestinationAddress: "0xdest",
		Provider:           types.ProviderNOWPayments,
	}
}

func TestNOWPaymentsInitiatePayout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payout", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		var req struct {
			IPNCallbackURL string `json:"ipn_callback_url"`
			Withdrawals    []struct {
				Address          string      `json:"address"`
				Currency         string      `json:"currency"`
				Amount           json.Number `json:"amount"`
				UniqueExternalID string      `json:"unique_external_id"`
			} `json:"withdrawals"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Withdrawals, 1)
		assert.Equal(t, "0xdest", req.Withdrawals[0].Address)
		assert.Equal(t, "usdt", req.Withdrawals[0].Currency)
		assert.Equal(t, "25.5", req.Withdrawals[0].Amount.String())
		assert.Equal(t, "wd-1", req.Withdrawals[0].UniqueExternalID)

		json.NewEncoder(w).Encode(map[string]any{
			"id": "batch-9",
			"withdrawals": []map[string]any{
				{"id": "item-42", "unique_external_id": "wd-1", "status": "WAITING"},
			},
		})
	}))
	defer srv.Close()

	a := NewNOWPaymentsAdapter(srv.URL, "test-key", "ipn-secret", "https://vault.example/cb")
	res, err := a.InitiatePayout(context.Background(), testWithdrawal())
	require.NoError(t, err)
	assert.Equal(t, "item-42", res.ExternalRef)
	assert.False(t, res.Confirmed)
}

func TestNOWPaymentsInitiatePayoutErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"invalid api key"}`))
	}))
	defer srv.Close()

	a := NewNOWPaymentsAdapter(srv.URL, "bad-key", "ipn-secret", "https://vault.example/cb")
	_, err := a.InitiatePayout(context.Background(), testWithdrawal())
	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, types.ProviderNOWPayments, adapterErr.Provider)
}

func TestNOWPaymentsVerifyCallback(t *testing.T) {
	a := NewNOWPaymentsAdapter("https://api.example", "k", "ipn-secret", "https://vault.example/cb")
	body := []byte(`{"id":5000000001,"status":"FINISHED","hash":"0xtx"}`)

	cb, err := a.VerifyCallback(body, signSHA512("ipn-secret", body))
	require.NoError(t, err)
	assert.Equal(t, "5000000001", cb.ExternalRef)
	assert.Equal(t, StatusCompleted, cb.Status)
	assert.Equal(t, "FINISHED", cb.RawStatus)
	assert.Equal(t, "0xtx", cb.TxHash)
}

func TestNOWPaymentsVerifyCallbackBadSignature(t *testing.T) {
	a := NewNOWPaymentsAdapter("https://api.example", "k", "ipn-secret", "https://vault.example/cb")
	body := []byte(`{"id":1,"status":"FINISHED"}`)

	_, err := a.VerifyCallback(body, signSHA512("wrong-secret", body))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// Signature of a different body must not authenticate this one.
	_, err = a.VerifyCallback(body, signSHA512("ipn-secret", []byte(`{"id":2}`)))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestNOWPaymentsStatusMapping(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{"FINISHED", StatusCompleted},
		{"finished", StatusCompleted},
		{"FAILED", StatusFailed},
		{"EXPIRED", StatusFailed},
		{"REFUNDED", StatusFailed},
		{"WAITING", StatusProcessing},
		{"CONFIRMING", StatusProcessing},
		{"SENDING", StatusProcessing},
		{"SOMETHING_NEW", StatusProcessing},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, mapNOWPaymentsStatus(tt.raw))
		})
	}
}

func TestRegistryFallsBackToDisabled(t *testing.T) {
	r := NewRegistry()
	a := r.ForProvider(types.ProviderNOWPayments)
	_, err := a.InitiatePayout(context.Background(), testWithdrawal())
	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	_, err = a.VerifyCallback([]byte("{}"), "sig")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
