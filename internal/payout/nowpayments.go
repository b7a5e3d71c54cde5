package payout

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vaultpay/internal/model"
	"vaultpay/internal/types"
)

// NOWPayments settles every payout asynchronously: initiation yields a payout
// id and the terminal outcome arrives later on the IPN webhook, signed with
// HMAC-SHA512 over the raw body.
type NOWPaymentsAdapter struct {
	baseURL     string
	apiKey      string
	ipnSecret   []byte
	callbackURL string
	client      *http.Client
}

func NewNOWPaymentsAdapter(baseURL, apiKey, ipnSecret, callbackURL string) *NOWPaymentsAdapter {
	return &NOWPaymentsAdapter{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		ipnSecret:   []byte(ipnSecret),
		callbackURL: callbackURL,
		client:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *NOWPaymentsAdapter) Provider() types.Provider { return types.ProviderNOWPayments }

type npPayoutItem struct {
	Address          string      `json:"address"`
	Currency         string      `json:"currency"`
	Amount           json.Number `json:"amount"`
	IPNCallbackURL   string      `json:"ipn_callback_url"`
	UniqueExternalID string      `json:"unique_external_id"`
}

type npPayoutRequest struct {
	IPNCallbackURL string         `json:"ipn_callback_url"`
	Withdrawals    []npPayoutItem `json:"withdrawals"`
}

type npPayoutResponse struct {
	ID          string `json:"id"`
	Withdrawals []struct {
		ID               string `json:"id"`
		UniqueExternalID string `json:"unique_external_id"`
		Status           string `json:"status"`
	} `json:"withdrawals"`
}

func (a *NOWPaymentsAdapter) InitiatePayout(ctx context.Context, w model.Withdrawal) (Result, error) {
	body, err := json.Marshal(npPayoutRequest{
		IPNCallbackURL: a.callbackURL,
		Withdrawals: []npPayoutItem{{
			Address:          w.DestinationAddress,
			Currency:         strings.ToLower(string(w.Currency)),
			Amount:           json.Number(w.Amount.String()),
			IPNCallbackURL:   a.callbackURL,
			UniqueExternalID: w.ID,
		}},
	})
	if err != nil {
		return Result{}, &AdapterError{Provider: a.Provider(), Op: "initiate payout", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/payout", bytes.NewReader(body))
	if err != nil {
		return Result{}, &AdapterError{Provider: a.Provider(), Op: "initiate payout", Err: err}
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return Result{}, &AdapterError{Provider: a.Provider(), Op: "initiate payout", Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, &AdapterError{Provider: a.Provider(), Op: "initiate payout", Err: err}
	}
	if resp.StatusCode >= 300 {
		return Result{}, &AdapterError{
			Provider: a.Provider(),
			Op:       "initiate payout",
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	}
	var parsed npPayoutResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, &AdapterError{Provider: a.Provider(), Op: "initiate payout", Err: err}
	}
	ref := parsed.ID
	if len(parsed.Withdrawals) > 0 && parsed.Withdrawals[0].ID != "" {
		ref = parsed.Withdrawals[0].ID
	}
	if ref == "" {
		return Result{}, &AdapterError{Provider: a.Provider(), Op: "initiate payout", Err: fmt.Errorf("response carries no payout id")}
	}
	return Result{ExternalRef: ref, Confirmed: false}, nil
}

type npIPNPayload struct {
	ID                json.Number `json:"id"`
	BatchWithdrawalID json.Number `json:"batch_withdrawal_id"`
	Status            string      `json:"status"`
	Hash              string      `json:"hash"`
	Error             string      `json:"error"`
}

func (a *NOWPaymentsAdapter) VerifyCallback(body []byte, signature string) (Callback, error) {
	mac := hmac.New(sha512.New, a.ipnSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
		return Callback{}, ErrInvalidSignature
	}
	var payload npIPNPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Callback{}, &AdapterError{Provider: a.Provider(), Op: "parse callback", Err: err}
	}
	return Callback{
		ExternalRef: payload.ID.String(),
		Status:      mapNOWPaymentsStatus(payload.Status),
		RawStatus:   payload.Status,
		TxHash:      payload.Hash,
		Reason:      payload.Error,
	}, nil
}

func mapNOWPaymentsStatus(raw string) Status {
	switch strings.ToUpper(raw) {
	case "FINISHED":
		return StatusCompleted
	case "FAILED", "EXPIRED", "REFUNDED":
		return StatusFailed
	default:
		// WAITING, CONFIRMING, SENDING and anything unknown stay in flight.
		return StatusProcessing
	}
}
