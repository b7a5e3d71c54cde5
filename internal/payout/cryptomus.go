package payout

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vaultpay/internal/model"
	"vaultpay/internal/types"

	"github.com/shopspring/decimal"
)

// Cryptomus can settle a payout synchronously: a create response already in
// paid state confirms immediately with a transaction hash. Requests and
// callbacks are signed with HMAC-SHA256 over the raw body.
type CryptomusAdapter struct {
	baseURL      string
	merchantID   string
	payoutSecret []byte
	callbackURL  string
	client       *http.Client
}

func NewCryptomusAdapter(baseURL, merchantID, payoutSecret, callbackURL string) *CryptomusAdapter {
	return &CryptomusAdapter{
		baseURL:      strings.TrimRight(baseURL, "/"),
		merchantID:   merchantID,
		payoutSecret: []byte(payoutSecret),
		callbackURL:  callbackURL,
		client:       &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *CryptomusAdapter) Provider() types.Provider { return types.ProviderCryptomus }

type cmPayoutRequest struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Address     string `json:"address"`
	OrderID     string `json:"order_id"`
	URLCallback string `json:"url_callback"`
}

type cmPayoutResponse struct {
	State  int `json:"state"`
	Result struct {
		UUID       string `json:"uuid"`
		TxID       string `json:"txid"`
		Status     string `json:"status"`
		Commission string `json:"commission"`
	} `json:"result"`
	Message string `json:"message"`
}

func (a *CryptomusAdapter) InitiatePayout(ctx context.Context, w model.Withdrawal) (Result, error) {
	body, err := json.Marshal(cmPayoutRequest{
		Amount:      w.Amount.String(),
		Currency:    string(w.Currency),
		Address:     w.DestinationAddress,
		OrderID:     w.ID,
		URLCallback: a.callbackURL,
	})
	if err != nil {
		return Result{}, &AdapterError{Provider: a.Provider(), Op: "initiate payout", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/payout", bytes.NewReader(body))
	if err != nil {
		return Result{}, &AdapterError{Provider: a.Provider(), Op: "initiate payout", Err: err}
	}
	req.Header.Set("merchant", a.merchantID)
	req.Header.Set("sign", a.sign(body))
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
	var parsed cmPayoutResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, &AdapterError{Provider: a.Provider(), Op: "initiate payout", Err: err}
	}
	if resp.StatusCode >= 300 || parsed.State != 0 || parsed.Result.UUID == "" {
		msg := parsed.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return Result{}, &AdapterError{
			Provider: a.Provider(),
			Op:       "initiate payout",
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, msg),
		}
	}
	res := Result{ExternalRef: parsed.Result.UUID}
	if fee, err := decimal.NewFromString(parsed.Result.Commission); err == nil && fee.IsPositive() {
		res.NetworkFee = &fee
	}
	if mapCryptomusStatus(parsed.Result.Status) == StatusCompleted {
		res.Confirmed = true
		res.TxHash = parsed.Result.TxID
	}
	return res, nil
}

type cmCallbackPayload struct {
	UUID    string `json:"uuid"`
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	TxID    string `json:"txid"`
	Message string `json:"message"`
}

func (a *CryptomusAdapter) VerifyCallback(body []byte, signature string) (Callback, error) {
	if !hmac.Equal([]byte(a.sign(body)), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
		return Callback{}, ErrInvalidSignature
	}
	var payload cmCallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Callback{}, &AdapterError{Provider: a.Provider(), Op: "parse callback", Err: err}
	}
	return Callback{
		ExternalRef: payload.UUID,
		Status:      mapCryptomusStatus(payload.Status),
		RawStatus:   payload.Status,
		TxHash:      payload.TxID,
		Reason:      payload.Message,
	}, nil
}

func (a *CryptomusAdapter) sign(body []byte) string {
	mac := hmac.New(sha256.New, a.payoutSecret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func mapCryptomusStatus(raw string) Status {
	switch strings.ToLower(raw) {
	case "paid", "paid_over":
		return StatusCompleted
	case "fail", "cancel", "system_fail":
		return StatusFailed
	default:
		// process, check and anything unknown stay in flight.
		return StatusProcessing
	}
}
