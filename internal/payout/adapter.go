package payout

import (
	"context"
	"errors"
	"fmt"

	"vaultpay/internal/model"
	"vaultpay/internal/types"

	"github.com/shopspring/decimal"
)

// ErrInvalidSignature marks a callback whose HMAC does not match. It is a
// security event, not a validation error: nothing derived from the payload
// may be looked up or mutated once this is returned.
var ErrInvalidSignature = errors.New("invalid callback signature")

type Status string

const (
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusProcessing Status = "processing"
)

// Result is the outcome of initiating a payout. Confirmed means the provider
// settled synchronously and the withdrawal can move straight to completed.
type Result struct {
	ExternalRef string
	TxHash      string
	NetworkFee  *decimal.Decimal
	Confirmed   bool
}

// Callback is a verified, parsed provider notification.
type Callback struct {
	ExternalRef string
	Status      Status
	RawStatus   string
	TxHash      string
	Reason      string
}

// AdapterError wraps any provider-side failure, including timeouts. The
// withdrawal stays in its pre-call state and the admin may retry.
type AdapterError struct {
	Provider types.Provider
	Op       string
	Err      error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

type Adapter interface {
	Provider() types.Provider
	InitiatePayout(ctx context.Context, w model.Withdrawal) (Result, error)
	// VerifyCallback authenticates the raw payload against the given
	// signature before any business field is parsed.
	VerifyCallback(body []byte, signature string) (Callback, error)
}

// Registry resolves the adapter for a withdrawal's chosen provider. Unknown
// or unconfigured providers resolve to the disabled adapter so callers always
// get a uniform AdapterError instead of a nil dereference.
type Registry struct {
	adapters map[types.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[types.Provider]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

func (r *Registry) ForProvider(p types.Provider) Adapter {
	if a, ok := r.adapters[p]; ok {
		return a
	}
	return NewDisabledAdapter(p)
}

// SignatureHeader names the HTTP header each provider uses to carry the
// callback HMAC.
func SignatureHeader(p types.Provider) string {
	switch p {
	case types.ProviderNOWPayments:
		return "x-nowpayments-sig"
	case types.ProviderCryptomus:
		return "sign"
	}
	return ""
}
