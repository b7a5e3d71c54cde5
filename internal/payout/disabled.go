package payout

import (
	"context"
	"errors"

	"vaultpay/internal/model"
	"vaultpay/internal/types"
)

var errNotConfigured = errors.New("provider not configured")

type DisabledAdapter struct {
	provider types.Provider
}

func NewDisabledAdapter(provider types.Provider) *DisabledAdapter {
	return &DisabledAdapter{provider: provider}
}

func (a *DisabledAdapter) Provider() types.Provider { return a.provider }

func (a *DisabledAdapter) InitiatePayout(context.Context, model.Withdrawal) (Result, error) {
	return Result{}, &AdapterError{Provider: a.provider, Op: "initiate payout", Err: errNotConfigured}
}

func (a *DisabledAdapter) VerifyCallback([]byte, string) (Callback, error) {
	return Callback{}, ErrInvalidSignature
}
