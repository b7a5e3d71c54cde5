package security

import (
	"context"

	"vaultpay/internal/types"
)

const (
	ReasonIPNotWhitelisted      = "IP not whitelisted"
	ReasonAddressNotWhitelisted = "address not whitelisted"
)

// DeniedError is an expected branch, not a failure: the caller converts it
// into a rejected-before-creation response without touching the ledger.
type DeniedError struct {
	Reason string
	Hint   string
}

func (e *DeniedError) Error() string { return e.Reason }

// Gate evaluates the per-account allow-lists before any balance movement.
type Gate struct {
	store Store
}

func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// Evaluate returns nil when the withdrawal is permitted, a *DeniedError when
// an allow-list blocks it, and a plain error only on infrastructure failure.
//
// An account with zero whitelisted IPs passes the IP check: the whitelist is
// opt-in hardening. The address check applies to crypto currencies only and
// requires a verified entry for the exact (account, currency, address).
func (g *Gate) Evaluate(ctx context.Context, userID, originIP string, currency types.Currency, address string) error {
	ips, err := g.store.ListIPs(ctx, userID)
	if err != nil {
		return err
	}
	if len(ips) > 0 && !containsIP(ips, originIP) {
		return &DeniedError{
			Reason: ReasonIPNotWhitelisted,
			Hint:   "add this IP via /v1/security/ips",
		}
	}
	if !currency.IsFiat() {
		ok, err := g.store.HasVerifiedAddress(ctx, userID, currency, address)
		if err != nil {
			return err
		}
		if !ok {
			return &DeniedError{
				Reason: ReasonAddressNotWhitelisted,
				Hint:   "add and verify this address via /v1/security/addresses",
			}
		}
	}
	return nil
}

func containsIP(ips []string, ip string) bool {
	for _, v := range ips {
		if v == ip {
			return true
		}
	}
	return false
}
