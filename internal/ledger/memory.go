package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"vaultpay/internal/types"

	"github.com/shopspring/decimal"
)

// MemLedger keeps balances in process memory with the same check-and-decrement
// semantics as the Postgres service. Each (user, currency) account carries its
// own mutex so contention on one account never serializes another.
type MemLedger struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount
}

type memAccount struct {
	mu        sync.Mutex
	available decimal.Decimal
}

func NewMemLedger() *MemLedger {
	return &MemLedger{accounts: make(map[string]*memAccount)}
}

func accountKey(userID string, currency types.Currency) string {
	return userID + "/" + string(currency)
}

func (l *MemLedger) account(userID string, currency types.Currency) *memAccount {
	key := accountKey(userID, currency)
	l.mu.RLock()
	acct, ok := l.accounts[key]
	l.mu.RUnlock()
	if ok {
		return acct
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if acct, ok = l.accounts[key]; ok {
		return acct
	}
	acct = &memAccount{available: decimal.Zero}
	l.accounts[key] = acct
	return acct
}

func (l *MemLedger) Debit(_ context.Context, userID string, currency types.Currency, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return errors.New("amount must be positive")
	}
	acct := l.account(userID, currency)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.available.LessThan(amount) {
		return ErrInsufficientFunds
	}
	acct.available = acct.available.Sub(amount)
	return nil
}

func (l *MemLedger) Credit(_ context.Context, userID string, currency types.Currency, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return errors.New("amount must be positive")
	}
	acct := l.account(userID, currency)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.available = acct.available.Add(amount)
	return nil
}

func (l *MemLedger) Balance(_ context.Context, userID string, currency types.Currency) (decimal.Decimal, error) {
	acct := l.account(userID, currency)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.available, nil
}

func (l *MemLedger) BalancesByUser(_ context.Context, userID string) ([]Balance, error) {
	prefix := userID + "/"
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Balance
	for key, acct := range l.accounts {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		acct.mu.Lock()
		out = append(out, Balance{
			Currency:  types.Currency(strings.TrimPrefix(key, prefix)),
			Available: acct.available,
		})
		acct.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}
