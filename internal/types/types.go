package types

import "strings"

type Currency string

type WithdrawalStatus string

type Provider string

const (
	CurrencyUSD  Currency = "USD"
	CurrencyBTC  Currency = "BTC"
	CurrencyETH  Currency = "ETH"
	CurrencyUSDT Currency = "USDT"
)

const (
	WithdrawalStatusPending    WithdrawalStatus = "pending"
	WithdrawalStatusProcessing WithdrawalStatus = "processing"
	WithdrawalStatusCompleted  WithdrawalStatus = "completed"
	WithdrawalStatusRejected   WithdrawalStatus = "rejected"
	WithdrawalStatusFailed     WithdrawalStatus = "failed"
)

const (
	ProviderCryptomus   Provider = "cryptomus"
	ProviderNOWPayments Provider = "nowpayments"
)

// ParseCurrency normalizes a currency code to uppercase and validates it
// against the supported set.
func ParseCurrency(raw string) (Currency, bool) {
	c := Currency(strings.ToUpper(strings.TrimSpace(raw)))
	switch c {
	case CurrencyUSD, CurrencyBTC, CurrencyETH, CurrencyUSDT:
		return c, true
	}
	return "", false
}

// IsFiat reports whether the currency settles off-chain. Fiat withdrawals
// carry no destination address and skip the address whitelist check.
func (c Currency) IsFiat() bool {
	return c == CurrencyUSD
}

func ParseProvider(raw string) (Provider, bool) {
	p := Provider(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case ProviderCryptomus, ProviderNOWPayments:
		return p, true
	}
	return "", false
}

// Terminal reports whether no further transition is permitted from s.
func (s WithdrawalStatus) Terminal() bool {
	switch s {
	case WithdrawalStatusCompleted, WithdrawalStatusRejected, WithdrawalStatusFailed:
		return true
	}
	return false
}

func ParseWithdrawalStatus(raw string) (WithdrawalStatus, bool) {
	s := WithdrawalStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case WithdrawalStatusPending, WithdrawalStatusProcessing, WithdrawalStatusCompleted,
		WithdrawalStatusRejected, WithdrawalStatusFailed:
		return s, true
	}
	return "", false
}
