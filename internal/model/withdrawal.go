package model

import (
	"time"

	"vaultpay/internal/types"

	"github.com/shopspring/decimal"
)

type Withdrawal struct {
	ID                 string                 `json:"id"`
	UserID             string                 `json:"user_id"`
	Currency           types.Currency         `json:"currency"`
	Amount             decimal.Decimal        `json:"amount"`
	DestinationAddress string                 `json:"destination_address"`
	Provider           types.Provider         `json:"provider"`
	Status             types.WithdrawalStatus `json:"status"`
	AdminActorID       string                 `json:"admin_actor_id,omitempty"`
	AdminNotes         string                 `json:"admin_notes,omitempty"`
	ExternalRef        string                 `json:"external_ref,omitempty"`
	TxHash             string                 `json:"tx_hash,omitempty"`
	NetworkFee         *decimal.Decimal       `json:"network_fee,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	ApprovedAt         *time.Time             `json:"approved_at,omitempty"`
	RejectedAt         *time.Time             `json:"rejected_at,omitempty"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
}

type WhitelistedAddress struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Currency  types.Currency `json:"currency"`
	Address   string         `json:"address"`
	Label     string         `json:"label,omitempty"`
	Verified  bool           `json:"verified"`
	CreatedAt time.Time      `json:"created_at"`
}
