package notify

import (
	"context"
	"time"
)

const (
	EventWithdrawalCreated   = "withdrawal.created"
	EventWithdrawalApproved  = "withdrawal.approved"
	EventWithdrawalRejected  = "withdrawal.rejected"
	EventWithdrawalCompleted = "withdrawal.completed"
	EventWithdrawalFailed    = "withdrawal.failed"
	EventGateDenied          = "security.gate_denied"
	EventInvalidSignature    = "security.invalid_signature"
)

type Event struct {
	Type string `json:"type"`
	// UserID is the owner of the affected resource; empty for events that
	// only concern operators.
	UserID string         `json:"user_id,omitempty"`
	Admin  bool           `json:"-"`
	Data   map[string]any `json:"data,omitempty"`
	At     time.Time      `json:"at"`
}

// Sink receives one event per lifecycle transition. Record is fire-and-forget:
// implementations log their own failures and must never block or fail the
// transition that produced the event.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (NoopSink) Record(context.Context, Event) {}
