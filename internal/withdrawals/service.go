package withdrawals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vaultpay/internal/model"
	"vaultpay/internal/notify"
	"vaultpay/internal/payout"
	"vaultpay/internal/security"
	"vaultpay/internal/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrAddressRequired = errors.New("destination address is required for crypto withdrawals")
)

// Service is the withdrawal lifecycle controller: it owns every status
// transition from creation through admin disposition and provider
// settlement. Approve, reject and reconcile all ride on the store's
// compare-and-swap so no lock is ever held across a provider call.
type Service struct {
	store     Store
	gate      *security.Gate
	providers *payout.Registry
	sink      notify.Sink
	logger    *zap.Logger
}

func NewService(store Store, gate *security.Gate, providers *payout.Registry, sink notify.Sink, logger *zap.Logger) *Service {
	return &Service{store: store, gate: gate, providers: providers, sink: sink, logger: logger}
}

type CreateParams struct {
	UserID             string
	OriginIP           string
	Currency           types.Currency
	Amount             decimal.Decimal
	DestinationAddress string
	Provider           types.Provider
}

// Create runs the security gate, then debits the balance and inserts the
// pending record in one transaction. A gate denial or insufficient balance
// leaves no trace in the ledger.
func (s *Service) Create(ctx context.Context, p CreateParams) (model.Withdrawal, error) {
	if !p.Amount.IsPositive() {
		return model.Withdrawal{}, ErrInvalidAmount
	}
	if p.Currency.IsFiat() {
		// Fiat settles manually; a stray address or crypto provider on the
		// request is dropped rather than rejected.
		p.DestinationAddress = ""
		p.Provider = ""
	} else if p.DestinationAddress == "" {
		return model.Withdrawal{}, ErrAddressRequired
	}

	if err := s.gate.Evaluate(ctx, p.UserID, p.OriginIP, p.Currency, p.DestinationAddress); err != nil {
		var denied *security.DeniedError
		if errors.As(err, &denied) {
			s.logger.Warn("withdrawal blocked by security gate",
				zap.String("user_id", p.UserID),
				zap.String("origin_ip", p.OriginIP),
				zap.String("reason", denied.Reason))
			s.sink.Record(ctx, notify.Event{
				Type:   notify.EventGateDenied,
				UserID: p.UserID,
				Admin:  true,
				Data:   map[string]any{"reason": denied.Reason, "origin_ip": p.OriginIP},
				At:     time.Now().UTC(),
			})
		}
		return model.Withdrawal{}, err
	}

	w := model.Withdrawal{
		UserID:             p.UserID,
		Currency:           p.Currency,
		Amount:             p.Amount,
		DestinationAddress: p.DestinationAddress,
		Provider:           p.Provider,
	}
	if err := s.store.Create(ctx, &w); err != nil {
		return model.Withdrawal{}, err
	}

	s.logger.Info("withdrawal created",
		zap.String("withdrawal_id", w.ID),
		zap.String("user_id", w.UserID),
		zap.String("currency", string(w.Currency)),
		zap.String("amount", w.Amount.String()))
	s.sink.Record(ctx, notify.Event{
		Type:   notify.EventWithdrawalCreated,
		UserID: w.UserID,
		Admin:  true,
		Data:   eventData(w),
		At:     time.Now().UTC(),
	})
	return w, nil
}

// Approve initiates the payout with the request's provider and, only after
// the provider answered, applies the pending→completed or pending→processing
// transition via CAS. On any adapter error the request stays pending and the
// funds stay debited, so the admin can retry.
func (s *Service) Approve(ctx context.Context, id, adminID, notes, txHash string, networkFee *decimal.Decimal) (model.Withdrawal, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Withdrawal{}, err
	}
	if w.Status != types.WithdrawalStatusPending {
		return model.Withdrawal{}, ErrInvalidTransition
	}

	// No provider means manual settlement (fiat rails): the admin records the
	// external reference themselves and the request completes on approval.
	if w.Provider == "" {
		now := time.Now().UTC()
		updated, err := s.store.Transition(ctx, w.ID,
			types.WithdrawalStatusPending, types.WithdrawalStatusCompleted,
			TransitionUpdate{
				AdminActorID: adminID,
				AdminNotes:   notes,
				TxHash:       txHash,
				NetworkFee:   networkFee,
				ApprovedAt:   &now,
				CompletedAt:  &now,
			})
		if err != nil {
			return model.Withdrawal{}, err
		}
		s.emitTransition(ctx, notify.EventWithdrawalCompleted, updated)
		return updated, nil
	}

	adapter := s.providers.ForProvider(w.Provider)
	res, err := adapter.InitiatePayout(ctx, w)
	if err != nil {
		s.logger.Error("payout initiation failed",
			zap.String("withdrawal_id", w.ID),
			zap.String("provider", string(w.Provider)),
			zap.Error(err))
		return model.Withdrawal{}, err
	}

	now := time.Now().UTC()
	if res.Confirmed {
		hash := res.TxHash
		if hash == "" {
			hash = txHash
		}
		fee := res.NetworkFee
		if fee == nil {
			fee = networkFee
		}
		updated, err := s.store.Transition(ctx, w.ID,
			types.WithdrawalStatusPending, types.WithdrawalStatusCompleted,
			TransitionUpdate{
				AdminActorID: adminID,
				AdminNotes:   notes,
				ExternalRef:  res.ExternalRef,
				TxHash:       hash,
				NetworkFee:   fee,
				ApprovedAt:   &now,
				CompletedAt:  &now,
			})
		if err != nil {
			// The payout already left the platform; per policy, no automatic
			// refund. Operators reconcile by hand off this log line.
			s.logger.Error("payout initiated but status race lost",
				zap.String("withdrawal_id", w.ID),
				zap.String("external_ref", res.ExternalRef),
				zap.Error(err))
			return model.Withdrawal{}, err
		}
		s.emitTransition(ctx, notify.EventWithdrawalCompleted, updated)
		return updated, nil
	}

	updated, err := s.store.Transition(ctx, w.ID,
		types.WithdrawalStatusPending, types.WithdrawalStatusProcessing,
		TransitionUpdate{
			AdminActorID: adminID,
			AdminNotes:   notes,
			ExternalRef:  res.ExternalRef,
			ApprovedAt:   &now,
		})
	if err != nil {
		s.logger.Error("payout initiated but status race lost",
			zap.String("withdrawal_id", w.ID),
			zap.String("external_ref", res.ExternalRef),
			zap.Error(err))
		return model.Withdrawal{}, err
	}
	s.emitTransition(ctx, notify.EventWithdrawalApproved, updated)
	return updated, nil
}

// Reject credits the full amount back and moves pending→rejected in one
// transaction. Only valid from pending; a racing approve wins or loses the
// CAS, never both.
func (s *Service) Reject(ctx context.Context, id, adminID, reason string) (model.Withdrawal, error) {
	w, err := s.store.RejectPending(ctx, id, adminID, reason)
	if err != nil {
		return model.Withdrawal{}, err
	}
	s.logger.Info("withdrawal rejected and refunded",
		zap.String("withdrawal_id", w.ID),
		zap.String("admin_id", adminID))
	s.emitTransition(ctx, notify.EventWithdrawalRejected, w)
	return w, nil
}

// Reconcile applies an asynchronous provider callback. Interim statuses are
// no-ops; a repeated callback for an already-terminal request with the same
// outcome is accepted and ignored. A provider-reported failure records the
// reason but does not credit funds back: real-world funds may already be in
// flight, so refunds are a manual admin decision.
func (s *Service) Reconcile(ctx context.Context, cb payout.Callback) error {
	w, err := s.store.GetByExternalRef(ctx, cb.ExternalRef)
	if err != nil {
		return err
	}

	switch cb.Status {
	case payout.StatusProcessing:
		return nil
	case payout.StatusCompleted:
		if w.Status == types.WithdrawalStatusCompleted {
			return nil
		}
		now := time.Now().UTC()
		updated, err := s.store.Transition(ctx, w.ID,
			types.WithdrawalStatusProcessing, types.WithdrawalStatusCompleted,
			TransitionUpdate{TxHash: cb.TxHash, CompletedAt: &now})
		if err != nil {
			return err
		}
		s.emitTransition(ctx, notify.EventWithdrawalCompleted, updated)
		return nil
	case payout.StatusFailed:
		if w.Status == types.WithdrawalStatusFailed {
			return nil
		}
		notes := fmt.Sprintf("provider reported %s", cb.RawStatus)
		if cb.Reason != "" {
			notes += ": " + cb.Reason
		}
		updated, err := s.store.Transition(ctx, w.ID,
			types.WithdrawalStatusProcessing, types.WithdrawalStatusFailed,
			TransitionUpdate{AdminNotes: notes})
		if err != nil {
			return err
		}
		s.logger.Error("payout failed, manual reconciliation required",
			zap.String("withdrawal_id", updated.ID),
			zap.String("provider_status", cb.RawStatus),
			zap.String("reason", cb.Reason))
		s.emitTransition(ctx, notify.EventWithdrawalFailed, updated)
		return nil
	}
	return fmt.Errorf("unknown callback status %q", cb.Status)
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]model.Withdrawal, error) {
	return s.store.ListByUser(ctx, userID)
}

func (s *Service) List(ctx context.Context, status types.WithdrawalStatus) ([]model.Withdrawal, error) {
	return s.store.List(ctx, status)
}

func (s *Service) Get(ctx context.Context, id string) (model.Withdrawal, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) emitTransition(ctx context.Context, eventType string, w model.Withdrawal) {
	s.sink.Record(ctx, notify.Event{
		Type:   eventType,
		UserID: w.UserID,
		Data:   eventData(w),
		At:     time.Now().UTC(),
	})
}

func eventData(w model.Withdrawal) map[string]any {
	data := map[string]any{
		"withdrawal_id": w.ID,
		"currency":      string(w.Currency),
		"amount":        w.Amount.String(),
		"status":        string(w.Status),
	}
	if w.TxHash != "" {
		data["tx_hash"] = w.TxHash
	}
	return data
}
