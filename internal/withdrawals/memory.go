package withdrawals

import (
	"context"
	"sort"
	"sync"
	"time"

	"vaultpay/internal/ledger"
	"vaultpay/internal/model"
	"vaultpay/internal/types"

	"github.com/google/uuid"
)

// MemStore mirrors PGStore semantics in process memory, sharing the same CAS
// discipline on status. It backs the test suite and local runs without
// Postgres.
type MemStore struct {
	mu      sync.Mutex
	ledger  *ledger.MemLedger
	records map[string]*model.Withdrawal
}

func NewMemStore(memLedger *ledger.MemLedger) *MemStore {
	return &MemStore{
		ledger:  memLedger,
		records: make(map[string]*model.Withdrawal),
	}
}

func (s *MemStore) Create(ctx context.Context, w *model.Withdrawal) error {
	if err := s.ledger.Debit(ctx, w.UserID, w.Currency, w.Amount); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w.ID = uuid.NewString()
	w.Status = types.WithdrawalStatusPending
	w.CreatedAt = time.Now().UTC()
	stored := *w
	s.records[w.ID] = &stored
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (model.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.records[id]
	if !ok {
		return model.Withdrawal{}, ErrNotFound
	}
	return *w, nil
}

func (s *MemStore) GetByExternalRef(_ context.Context, ref string) (model.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.records {
		if w.ExternalRef == ref && ref != "" {
			return *w, nil
		}
	}
	return model.Withdrawal{}, ErrNotFound
}

func (s *MemStore) ListByUser(_ context.Context, userID string) ([]model.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Withdrawal
	for _, w := range s.records {
		if w.UserID == userID {
			out = append(out, *w)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemStore) List(_ context.Context, status types.WithdrawalStatus) ([]model.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Withdrawal
	for _, w := range s.records {
		if status == "" || w.Status == status {
			out = append(out, *w)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemStore) Transition(_ context.Context, id string, from, to types.WithdrawalStatus, set TransitionUpdate) (model.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.records[id]
	if !ok {
		return model.Withdrawal{}, ErrNotFound
	}
	if w.Status != from {
		return model.Withdrawal{}, ErrInvalidTransition
	}
	w.Status = to
	applyUpdate(w, set)
	return *w, nil
}

func (s *MemStore) RejectPending(ctx context.Context, id, adminID, notes string) (model.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.records[id]
	if !ok {
		return model.Withdrawal{}, ErrNotFound
	}
	if w.Status != types.WithdrawalStatusPending {
		return model.Withdrawal{}, ErrInvalidTransition
	}
	if err := s.ledger.Credit(ctx, w.UserID, w.Currency, w.Amount); err != nil {
		return model.Withdrawal{}, err
	}
	now := time.Now().UTC()
	w.Status = types.WithdrawalStatusRejected
	w.AdminActorID = adminID
	if notes != "" {
		w.AdminNotes = notes
	}
	w.RejectedAt = &now
	return *w, nil
}

func applyUpdate(w *model.Withdrawal, set TransitionUpdate) {
	if set.AdminActorID != "" {
		w.AdminActorID = set.AdminActorID
	}
	if set.AdminNotes != "" {
		w.AdminNotes = set.AdminNotes
	}
	if set.ExternalRef != "" {
		w.ExternalRef = set.ExternalRef
	}
	if set.TxHash != "" {
		w.TxHash = set.TxHash
	}
	if set.NetworkFee != nil {
		w.NetworkFee = set.NetworkFee
	}
	if set.ApprovedAt != nil {
		w.ApprovedAt = set.ApprovedAt
	}
	if set.CompletedAt != nil {
		w.CompletedAt = set.CompletedAt
	}
}

func sortNewestFirst(list []model.Withdrawal) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
