package security

import (
	"context"
	"sync"
	"time"

	"vaultpay/internal/model"
	"vaultpay/internal/types"

	"github.com/google/uuid"
)

// MemStore mirrors PGStore semantics for tests and local runs.
type MemStore struct {
	mu        sync.Mutex
	ips       map[string][]string
	addresses map[string][]model.WhitelistedAddress
}

func NewMemStore() *MemStore {
	return &MemStore{
		ips:       make(map[string][]string),
		addresses: make(map[string][]model.WhitelistedAddress),
	}
}

func (s *MemStore) ListIPs(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ips[userID]...), nil
}

func (s *MemStore) AddIP(_ context.Context, userID, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.ips[userID] {
		if v == ip {
			return ErrAlreadyWhitelisted
		}
	}
	s.ips[userID] = append(s.ips[userID], ip)
	return nil
}

func (s *MemStore) RemoveIP(_ context.Context, userID, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.ips[userID]
	for i, v := range list {
		if v == ip {
			s.ips[userID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemStore) ListAddresses(_ context.Context, userID string) ([]model.WhitelistedAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append([]model.WhitelistedAddress(nil), s.addresses[userID]...)
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list, nil
}

func (s *MemStore) AddAddress(_ context.Context, entry model.WhitelistedAddress) (model.WhitelistedAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.addresses[entry.UserID] {
		if v.Currency == entry.Currency && v.Address == entry.Address {
			return model.WhitelistedAddress{}, ErrAlreadyWhitelisted
		}
	}
	entry.ID = uuid.NewString()
	entry.Verified = false
	entry.CreatedAt = time.Now().UTC()
	s.addresses[entry.UserID] = append(s.addresses[entry.UserID], entry)
	return entry, nil
}

func (s *MemStore) VerifyAddress(_ context.Context, userID, id string) (model.WhitelistedAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.addresses[userID]
	for i, v := range list {
		if v.ID == id {
			if v.Verified {
				return model.WhitelistedAddress{}, ErrAlreadyVerified
			}
			list[i].Verified = true
			return list[i], nil
		}
	}
	return model.WhitelistedAddress{}, ErrNotFound
}

func (s *MemStore) RemoveAddress(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.addresses[userID]
	for i, v := range list {
		if v.ID == id {
			s.addresses[userID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemStore) HasVerifiedAddress(_ context.Context, userID string, currency types.Currency, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.addresses[userID] {
		if v.Currency == currency && v.Address == address && v.Verified {
			return true, nil
		}
	}
	return false, nil
}
