package memory

import (
	"context"

	"github.com/shopspring/decimal"

	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

type accountStore struct {
	st *state
}

// Insert adds a new account. Returns ErrDuplicateKey if id exists.
func (s *accountStore) Insert(_ context.Context, a *domain.Account) error {
	if a == nil || a.ID == "" {
		return storage.ErrInvalidInput
	}
	if _, exists := s.st.accounts[a.ID]; exists {
		return storage.ErrDuplicateKey
	}

	accountCopy := *a
	s.st.accounts[a.ID] = &accountCopy
	return nil
}

// GetForUpdate retrieves an account. The store lock already serializes writers.
func (s *accountStore) GetForUpdate(_ context.Context, accountID string) (*domain.Account, error) {
	a, exists := s.st.accounts[accountID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	accountCopy := *a
	return &accountCopy, nil
}

// AddBalance adds delta to the master wallet.
func (s *accountStore) AddBalance(_ context.Context, accountID string, delta decimal.Decimal) error {
	a, exists := s.st.accounts[accountID]
	if !exists {
		return storage.ErrNotFound
	}
	a.MasterWallet = a.MasterWallet.Add(delta)
	return nil
}

var _ storage.AccountStore = (*accountStore)(nil)
