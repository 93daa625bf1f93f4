package memory

import (
	"context"

	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

type ledgerStore struct {
	st *state
}

// Append adds a new entry. Entries are never modified afterwards.
func (s *ledgerStore) Append(_ context.Context, e *domain.LedgerEntry) error {
	if e == nil || e.ID == "" || !e.Amount.IsPositive() {
		return storage.ErrInvalidInput
	}
	if s.st.entryIDs[e.ID] || s.st.pendingIDs[e.ID] {
		return storage.ErrDuplicateKey
	}

	entryCopy := *e
	s.st.pending = append(s.st.pending, &entryCopy)
	s.st.pendingIDs[e.ID] = true
	return nil
}

// GetByOwner retrieves all entries of an owner in append order.
func (s *ledgerStore) GetByOwner(_ context.Context, owner domain.Owner) ([]*domain.LedgerEntry, error) {
	var result []*domain.LedgerEntry
	for _, entries := range [][]*domain.LedgerEntry{s.st.ledger, s.st.pending} {
		for _, e := range entries {
			if e.OwnerKind == owner.Kind && e.OwnerID == owner.ID {
				entryCopy := *e
				result = append(result, &entryCopy)
			}
		}
	}
	return result, nil
}

var _ storage.LedgerStore = (*ledgerStore)(nil)
