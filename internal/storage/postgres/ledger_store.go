package postgres

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

// LedgerStore implements storage.LedgerStore using PostgreSQL (append-only).
type LedgerStore struct {
	q querier
}

// Compile-time interface check.
var _ storage.LedgerStore = (*LedgerStore)(nil)

// Append adds a new entry. Returns ErrDuplicateKey if entry_id exists.
func (s *LedgerStore) Append(ctx context.Context, e *domain.LedgerEntry) error {
	if e == nil || e.ID == "" || !e.Amount.IsPositive() {
		return storage.ErrInvalidInput
	}

	_, err := s.q.Exec(ctx, `
		INSERT INTO ledger_entries (
			entry_id, owner_kind, owner_id, entry_type, direction, amount, description, reference, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)
	`,
		e.ID,
		string(e.OwnerKind),
		e.OwnerID,
		string(e.EntryType),
		string(e.Direction),
		e.Amount.String(),
		e.Description,
		e.Reference,
		e.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// GetByOwner retrieves all entries of an owner in append order.
func (s *LedgerStore) GetByOwner(ctx context.Context, owner domain.Owner) ([]*domain.LedgerEntry, error) {
	rows, err := s.q.Query(ctx, `
		SELECT entry_id, owner_kind, owner_id, entry_type, direction, amount::text, description, reference, created_at
		FROM ledger_entries
		WHERE owner_kind = $1 AND owner_id = $2
		ORDER BY seq ASC
	`, string(owner.Kind), owner.ID)
	if err != nil {
		return nil, fmt.Errorf("get ledger entries by owner: %w", err)
	}
	defer rows.Close()

	var entries []*domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var kind, entryType, direction, amount string
		if err := rows.Scan(&e.ID, &kind, &e.OwnerID, &entryType, &direction, &amount,
			&e.Description, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		e.OwnerKind = domain.OwnerKind(kind)
		e.EntryType = domain.EntryType(entryType)
		e.Direction = domain.Direction(direction)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse ledger amount: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return entries, nil
}
