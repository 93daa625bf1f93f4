package postgres

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

// AccountStore implements storage.AccountStore using PostgreSQL.
type AccountStore struct {
	q querier
}

// Compile-time interface check.
var _ storage.AccountStore = (*AccountStore)(nil)

// Insert adds a new account. Returns ErrDuplicateKey if id exists.
func (s *AccountStore) Insert(ctx context.Context, a *domain.Account) error {
	if a == nil || a.ID == "" {
		return storage.ErrInvalidInput
	}

	_, err := s.q.Exec(ctx, `
		INSERT INTO accounts (account_id, master_wallet, created_at)
		VALUES ($1, $2::numeric, $3)
	`, a.ID, a.MasterWallet.String(), a.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetForUpdate retrieves an account and locks its row.
func (s *AccountStore) GetForUpdate(ctx context.Context, accountID string) (*domain.Account, error) {
	var a domain.Account
	var wallet string

	err := s.q.QueryRow(ctx, `
		SELECT account_id, master_wallet::text, created_at
		FROM accounts
		WHERE account_id = $1
		FOR UPDATE
	`, accountID).Scan(&a.ID, &wallet, &a.CreatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get account for update: %w", err)
	}

	if a.MasterWallet, err = decimal.NewFromString(wallet); err != nil {
		return nil, fmt.Errorf("parse master wallet: %w", err)
	}
	return &a, nil
}

// AddBalance adds delta to the master wallet.
func (s *AccountStore) AddBalance(ctx context.Context, accountID string, delta decimal.Decimal) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE accounts SET master_wallet = master_wallet + $2::numeric
		WHERE account_id = $1
	`, accountID, delta.String())
	if err != nil {
		return fmt.Errorf("update master wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
