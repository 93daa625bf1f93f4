// Package ledger moves money between wallets and records every movement
// as an immutable ledger entry.
//
// The core never mutates balances directly: the orchestrator and the
// distribution engine go through Ledger and Sink, inside the transaction
// of the operation that caused the movement.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

// ErrInsufficientFunds is returned when a debit exceeds the master wallet balance.
var ErrInsufficientFunds = errors.New("insufficient funds")

// AmountScale is the number of decimal places money is stored with (NUMERIC(20,2)).
const AmountScale = 2

// CheckAmount rejects non-positive amounts and amounts with more than AmountScale
// decimal places. Both wrap storage.ErrInvalidInput.
func CheckAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount %s must be positive", storage.ErrInvalidInput, amount)
	}
	if !amount.Equal(amount.Round(AmountScale)) {
		return fmt.Errorf("%w: amount %s has more than %d decimal places", storage.ErrInvalidInput, amount, AmountScale)
	}
	return nil
}

// Ledger is the wallet debit/credit capability.
type Ledger interface {
	// Debit takes amount from an account's master wallet.
	// Returns ErrInsufficientFunds before any mutation on shortfall.
	Debit(ctx context.Context, tx storage.Tx, accountID string, amount decimal.Decimal,
		entryType domain.EntryType, description, ref string) error

	// Credit adds amount to the owner's wallet.
	Credit(ctx context.Context, tx storage.Tx, owner domain.Owner, amount decimal.Decimal,
		entryType domain.EntryType, description, ref string) error
}

// Book implements Ledger on top of the transaction's table stores.
type Book struct {
	now func() time.Time
}

// NewBook creates a Book. A nil clock defaults to time.Now.
func NewBook(now func() time.Time) *Book {
	if now == nil {
		now = time.Now
	}
	return &Book{now: now}
}

// Compile-time interface check.
var _ Ledger = (*Book)(nil)

// Debit implements Ledger.
func (b *Book) Debit(ctx context.Context, tx storage.Tx, accountID string, amount decimal.Decimal,
	entryType domain.EntryType, description, ref string) error {
	if err := CheckAmount(amount); err != nil {
		return fmt.Errorf("debit %s: %w", accountID, err)
	}

	acc, err := tx.Accounts().GetForUpdate(ctx, accountID)
	if err != nil {
		return fmt.Errorf("debit %s: %w", accountID, err)
	}
	if acc.MasterWallet.LessThan(amount) {
		return fmt.Errorf("debit %s: %w: balance %s, required %s",
			accountID, ErrInsufficientFunds, acc.MasterWallet, amount)
	}

	if err := tx.Accounts().AddBalance(ctx, accountID, amount.Neg()); err != nil {
		return fmt.Errorf("debit %s: %w", accountID, err)
	}
	return b.append(ctx, tx, domain.AccountOwner(accountID), domain.DirectionDebit, amount, entryType, description, ref)
}

// Credit implements Ledger. SYSTEM owners have no wallet and only get an entry.
func (b *Book) Credit(ctx context.Context, tx storage.Tx, owner domain.Owner, amount decimal.Decimal,
	entryType domain.EntryType, description, ref string) error {
	if err := CheckAmount(amount); err != nil {
		return fmt.Errorf("credit %s %s: %w", owner.Kind, owner.ID, err)
	}

	var err error
	switch owner.Kind {
	case domain.OwnerAccount:
		err = tx.Accounts().AddBalance(ctx, owner.ID, amount)
	case domain.OwnerNode:
		err = tx.Nodes().AddWallet(ctx, owner.ID, amount)
	case domain.OwnerSystem:
	default:
		err = fmt.Errorf("%w: unknown owner kind %q", storage.ErrInvalidInput, owner.Kind)
	}
	if err != nil {
		return fmt.Errorf("credit %s %s: %w", owner.Kind, owner.ID, err)
	}
	return b.append(ctx, tx, owner, domain.DirectionCredit, amount, entryType, description, ref)
}

func (b *Book) append(ctx context.Context, tx storage.Tx, owner domain.Owner, dir domain.Direction,
	amount decimal.Decimal, entryType domain.EntryType, description, ref string) error {
	entry := &domain.LedgerEntry{
		ID:          uuid.NewString(),
		OwnerKind:   owner.Kind,
		OwnerID:     owner.ID,
		EntryType:   entryType,
		Direction:   dir,
		Amount:      amount,
		Description: description,
		Reference:   ref,
		CreatedAt:   b.now().UTC(),
	}
	if err := tx.Ledger().Append(ctx, entry); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}
