package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"plan-engine/internal/distribution"
	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

// RouteIncome is the administrative entry point into the waterfall. It runs in its
// own transaction and rolls back entirely on failure.
func (o *Orchestrator) RouteIncome(ctx context.Context, nodeID string, amount decimal.Decimal, level int, tree domain.TreeKind) (*distribution.Result, error) {
	var res *distribution.Result
	err := o.store.InTx(ctx, func(tx storage.Tx) error {
		r, err := o.distribution.RouteIncome(ctx, tx, nodeID, amount, level, tree)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.recordDistribution(res)
	o.logger.Info("income routed",
		zap.String("node_id", nodeID),
		zap.String("amount", amount.String()),
		zap.Int("level", level),
		zap.String("tree", tree.String()),
		zap.Int("cascade_events", res.Events),
	)
	return res, nil
}

// CreateAccount creates an account with an empty master wallet.
// An empty accountID is replaced by a generated one.
func (o *Orchestrator) CreateAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	if accountID == "" {
		accountID = uuid.NewString()
	}
	acc := &domain.Account{ID: accountID, MasterWallet: decimal.Zero, CreatedAt: o.now().UTC()}
	err := o.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.Accounts().Insert(ctx, acc); err != nil {
			return fmt.Errorf("create account %s: %w", accountID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// Deposit records an already-verified credit to an account's master wallet.
func (o *Orchestrator) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	var acc *domain.Account
	err := o.store.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.Accounts().GetForUpdate(ctx, accountID); err != nil {
			return fmt.Errorf("deposit to %s: %w", accountID, err)
		}
		if err := o.ledger.Credit(ctx, tx, domain.AccountOwner(accountID), amount, domain.EntryDeposit, "deposit", ""); err != nil {
			return err
		}
		a, err := tx.Accounts().GetForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		acc = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}
