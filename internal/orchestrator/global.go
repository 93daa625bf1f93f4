package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"plan-engine/internal/distribution"
	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

// Bootstrap creates the network root for accountID. The root is ACTIVE, has no
// parent in either tree and is the anchor of every global-tree placement.
func (o *Orchestrator) Bootstrap(ctx context.Context, accountID string) (*PurchaseResult, error) {
	var result *PurchaseResult
	err := o.store.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.Nodes().GetRoot(ctx); err == nil {
			return ErrRootExists
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("lookup root: %w", err)
		}
		if _, err := tx.Accounts().GetForUpdate(ctx, accountID); err != nil {
			return fmt.Errorf("lookup account %s: %w", accountID, err)
		}

		root := &domain.Node{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Status:    domain.NodeStatusActive,
			Wallet:    decimal.Zero,
			CreatedAt: o.now().UTC(),
		}
		code, err := distribution.NewReferralCode(ctx, tx.Nodes(), root.ID)
		if err != nil {
			return err
		}
		root.ReferralCode = code
		if err := tx.Nodes().Insert(ctx, root); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				return ErrRootExists
			}
			return fmt.Errorf("insert root: %w", err)
		}

		result = &PurchaseResult{NodeID: root.ID, ReferralCode: root.ReferralCode}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("network bootstrapped",
		zap.String("node_id", result.NodeID),
		zap.String("referral_code", result.ReferralCode),
	)
	return result, nil
}

// PlaceInGlobalTree places nodeID at the next open global-tree slot below the root
// and routes level-1 income to its new parent. It is shared by the queue handler and
// the reconciliation sweep: the node row is locked and re-checked first, so whichever
// caller arrives second sees placed=false.
func (o *Orchestrator) PlaceInGlobalTree(ctx context.Context, nodeID string) (bool, error) {
	var (
		placed   bool
		parentID string
		res      *distribution.Result
	)
	err := o.store.InTx(ctx, func(tx storage.Tx) error {
		placed, parentID, res = false, "", nil

		n, err := tx.Nodes().LockForUpdate(ctx, nodeID)
		if err != nil {
			return fmt.Errorf("lock node %s: %w", nodeID, err)
		}
		if n.GlobalParentID != nil || n.IsRoot() {
			return nil
		}

		root, err := tx.Nodes().GetRoot(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNoRoot
		}
		if err != nil {
			return fmt.Errorf("lookup root: %w", err)
		}

		parent, err := o.placement.FindSlot(ctx, tx, root.ID, domain.TreeGlobal)
		if err != nil {
			return fmt.Errorf("place %s in global tree: %w", nodeID, err)
		}
		if err := tx.Nodes().SetGlobalParent(ctx, nodeID, parent); err != nil {
			return fmt.Errorf("set global parent of %s: %w", nodeID, err)
		}

		r, err := o.distribution.RouteIncome(ctx, tx, parent, o.plan.IncomePerNode(1), 1, domain.TreeGlobal)
		if err != nil {
			return err
		}
		placed, parentID, res = true, parent, r
		return nil
	})
	if err != nil {
		return false, err
	}

	if placed {
		o.metrics.RecordPlacement(domain.TreeGlobal.String())
		o.recordDistribution(res)
		o.logger.Info("node placed in global tree",
			zap.String("node_id", nodeID),
			zap.String("parent_id", parentID),
		)
	}
	return placed, nil
}
