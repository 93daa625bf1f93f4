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
	"plan-engine/internal/ledger"
	"plan-engine/internal/storage"
)

// PurchaseResult is returned by PurchaseNode and Bootstrap.
type PurchaseResult struct {
	NodeID          string
	ReferralCode    string
	SponsorParentID string               // empty for the root
	Distribution    *distribution.Result // level-1 cascade triggered by the arrival
}

// PurchaseNode buys a node for accountID under the sponsor identified by sponsorCode.
//
// All steps run in one transaction: a failure at any step, including placement,
// rolls back the debit, the sponsor bonus and the referral counter.
func (o *Orchestrator) PurchaseNode(ctx context.Context, accountID, sponsorCode string) (*PurchaseResult, error) {
	var result *PurchaseResult
	err := o.store.InTx(ctx, func(tx storage.Tx) error {
		r, err := o.purchase(ctx, tx, accountID, sponsorCode)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		o.metrics.RecordPurchase(purchaseOutcome(err))
		o.logger.Warn("purchase failed",
			zap.String("account_id", accountID),
			zap.String("sponsor_code", sponsorCode),
			zap.Error(err),
		)
		return nil, err
	}

	o.metrics.RecordPurchase("ok")
	o.metrics.RecordPlacement(domain.TreeSponsor.String())
	o.recordDistribution(result.Distribution)
	o.logger.Info("node purchased",
		zap.String("node_id", result.NodeID),
		zap.String("account_id", accountID),
		zap.String("parent_id", result.SponsorParentID),
		zap.Int("cascade_events", result.Distribution.Events),
	)
	return result, nil
}

func (o *Orchestrator) purchase(ctx context.Context, tx storage.Tx, accountID, sponsorCode string) (*PurchaseResult, error) {
	// Step 1: resolve sponsor
	sponsor, err := tx.Nodes().GetByReferralCode(ctx, sponsorCode)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: code %q", ErrInvalidSponsor, sponsorCode)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve sponsor: %w", err)
	}
	if sponsor.IsRebirth {
		return nil, fmt.Errorf("%w: code %q belongs to a rebirth node", ErrInvalidSponsor, sponsorCode)
	}

	nodeID := uuid.NewString()

	// Step 2 (and 7): debit the purchase price
	if err := o.ledger.Debit(ctx, tx, accountID, o.plan.Purchase(), domain.EntryPurchase, "node purchase", nodeID); err != nil {
		return nil, err
	}

	// Step 3: sponsor bonus
	if bonus := o.plan.Bonus(); bonus.IsPositive() {
		if err := o.ledger.Credit(ctx, tx, domain.NodeOwner(sponsor.ID), bonus, domain.EntrySponsorBonus, "sponsor bonus", nodeID); err != nil {
			return nil, fmt.Errorf("sponsor bonus: %w", err)
		}
	}

	// Step 4: referral counter and activation
	updated, err := tx.Nodes().IncrementReferrals(ctx, sponsor.ID, domain.ActivationReferrals)
	if err != nil {
		return nil, fmt.Errorf("increment referrals: %w", err)
	}
	if sponsor.Status != domain.NodeStatusActive && updated.Status == domain.NodeStatusActive {
		o.logger.Info("sponsor activated",
			zap.String("node_id", sponsor.ID),
			zap.Int("direct_referrals", updated.DirectReferrals),
		)
	}

	// Step 5: sponsor-tree placement anchored at the sponsor
	parentID, err := o.placement.FindSlot(ctx, tx, sponsor.ID, domain.TreeSponsor)
	if err != nil {
		return nil, fmt.Errorf("place in sponsor tree: %w", err)
	}

	// Steps 6, 8, 9: create the node, queue global placement, route level-1 income
	sponsorID := sponsor.ID
	node := &domain.Node{
		ID:              nodeID,
		AccountID:       accountID,
		Status:          domain.NodeStatusInactive,
		SponsorID:       &sponsorID,
		SponsorParentID: &parentID,
		Wallet:          decimal.Zero,
		CreatedAt:       o.now().UTC(),
	}
	res, err := o.distribution.AdmitNode(ctx, tx, node)
	if err != nil {
		return nil, fmt.Errorf("admit node: %w", err)
	}

	return &PurchaseResult{
		NodeID:          node.ID,
		ReferralCode:    node.ReferralCode,
		SponsorParentID: parentID,
		Distribution:    res,
	}, nil
}

// purchaseOutcome maps a purchase error to a metrics label.
func purchaseOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSponsor):
		return "invalid_sponsor"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, storage.ErrNotFound):
		return "unknown_account"
	default:
		return "error"
	}
}
