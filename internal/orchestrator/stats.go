package orchestrator

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

// NodeStats is a read-only snapshot of a node.
type NodeStats struct {
	NodeID             string
	Status             domain.NodeStatus
	WalletBalance      decimal.Decimal
	SelfTreeTeamSize   int // descendants in the sponsor tree
	GlobalTreeTeamSize int // descendants in the global tree
	DirectReferrals    int
	Rank               int
	IsRebirth          bool
	Levels             []*domain.LevelProgress
}

// GetNodeStats returns the status, wallet and team sizes of nodeID.
func (o *Orchestrator) GetNodeStats(ctx context.Context, nodeID string) (*NodeStats, error) {
	var stats *NodeStats
	err := o.store.InTx(ctx, func(tx storage.Tx) error {
		n, err := tx.Nodes().GetByID(ctx, nodeID)
		if err != nil {
			return fmt.Errorf("get node %s: %w", nodeID, err)
		}
		sponsorTeam, err := o.placement.TeamSize(ctx, tx, nodeID, domain.TreeSponsor)
		if err != nil {
			return err
		}
		globalTeam, err := o.placement.TeamSize(ctx, tx, nodeID, domain.TreeGlobal)
		if err != nil {
			return err
		}
		levels, err := tx.Progress().GetByNode(ctx, nodeID)
		if err != nil {
			return fmt.Errorf("get progress of %s: %w", nodeID, err)
		}

		stats = &NodeStats{
			NodeID:             n.ID,
			Status:             n.Status,
			WalletBalance:      n.Wallet,
			SelfTreeTeamSize:   sponsorTeam,
			GlobalTreeTeamSize: globalTeam,
			DirectReferrals:    n.DirectReferrals,
			Rank:               n.Rank,
			IsRebirth:          n.IsRebirth,
			Levels:             levels,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
