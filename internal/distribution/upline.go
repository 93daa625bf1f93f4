package distribution

import (
	"context"
	"fmt"

	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

// FindUpline walks the parent reference of tree exactly generations times from nodeID.
// ok is false when the chain ends first, which is expected near the root.
func FindUpline(ctx context.Context, tx storage.Tx, nodeID string, generations int, tree domain.TreeKind) (string, bool, error) {
	if generations < 1 {
		return "", false, fmt.Errorf("find upline: %w: generations %d", storage.ErrInvalidInput, generations)
	}

	current := nodeID
	for i := 0; i < generations; i++ {
		n, err := tx.Nodes().GetByID(ctx, current)
		if err != nil {
			return "", false, fmt.Errorf("find upline of %s: %w", nodeID, err)
		}
		parent := n.Parent(tree)
		if parent == nil {
			return "", false, nil
		}
		current = *parent
	}
	return current, true, nil
}
