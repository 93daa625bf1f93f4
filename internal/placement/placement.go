// Package placement finds the next open slot in a bounded fan-out tree.
//
// Slots are searched breadth-first from an anchor, children oldest first, so
// a parent reaches full width before any later-queued parent gets its first child.
package placement

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

// ErrPlacementExhausted is returned when the BFS frontier empties without a free slot.
// Under a valid width this indicates corrupted tree state and should alert.
var ErrPlacementExhausted = errors.New("placement exhausted")

// Engine performs placement searches.
type Engine struct {
	width  int
	logger *zap.Logger
}

// NewEngine creates an Engine for trees of the given fan-out width.
func NewEngine(width int, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{width: width, logger: logger}
}

// Width returns the fan-out bound.
func (e *Engine) Width() int {
	return e.width
}

// FindSlot returns the id of the first node, in BFS order from anchorID, that has
// fewer than width children in tree.
//
// The chosen parent is row-locked and its children recounted before it is returned,
// so the lock is held until the caller's transaction inserts the child. A concurrent
// transaction that filled the candidate first wins: the search then continues below it.
func (e *Engine) FindSlot(ctx context.Context, tx storage.Tx, anchorID string, tree domain.TreeKind) (string, error) {
	if !tree.IsValid() {
		return "", fmt.Errorf("find slot: %w: tree %q", storage.ErrInvalidInput, tree)
	}
	nodes := tx.Nodes()
	if _, err := nodes.GetByID(ctx, anchorID); err != nil {
		return "", fmt.Errorf("find slot: anchor %s: %w", anchorID, err)
	}

	frontier := []string{anchorID}
	visited := 0
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		current := frontier[0]
		frontier = frontier[1:]
		visited++

		count, err := nodes.CountChildren(ctx, current, tree)
		if err != nil {
			return "", fmt.Errorf("find slot: count children of %s: %w", current, err)
		}
		if count < e.width {
			if _, err := nodes.LockForUpdate(ctx, current); err != nil {
				return "", fmt.Errorf("find slot: lock %s: %w", current, err)
			}
			count, err = nodes.CountChildren(ctx, current, tree)
			if err != nil {
				return "", fmt.Errorf("find slot: recount children of %s: %w", current, err)
			}
			if count < e.width {
				e.logger.Debug("slot found",
					zap.String("anchor_id", anchorID),
					zap.String("parent_id", current),
					zap.String("tree", tree.String()),
					zap.Int("visited", visited),
				)
				return current, nil
			}
			e.logger.Debug("slot taken concurrently, descending",
				zap.String("parent_id", current),
				zap.String("tree", tree.String()),
			)
		}

		children, err := nodes.ListChildren(ctx, current, tree)
		if err != nil {
			return "", fmt.Errorf("find slot: list children of %s: %w", current, err)
		}
		frontier = append(frontier, children...)
	}

	return "", fmt.Errorf("%w: anchor %s, tree %s, visited %d", ErrPlacementExhausted, anchorID, tree, visited)
}

// TeamSize returns the number of nodes below nodeID in tree.
func (e *Engine) TeamSize(ctx context.Context, tx storage.Tx, nodeID string, tree domain.TreeKind) (int, error) {
	size, err := tx.Nodes().CountDescendants(ctx, nodeID, tree)
	if err != nil {
		return 0, fmt.Errorf("team size of %s: %w", nodeID, err)
	}
	return size, nil
}
