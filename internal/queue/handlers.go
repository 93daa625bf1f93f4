package queue

import (
	"context"

	"plan-engine/internal/domain"
)

// GlobalPlacer places a node into the global tree. placed is false when the node
// already had a global parent.
type GlobalPlacer interface {
	PlaceInGlobalTree(ctx context.Context, nodeID string) (placed bool, err error)
}

// PlaceGlobalHandler returns the handler for place_global jobs.
func PlaceGlobalHandler(p GlobalPlacer) Handler {
	return func(ctx context.Context, job *domain.Job) error {
		payload, err := DecodePlaceGlobal(job)
		if err != nil {
			return err
		}
		_, err = p.PlaceInGlobalTree(ctx, payload.NodeID)
		return err
	}
}
