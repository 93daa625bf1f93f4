package distribution

import (
	"github.com/shopspring/decimal"

	"plan-engine/internal/domain"
)

// LevelKey identifies one (node, level, tree) waterfall.
type LevelKey struct {
	NodeID string
	Level  int
	Tree   domain.TreeKind
}

// Allocation is one bucket fill applied during a call.
type Allocation struct {
	LevelKey
	Bucket string
	Amount decimal.Decimal
}

// Result summarizes the cascade triggered by one call.
type Result struct {
	Events      int                        // income events processed
	Allocations []Allocation               // bucket fills in processing order
	Spawned     []string                   // rebirth node ids
	Completed   []LevelKey                 // waterfalls that reached their requirement
	Sunk        map[string]decimal.Decimal // policy -> absorbed amount
}

func newResult() *Result {
	return &Result{Sunk: make(map[string]decimal.Decimal)}
}

func (r *Result) allocate(ev incomeEvent, bucket string, amount decimal.Decimal) {
	r.Allocations = append(r.Allocations, Allocation{
		LevelKey: LevelKey{NodeID: ev.nodeID, Level: ev.level, Tree: ev.tree},
		Bucket:   bucket,
		Amount:   amount,
	})
}

func (r *Result) sink(policy string, amount decimal.Decimal) {
	r.Sunk[policy] = r.Sunk[policy].Add(amount)
}

// Allocated returns the total allocated to bucket across the cascade.
func (r *Result) Allocated(bucket string) decimal.Decimal {
	total := decimal.Zero
	for _, a := range r.Allocations {
		if a.Bucket == bucket {
			total = total.Add(a.Amount)
		}
	}
	return total
}
