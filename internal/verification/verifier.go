// Package verification audits persisted network state against the plan rules.
// It reads the store only and reports every violation it finds.
package verification

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"plan-engine/internal/config"
	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

// Check names.
const (
	CheckFanOut         = "fan_out"
	CheckBucketSum      = "bucket_sum"
	CheckBucketCap      = "bucket_capacity"
	CheckWaterfall      = "waterfall_order"
	CheckCompleted      = "completed_flag"
	CheckRank           = "rank"
	CheckWallet         = "wallet_ledger"
	CheckSterileRebirth = "sterile_rebirth"
)

// Violation is one broken rule on one node.
type Violation struct {
	NodeID   string
	Check    string
	Detail   string
	Expected string
	Actual   string
}

// Report is the result of an audit.
type Report struct {
	NodesChecked int
	Violations   []Violation
}

// OK reports whether the audit found no violations.
func (r *Report) OK() bool {
	return len(r.Violations) == 0
}

func (r *Report) add(nodeID, check, detail string, expected, actual any) {
	r.Violations = append(r.Violations, Violation{
		NodeID:   nodeID,
		Check:    check,
		Detail:   detail,
		Expected: fmt.Sprint(expected),
		Actual:   fmt.Sprint(actual),
	})
}

// Auditor walks the sponsor tree from the root and checks every node.
type Auditor struct {
	store  storage.Store
	plan   *config.Plan
	logger *zap.Logger
}

// NewAuditor creates a new Auditor.
func NewAuditor(store storage.Store, plan *config.Plan, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{store: store, plan: plan, logger: logger}
}

// Audit checks every node reachable from the root in one read transaction.
// An empty network yields an empty report.
func (a *Auditor) Audit(ctx context.Context) (*Report, error) {
	var report *Report
	err := a.store.InTx(ctx, func(tx storage.Tx) error {
		report = &Report{}

		root, err := tx.Nodes().GetRoot(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup root: %w", err)
		}

		queue := []string{root.ID}
		for len(queue) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := queue[0]
			queue = queue[1:]

			if err := a.checkNode(ctx, tx, id, report); err != nil {
				return err
			}
			report.NodesChecked++

			children, err := tx.Nodes().ListChildren(ctx, id, domain.TreeSponsor)
			if err != nil {
				return fmt.Errorf("list children of %s: %w", id, err)
			}
			queue = append(queue, children...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if report.OK() {
		a.logger.Info("audit passed", zap.Int("nodes", report.NodesChecked))
	} else {
		a.logger.Warn("audit found violations",
			zap.Int("nodes", report.NodesChecked),
			zap.Int("violations", len(report.Violations)),
		)
	}
	return report, nil
}

func (a *Auditor) checkNode(ctx context.Context, tx storage.Tx, nodeID string, report *Report) error {
	n, err := tx.Nodes().GetByID(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("get node %s: %w", nodeID, err)
	}

	for _, tree := range []domain.TreeKind{domain.TreeSponsor, domain.TreeGlobal} {
		count, err := tx.Nodes().CountChildren(ctx, nodeID, tree)
		if err != nil {
			return fmt.Errorf("count children of %s: %w", nodeID, err)
		}
		if count > a.plan.Width() {
			report.add(nodeID, CheckFanOut, tree.String()+" tree", a.plan.Width(), count)
		}
	}

	levels, err := tx.Progress().GetByNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("get progress of %s: %w", nodeID, err)
	}
	maxCompleted := 0
	for _, p := range levels {
		a.checkProgress(p, report)
		if p.Completed && p.Level > maxCompleted {
			maxCompleted = p.Level
		}
	}
	if n.Rank != maxCompleted {
		report.add(nodeID, CheckRank, "highest completed level", maxCompleted, n.Rank)
	}

	entries, err := tx.Ledger().GetByOwner(ctx, domain.NodeOwner(nodeID))
	if err != nil {
		return fmt.Errorf("get ledger of %s: %w", nodeID, err)
	}
	if balance := Balance(entries); !balance.Equal(n.Wallet) {
		report.add(nodeID, CheckWallet, "wallet vs ledger", balance, n.Wallet)
	}

	if n.IsRebirth {
		if n.SponsorID != nil {
			report.add(nodeID, CheckSterileRebirth, "rebirth has a referrer", "<nil>", *n.SponsorID)
		}
		if n.DirectReferrals != 0 {
			report.add(nodeID, CheckSterileRebirth, "rebirth has referrals", 0, n.DirectReferrals)
		}
		if n.Status != domain.NodeStatusInactive {
			report.add(nodeID, CheckSterileRebirth, "rebirth status", domain.NodeStatusInactive, n.Status)
		}
	}
	return nil
}

// checkProgress verifies the waterfall invariants of one progress row: buckets
// never exceed capacity, a bucket is only filled once every earlier bucket is
// full, and the fills sum to the revenue capped at the level requirement.
func (a *Auditor) checkProgress(p *domain.LevelProgress, report *Report) {
	where := fmt.Sprintf("%s L%d", p.Tree, p.Level)
	required := a.plan.TotalRequired(p.Level)

	want := decimal.Min(p.TotalRevenue, required)
	if sum := p.BucketSum(); !sum.Equal(want) {
		report.add(p.NodeID, CheckBucketSum, where, want, sum)
	}

	if completed := p.TotalRevenue.GreaterThanOrEqual(required); completed != p.Completed {
		report.add(p.NodeID, CheckCompleted, where, completed, p.Completed)
	}

	open := false
	for _, spec := range a.plan.LevelBuckets(p.Level) {
		filled := p.Filled(spec.Name)
		if filled.GreaterThan(spec.Capacity) {
			report.add(p.NodeID, CheckBucketCap, where+" "+spec.Name, spec.Capacity, filled)
		}
		if open && filled.IsPositive() {
			report.add(p.NodeID, CheckWaterfall, where+" "+spec.Name+" filled before earlier bucket", decimal.Zero, filled)
		}
		if filled.LessThan(spec.Capacity) {
			open = true
		}
	}
}

// Balance returns credits minus debits over entries.
func Balance(entries []*domain.LedgerEntry) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range entries {
		if e.Direction == domain.DirectionDebit {
			sum = sum.Sub(e.Amount)
		} else {
			sum = sum.Add(e.Amount)
		}
	}
	return sum
}
