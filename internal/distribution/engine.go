// Package distribution implements the waterfall that turns an income event into
// bucket allocations, upline payments, wallet credits and rebirth spawns.
//
// Each call drains a work list of income events inside the caller's transaction.
// Pass-ups and rebirth arrivals are appended to the list instead of recursing, and
// the list is bounded by MaxCascadeEvents.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"plan-engine/internal/config"
	"plan-engine/internal/domain"
	"plan-engine/internal/idhash"
	"plan-engine/internal/ledger"
	"plan-engine/internal/placement"
	"plan-engine/internal/queue"
	"plan-engine/internal/storage"
)

// DefaultMaxCascadeEvents bounds the income events processed by one call.
const DefaultMaxCascadeEvents = 10000

// maxReferralCodeAttempts bounds salt bumps when a referral code collides.
const maxReferralCodeAttempts = 8

var (
	// ErrCascadeLimit is returned when one call exceeds MaxCascadeEvents income events.
	ErrCascadeLimit = errors.New("distribution cascade limit exceeded")

	// ErrUnknownLevel is returned for income routed to a level the plan does not define.
	ErrUnknownLevel = errors.New("unknown compensation level")
)

// Options for creating Engine.
type Options struct {
	// Required
	Plan      *config.Plan
	Placement *placement.Engine
	Ledger    ledger.Ledger
	Sink      ledger.Sink

	// Optional
	Logger           *zap.Logger
	Now              func() time.Time
	MaxCascadeEvents int
}

// Engine routes income through the per-level waterfall.
type Engine struct {
	plan      *config.Plan
	placement *placement.Engine
	ledger    ledger.Ledger
	sink      ledger.Sink
	logger    *zap.Logger
	now       func() time.Time
	maxEvents int
}

// NewEngine creates a new Engine.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxEvents := opts.MaxCascadeEvents
	if maxEvents <= 0 {
		maxEvents = DefaultMaxCascadeEvents
	}
	return &Engine{
		plan:      opts.Plan,
		placement: opts.Placement,
		ledger:    opts.Ledger,
		sink:      opts.Sink,
		logger:    logger,
		now:       now,
		maxEvents: maxEvents,
	}
}

// incomeEvent is one unit of work: amount arriving at (node, level, tree).
type incomeEvent struct {
	nodeID string
	amount decimal.Decimal
	level  int
	tree   domain.TreeKind
}

// RouteIncome routes amount into the level waterfall of nodeID in tree and drains
// every cascading event before returning.
func (e *Engine) RouteIncome(ctx context.Context, tx storage.Tx, nodeID string, amount decimal.Decimal, level int, tree domain.TreeKind) (*Result, error) {
	if err := e.checkEvent(level, tree, amount); err != nil {
		return nil, fmt.Errorf("route income to %s: %w", nodeID, err)
	}

	res := newResult()
	if err := e.drain(ctx, tx, []incomeEvent{{nodeID: nodeID, amount: amount, level: level, tree: tree}}, res); err != nil {
		return nil, err
	}
	return res, nil
}

// AdmitNode inserts a node whose sponsor-tree parent is already chosen, schedules its
// global-tree placement and routes level-1 income to its sponsor-tree parent.
// A missing referral code is generated. Purchased nodes and rebirth spawns share this path.
func (e *Engine) AdmitNode(ctx context.Context, tx storage.Tx, n *domain.Node) (*Result, error) {
	res := newResult()
	ev, err := e.admit(ctx, tx, n)
	if err != nil {
		return nil, err
	}
	if err := e.drain(ctx, tx, []incomeEvent{ev}, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) checkEvent(level int, tree domain.TreeKind, amount decimal.Decimal) error {
	if _, ok := e.plan.Level(level); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLevel, level)
	}
	if !tree.IsValid() {
		return fmt.Errorf("%w: tree %q", storage.ErrInvalidInput, tree)
	}
	return ledger.CheckAmount(amount)
}

// drain processes the work list in FIFO order.
func (e *Engine) drain(ctx context.Context, tx storage.Tx, work []incomeEvent, res *Result) error {
	for len(work) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if res.Events >= e.maxEvents {
			return fmt.Errorf("%w: %d events", ErrCascadeLimit, res.Events)
		}

		ev := work[0]
		work = work[1:]
		res.Events++

		next, err := e.process(ctx, tx, ev, res)
		if err != nil {
			return fmt.Errorf("route %s income to %s at level %d: %w", ev.tree, ev.nodeID, ev.level, err)
		}
		work = append(work, next...)
	}
	return nil
}

// process applies one income event and returns the events it triggers.
func (e *Engine) process(ctx context.Context, tx storage.Tx, ev incomeEvent, res *Result) ([]incomeEvent, error) {
	node, err := tx.Nodes().LockForUpdate(ctx, ev.nodeID)
	if err != nil {
		return nil, fmt.Errorf("lock node: %w", err)
	}

	progress, err := tx.Progress().GetForUpdate(ctx, ev.nodeID, ev.level, ev.tree)
	if errors.Is(err, storage.ErrNotFound) {
		progress = domain.NewLevelProgress(ev.nodeID, ev.level, ev.tree)
	} else if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}

	// Income beyond the level's requirement never enters the buckets.
	required := e.plan.TotalRequired(ev.level)
	accepted := decimal.Min(ev.amount, required.Sub(progress.TotalRevenue))
	if accepted.IsNegative() {
		accepted = decimal.Zero
	}
	if excess := ev.amount.Sub(accepted); excess.IsPositive() {
		if err := e.absorb(ctx, tx, ledger.PolicyLevelOverflow, excess, ev.nodeID, res); err != nil {
			return nil, err
		}
	}
	if accepted.IsZero() {
		return nil, nil
	}

	progress.TotalRevenue = progress.TotalRevenue.Add(accepted)
	remaining := accepted

	var next []incomeEvent
	for _, bucket := range e.plan.LevelBuckets(ev.level) {
		if !remaining.IsPositive() {
			break
		}
		before := progress.Filled(bucket.Name)
		left := bucket.Capacity.Sub(before)
		if !left.IsPositive() {
			continue
		}

		alloc := decimal.Min(remaining, left)
		progress.Buckets[bucket.Name] = before.Add(alloc)
		remaining = remaining.Sub(alloc)
		res.allocate(ev, bucket.Name, alloc)

		triggered, err := e.applyBucket(ctx, tx, node, ev, bucket.Name, alloc, before, res)
		if err != nil {
			return nil, fmt.Errorf("bucket %s: %w", bucket.Name, err)
		}
		next = append(next, triggered...)
	}

	// Unreachable with a validated plan; keeps revenue and bucket sums equal regardless.
	if remaining.IsPositive() {
		progress.TotalRevenue = progress.TotalRevenue.Sub(remaining)
		if err := e.absorb(ctx, tx, ledger.PolicyLevelOverflow, remaining, ev.nodeID, res); err != nil {
			return nil, err
		}
	}

	if !progress.Completed && progress.TotalRevenue.GreaterThanOrEqual(required) {
		progress.Completed = true
		if err := tx.Nodes().RaiseRank(ctx, ev.nodeID, ev.level); err != nil {
			return nil, fmt.Errorf("raise rank: %w", err)
		}
		res.Completed = append(res.Completed, LevelKey{NodeID: ev.nodeID, Level: ev.level, Tree: ev.tree})
		e.logger.Info("level completed",
			zap.String("node_id", ev.nodeID),
			zap.Int("level", ev.level),
			zap.String("tree", ev.tree.String()),
		)
	}

	progress.UpdatedAt = e.now().UTC()
	if err := tx.Progress().Upsert(ctx, progress); err != nil {
		return nil, fmt.Errorf("save progress: %w", err)
	}
	return next, nil
}

// applyBucket runs the side effect of an allocation. before is the bucket fill
// prior to this allocation.
func (e *Engine) applyBucket(ctx context.Context, tx storage.Tx, node *domain.Node, ev incomeEvent,
	bucket string, alloc, before decimal.Decimal, res *Result) ([]incomeEvent, error) {
	switch bucket {
	case config.BucketUpgrade:
		return e.passUp(ctx, tx, node, ev, alloc, res)
	case config.BucketUpline:
		return nil, e.payUpline(ctx, tx, node, ev, alloc, res)
	case config.BucketProfit:
		return nil, e.payProfit(ctx, tx, node, ev, alloc)
	case config.BucketRebirth:
		return e.spawnRebirths(ctx, tx, node, alloc, before, res)
	case config.BucketSystem:
		return nil, e.absorb(ctx, tx, ledger.PolicySystem, alloc, node.ID, res)
	case config.BucketGifts:
		return nil, e.absorb(ctx, tx, ledger.PolicyGifts, alloc, node.ID, res)
	default:
		return nil, fmt.Errorf("%w: no effect for bucket %q", storage.ErrInvalidInput, bucket)
	}
}

// passUp routes the upgrade allocation at level L to the L-th ancestor as level L+1 income.
func (e *Engine) passUp(ctx context.Context, tx storage.Tx, node *domain.Node, ev incomeEvent,
	alloc decimal.Decimal, res *Result) ([]incomeEvent, error) {
	nextLevel := ev.level + 1
	if nextLevel > e.plan.MaxLevel() {
		return nil, e.absorb(ctx, tx, ledger.PolicyLevelOverflow, alloc, node.ID, res)
	}

	ancestor, ok, err := FindUpline(ctx, tx, node.ID, ev.level, ev.tree)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.absorb(ctx, tx, ledger.PolicyMissingUpline, alloc, node.ID, res)
	}

	e.logger.Debug("upgrade passed up",
		zap.String("node_id", node.ID),
		zap.String("ancestor_id", ancestor),
		zap.Int("level", nextLevel),
		zap.String("tree", ev.tree.String()),
		zap.String("amount", alloc.String()),
	)
	return []incomeEvent{{nodeID: ancestor, amount: alloc, level: nextLevel, tree: ev.tree}}, nil
}

// payUpline splits the allocation between the 1st and 2nd ancestor.
// The first half is rounded to cents and the second takes the remainder.
func (e *Engine) payUpline(ctx context.Context, tx storage.Tx, node *domain.Node, ev incomeEvent,
	alloc decimal.Decimal, res *Result) error {
	first := alloc.DivRound(decimal.NewFromInt(2), 2)
	shares := []decimal.Decimal{first, alloc.Sub(first)}

	for i, share := range shares {
		if !share.IsPositive() {
			continue
		}
		generation := i + 1
		ancestor, ok, err := FindUpline(ctx, tx, node.ID, generation, ev.tree)
		if err != nil {
			return err
		}
		if !ok {
			if err := e.absorb(ctx, tx, ledger.PolicyMissingUpline, share, node.ID, res); err != nil {
				return err
			}
			continue
		}

		beneficiary, err := e.beneficiary(ctx, tx, ancestor)
		if err != nil {
			return err
		}
		desc := fmt.Sprintf("level %d %s upline commission (generation %d)", ev.level, ev.tree, generation)
		if err := e.ledger.Credit(ctx, tx, domain.NodeOwner(beneficiary), share, domain.EntryCommission, desc, node.ID); err != nil {
			return err
		}
	}
	return nil
}

// payProfit credits the receiver, or its origin when the receiver is a rebirth.
func (e *Engine) payProfit(ctx context.Context, tx storage.Tx, node *domain.Node, ev incomeEvent, alloc decimal.Decimal) error {
	target := node.ID
	if node.IsRebirth && node.OriginNodeID != nil {
		target = *node.OriginNodeID
	}
	desc := fmt.Sprintf("level %d %s profit", ev.level, ev.tree)
	return e.ledger.Credit(ctx, tx, domain.NodeOwner(target), alloc, domain.EntryProfit, desc, node.ID)
}

// beneficiary resolves the wallet that receives earnings addressed to nodeID.
func (e *Engine) beneficiary(ctx context.Context, tx storage.Tx, nodeID string) (string, error) {
	n, err := tx.Nodes().GetByID(ctx, nodeID)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", nodeID, err)
	}
	if n.IsRebirth && n.OriginNodeID != nil {
		return *n.OriginNodeID, nil
	}
	return n.ID, nil
}

// spawnRebirths creates one rebirth node per whole unit cost crossed by this allocation.
// Counting on cumulative fill keeps split allocations from losing spawns.
func (e *Engine) spawnRebirths(ctx context.Context, tx storage.Tx, node *domain.Node,
	alloc, before decimal.Decimal, res *Result) ([]incomeEvent, error) {
	if node.IsRebirth {
		return nil, e.absorb(ctx, tx, ledger.PolicySterileRebirth, alloc, node.ID, res)
	}

	unit := e.plan.RebirthCost()
	if !unit.IsPositive() {
		return nil, e.absorb(ctx, tx, ledger.PolicySystem, alloc, node.ID, res)
	}
	spawns := before.Add(alloc).Div(unit).Floor().Sub(before.Div(unit).Floor()).IntPart()

	var next []incomeEvent
	for i := int64(0); i < spawns; i++ {
		parentID, err := e.placement.FindSlot(ctx, tx, node.ID, domain.TreeSponsor)
		if err != nil {
			return nil, fmt.Errorf("place rebirth of %s: %w", node.ID, err)
		}

		origin := node.ID
		rebirth := &domain.Node{
			ID:              uuid.NewString(),
			AccountID:       node.AccountID,
			Status:          domain.NodeStatusInactive,
			SponsorParentID: &parentID,
			Wallet:          decimal.Zero,
			IsRebirth:       true,
			OriginNodeID:    &origin,
		}
		ev, err := e.admit(ctx, tx, rebirth)
		if err != nil {
			return nil, fmt.Errorf("admit rebirth of %s: %w", node.ID, err)
		}
		res.Spawned = append(res.Spawned, rebirth.ID)
		next = append(next, ev)

		e.logger.Info("rebirth spawned",
			zap.String("node_id", rebirth.ID),
			zap.String("origin_node_id", node.ID),
			zap.String("parent_id", parentID),
		)
	}
	return next, nil
}

// admit inserts n, schedules its global placement and returns its arrival event.
func (e *Engine) admit(ctx context.Context, tx storage.Tx, n *domain.Node) (incomeEvent, error) {
	if n.SponsorParentID == nil {
		return incomeEvent{}, fmt.Errorf("admit %s: %w: sponsor-tree parent required", n.ID, storage.ErrInvalidInput)
	}
	now := e.now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.ReferralCode == "" {
		code, err := NewReferralCode(ctx, tx.Nodes(), n.ID)
		if err != nil {
			return incomeEvent{}, err
		}
		n.ReferralCode = code
	}

	if err := tx.Nodes().Insert(ctx, n); err != nil {
		return incomeEvent{}, fmt.Errorf("insert node %s: %w", n.ID, err)
	}
	if _, err := queue.EnqueuePlaceGlobal(ctx, tx.Jobs(), n.ID, now); err != nil {
		return incomeEvent{}, err
	}

	return incomeEvent{
		nodeID: *n.SponsorParentID,
		amount: e.plan.IncomePerNode(1),
		level:  1,
		tree:   domain.TreeSponsor,
	}, nil
}

// absorb hands an amount to the sink under policy and records it.
func (e *Engine) absorb(ctx context.Context, tx storage.Tx, policy string, amount decimal.Decimal, ref string, res *Result) error {
	if !amount.IsPositive() {
		return nil
	}
	if err := e.sink.Absorb(ctx, tx, policy, amount, ref); err != nil {
		return fmt.Errorf("sink %s: %w", policy, err)
	}
	res.sink(policy, amount)
	return nil
}

// NewReferralCode returns an unused referral code for nodeID.
func NewReferralCode(ctx context.Context, nodes storage.NodeStore, nodeID string) (string, error) {
	for salt := 0; salt < maxReferralCodeAttempts; salt++ {
		code := idhash.ComputeReferralCode(nodeID, salt)
		_, err := nodes.GetByReferralCode(ctx, code)
		if errors.Is(err, storage.ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("check referral code: %w", err)
		}
	}
	return "", fmt.Errorf("referral code for %s: %w: %d collisions", nodeID, storage.ErrDuplicateKey, maxReferralCodeAttempts)
}
