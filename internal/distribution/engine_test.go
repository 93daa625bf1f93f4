package distribution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plan-engine/internal/config"
	"plan-engine/internal/domain"
	"plan-engine/internal/idhash"
	"plan-engine/internal/ledger"
	"plan-engine/internal/placement"
	"plan-engine/internal/storage"
	"plan-engine/internal/storage/memory"
)

var baseTime = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	t      *testing.T
	store  *memory.Store
	engine *Engine
	plan   *config.Plan
	clock  time.Time
}

func newFixture(t *testing.T, plan config.Plan) *fixture {
	t.Helper()
	f := &fixture{t: t, store: memory.NewStore(), plan: &plan, clock: baseTime}
	now := func() time.Time { return f.clock }
	book := ledger.NewBook(now)
	f.engine = NewEngine(Options{
		Plan:      f.plan,
		Placement: placement.NewEngine(plan.Width(), nil),
		Ledger:    book,
		Sink:      ledger.NewSystemSink(book),
		Now:       now,
	})
	return f
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// chain inserts ids as a single sponsor-tree line: ids[0] is the root.
func (f *fixture) chain(ids ...string) {
	f.t.Helper()
	ctx := context.Background()
	err := f.store.InTx(ctx, func(tx storage.Tx) error {
		var parent *string
		for i, id := range ids {
			n := &domain.Node{
				ID: id, AccountID: "acc-" + id, ReferralCode: "code-" + id,
				Status: domain.NodeStatusActive, SponsorParentID: parent, GlobalParentID: parent,
				CreatedAt: baseTime.Add(time.Duration(i) * time.Second),
			}
			if err := tx.Nodes().Insert(ctx, n); err != nil {
				return err
			}
			id := id
			parent = &id
		}
		return nil
	})
	require.NoError(f.t, err)
}

func (f *fixture) route(nodeID string, amount decimal.Decimal, level int, tree domain.TreeKind) *Result {
	f.t.Helper()
	ctx := context.Background()
	var res *Result
	err := f.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		res, err = f.engine.RouteIncome(ctx, tx, nodeID, amount, level, tree)
		return err
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) progress(nodeID string, level int, tree domain.TreeKind) *domain.LevelProgress {
	f.t.Helper()
	ctx := context.Background()
	var p *domain.LevelProgress
	err := f.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		p, err = tx.Progress().GetForUpdate(ctx, nodeID, level, tree)
		return err
	})
	require.NoError(f.t, err)
	return p
}

func (f *fixture) hasProgress(nodeID string) bool {
	f.t.Helper()
	ctx := context.Background()
	var rows []*domain.LevelProgress
	err := f.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		rows, err = tx.Progress().GetByNode(ctx, nodeID)
		return err
	})
	require.NoError(f.t, err)
	return len(rows) > 0
}

func (f *fixture) node(nodeID string) *domain.Node {
	f.t.Helper()
	ctx := context.Background()
	var n *domain.Node
	err := f.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		n, err = tx.Nodes().GetByID(ctx, nodeID)
		return err
	})
	require.NoError(f.t, err)
	return n
}

func assertDecimal(t *testing.T, want int64, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	msg := fmt.Sprintf("want %d, got %s", want, got)
	if len(msgAndArgs) > 0 {
		if format, ok := msgAndArgs[0].(string); ok {
			msg = fmt.Sprintf(format, msgAndArgs[1:]...) + ": " + msg
		}
	}
	assert.True(t, d(want).Equal(got), msg)
}

// fivePlan is a plan deep enough for a level-4 upgrade to pass up four generations.
func fivePlan() config.Plan {
	return config.Plan{
		TreeWidth:     3,
		PurchasePrice: 1500,
		SponsorBonus:  250,
		Levels: []config.LevelConfig{
			{Level: 1, IncomePerNode: 500, Buckets: []config.Bucket{{Name: config.BucketUpgrade, Amount: 1000, Priority: 1}}},
			{Level: 2, IncomePerNode: 1000, Buckets: []config.Bucket{{Name: config.BucketUpgrade, Amount: 3000, Priority: 1}}},
			{Level: 3, IncomePerNode: 3000, Buckets: []config.Bucket{{Name: config.BucketUpgrade, Amount: 9000, Priority: 1}}},
			{Level: 4, IncomePerNode: 9000, Buckets: []config.Bucket{{Name: config.BucketUpgrade, Amount: 27000, Priority: 1}}},
			{Level: 5, IncomePerNode: 27000, Buckets: []config.Bucket{{Name: config.BucketUpline, Amount: 1000, Priority: 1}}},
		},
	}
}

func TestRouteIncome_LevelOneFillsInPriorityOrder(t *testing.T) {
	f := newFixture(t, config.DefaultPlan())
	f.chain("root", "s")

	for i := 0; i < 3; i++ {
		f.route("s", d(500), 1, domain.TreeSponsor)
	}

	p := f.progress("s", 1, domain.TreeSponsor)
	assertDecimal(t, 1000, p.Filled(config.BucketUpgrade))
	assertDecimal(t, 200, p.Filled(config.BucketUpline))
	assertDecimal(t, 300, p.Filled(config.BucketProfit))
	assertDecimal(t, 1500, p.TotalRevenue)
	assert.True(t, p.Completed)

	s := f.node("s")
	assertDecimal(t, 300, s.Wallet)
	assert.Equal(t, 1, s.Rank)

	// Upline 200 splits into 100 for root and 100 with no grandparent.
	assertDecimal(t, 100, f.node("root").Wallet)

	// The 1000 upgrade reached root as level-2 income.
	assertDecimal(t, 1000, f.progress("root", 2, domain.TreeSponsor).TotalRevenue)
}

func TestRouteIncome_LevelTwoUpgradePassesToSecondAncestor(t *testing.T) {
	f := newFixture(t, config.DefaultPlan())
	f.chain("root", "a", "n")

	f.route("n", d(1500), 1, domain.TreeSponsor)
	res := f.route("n", d(9000), 2, domain.TreeSponsor)

	p := f.progress("n", 2, domain.TreeSponsor)
	assertDecimal(t, 3000, p.Filled(config.BucketUpgrade))
	assertDecimal(t, 1000, p.Filled(config.BucketUpline))
	assertDecimal(t, 2000, p.Filled(config.BucketRebirth))
	assertDecimal(t, 1000, p.Filled(config.BucketSystem))
	assertDecimal(t, 1000, p.Filled(config.BucketGifts))
	assertDecimal(t, 1000, p.Filled(config.BucketProfit))
	assert.True(t, p.Completed)
	assert.Equal(t, 2, f.node("n").Rank)

	// 2nd-generation ancestor of n is root, which receives the 3000 as level-3 income.
	rootL3 := f.progress("root", 3, domain.TreeSponsor)
	assertDecimal(t, 3000, rootL3.TotalRevenue)
	assertDecimal(t, 3000, rootL3.Filled(config.BucketUpgrade))

	// Two rebirths were spawned under n, owned by n's account.
	require.Len(t, res.Spawned, 2)
	for _, id := range res.Spawned {
		r := f.node(id)
		assert.True(t, r.IsRebirth)
		require.NotNil(t, r.OriginNodeID)
		assert.Equal(t, "n", *r.OriginNodeID)
		assert.Equal(t, "acc-n", r.AccountID)
		require.NotNil(t, r.SponsorParentID)
		assert.Equal(t, "n", *r.SponsorParentID)
		assert.Nil(t, r.GlobalParentID)
		assert.NotEmpty(t, r.ReferralCode)
	}

	// Their level-1 arrival income hit n's completed level 1 and overflowed.
	assertDecimal(t, 1000, res.Sunk[ledger.PolicyLevelOverflow])
	assertDecimal(t, 1000, res.Sunk[ledger.PolicySystem])
	assertDecimal(t, 1000, res.Sunk[ledger.PolicyGifts])
	assertDecimal(t, 3000, res.Sunk[ledger.PolicyMissingUpline])

	// 300 level-1 profit + 1000 level-2 profit.
	assertDecimal(t, 1300, f.node("n").Wallet)
	// a: 100 level-1 commission + 500 level-2 commission.
	assertDecimal(t, 600, f.node("a").Wallet)
}

func TestRouteIncome_RebirthJobsAreQueued(t *testing.T) {
	f := newFixture(t, config.DefaultPlan())
	f.chain("root", "a", "n")
	f.route("n", d(1500), 1, domain.TreeSponsor)
	res := f.route("n", d(9000), 2, domain.TreeSponsor)
	require.Len(t, res.Spawned, 2)

	ctx := context.Background()
	err := f.store.InTx(ctx, func(tx storage.Tx) error {
		for _, id := range res.Spawned {
			job, err := tx.Jobs().GetByID(ctx, idhash.ComputeJobID(domain.JobTypePlaceGlobal, id))
			require.NoError(t, err)
			assert.Equal(t, domain.JobPending, job.Status)
			assert.JSONEq(t, fmt.Sprintf(`{"node_id":%q}`, id), string(job.Payload))
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRouteIncome_PassUpAtGenerationTwo(t *testing.T) {
	f := newFixture(t, config.DefaultPlan())
	f.chain("root", "a", "b", "c", "d", "e")

	f.route("e", d(3000), 2, domain.TreeSponsor)

	assertDecimal(t, 3000, f.progress("c", 3, domain.TreeSponsor).TotalRevenue)
	assert.False(t, f.hasProgress("a"))
	assertDecimal(t, 0, f.node("a").Wallet)
	assertDecimal(t, 0, f.node("b").Wallet)
}

func TestRouteIncome_PassUpAtGenerationFour(t *testing.T) {
	f := newFixture(t, fivePlan())
	f.chain("root", "a", "b", "c", "d", "e")

	f.route("e", d(27000), 4, domain.TreeSponsor)

	p := f.progress("a", 5, domain.TreeSponsor)
	assertDecimal(t, 27000, p.TotalRevenue)
	assertDecimal(t, 1000, p.Filled(config.BucketUpline))
	assertDecimal(t, 26000, p.Filled(config.BucketProfit))

	assertDecimal(t, 26000, f.node("a").Wallet)
	assertDecimal(t, 500, f.node("root").Wallet)
	for _, id := range []string{"b", "c", "d"} {
		assert.False(t, f.hasProgress(id), "node %s", id)
		assertDecimal(t, 0, f.node(id).Wallet, "node %s", id)
	}
}

func TestRouteIncome_FinalLevelUpgradeIsSunk(t *testing.T) {
	plan := fivePlan()
	plan.Levels = plan.Levels[:4]
	f := newFixture(t, plan)
	f.chain("root", "a", "b", "c", "d", "e")

	res := f.route("e", d(27000), 4, domain.TreeSponsor)
	assertDecimal(t, 27000, res.Sunk[ledger.PolicyLevelOverflow])
	assert.False(t, f.hasProgress("a"))
}

func TestRouteIncome_BucketConservation(t *testing.T) {
	f := newFixture(t, config.DefaultPlan())
	ctx := context.Background()
	f.chain("root")

	// Grow a tree of purchased-style arrivals under root.
	var ids []string
	for i := 0; i < 60; i++ {
		f.clock = baseTime.Add(time.Duration(i+1) * time.Minute)
		err := f.store.InTx(ctx, func(tx storage.Tx) error {
			parent, err := f.engine.placement.FindSlot(ctx, tx, "root", domain.TreeSponsor)
			if err != nil {
				return err
			}
			n := &domain.Node{ID: fmt.Sprintf("n%02d", i), AccountID: "acc", Status: domain.NodeStatusInactive, SponsorParentID: &parent}
			_, err = f.engine.AdmitNode(ctx, tx, n)
			return err
		})
		require.NoError(t, err)
		ids = append(ids, fmt.Sprintf("n%02d", i))
	}

	err := f.store.InTx(ctx, func(tx storage.Tx) error {
		all := append([]string{"root"}, ids...)
		rows := 0
		for _, id := range all {
			progress, err := tx.Progress().GetByNode(ctx, id)
			require.NoError(t, err)
			for _, p := range progress {
				rows++
				assert.True(t, p.BucketSum().Equal(p.TotalRevenue), "%s L%d %s", p.NodeID, p.Level, p.Tree)
				assert.True(t, p.TotalRevenue.LessThanOrEqual(f.plan.TotalRequired(p.Level)), "%s L%d", p.NodeID, p.Level)
				for _, b := range f.plan.LevelBuckets(p.Level) {
					assert.True(t, p.Filled(b.Name).LessThanOrEqual(b.Capacity), "%s L%d %s", p.NodeID, p.Level, b.Name)
				}
			}
		}
		assert.Positive(t, rows)
		return nil
	})
	require.NoError(t, err)

	// The root's three direct children filled its level 1.
	assert.True(t, f.progress("root", 1, domain.TreeSponsor).Completed)
}

func TestRouteIncome_RebirthIsSterile(t *testing.T) {
	f := newFixture(t, config.DefaultPlan())
	f.chain("root", "origin")
	ctx := context.Background()

	err := f.store.InTx(ctx, func(tx storage.Tx) error {
		parent := "origin"
		return tx.Nodes().Insert(ctx, &domain.Node{
			ID: "reb", AccountID: "acc-origin", ReferralCode: "code-reb", Status: domain.NodeStatusInactive,
			SponsorParentID: &parent, IsRebirth: true, OriginNodeID: &parent, CreatedAt: baseTime,
		})
	})
	require.NoError(t, err)

	res := f.route("reb", d(9000), 2, domain.TreeSponsor)

	assert.Empty(t, res.Spawned)
	assertDecimal(t, 2000, res.Sunk[ledger.PolicySterileRebirth])
	assertDecimal(t, 2000, f.progress("reb", 2, domain.TreeSponsor).Filled(config.BucketRebirth))

	// Profit redirects to the origin; the rebirth keeps nothing. Origin also earns
	// the first half of the upline commission as reb's parent.
	assertDecimal(t, 0, f.node("reb").Wallet)
	assertDecimal(t, 1500, f.node("origin").Wallet)

	err = f.store.InTx(ctx, func(tx storage.Tx) error {
		count, err := tx.Nodes().CountChildren(ctx, "reb", domain.TreeSponsor)
		require.NoError(t, err)
		assert.Zero(t, count)
		return nil
	})
	require.NoError(t, err)
}

func TestRouteIncome_CommissionToRebirthRedirectsToOrigin(t *testing.T) {
	f := newFixture(t, config.DefaultPlan())
	f.chain("root", "origin")
	ctx := context.Background()

	err := f.store.InTx(ctx, func(tx storage.Tx) error {
		origin := "origin"
		if err := tx.Nodes().Insert(ctx, &domain.Node{
			ID: "reb", AccountID: "acc-origin", ReferralCode: "code-reb",
			SponsorParentID: &origin, IsRebirth: true, OriginNodeID: &origin, CreatedAt: baseTime,
		}); err != nil {
			return err
		}
		reb := "reb"
		return tx.Nodes().Insert(ctx, &domain.Node{
			ID: "child", AccountID: "acc-child", ReferralCode: "code-child",
			SponsorParentID: &reb, CreatedAt: baseTime.Add(time.Second),
		})
	})
	require.NoError(t, err)

	// Upline 200 -> 100 for reb (redirected to origin) and 100 for origin itself.
	f.route("child", d(1200), 1, domain.TreeSponsor)

	assertDecimal(t, 0, f.node("reb").Wallet)
	assertDecimal(t, 200, f.node("origin").Wallet)
}

func TestRouteIncome_RebirthSpawnsOnCumulativeFill(t *testing.T) {
	f := newFixture(t, config.DefaultPlan())
	f.chain("root", "n")

	// upgrade 3000 + upline 1000 + rebirth 1000: one unit crossed.
	res := f.route("n", d(5000), 2, domain.TreeSponsor)
	assert.Len(t, res.Spawned, 1)

	// rebirth 1500: no new unit.
	res = f.route("n", d(500), 2, domain.TreeSponsor)
	assert.Empty(t, res.Spawned)

	// rebirth 2000: second unit crossed.
	res = f.route("n", d(500), 2, domain.TreeSponsor)
	assert.Len(t, res.Spawned, 1)

	assertDecimal(t, 2000, f.progress("n", 2, domain.TreeSponsor).Filled(config.BucketRebirth))
}

func TestRouteIncome_OverflowBeyondRequirementIsSunk(t *testing.T) {
	f := newFixture(t, config.DefaultPlan())
	f.chain("root", "n")

	res := f.route("n", d(2000), 1, domain.TreeGlobal)

	p := f.progress("n", 1, domain.TreeGlobal)
	assertDecimal(t, 1500, p.TotalRevenue)
	assert.True(t, p.BucketSum().Equal(p.TotalRevenue))
	assertDecimal(t, 500, res.Sunk[ledger.PolicyLevelOverflow])

	res = f.route("n", d(500), 1, domain.TreeGlobal)
	assertDecimal(t, 500, res.Sunk[ledger.PolicyLevelOverflow])
	assert.Empty(t, res.Allocations)
}

func TestRouteIncome_UplineSplitRoundsFirstHalf(t *testing.T) {
	plan := config.Plan{
		TreeWidth: 3,
		Levels: []config.LevelConfig{
			{Level: 1, IncomePerNode: 1, Buckets: []config.Bucket{{Name: config.BucketUpline, Amount: 3, Priority: 1}}},
		},
	}
	f := newFixture(t, plan)
	f.chain("root", "a", "n")

	f.route("n", decimal.RequireFromString("0.03"), 1, domain.TreeSponsor)

	assert.True(t, decimal.RequireFromString("0.02").Equal(f.node("a").Wallet))
	assert.True(t, decimal.RequireFromString("0.01").Equal(f.node("root").Wallet))
}

func TestRouteIncome_TreesAreIndependent(t *testing.T) {
	f := newFixture(t, config.DefaultPlan())
	f.chain("root", "n")

	f.route("n", d(1500), 1, domain.TreeSponsor)
	f.route("n", d(500), 1, domain.TreeGlobal)

	assert.True(t, f.progress("n", 1, domain.TreeSponsor).Completed)
	g := f.progress("n", 1, domain.TreeGlobal)
	assert.False(t, g.Completed)
	assertDecimal(t, 500, g.TotalRevenue)
}

func TestRouteIncome_CascadeLimit(t *testing.T) {
	f := newFixture(t, config.DefaultPlan())
	f.engine.maxEvents = 1
	f.chain("root", "a", "n")
	ctx := context.Background()

	err := f.store.InTx(ctx, func(tx storage.Tx) error {
		_, err := f.engine.RouteIncome(ctx, tx, "n", d(1000), 1, domain.TreeSponsor)
		return err
	})
	assert.ErrorIs(t, err, ErrCascadeLimit)

	// The transaction rolled back.
	assert.False(t, f.hasProgress("n"))
}

func TestRouteIncome_InvalidInput(t *testing.T) {
	f := newFixture(t, config.DefaultPlan())
	f.chain("root")
	ctx := context.Background()

	err := f.store.InTx(ctx, func(tx storage.Tx) error {
		_, err := f.engine.RouteIncome(ctx, tx, "root", d(500), 5, domain.TreeSponsor)
		assert.ErrorIs(t, err, ErrUnknownLevel)

		_, err = f.engine.RouteIncome(ctx, tx, "root", d(0), 1, domain.TreeSponsor)
		assert.ErrorIs(t, err, storage.ErrInvalidInput)

		_, err = f.engine.RouteIncome(ctx, tx, "root", decimal.RequireFromString("0.001"), 1, domain.TreeSponsor)
		assert.ErrorIs(t, err, storage.ErrInvalidInput)

		_, err = f.engine.RouteIncome(ctx, tx, "missing", d(500), 1, domain.TreeSponsor)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestFindUpline(t *testing.T) {
	f := newFixture(t, config.DefaultPlan())
	f.chain("root", "a", "b", "c")
	ctx := context.Background()

	err := f.store.InTx(ctx, func(tx storage.Tx) error {
		tests := []struct {
			generations int
			want        string
			ok          bool
		}{
			{1, "b", true},
			{2, "a", true},
			{3, "root", true},
			{4, "", false},
		}
		for _, tt := range tests {
			got, ok, err := FindUpline(ctx, tx, "c", tt.generations, domain.TreeSponsor)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok, "generations %d", tt.generations)
			assert.Equal(t, tt.want, got, "generations %d", tt.generations)
		}

		_, _, err := FindUpline(ctx, tx, "c", 0, domain.TreeSponsor)
		assert.ErrorIs(t, err, storage.ErrInvalidInput)
		return nil
	})
	require.NoError(t, err)
}
