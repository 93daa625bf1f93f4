package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plan-engine/internal/config"
	"plan-engine/internal/distribution"
	"plan-engine/internal/domain"
	"plan-engine/internal/ledger"
	"plan-engine/internal/observability"
	"plan-engine/internal/orchestrator"
	"plan-engine/internal/placement"
	"plan-engine/internal/storage"
	"plan-engine/internal/storage/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type network struct {
	store    *memory.Store
	orch     *orchestrator.Orchestrator
	clock    *clock
	rootID   string
	rootCode string
}

func newNetwork(t *testing.T) *network {
	t.Helper()
	ctx := context.Background()

	plan := config.DefaultPlan()
	store := memory.NewStore()
	c := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	book := ledger.NewBook(c.Now)
	place := placement.NewEngine(plan.Width(), nil)
	dist := distribution.NewEngine(distribution.Options{
		Plan:      &plan,
		Placement: place,
		Ledger:    book,
		Sink:      ledger.NewSystemSink(book),
		Now:       c.Now,
	})
	orch := orchestrator.New(orchestrator.Options{
		Store:        store,
		Plan:         &plan,
		Placement:    place,
		Distribution: dist,
		Ledger:       book,
		Now:          c.Now,
	})

	_, err := orch.CreateAccount(ctx, "company")
	require.NoError(t, err)
	root, err := orch.Bootstrap(ctx, "company")
	require.NoError(t, err)

	return &network{store: store, orch: orch, clock: c, rootID: root.NodeID, rootCode: root.ReferralCode}
}

func (n *network) purchase(t *testing.T, accountID string) string {
	t.Helper()
	ctx := context.Background()
	_, err := n.orch.CreateAccount(ctx, accountID)
	require.NoError(t, err)
	_, err = n.orch.Deposit(ctx, accountID, decimal.NewFromInt(1500))
	require.NoError(t, err)
	res, err := n.orch.PurchaseNode(ctx, accountID, n.rootCode)
	require.NoError(t, err)
	return res.NodeID
}

func (n *network) node(t *testing.T, nodeID string) *domain.Node {
	t.Helper()
	ctx := context.Background()
	var node *domain.Node
	err := n.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		node, err = tx.Nodes().GetByID(ctx, nodeID)
		return err
	})
	require.NoError(t, err)
	return node
}

func (n *network) monitor(opts Options) *Monitor {
	if opts.Store == nil {
		opts.Store = n.store
	}
	if opts.Placer == nil {
		opts.Placer = n.orch
	}
	opts.Now = n.clock.Now
	return NewMonitor(opts)
}

func TestSweep_RepairsOrphanAfterGraceWindow(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	nodeID := net.purchase(t, "alice")
	require.Nil(t, net.node(t, nodeID).GlobalParentID)

	net.clock.Advance(31 * time.Second)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test", reg)
	m := net.monitor(Options{Metrics: metrics})

	res, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Candidates: 1, Repaired: 1}, res)

	n := net.node(t, nodeID)
	require.NotNil(t, n.GlobalParentID)
	assert.Equal(t, net.rootID, *n.GlobalParentID)

	var rootL1 *domain.LevelProgress
	err = net.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		rootL1, err = tx.Progress().GetForUpdate(ctx, net.rootID, 1, domain.TreeGlobal)
		return err
	})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(500).Equal(rootL1.TotalRevenue), "root global L1 revenue = %s", rootL1.TotalRevenue)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SweepsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OrphansRepairedTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.OrphanFailuresTotal))

	// A second pass finds nothing.
	res, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestSweep_SkipsOrphansInsideGraceWindow(t *testing.T) {
	net := newNetwork(t)
	nodeID := net.purchase(t, "alice")

	net.clock.Advance(10 * time.Second)
	res, err := net.monitor(Options{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Candidates)
	assert.Nil(t, net.node(t, nodeID).GlobalParentID)
}

func TestSweep_AlreadyPlacedNodeCountsAsRaced(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	nodeID := net.purchase(t, "alice")
	net.clock.Advance(time.Minute)

	// The queue worker places the node between selection and repair.
	racing := placerFunc(func(ctx context.Context, id string) (bool, error) {
		if _, err := net.orch.PlaceInGlobalTree(ctx, id); err != nil {
			return false, err
		}
		return net.orch.PlaceInGlobalTree(ctx, id)
	})

	res, err := net.monitor(Options{Placer: racing}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Candidates: 1, Raced: 1}, res)
	assert.NotNil(t, net.node(t, nodeID).GlobalParentID)
}

func TestSweep_FailureDoesNotAbortSweep(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	a := net.purchase(t, "a")
	b := net.purchase(t, "b")
	c := net.purchase(t, "c")
	net.clock.Advance(time.Minute)

	flaky := placerFunc(func(ctx context.Context, id string) (bool, error) {
		if id == b {
			return false, errors.New("lock timeout")
		}
		return net.orch.PlaceInGlobalTree(ctx, id)
	})

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test", reg)
	res, err := net.monitor(Options{Placer: flaky, Metrics: metrics}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Candidates: 3, Repaired: 2, Failed: 1}, res)

	assert.NotNil(t, net.node(t, a).GlobalParentID)
	assert.Nil(t, net.node(t, b).GlobalParentID)
	assert.NotNil(t, net.node(t, c).GlobalParentID)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OrphanFailuresTotal))

	// The failed node is picked up by the next sweep.
	res, err = net.monitor(Options{}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Candidates: 1, Repaired: 1}, res)
	assert.NotNil(t, net.node(t, b).GlobalParentID)
}

func TestSweep_BatchSizeLimitsCandidates(t *testing.T) {
	net := newNetwork(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		net.purchase(t, id)
	}
	net.clock.Advance(time.Minute)

	res, err := net.monitor(Options{BatchSize: 3}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Candidates)
	assert.Equal(t, 3, res.Repaired)
}

func TestSweep_OverlappingCallIsSkipped(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	net.purchase(t, "alice")
	net.clock.Advance(time.Minute)

	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := placerFunc(func(ctx context.Context, id string) (bool, error) {
		close(entered)
		<-release
		return net.orch.PlaceInGlobalTree(ctx, id)
	})
	m := net.monitor(Options{Placer: blocking})

	done := make(chan SweepResult)
	go func() {
		res, _ := m.Sweep(ctx)
		done <- res
	}()
	<-entered

	res, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Repaired)
}

func TestStart_SweepsPeriodically(t *testing.T) {
	net := newNetwork(t)
	nodeID := net.purchase(t, "alice")
	net.clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := net.monitor(Options{Interval: 10 * time.Millisecond})
	m.Start(ctx)
	m.Start(ctx)

	assert.Eventually(t, func() bool {
		return net.node(t, nodeID).GlobalParentID != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServe_StopsOnCancel(t *testing.T) {
	net := newNetwork(t)
	m := net.monitor(Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

type placerFunc func(ctx context.Context, nodeID string) (bool, error)

func (f placerFunc) PlaceInGlobalTree(ctx context.Context, nodeID string) (bool, error) {
	return f(ctx, nodeID)
}
