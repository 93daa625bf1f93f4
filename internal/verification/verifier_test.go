package verification

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"plan-engine/internal/config"
	"plan-engine/internal/distribution"
	"plan-engine/internal/domain"
	"plan-engine/internal/ledger"
	"plan-engine/internal/orchestrator"
	"plan-engine/internal/placement"
	"plan-engine/internal/storage"
	"plan-engine/internal/storage/memory"
)

func buildNetwork(t *testing.T, members int) (*memory.Store, *config.Plan, string) {
	t.Helper()
	ctx := context.Background()

	plan := config.DefaultPlan()
	store := memory.NewStore()
	now := func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }
	book := ledger.NewBook(now)
	place := placement.NewEngine(plan.Width(), nil)
	dist := distribution.NewEngine(distribution.Options{
		Plan:      &plan,
		Placement: place,
		Ledger:    book,
		Sink:      ledger.NewSystemSink(book),
		Now:       now,
	})
	orch := orchestrator.New(orchestrator.Options{
		Store:        store,
		Plan:         &plan,
		Placement:    place,
		Distribution: dist,
		Ledger:       book,
		Now:          now,
	})

	if _, err := orch.CreateAccount(ctx, "company"); err != nil {
		t.Fatalf("create account: %v", err)
	}
	root, err := orch.Bootstrap(ctx, "company")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	codes := []string{root.ReferralCode}
	for i := 0; i < members; i++ {
		id := fmt.Sprintf("member-%d", i)
		if _, err := orch.CreateAccount(ctx, id); err != nil {
			t.Fatalf("create account %s: %v", id, err)
		}
		if _, err := orch.Deposit(ctx, id, decimal.NewFromInt(1500)); err != nil {
			t.Fatalf("deposit %s: %v", id, err)
		}
		res, err := orch.PurchaseNode(ctx, id, codes[i/3])
		if err != nil {
			t.Fatalf("purchase %s: %v", id, err)
		}
		codes = append(codes, res.ReferralCode)
		if _, err := orch.PlaceInGlobalTree(ctx, res.NodeID); err != nil {
			t.Fatalf("place %s: %v", id, err)
		}
	}
	return store, &plan, root.NodeID
}

func TestAudit_EmptyNetwork(t *testing.T) {
	plan := config.DefaultPlan()
	report, err := NewAuditor(memory.NewStore(), &plan, nil).Audit(context.Background())
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if report.NodesChecked != 0 || !report.OK() {
		t.Errorf("got %+v, want empty report", report)
	}
}

func TestAudit_ConsistentNetworkPasses(t *testing.T) {
	store, plan, _ := buildNetwork(t, 30)

	report, err := NewAuditor(store, plan, nil).Audit(context.Background())
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if !report.OK() {
		t.Fatalf("unexpected violations: %+v", report.Violations)
	}
	// 31 purchased/root nodes plus any rebirths spawned along the way.
	if report.NodesChecked < 31 {
		t.Errorf("NodesChecked = %d, want >= 31", report.NodesChecked)
	}
}

func TestAudit_DetectsTampering(t *testing.T) {
	store, plan, rootID := buildNetwork(t, 3)
	ctx := context.Background()

	err := store.InTx(ctx, func(tx storage.Tx) error {
		// Wallet credited without a ledger entry.
		if err := tx.Nodes().AddWallet(ctx, rootID, decimal.NewFromInt(7)); err != nil {
			return err
		}
		// Profit filled while upgrade is still open, and fills don't match revenue.
		p := domain.NewLevelProgress(rootID, 2, domain.TreeGlobal)
		p.TotalRevenue = decimal.NewFromInt(1000)
		p.Buckets[config.BucketProfit] = decimal.NewFromInt(400)
		return tx.Progress().Upsert(ctx, p)
	})
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}

	report, err := NewAuditor(store, plan, nil).Audit(ctx)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}

	got := make(map[string]bool)
	for _, v := range report.Violations {
		if v.NodeID != rootID {
			t.Errorf("violation on unexpected node: %+v", v)
		}
		got[v.Check] = true
	}
	for _, want := range []string{CheckWallet, CheckBucketSum, CheckWaterfall} {
		if !got[want] {
			t.Errorf("missing %s violation; got %+v", want, report.Violations)
		}
	}
}

func TestBalance(t *testing.T) {
	entries := []*domain.LedgerEntry{
		{Direction: domain.DirectionCredit, Amount: decimal.NewFromInt(500)},
		{Direction: domain.DirectionCredit, Amount: decimal.RequireFromString("0.25")},
		{Direction: domain.DirectionDebit, Amount: decimal.NewFromInt(100)},
	}
	if got := Balance(entries); !got.Equal(decimal.RequireFromString("400.25")) {
		t.Errorf("Balance = %s, want 400.25", got)
	}
	if got := Balance(nil); !got.IsZero() {
		t.Errorf("Balance(nil) = %s, want 0", got)
	}
}
