// Package reconcile repairs nodes whose deferred global-tree placement never ran.
//
// Global placement is queued at purchase time and executed at least once by the
// queue worker. The Monitor periodically selects non-root nodes still lacking a
// global parent after a grace window and places them through the same path.
package reconcile

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"plan-engine/internal/domain"
	"plan-engine/internal/observability"
	"plan-engine/internal/storage"
)

// Default settings.
const (
	DefaultInterval    = 10 * time.Second
	DefaultGraceWindow = 30 * time.Second
	DefaultBatchSize   = 100
)

// Placer places a node into the global tree, re-checking under lock that it is
// still orphaned. placed is false when another caller got there first.
type Placer interface {
	PlaceInGlobalTree(ctx context.Context, nodeID string) (placed bool, err error)
}

// Options for creating Monitor.
type Options struct {
	Store       storage.Store
	Placer      Placer
	Interval    time.Duration
	GraceWindow time.Duration
	BatchSize   int
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	Now         func() time.Time
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Skipped    bool // another sweep was in progress
	Candidates int
	Repaired   int
	Raced      int // already placed by the time the candidate was locked
	Failed     int
}

// Monitor runs the orphan sweep on a fixed interval.
type Monitor struct {
	store     storage.Store
	placer    Placer
	interval  time.Duration
	grace     time.Duration
	batchSize int
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time

	started  atomic.Bool
	sweeping atomic.Bool
}

// NewMonitor creates a new Monitor. Zero durations and sizes take the defaults.
func NewMonitor(opts Options) *Monitor {
	m := &Monitor{
		store:     opts.Store,
		placer:    opts.Placer,
		interval:  opts.Interval,
		grace:     opts.GraceWindow,
		batchSize: opts.BatchSize,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.grace <= 0 {
		m.grace = DefaultGraceWindow
	}
	if m.batchSize <= 0 {
		m.batchSize = DefaultBatchSize
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Start begins the periodic sweep in the background. Calls after the first are no-ops.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		if err := m.Serve(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("reconciliation stopped", zap.Error(err))
		}
	}()
}

// Serve implements suture.Service. It sweeps once per interval until ctx is canceled.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("reconciliation started",
		zap.Duration("interval", m.interval),
		zap.Duration("grace_window", m.grace),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("orphan sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep places every orphan older than the grace window, each in its own transaction.
// A failing candidate is logged and counted; it never aborts the sweep.
// Returns immediately with Skipped set when another sweep is running.
func (m *Monitor) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if !m.sweeping.CompareAndSwap(false, true) {
		res.Skipped = true
		return res, nil
	}
	defer m.sweeping.Store(false)

	start := m.now()
	cutoff := start.Add(-m.grace).UTC()

	var orphans []*domain.Node
	err := m.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		orphans, err = tx.Nodes().ListOrphans(ctx, cutoff, m.batchSize)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("list orphans: %w", err)
	}
	res.Candidates = len(orphans)

	for _, n := range orphans {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		placed, err := m.placer.PlaceInGlobalTree(ctx, n.ID)
		switch {
		case err != nil:
			res.Failed++
			m.logger.Error("orphan repair failed",
				zap.String("node_id", n.ID),
				zap.Time("created_at", n.CreatedAt),
				zap.Error(err),
			)
		case placed:
			res.Repaired++
			m.logger.Info("orphan repaired",
				zap.String("node_id", n.ID),
				zap.Time("created_at", n.CreatedAt),
			)
		default:
			res.Raced++
		}
	}

	finished := m.now()
	m.metrics.RecordSweep(res.Repaired, res.Failed, finished.Sub(start).Seconds(), finished.Unix())
	if res.Candidates > 0 {
		m.logger.Info("orphan sweep completed",
			zap.Int("candidates", res.Candidates),
			zap.Int("repaired", res.Repaired),
			zap.Int("raced", res.Raced),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}

// String implements fmt.Stringer for supervisor logs.
func (m *Monitor) String() string {
	return "reconciliation-monitor"
}
