// Package orchestrator coordinates the node lifecycle.
// It coordinates: sponsor validation → debit → sponsor bonus → sponsor-tree placement
// → node creation → deferred global-tree placement → level-1 income.
package orchestrator

import (
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"plan-engine/internal/config"
	"plan-engine/internal/distribution"
	"plan-engine/internal/ledger"
	"plan-engine/internal/observability"
	"plan-engine/internal/placement"
	"plan-engine/internal/storage"
)

var (
	// ErrInvalidSponsor is returned when a sponsor code resolves to no eligible node.
	ErrInvalidSponsor = errors.New("invalid sponsor")

	// ErrRootExists is returned by Bootstrap when the network already has a root.
	ErrRootExists = errors.New("root node already exists")

	// ErrNoRoot is returned when global placement runs before Bootstrap.
	ErrNoRoot = errors.New("network has no root node")
)

// Orchestrator coordinates purchases and deferred placement.
type Orchestrator struct {
	store        storage.Store
	plan         *config.Plan
	placement    *placement.Engine
	distribution *distribution.Engine
	ledger       ledger.Ledger
	metrics      *observability.Metrics
	logger       *zap.Logger
	now          func() time.Time
}

// Options for creating Orchestrator.
type Options struct {
	// Required
	Store        storage.Store
	Plan         *config.Plan
	Placement    *placement.Engine
	Distribution *distribution.Engine
	Ledger       ledger.Ledger

	// Optional
	Metrics *observability.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// New creates a new Orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		store:        opts.Store,
		plan:         opts.Plan,
		placement:    opts.Placement,
		distribution: opts.Distribution,
		ledger:       opts.Ledger,
		metrics:      opts.Metrics,
		logger:       logger,
		now:          now,
	}
}

// recordDistribution exports a committed cascade to metrics.
func (o *Orchestrator) recordDistribution(res *distribution.Result) {
	if res == nil || o.metrics == nil {
		return
	}
	o.metrics.RecordCascade(res.Events, len(res.Spawned))
	for _, a := range res.Allocations {
		o.metrics.RecordAllocation(a.Bucket, a.Tree.String(), a.Amount.InexactFloat64())
	}
	for _, k := range res.Completed {
		o.metrics.RecordLevelCompleted(strconv.Itoa(k.Level), k.Tree.String())
	}
	for policy, amount := range res.Sunk {
		o.metrics.RecordSink(policy, amount.InexactFloat64())
	}
}
