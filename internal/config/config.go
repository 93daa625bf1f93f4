// Package config loads the plan engine configuration once at startup.
//
// The compensation plan (tree width, per-level buckets, prices) is immutable after Load:
// components receive a *Plan and never re-read configuration per call.
package config

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Bucket names understood by the distribution engine.
const (
	BucketUpgrade = "upgrade"
	BucketUpline  = "upline"
	BucketRebirth = "rebirth"
	BucketSystem  = "system"
	BucketGifts   = "gifts"
	// BucketProfit is implicit: it absorbs the remainder of each level and is filled last.
	BucketProfit = "profit"
)

// Config is the full process configuration.
type Config struct {
	Plan      Plan            `koanf:"plan"`
	Database  DatabaseConfig  `koanf:"database"`
	Queue     QueueConfig     `koanf:"queue"`
	Reconcile ReconcileConfig `koanf:"reconcile"`
	Logging   LoggingConfig   `koanf:"logging"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// Plan holds the compensation plan parameters. Amounts are whole currency units.
type Plan struct {
	TreeWidth       int           `koanf:"tree_width" validate:"gte=2"`
	PurchasePrice   int64         `koanf:"purchase_price" validate:"gt=0"`
	SponsorBonus    int64         `koanf:"sponsor_bonus" validate:"gte=0"`
	RebirthUnitCost int64         `koanf:"rebirth_unit_cost" validate:"gte=0"`
	Levels          []LevelConfig `koanf:"levels" validate:"required,min=1,dive"`
}

// LevelConfig describes one compensation level.
type LevelConfig struct {
	Level         int      `koanf:"level" validate:"gte=1"`
	IncomePerNode int64    `koanf:"income_per_node" validate:"gt=0"`
	Buckets       []Bucket `koanf:"buckets" validate:"dive"`
}

// Bucket is a fixed-capacity waterfall bucket.
type Bucket struct {
	Name     string `koanf:"name" validate:"required"`
	Amount   int64  `koanf:"amount" validate:"gt=0"`
	Priority int    `koanf:"priority" validate:"gte=0"`
}

// BucketSpec is a bucket resolved for use by the distribution engine.
type BucketSpec struct {
	Name     string
	Capacity decimal.Decimal
	Priority int
}

// DatabaseConfig selects and configures the store.
type DatabaseConfig struct {
	DSN       string `koanf:"dsn"`
	UseMemory bool   `koanf:"use_memory"`
	// MaxTxRetries bounds retries of serialization failures and deadlocks.
	MaxTxRetries int `koanf:"max_tx_retries" validate:"gte=0"`
}

// QueueConfig configures the deferred job worker.
type QueueConfig struct {
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`
	MaxAttempts  int           `koanf:"max_attempts" validate:"gte=1"`
	RetryBackoff time.Duration `koanf:"retry_backoff" validate:"gte=0"`
}

// ReconcileConfig configures the orphan reconciliation monitor.
type ReconcileConfig struct {
	Interval    time.Duration `koanf:"interval" validate:"gt=0"`
	GraceWindow time.Duration `koanf:"grace_window" validate:"gte=0"`
	BatchSize   int           `koanf:"batch_size" validate:"gte=1"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	File   string `koanf:"file"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr      string `koanf:"addr"`
	Namespace string `koanf:"namespace"`
}

// DefaultPlan returns the standard four-level ternary plan.
func DefaultPlan() Plan {
	return Plan{
		TreeWidth:       3,
		PurchasePrice:   1500,
		SponsorBonus:    250,
		RebirthUnitCost: 1000,
		Levels: []LevelConfig{
			{Level: 1, IncomePerNode: 500, Buckets: []Bucket{
				{Name: BucketUpgrade, Amount: 1000, Priority: 1},
				{Name: BucketUpline, Amount: 200, Priority: 2},
			}},
			{Level: 2, IncomePerNode: 1000, Buckets: []Bucket{
				{Name: BucketUpgrade, Amount: 3000, Priority: 1},
				{Name: BucketUpline, Amount: 1000, Priority: 2},
				{Name: BucketRebirth, Amount: 2000, Priority: 3},
				{Name: BucketSystem, Amount: 1000, Priority: 4},
				{Name: BucketGifts, Amount: 1000, Priority: 5},
			}},
			{Level: 3, IncomePerNode: 3000, Buckets: []Bucket{
				{Name: BucketUpgrade, Amount: 9000, Priority: 1},
				{Name: BucketUpline, Amount: 9000, Priority: 2},
				{Name: BucketRebirth, Amount: 18000, Priority: 3},
				{Name: BucketSystem, Amount: 9000, Priority: 4},
				{Name: BucketGifts, Amount: 9000, Priority: 5},
			}},
			{Level: 4, IncomePerNode: 9000, Buckets: []Bucket{
				{Name: BucketUpline, Amount: 81000, Priority: 1},
				{Name: BucketRebirth, Amount: 162000, Priority: 2},
				{Name: BucketSystem, Amount: 81000, Priority: 3},
				{Name: BucketGifts, Amount: 81000, Priority: 4},
			}},
		},
	}
}

// defaultConfig returns a Config with all defaults applied.
func defaultConfig() *Config {
	return &Config{
		Plan: DefaultPlan(),
		Database: DatabaseConfig{
			DSN:          "",
			UseMemory:    false,
			MaxTxRetries: 5,
		},
		Queue: QueueConfig{
			PollInterval: time.Second,
			MaxAttempts:  5,
			RetryBackoff: 5 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval:    10 * time.Second,
			GraceWindow: 30 * time.Second,
			BatchSize:   100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr:      ":9090",
			Namespace: "plan_engine",
		},
	}
}

// Width returns the tree fan-out.
func (p *Plan) Width() int {
	return p.TreeWidth
}

// MaxLevel returns the highest configured level.
func (p *Plan) MaxLevel() int {
	return len(p.Levels)
}

// Level returns the configuration of a level. ok is false for unknown levels.
func (p *Plan) Level(level int) (LevelConfig, bool) {
	if level < 1 || level > len(p.Levels) {
		return LevelConfig{}, false
	}
	return p.Levels[level-1], true
}

// TotalRequired returns width^level * incomePerNode.
func (p *Plan) TotalRequired(level int) decimal.Decimal {
	lc, ok := p.Level(level)
	if !ok {
		return decimal.Zero
	}
	mult := int64(1)
	for i := 0; i < level; i++ {
		mult *= int64(p.TreeWidth)
	}
	return decimal.NewFromInt(mult * lc.IncomePerNode)
}

// IncomePerNode returns the amount a new child contributes at the level.
func (p *Plan) IncomePerNode(level int) decimal.Decimal {
	lc, ok := p.Level(level)
	if !ok {
		return decimal.Zero
	}
	return decimal.NewFromInt(lc.IncomePerNode)
}

// LevelBuckets returns the level's buckets in ascending priority order,
// with the implicit profit bucket last. Returns nil for unknown levels.
func (p *Plan) LevelBuckets(level int) []BucketSpec {
	lc, ok := p.Level(level)
	if !ok {
		return nil
	}

	specs := make([]BucketSpec, 0, len(lc.Buckets)+1)
	fixed := decimal.Zero
	maxPriority := 0
	for _, b := range lc.Buckets {
		capacity := decimal.NewFromInt(b.Amount)
		fixed = fixed.Add(capacity)
		if b.Priority > maxPriority {
			maxPriority = b.Priority
		}
		specs = append(specs, BucketSpec{Name: b.Name, Capacity: capacity, Priority: b.Priority})
	}
	sort.SliceStable(specs, func(i, j int) bool {
		return specs[i].Priority < specs[j].Priority
	})

	profit := p.TotalRequired(level).Sub(fixed)
	if profit.IsPositive() {
		specs = append(specs, BucketSpec{Name: BucketProfit, Capacity: profit, Priority: maxPriority + 1})
	}
	return specs
}

// Purchase returns the purchase price as a decimal.
func (p *Plan) Purchase() decimal.Decimal {
	return decimal.NewFromInt(p.PurchasePrice)
}

// Bonus returns the sponsor bonus as a decimal.
func (p *Plan) Bonus() decimal.Decimal {
	return decimal.NewFromInt(p.SponsorBonus)
}

// RebirthCost returns the unit rebirth cost as a decimal.
func (p *Plan) RebirthCost() decimal.Decimal {
	return decimal.NewFromInt(p.RebirthUnitCost)
}
