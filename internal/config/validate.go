package config

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ErrInvalidPlan is returned when the compensation plan is incomplete or inconsistent.
var ErrInvalidPlan = errors.New("invalid plan")

var knownBuckets = map[string]bool{
	BucketUpgrade: true,
	BucketUpline:  true,
	BucketRebirth: true,
	BucketSystem:  true,
	BucketGifts:   true,
}

// MaxPlanLevels bounds the number of configured levels.
const MaxPlanLevels = 16

// Validate checks struct constraints and the plan rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if !c.Database.UseMemory && c.Database.DSN == "" {
		return fmt.Errorf("validate config: database.dsn is required unless database.use_memory is set")
	}
	return c.Plan.Validate()
}

// Validate checks that every level is complete and consistent.
func (p *Plan) Validate() error {
	if p.TreeWidth < 2 {
		return fmt.Errorf("%w: tree_width must be >= 2, got %d", ErrInvalidPlan, p.TreeWidth)
	}
	if len(p.Levels) == 0 {
		return fmt.Errorf("%w: no levels configured", ErrInvalidPlan)
	}
	if len(p.Levels) > MaxPlanLevels {
		return fmt.Errorf("%w: %d levels configured, at most %d allowed", ErrInvalidPlan, len(p.Levels), MaxPlanLevels)
	}

	hasRebirth := false
	for i, lc := range p.Levels {
		if lc.Level != i+1 {
			return fmt.Errorf("%w: levels must be contiguous from 1, position %d has level %d", ErrInvalidPlan, i, lc.Level)
		}
		if lc.IncomePerNode <= 0 {
			return fmt.Errorf("%w: level %d income_per_node must be positive", ErrInvalidPlan, lc.Level)
		}
		if !requiredFits(p.TreeWidth, lc.Level, lc.IncomePerNode) {
			return fmt.Errorf("%w: level %d required revenue overflows", ErrInvalidPlan, lc.Level)
		}

		names := make(map[string]bool, len(lc.Buckets))
		priorities := make(map[int]bool, len(lc.Buckets))
		fixed := decimal.Zero
		for _, b := range lc.Buckets {
			if b.Name == BucketProfit {
				return fmt.Errorf("%w: level %d: profit bucket is implicit", ErrInvalidPlan, lc.Level)
			}
			if !knownBuckets[b.Name] {
				return fmt.Errorf("%w: level %d: unknown bucket %q", ErrInvalidPlan, lc.Level, b.Name)
			}
			if names[b.Name] {
				return fmt.Errorf("%w: level %d: duplicate bucket %q", ErrInvalidPlan, lc.Level, b.Name)
			}
			if priorities[b.Priority] {
				return fmt.Errorf("%w: level %d: duplicate priority %d", ErrInvalidPlan, lc.Level, b.Priority)
			}
			if b.Amount <= 0 {
				return fmt.Errorf("%w: level %d: bucket %q amount must be positive", ErrInvalidPlan, lc.Level, b.Name)
			}
			names[b.Name] = true
			priorities[b.Priority] = true
			fixed = fixed.Add(decimal.NewFromInt(b.Amount))
			if b.Name == BucketRebirth {
				hasRebirth = true
			}
		}

		if required := p.TotalRequired(lc.Level); fixed.GreaterThan(required) {
			return fmt.Errorf("%w: level %d: fixed buckets %s exceed required revenue %s",
				ErrInvalidPlan, lc.Level, fixed, required)
		}
		if names[BucketUpgrade] && lc.Level == len(p.Levels) {
			return fmt.Errorf("%w: level %d is the final level and cannot pass up an upgrade", ErrInvalidPlan, lc.Level)
		}
	}

	if hasRebirth && p.RebirthUnitCost <= 0 {
		return fmt.Errorf("%w: rebirth_unit_cost must be positive when a rebirth bucket is configured", ErrInvalidPlan)
	}
	return nil
}

// requiredFits reports whether width^level * income stays within int64.
func requiredFits(width, level int, income int64) bool {
	mult := int64(1)
	for i := 0; i < level; i++ {
		if mult > math.MaxInt64/int64(width) {
			return false
		}
		mult *= int64(width)
	}
	return mult <= math.MaxInt64/income
}
