package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LevelProgress tracks the waterfall fill state of one (node, level, tree) triple.
// Corresponds to level_progress table in PostgreSQL.
type LevelProgress struct {
	NodeID       string
	Level        int
	Tree         TreeKind
	TotalRevenue decimal.Decimal            // sum of all amounts routed to this triple
	Buckets      map[string]decimal.Decimal // bucket name -> amount allocated
	Completed    bool                       // TotalRevenue reached the level requirement
	UpdatedAt    time.Time
}

// NewLevelProgress returns an empty progress row for the triple.
func NewLevelProgress(nodeID string, level int, tree TreeKind) *LevelProgress {
	return &LevelProgress{
		NodeID:       nodeID,
		Level:        level,
		Tree:         tree,
		TotalRevenue: decimal.Zero,
		Buckets:      make(map[string]decimal.Decimal),
	}
}

// Filled returns the amount already allocated to the bucket.
func (p *LevelProgress) Filled(bucket string) decimal.Decimal {
	if v, ok := p.Buckets[bucket]; ok {
		return v
	}
	return decimal.Zero
}

// BucketSum returns the sum of all bucket fill values.
func (p *LevelProgress) BucketSum() decimal.Decimal {
	sum := decimal.Zero
	for _, v := range p.Buckets {
		sum = sum.Add(v)
	}
	return sum
}

// Clone returns a deep copy.
func (p *LevelProgress) Clone() *LevelProgress {
	c := *p
	c.Buckets = make(map[string]decimal.Decimal, len(p.Buckets))
	for k, v := range p.Buckets {
		c.Buckets[k] = v
	}
	return &c
}
