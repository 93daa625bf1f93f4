package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

// Sink policies. Each names where an amount that credits no member settles.
const (
	PolicySystem         = "system"
	PolicyGifts          = "gifts"
	PolicyMissingUpline  = "missing_upline"
	PolicySterileRebirth = "sterile_rebirth"
	PolicyLevelOverflow  = "level_overflow"
)

// Sink absorbs amounts that credit no member wallet.
type Sink interface {
	Absorb(ctx context.Context, tx storage.Tx, policy string, amount decimal.Decimal, ref string) error
}

// SystemSink records a SYSTEM-owned SINK entry per absorbed amount and credits no wallet.
type SystemSink struct {
	book *Book
}

// NewSystemSink creates a SystemSink writing through book.
func NewSystemSink(book *Book) *SystemSink {
	return &SystemSink{book: book}
}

// Compile-time interface check.
var _ Sink = (*SystemSink)(nil)

// Absorb implements Sink. Zero amounts are ignored.
func (s *SystemSink) Absorb(ctx context.Context, tx storage.Tx, policy string, amount decimal.Decimal, ref string) error {
	if !amount.IsPositive() {
		return nil
	}
	return s.book.Credit(ctx, tx, domain.SystemOwner(policy), amount, domain.EntrySink, "absorbed by "+policy, ref)
}
