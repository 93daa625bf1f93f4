package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the slice of a member account the plan engine needs: its master wallet.
type Account struct {
	ID           string
	MasterWallet decimal.Decimal
	CreatedAt    time.Time
}
