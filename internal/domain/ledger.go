package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OwnerKind identifies which wallet a ledger entry belongs to.
type OwnerKind string

const (
	OwnerAccount OwnerKind = "ACCOUNT" // member master wallet
	OwnerNode    OwnerKind = "NODE"    // node-scoped wallet
	OwnerSystem  OwnerKind = "SYSTEM"  // administrative sink, no wallet
)

// Owner is a money-owning entity.
type Owner struct {
	Kind OwnerKind
	ID   string
}

// AccountOwner returns the owner reference for an account's master wallet.
func AccountOwner(accountID string) Owner {
	return Owner{Kind: OwnerAccount, ID: accountID}
}

// NodeOwner returns the owner reference for a node wallet.
func NodeOwner(nodeID string) Owner {
	return Owner{Kind: OwnerNode, ID: nodeID}
}

// SystemOwner returns the owner reference for a named sink.
func SystemOwner(policy string) Owner {
	return Owner{Kind: OwnerSystem, ID: policy}
}

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryDeposit      EntryType = "DEPOSIT"
	EntryPurchase     EntryType = "PURCHASE"
	EntryRefund       EntryType = "REFUND"
	EntrySponsorBonus EntryType = "SPONSOR_BONUS"
	EntryCommission   EntryType = "COMMISSION"
	EntryProfit       EntryType = "PROFIT"
	EntrySink         EntryType = "SINK"
)

// Direction is the sign of a ledger entry.
type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

// LedgerEntry is an immutable record of a wallet movement.
// Corresponds to ledger_entries table in PostgreSQL (append-only).
type LedgerEntry struct {
	ID          string
	OwnerKind   OwnerKind
	OwnerID     string
	EntryType   EntryType
	Direction   Direction
	Amount      decimal.Decimal // always positive
	Description string
	Reference   string // id of the node or job that caused the movement (may be empty)
	CreatedAt   time.Time
}
