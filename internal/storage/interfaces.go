package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"plan-engine/internal/domain"
)

// Store runs units of work atomically.
type Store interface {
	// InTx runs fn inside one transaction. The transaction commits if fn returns nil
	// and rolls back otherwise. fn may be invoked more than once when the backend
	// retries a serialization conflict, so it must not have side effects outside tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx gives access to the table stores bound to one transaction.
type Tx interface {
	Accounts() AccountStore
	Nodes() NodeStore
	Progress() LevelProgressStore
	Ledger() LedgerStore
	Jobs() JobStore
}

// AccountStore provides access to accounts storage.
type AccountStore interface {
	// Insert adds a new account. Returns ErrDuplicateKey if id exists.
	Insert(ctx context.Context, a *domain.Account) error

	// GetForUpdate retrieves an account and locks it until the transaction ends.
	// Returns ErrNotFound if not exists.
	GetForUpdate(ctx context.Context, accountID string) (*domain.Account, error)

	// AddBalance adds delta (may be negative) to the master wallet.
	AddBalance(ctx context.Context, accountID string, delta decimal.Decimal) error
}

// NodeStore provides access to nodes storage.
type NodeStore interface {
	// Insert adds a new node and assigns its Seq. Returns ErrDuplicateKey if id or referral code exists.
	Insert(ctx context.Context, n *domain.Node) error

	// GetByID retrieves a node by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, nodeID string) (*domain.Node, error)

	// GetByReferralCode retrieves a node by referral code. Returns ErrNotFound if not exists.
	GetByReferralCode(ctx context.Context, code string) (*domain.Node, error)

	// LockForUpdate retrieves a node and locks its row until the transaction ends.
	LockForUpdate(ctx context.Context, nodeID string) (*domain.Node, error)

	// GetRoot retrieves the network root (the node with no sponsor-tree parent).
	GetRoot(ctx context.Context) (*domain.Node, error)

	// CountChildren returns the number of nodes whose parent in tree is nodeID.
	CountChildren(ctx context.Context, nodeID string, tree domain.TreeKind) (int, error)

	// ListChildren returns the ids of the children of nodeID in tree, oldest first.
	ListChildren(ctx context.Context, nodeID string, tree domain.TreeKind) ([]string, error)

	// CountDescendants returns the size of the subtree below nodeID in tree (excluding nodeID).
	CountDescendants(ctx context.Context, nodeID string, tree domain.TreeKind) (int, error)

	// SetGlobalParent sets the global-tree parent of a node whose global parent is still null.
	// Returns ErrDuplicateKey if the node already has a global parent.
	SetGlobalParent(ctx context.Context, nodeID, parentID string) error

	// AddWallet adds delta (may be negative) to the node wallet.
	AddWallet(ctx context.Context, nodeID string, delta decimal.Decimal) error

	// IncrementReferrals increments the direct-referral counter and activates the node
	// once the counter reaches activateAt. Returns the updated node.
	IncrementReferrals(ctx context.Context, nodeID string, activateAt int) (*domain.Node, error)

	// RaiseRank sets the node rank to level if it is currently lower.
	RaiseRank(ctx context.Context, nodeID string, level int) error

	// ListOrphans returns non-root nodes without a global parent created at or before
	// createdBefore, oldest first, at most limit.
	ListOrphans(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.Node, error)
}

// LevelProgressStore provides access to level_progress storage.
type LevelProgressStore interface {
	// GetForUpdate retrieves and locks the progress row of a triple.
	// Returns ErrNotFound if the triple has no row yet.
	GetForUpdate(ctx context.Context, nodeID string, level int, tree domain.TreeKind) (*domain.LevelProgress, error)

	// Upsert inserts or replaces the progress row of a triple.
	Upsert(ctx context.Context, p *domain.LevelProgress) error

	// GetByNode retrieves all progress rows of a node ordered by (tree, level).
	GetByNode(ctx context.Context, nodeID string) ([]*domain.LevelProgress, error)
}

// LedgerStore provides access to the append-only ledger_entries storage.
type LedgerStore interface {
	// Append adds a new entry. Returns ErrDuplicateKey if id exists.
	Append(ctx context.Context, e *domain.LedgerEntry) error

	// GetByOwner retrieves all entries of an owner ordered by creation.
	GetByOwner(ctx context.Context, owner domain.Owner) ([]*domain.LedgerEntry, error)
}

// JobStore is the durable job queue.
type JobStore interface {
	// Enqueue adds a pending job. Returns ErrDuplicateKey if the job id exists.
	Enqueue(ctx context.Context, j *domain.Job) error

	// Claim locks the oldest runnable pending job (RunAt <= now) and marks it RUNNING
	// within the transaction. Returns ErrNotFound if none is runnable.
	Claim(ctx context.Context, now time.Time) (*domain.Job, error)

	// Complete marks a job DONE.
	Complete(ctx context.Context, jobID string, now time.Time) error

	// Fail records a failed attempt. The job returns to PENDING at retryAt,
	// or becomes FAILED when final is set.
	Fail(ctx context.Context, jobID string, errMsg string, retryAt time.Time, final bool) error

	// GetByID retrieves a job. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)
}
