package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"plan-engine/internal/storage"
)

// Store implements storage.Store using PostgreSQL transactions.
type Store struct {
	pool       *Pool
	maxRetries int
	onRetry    func(attempt int, err error)
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// MaxRetries bounds re-runs after serialization failures or deadlocks.
	MaxRetries int
	// OnRetry is called before each retry (optional, used for logging/metrics).
	OnRetry func(attempt int, err error)
}

// NewStore creates a new Store.
func NewStore(pool *Pool, opts StoreOptions) *Store {
	return &Store{pool: pool, maxRetries: opts.MaxRetries, onRetry: opts.OnRetry}
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// InTx runs fn in a READ COMMITTED transaction. Row locks taken through the
// table stores are held until commit. Deadlocks and serialization failures
// re-run fn up to MaxRetries times, then surface as storage.ErrConflict.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			if s.onRetry != nil {
				s.onRetry(attempt, lastErr)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		}

		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", storage.ErrConflict, lastErr)
}

func (s *Store) runOnce(ctx context.Context, fn func(tx storage.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if err = fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	q querier
}

func (t *pgTx) Accounts() storage.AccountStore       { return &AccountStore{q: t.q} }
func (t *pgTx) Nodes() storage.NodeStore             { return &NodeStore{q: t.q} }
func (t *pgTx) Progress() storage.LevelProgressStore { return &LevelProgressStore{q: t.q} }
func (t *pgTx) Ledger() storage.LedgerStore          { return &LedgerStore{q: t.q} }
func (t *pgTx) Jobs() storage.JobStore               { return &JobStore{q: t.q} }
