package memory

import (
	"context"
	"sync"

	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

// Store is an in-memory implementation of storage.Store.
//
// Transactions are serialized by a single lock: InTx runs fn against a private copy
// of the state and publishes it on success, so a failed fn leaves no trace.
// The ledger is shared and only appended to at commit; every other table is copied
// per transaction, so a transaction costs O(nodes + progress rows). Intended for
// tests and single-process demos, not large networks.
type Store struct {
	mu    sync.Mutex
	state *state
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{state: newState()}
}

// InTx runs fn in a serialized transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	work.commitLedger()
	s.state = work
	return nil
}

// Verify interface compliance at compile time.
var _ storage.Store = (*Store)(nil)

type progressKey struct {
	nodeID string
	level  int
	tree   domain.TreeKind
}

type state struct {
	accounts   map[string]*domain.Account
	nodes      map[string]*domain.Node
	codes      map[string]string                       // referral code -> node id
	children   map[domain.TreeKind]map[string][]string // tree -> parent -> children in insertion order
	progress   map[progressKey]*domain.LevelProgress
	ledger     []*domain.LedgerEntry // committed entries, shared between states
	entryIDs   map[string]bool       // ids of committed entries, shared between states
	pending    []*domain.LedgerEntry // entries appended by the running transaction
	pendingIDs map[string]bool
	jobs       map[string]*domain.Job
	seq        int64
}

func newState() *state {
	return &state{
		accounts: make(map[string]*domain.Account),
		nodes:    make(map[string]*domain.Node),
		codes:    make(map[string]string),
		children: map[domain.TreeKind]map[string][]string{
			domain.TreeSponsor: {},
			domain.TreeGlobal:  {},
		},
		progress:   make(map[progressKey]*domain.LevelProgress),
		entryIDs:   make(map[string]bool),
		pendingIDs: make(map[string]bool),
		jobs:       make(map[string]*domain.Job),
	}
}

// clone deep-copies every mutable record. The committed ledger is append-only and shared.
func (st *state) clone() *state {
	c := newState()
	c.seq = st.seq

	for id, a := range st.accounts {
		accountCopy := *a
		c.accounts[id] = &accountCopy
	}
	for id, n := range st.nodes {
		nodeCopy := *n
		c.nodes[id] = &nodeCopy
	}
	for code, id := range st.codes {
		c.codes[code] = id
	}
	for tree, parents := range st.children {
		for parent, kids := range parents {
			c.children[tree][parent] = append([]string(nil), kids...)
		}
	}
	for k, p := range st.progress {
		c.progress[k] = p.Clone()
	}
	c.ledger = st.ledger
	c.entryIDs = st.entryIDs
	for id, j := range st.jobs {
		jobCopy := *j
		c.jobs[id] = &jobCopy
	}
	return c
}

// commitLedger moves the transaction's entries into the shared ledger.
// Only called under the store lock, after fn succeeded.
func (st *state) commitLedger() {
	for _, e := range st.pending {
		st.ledger = append(st.ledger, e)
		st.entryIDs[e.ID] = true
	}
	st.pending = nil
	st.pendingIDs = make(map[string]bool)
}

type memTx struct {
	st *state
}

func (t *memTx) Accounts() storage.AccountStore       { return &accountStore{st: t.st} }
func (t *memTx) Nodes() storage.NodeStore             { return &nodeStore{st: t.st} }
func (t *memTx) Progress() storage.LevelProgressStore { return &progressStore{st: t.st} }
func (t *memTx) Ledger() storage.LedgerStore          { return &ledgerStore{st: t.st} }
func (t *memTx) Jobs() storage.JobStore               { return &jobStore{st: t.st} }
