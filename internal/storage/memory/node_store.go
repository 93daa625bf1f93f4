package memory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

type nodeStore struct {
	st *state
}

// Insert adds a new node and assigns its Seq.
func (s *nodeStore) Insert(_ context.Context, n *domain.Node) error {
	if n == nil || n.ID == "" || n.ReferralCode == "" {
		return storage.ErrInvalidInput
	}
	if _, exists := s.st.nodes[n.ID]; exists {
		return storage.ErrDuplicateKey
	}
	if _, exists := s.st.codes[n.ReferralCode]; exists {
		return storage.ErrDuplicateKey
	}

	s.st.seq++
	n.Seq = s.st.seq

	nodeCopy := *n
	s.st.nodes[n.ID] = &nodeCopy
	s.st.codes[n.ReferralCode] = n.ID
	if n.SponsorParentID != nil {
		s.link(domain.TreeSponsor, *n.SponsorParentID, n.ID)
	}
	if n.GlobalParentID != nil {
		s.link(domain.TreeGlobal, *n.GlobalParentID, n.ID)
	}
	return nil
}

func (s *nodeStore) link(tree domain.TreeKind, parentID, childID string) {
	s.st.children[tree][parentID] = append(s.st.children[tree][parentID], childID)
}

// GetByID retrieves a node by its ID.
func (s *nodeStore) GetByID(_ context.Context, nodeID string) (*domain.Node, error) {
	n, exists := s.st.nodes[nodeID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	// Return a copy
	nodeCopy := *n
	return &nodeCopy, nil
}

// GetByReferralCode retrieves a node by referral code.
func (s *nodeStore) GetByReferralCode(ctx context.Context, code string) (*domain.Node, error) {
	id, exists := s.st.codes[code]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return s.GetByID(ctx, id)
}

// LockForUpdate retrieves a node. The store lock already serializes writers.
func (s *nodeStore) LockForUpdate(ctx context.Context, nodeID string) (*domain.Node, error) {
	return s.GetByID(ctx, nodeID)
}

// GetRoot retrieves the oldest node without a sponsor-tree parent.
func (s *nodeStore) GetRoot(_ context.Context) (*domain.Node, error) {
	var root *domain.Node
	for _, n := range s.st.nodes {
		if n.SponsorParentID != nil {
			continue
		}
		if root == nil || n.Seq < root.Seq {
			root = n
		}
	}
	if root == nil {
		return nil, storage.ErrNotFound
	}

	nodeCopy := *root
	return &nodeCopy, nil
}

// CountChildren returns the number of children of nodeID in tree.
func (s *nodeStore) CountChildren(_ context.Context, nodeID string, tree domain.TreeKind) (int, error) {
	if !tree.IsValid() {
		return 0, storage.ErrInvalidInput
	}
	return len(s.st.children[tree][nodeID]), nil
}

// ListChildren returns children ordered by (CreatedAt, Seq).
func (s *nodeStore) ListChildren(_ context.Context, nodeID string, tree domain.TreeKind) ([]string, error) {
	if !tree.IsValid() {
		return nil, storage.ErrInvalidInput
	}

	ids := append([]string(nil), s.st.children[tree][nodeID]...)
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := s.st.nodes[ids[i]], s.st.nodes[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
	return ids, nil
}

// CountDescendants walks the subtree below nodeID.
func (s *nodeStore) CountDescendants(_ context.Context, nodeID string, tree domain.TreeKind) (int, error) {
	if !tree.IsValid() {
		return 0, storage.ErrInvalidInput
	}

	count := 0
	frontier := []string{nodeID}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		kids := s.st.children[tree][current]
		count += len(kids)
		frontier = append(frontier, kids...)
	}
	return count, nil
}

// SetGlobalParent sets the global parent of an orphan.
func (s *nodeStore) SetGlobalParent(_ context.Context, nodeID, parentID string) error {
	n, exists := s.st.nodes[nodeID]
	if !exists {
		return storage.ErrNotFound
	}
	if n.GlobalParentID != nil {
		return storage.ErrDuplicateKey
	}
	if _, exists := s.st.nodes[parentID]; !exists {
		return storage.ErrInvalidInput
	}

	parent := parentID
	n.GlobalParentID = &parent
	s.link(domain.TreeGlobal, parentID, nodeID)
	return nil
}

// AddWallet adds delta to the node wallet.
func (s *nodeStore) AddWallet(_ context.Context, nodeID string, delta decimal.Decimal) error {
	n, exists := s.st.nodes[nodeID]
	if !exists {
		return storage.ErrNotFound
	}
	n.Wallet = n.Wallet.Add(delta)
	return nil
}

// IncrementReferrals increments the direct-referral counter.
func (s *nodeStore) IncrementReferrals(_ context.Context, nodeID string, activateAt int) (*domain.Node, error) {
	n, exists := s.st.nodes[nodeID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	n.DirectReferrals++
	if n.DirectReferrals >= activateAt {
		n.Status = domain.NodeStatusActive
	}

	nodeCopy := *n
	return &nodeCopy, nil
}

// RaiseRank sets the rank to level if it is currently lower.
func (s *nodeStore) RaiseRank(_ context.Context, nodeID string, level int) error {
	n, exists := s.st.nodes[nodeID]
	if !exists {
		return storage.ErrNotFound
	}
	if n.Rank < level {
		n.Rank = level
	}
	return nil
}

// ListOrphans returns non-root nodes without a global parent.
func (s *nodeStore) ListOrphans(_ context.Context, createdBefore time.Time, limit int) ([]*domain.Node, error) {
	var result []*domain.Node
	for _, n := range s.st.nodes {
		if n.SponsorParentID == nil || n.GlobalParentID != nil {
			continue
		}
		if n.CreatedAt.After(createdBefore) {
			continue
		}
		nodeCopy := *n
		result = append(result, &nodeCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Seq < result[j].Seq
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ storage.NodeStore = (*nodeStore)(nil)
