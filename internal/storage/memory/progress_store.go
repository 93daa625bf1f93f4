package memory

import (
	"context"
	"sort"

	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

type progressStore struct {
	st *state
}

// GetForUpdate retrieves the progress row of a triple.
func (s *progressStore) GetForUpdate(_ context.Context, nodeID string, level int, tree domain.TreeKind) (*domain.LevelProgress, error) {
	p, exists := s.st.progress[progressKey{nodeID: nodeID, level: level, tree: tree}]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return p.Clone(), nil
}

// Upsert inserts or replaces the progress row of a triple.
func (s *progressStore) Upsert(_ context.Context, p *domain.LevelProgress) error {
	if p == nil || p.NodeID == "" || p.Level < 1 || !p.Tree.IsValid() {
		return storage.ErrInvalidInput
	}
	s.st.progress[progressKey{nodeID: p.NodeID, level: p.Level, tree: p.Tree}] = p.Clone()
	return nil
}

// GetByNode retrieves all rows of a node ordered by (tree, level).
func (s *progressStore) GetByNode(_ context.Context, nodeID string) ([]*domain.LevelProgress, error) {
	var result []*domain.LevelProgress
	for k, p := range s.st.progress {
		if k.nodeID == nodeID {
			result = append(result, p.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Tree != result[j].Tree {
			return result[i].Tree < result[j].Tree
		}
		return result[i].Level < result[j].Level
	})
	return result, nil
}

var _ storage.LevelProgressStore = (*progressStore)(nil)
