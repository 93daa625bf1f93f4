package postgres

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

// LevelProgressStore implements storage.LevelProgressStore using PostgreSQL.
// The bucket map is stored as JSONB with decimal strings as values.
type LevelProgressStore struct {
	q querier
}

// Compile-time interface check.
var _ storage.LevelProgressStore = (*LevelProgressStore)(nil)

const progressColumns = `node_id, level, tree, total_revenue::text, buckets::text, is_completed, updated_at`

// GetForUpdate retrieves and locks the progress row of a triple.
func (s *LevelProgressStore) GetForUpdate(ctx context.Context, nodeID string, level int, tree domain.TreeKind) (*domain.LevelProgress, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+progressColumns+`
		FROM level_progress
		WHERE node_id = $1 AND level = $2 AND tree = $3
		FOR UPDATE
	`, nodeID, level, string(tree))

	p, err := scanProgress(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get level progress: %w", err)
	}
	return p, nil
}

// Upsert inserts or replaces the progress row of a triple.
func (s *LevelProgressStore) Upsert(ctx context.Context, p *domain.LevelProgress) error {
	if p == nil || p.NodeID == "" || p.Level < 1 || !p.Tree.IsValid() {
		return storage.ErrInvalidInput
	}

	buckets, err := json.Marshal(p.Buckets)
	if err != nil {
		return fmt.Errorf("marshal buckets: %w", err)
	}

	_, err = s.q.Exec(ctx, `
		INSERT INTO level_progress (node_id, level, tree, total_revenue, buckets, is_completed, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5::jsonb, $6, $7)
		ON CONFLICT (node_id, level, tree) DO UPDATE
		SET total_revenue = EXCLUDED.total_revenue,
		    buckets = EXCLUDED.buckets,
		    is_completed = EXCLUDED.is_completed,
		    updated_at = EXCLUDED.updated_at
	`,
		p.NodeID,
		p.Level,
		string(p.Tree),
		p.TotalRevenue.String(),
		string(buckets),
		p.Completed,
		p.UpdatedAt,
	)
	if err != nil {
		if isInvalidInputError(err) {
			return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
		}
		return fmt.Errorf("upsert level progress: %w", err)
	}
	return nil
}

// GetByNode retrieves all rows of a node ordered by (tree, level).
func (s *LevelProgressStore) GetByNode(ctx context.Context, nodeID string) ([]*domain.LevelProgress, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+progressColumns+`
		FROM level_progress
		WHERE node_id = $1
		ORDER BY tree ASC, level ASC
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("get level progress by node: %w", err)
	}
	defer rows.Close()

	var result []*domain.LevelProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan level progress row: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate level progress rows: %w", err)
	}
	return result, nil
}

func scanProgress(row pgx.Row) (*domain.LevelProgress, error) {
	var p domain.LevelProgress
	var tree, total, buckets string

	if err := row.Scan(&p.NodeID, &p.Level, &tree, &total, &buckets, &p.Completed, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.Tree = domain.TreeKind(tree)
	var err error
	if p.TotalRevenue, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parse total revenue: %w", err)
	}
	p.Buckets = make(map[string]decimal.Decimal)
	if err := json.Unmarshal([]byte(buckets), &p.Buckets); err != nil {
		return nil, fmt.Errorf("unmarshal buckets: %w", err)
	}
	return &p, nil
}
