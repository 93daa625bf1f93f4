package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

// NodeStore implements storage.NodeStore using PostgreSQL.
type NodeStore struct {
	q querier
}

// Compile-time interface check.
var _ storage.NodeStore = (*NodeStore)(nil)

const nodeColumns = `
	node_id, seq, account_id, referral_code, status, sponsor_id, sponsor_parent_id,
	global_parent_id, wallet::text, direct_referrals, node_rank, is_rebirth, origin_node_id, created_at
`

// parentColumn maps a tree to its parent column. Never interpolate user input.
func parentColumn(tree domain.TreeKind) (string, error) {
	switch tree {
	case domain.TreeSponsor:
		return "sponsor_parent_id", nil
	case domain.TreeGlobal:
		return "global_parent_id", nil
	default:
		return "", storage.ErrInvalidInput
	}
}

// Insert adds a new node and assigns its Seq.
func (s *NodeStore) Insert(ctx context.Context, n *domain.Node) error {
	if n == nil || n.ID == "" || n.ReferralCode == "" {
		return storage.ErrInvalidInput
	}

	err := s.q.QueryRow(ctx, `
		INSERT INTO nodes (
			node_id, account_id, referral_code, status, sponsor_id, sponsor_parent_id,
			global_parent_id, wallet, direct_referrals, node_rank, is_rebirth, origin_node_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13)
		RETURNING seq
	`,
		n.ID,
		n.AccountID,
		n.ReferralCode,
		string(n.Status),
		n.SponsorID,
		n.SponsorParentID,
		n.GlobalParentID,
		n.Wallet.String(),
		n.DirectReferrals,
		n.Rank,
		n.IsRebirth,
		n.OriginNodeID,
		n.CreatedAt,
	).Scan(&n.Seq)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		if isInvalidInputError(err) {
			return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
		}
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

// GetByID retrieves a node by its ID.
func (s *NodeStore) GetByID(ctx context.Context, nodeID string) (*domain.Node, error) {
	return s.getOne(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE node_id = $1`, nodeID)
}

// GetByReferralCode retrieves a node by referral code.
func (s *NodeStore) GetByReferralCode(ctx context.Context, code string) (*domain.Node, error) {
	return s.getOne(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE referral_code = $1`, code)
}

// LockForUpdate retrieves a node and locks its row until the transaction ends.
func (s *NodeStore) LockForUpdate(ctx context.Context, nodeID string) (*domain.Node, error) {
	return s.getOne(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE node_id = $1 FOR UPDATE`, nodeID)
}

// GetRoot retrieves the node without a sponsor-tree parent.
func (s *NodeStore) GetRoot(ctx context.Context) (*domain.Node, error) {
	return s.getOne(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE sponsor_parent_id IS NULL
		ORDER BY created_at ASC, seq ASC
		LIMIT 1
	`)
}

func (s *NodeStore) getOne(ctx context.Context, query string, args ...any) (*domain.Node, error) {
	n, err := scanNode(s.q.QueryRow(ctx, query, args...))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

// CountChildren returns the number of children of nodeID in tree.
func (s *NodeStore) CountChildren(ctx context.Context, nodeID string, tree domain.TreeKind) (int, error) {
	col, err := parentColumn(tree)
	if err != nil {
		return 0, err
	}

	var count int
	if err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM nodes WHERE `+col+` = $1`, nodeID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count children: %w", err)
	}
	return count, nil
}

// ListChildren returns children ordered by (created_at, seq).
func (s *NodeStore) ListChildren(ctx context.Context, nodeID string, tree domain.TreeKind) ([]string, error) {
	col, err := parentColumn(tree)
	if err != nil {
		return nil, err
	}

	rows, err := s.q.Query(ctx, `
		SELECT node_id FROM nodes
		WHERE `+col+` = $1
		ORDER BY created_at ASC, seq ASC
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan child row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate child rows: %w", err)
	}
	return ids, nil
}

// CountDescendants counts the subtree below nodeID with a recursive CTE.
func (s *NodeStore) CountDescendants(ctx context.Context, nodeID string, tree domain.TreeKind) (int, error) {
	col, err := parentColumn(tree)
	if err != nil {
		return 0, err
	}

	var count int
	err = s.q.QueryRow(ctx, `
		WITH RECURSIVE team AS (
			SELECT node_id FROM nodes WHERE `+col+` = $1
			UNION ALL
			SELECT n.node_id FROM nodes n JOIN team t ON n.`+col+` = t.node_id
		)
		SELECT COUNT(*) FROM team
	`, nodeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count descendants: %w", err)
	}
	return count, nil
}

// SetGlobalParent sets the global parent of an orphan.
func (s *NodeStore) SetGlobalParent(ctx context.Context, nodeID, parentID string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE nodes SET global_parent_id = $2
		WHERE node_id = $1 AND global_parent_id IS NULL
	`, nodeID, parentID)
	if err != nil {
		if isInvalidInputError(err) {
			return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
		}
		return fmt.Errorf("set global parent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, nodeID); err != nil {
			return err
		}
		return storage.ErrDuplicateKey
	}
	return nil
}

// AddWallet adds delta to the node wallet.
func (s *NodeStore) AddWallet(ctx context.Context, nodeID string, delta decimal.Decimal) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE nodes SET wallet = wallet + $2::numeric WHERE node_id = $1
	`, nodeID, delta.String())
	if err != nil {
		return fmt.Errorf("update node wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// IncrementReferrals increments the direct-referral counter and activates the node.
func (s *NodeStore) IncrementReferrals(ctx context.Context, nodeID string, activateAt int) (*domain.Node, error) {
	return s.getOne(ctx, `
		UPDATE nodes
		SET direct_referrals = direct_referrals + 1,
		    status = CASE WHEN direct_referrals + 1 >= $2 THEN 'ACTIVE' ELSE status END
		WHERE node_id = $1
		RETURNING `+nodeColumns, nodeID, activateAt)
}

// RaiseRank sets the rank to level if it is currently lower.
func (s *NodeStore) RaiseRank(ctx context.Context, nodeID string, level int) error {
	_, err := s.q.Exec(ctx, `UPDATE nodes SET node_rank = $2 WHERE node_id = $1 AND node_rank < $2`, nodeID, level)
	if err != nil {
		return fmt.Errorf("raise rank: %w", err)
	}
	return nil
}

// ListOrphans returns non-root nodes without a global parent, oldest first.
func (s *NodeStore) ListOrphans(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.Node, error) {
	var maxRows any // NULL means no limit
	if limit > 0 {
		maxRows = limit
	}

	rows, err := s.q.Query(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE global_parent_id IS NULL
		  AND sponsor_parent_id IS NOT NULL
		  AND created_at <= $1
		ORDER BY created_at ASC, seq ASC
		LIMIT $2
	`, createdBefore, maxRows)
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	defer rows.Close()

	var nodes []*domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan orphan row: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphan rows: %w", err)
	}
	return nodes, nil
}

// scanNode scans a single row into a Node.
func scanNode(row pgx.Row) (*domain.Node, error) {
	var n domain.Node
	var status, wallet string

	err := row.Scan(
		&n.ID,
		&n.Seq,
		&n.AccountID,
		&n.ReferralCode,
		&status,
		&n.SponsorID,
		&n.SponsorParentID,
		&n.GlobalParentID,
		&wallet,
		&n.DirectReferrals,
		&n.Rank,
		&n.IsRebirth,
		&n.OriginNodeID,
		&n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.Status = domain.NodeStatus(status)
	if n.Wallet, err = decimal.NewFromString(wallet); err != nil {
		return nil, fmt.Errorf("parse node wallet: %w", err)
	}
	return &n, nil
}
