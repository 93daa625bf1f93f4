package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// NodeStatus is the activation state of a node.
type NodeStatus string

const (
	NodeStatusInactive NodeStatus = "INACTIVE"
	NodeStatusActive   NodeStatus = "ACTIVE"
)

// String returns the string representation of NodeStatus.
func (s NodeStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a valid value.
func (s NodeStatus) IsValid() bool {
	return s == NodeStatusInactive || s == NodeStatusActive
}

// Node is a participant's position token.
// Corresponds to nodes table in PostgreSQL.
type Node struct {
	ID              string          // PRIMARY KEY, uuid
	AccountID       string          // owning account
	ReferralCode    string          // unique, shared with referred accounts
	Status          NodeStatus      // INACTIVE | ACTIVE
	SponsorID       *string         // referring node (nullable for root and rebirths)
	SponsorParentID *string         // sponsor-tree parent (nullable only for root)
	GlobalParentID  *string         // global-tree parent (nullable until async placement)
	Wallet          decimal.Decimal // node-scoped wallet, distinct from the master wallet
	DirectReferrals int             // nodes purchased with this node's referral code
	Rank            int             // highest completed compensation level
	IsRebirth       bool            // auto-spawned, sterile
	OriginNodeID    *string         // node whose rebirth bucket spawned this one
	Seq             int64           // monotonic insertion order, breaks CreatedAt ties
	CreatedAt       time.Time
}

// IsRoot reports whether the node is the network root.
func (n *Node) IsRoot() bool {
	return n.SponsorParentID == nil
}

// Parent returns the node's parent reference in the given tree.
func (n *Node) Parent(tree TreeKind) *string {
	if tree == TreeGlobal {
		return n.GlobalParentID
	}
	return n.SponsorParentID
}

// ActivationReferrals is the number of direct referrals that activates a node.
const ActivationReferrals = 3
