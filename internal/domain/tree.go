package domain

// TreeKind selects one of the two independent placement trees.
type TreeKind string

const (
	// TreeSponsor is built from direct-referral relationships.
	TreeSponsor TreeKind = "SPONSOR"
	// TreeGlobal places every node at the next free slot network-wide.
	TreeGlobal TreeKind = "GLOBAL"
)

// String returns the string representation of TreeKind.
func (t TreeKind) String() string {
	return string(t)
}

// IsValid checks if the tree kind is a valid value.
func (t TreeKind) IsValid() bool {
	return t == TreeSponsor || t == TreeGlobal
}
