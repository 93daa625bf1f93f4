package idhash

import (
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

// referralCodeBytes is the number of hash bytes encoded into a referral code.
const referralCodeBytes = 8

// ComputeReferralCode derives the human-facing referral code of a node.
// Formula: base58(SHA256(node_id|salt)[:8])
// Codes are at most 11 characters and avoid look-alike glyphs (0, O, I, l).
// Callers bump salt when a code collides with an existing one.
func ComputeReferralCode(nodeID string, salt int) string {
	data := fmt.Sprintf("%s|%d", nodeID, salt)

	hash := sha256.Sum256([]byte(data))
	return base58.Encode(hash[:referralCodeBytes])
}
