package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeJobID computes a deterministic job_id using SHA256.
// Formula: SHA256(job_type|subject_id)
// Returns hex-encoded hash (64 characters).
// Enqueueing the same (type, subject) twice collides on the primary key,
// which makes deferred work idempotent per subject.
func ComputeJobID(jobType string, subjectID string) string {
	data := fmt.Sprintf("%s|%s", jobType, subjectID)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
