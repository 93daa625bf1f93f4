package domain

import "time"

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobRunning JobStatus = "RUNNING"
	JobDone    JobStatus = "DONE"
	JobFailed  JobStatus = "FAILED"
)

// JobTypePlaceGlobal places a node into the global tree.
const JobTypePlaceGlobal = "place_global"

// Job is a durable unit of deferred work.
// Corresponds to jobs table in PostgreSQL.
type Job struct {
	ID        string // deterministic hash of (type, subject)
	Type      string
	Payload   []byte // JSON
	Status    JobStatus
	Attempts  int
	LastError string
	RunAt     time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PlaceGlobalPayload is the payload of a place_global job.
type PlaceGlobalPayload struct {
	NodeID string `json:"node_id"`
}
