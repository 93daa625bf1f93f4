package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"plan-engine/internal/domain"
	"plan-engine/internal/idhash"
	"plan-engine/internal/storage"
)

// Enqueue schedules a job of jobType for subjectID inside the caller's transaction.
// The job id is derived from (jobType, subjectID), so enqueueing the same work twice
// returns the existing job and reports created=false.
func Enqueue(ctx context.Context, jobs storage.JobStore, jobType, subjectID string, payload any, now time.Time) (*domain.Job, bool, error) {
	jobID := idhash.ComputeJobID(jobType, subjectID)

	existing, err := jobs.GetByID(ctx, jobID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("lookup job %s: %w", jobID, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal %s payload: %w", jobType, err)
	}

	job := &domain.Job{
		ID:        jobID,
		Type:      jobType,
		Payload:   body,
		Status:    domain.JobPending,
		RunAt:     now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := jobs.Enqueue(ctx, job); err != nil {
		return nil, false, fmt.Errorf("enqueue %s for %s: %w", jobType, subjectID, err)
	}
	return job, true, nil
}

// EnqueuePlaceGlobal schedules global-tree placement of nodeID.
func EnqueuePlaceGlobal(ctx context.Context, jobs storage.JobStore, nodeID string, now time.Time) (*domain.Job, error) {
	job, _, err := Enqueue(ctx, jobs, domain.JobTypePlaceGlobal, nodeID, domain.PlaceGlobalPayload{NodeID: nodeID}, now)
	return job, err
}

// DecodePlaceGlobal parses a place_global job payload.
func DecodePlaceGlobal(job *domain.Job) (domain.PlaceGlobalPayload, error) {
	var p domain.PlaceGlobalPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload of job %s: %w", job.Type, job.ID, err)
	}
	if p.NodeID == "" {
		return p, fmt.Errorf("decode %s payload of job %s: %w: empty node_id", job.Type, job.ID, storage.ErrInvalidInput)
	}
	return p, nil
}
