package memory

import (
	"context"
	"time"

	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

type jobStore struct {
	st *state
}

// Enqueue adds a pending job.
func (s *jobStore) Enqueue(_ context.Context, j *domain.Job) error {
	if j == nil || j.ID == "" || j.Type == "" {
		return storage.ErrInvalidInput
	}
	if _, exists := s.st.jobs[j.ID]; exists {
		return storage.ErrDuplicateKey
	}

	jobCopy := *j
	jobCopy.Status = domain.JobPending
	s.st.jobs[j.ID] = &jobCopy
	return nil
}

// Claim marks the oldest runnable pending job RUNNING.
func (s *jobStore) Claim(_ context.Context, now time.Time) (*domain.Job, error) {
	var next *domain.Job
	for _, j := range s.st.jobs {
		if j.Status != domain.JobPending || j.RunAt.After(now) {
			continue
		}
		if next == nil || jobBefore(j, next) {
			next = j
		}
	}
	if next == nil {
		return nil, storage.ErrNotFound
	}

	next.Status = domain.JobRunning
	next.UpdatedAt = now

	jobCopy := *next
	return &jobCopy, nil
}

// jobBefore orders runnable jobs by (RunAt, CreatedAt, ID).
func jobBefore(a, b *domain.Job) bool {
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Complete marks a job DONE.
func (s *jobStore) Complete(_ context.Context, jobID string, now time.Time) error {
	j, exists := s.st.jobs[jobID]
	if !exists {
		return storage.ErrNotFound
	}
	j.Status = domain.JobDone
	j.UpdatedAt = now
	return nil
}

// Fail records a failed attempt.
func (s *jobStore) Fail(_ context.Context, jobID string, errMsg string, retryAt time.Time, final bool) error {
	j, exists := s.st.jobs[jobID]
	if !exists {
		return storage.ErrNotFound
	}
	j.Attempts++
	j.LastError = errMsg
	j.RunAt = retryAt
	j.UpdatedAt = retryAt
	j.Status = domain.JobPending
	if final {
		j.Status = domain.JobFailed
	}
	return nil
}

// GetByID retrieves a job.
func (s *jobStore) GetByID(_ context.Context, jobID string) (*domain.Job, error) {
	j, exists := s.st.jobs[jobID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	jobCopy := *j
	return &jobCopy, nil
}

var _ storage.JobStore = (*jobStore)(nil)
