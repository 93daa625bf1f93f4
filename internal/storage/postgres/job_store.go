package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"plan-engine/internal/domain"
	"plan-engine/internal/storage"
)

// JobStore implements storage.JobStore using PostgreSQL.
// Workers claim with FOR UPDATE SKIP LOCKED so concurrent workers never share a job.
type JobStore struct {
	q querier
}

// Compile-time interface check.
var _ storage.JobStore = (*JobStore)(nil)

const jobColumns = `job_id, job_type, payload::text, status, attempts, last_error, run_at, created_at, updated_at`

// Enqueue adds a pending job. Returns ErrDuplicateKey if job_id exists.
func (s *JobStore) Enqueue(ctx context.Context, j *domain.Job) error {
	if j == nil || j.ID == "" || j.Type == "" {
		return storage.ErrInvalidInput
	}

	payload := string(j.Payload)
	if payload == "" {
		payload = "{}"
	}

	_, err := s.q.Exec(ctx, `
		INSERT INTO jobs (job_id, job_type, payload, status, attempts, last_error, run_at, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, 'PENDING', 0, '', $4, $5, $5)
	`, j.ID, j.Type, payload, j.RunAt, j.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Claim locks the oldest runnable job and marks it RUNNING.
func (s *JobStore) Claim(ctx context.Context, now time.Time) (*domain.Job, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE jobs SET status = 'RUNNING', updated_at = $1
		WHERE job_id = (
			SELECT job_id FROM jobs
			WHERE status = 'PENDING' AND run_at <= $1
			ORDER BY run_at ASC, created_at ASC, job_id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, now)

	j, err := scanJob(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// Complete marks a job DONE.
func (s *JobStore) Complete(ctx context.Context, jobID string, now time.Time) error {
	tag, err := s.q.Exec(ctx, `UPDATE jobs SET status = 'DONE', updated_at = $2 WHERE job_id = $1`, jobID, now)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Fail records a failed attempt.
func (s *JobStore) Fail(ctx context.Context, jobID string, errMsg string, retryAt time.Time, final bool) error {
	status := domain.JobPending
	if final {
		status = domain.JobFailed
	}

	tag, err := s.q.Exec(ctx, `
		UPDATE jobs
		SET attempts = attempts + 1, last_error = $2, run_at = $3, status = $4, updated_at = $3
		WHERE job_id = $1
	`, jobID, errMsg, retryAt, string(status))
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetByID retrieves a job.
func (s *JobStore) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	j, err := scanJob(s.q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var payload, status string

	err := row.Scan(&j.ID, &j.Type, &payload, &status, &j.Attempts, &j.LastError, &j.RunAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = []byte(payload)
	j.Status = domain.JobStatus(status)
	return &j, nil
}
