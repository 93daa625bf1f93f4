// Package queue runs deferred work stored in the durable jobs table.
//
// Jobs are written by Enqueue inside the transaction that creates the work, so a
// job exists if and only if its cause committed. Worker claims runnable jobs one at
// a time and dispatches them to the handler registered for the job type.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"plan-engine/internal/domain"
	"plan-engine/internal/observability"
	"plan-engine/internal/storage"
)

// Handler executes one job. Handlers must be idempotent: a job whose completion
// could not be recorded runs again.
type Handler func(ctx context.Context, job *domain.Job) error

// WorkerOptions for creating Worker.
type WorkerOptions struct {
	Store        storage.Store
	PollInterval time.Duration
	RetryBackoff time.Duration
	MaxAttempts  int
	Metrics      *observability.Metrics
	Logger       *zap.Logger
	Now          func() time.Time
}

// Worker polls the job store and runs handlers.
type Worker struct {
	store        storage.Store
	pollInterval time.Duration
	retryBackoff time.Duration
	maxAttempts  int
	metrics      *observability.Metrics
	logger       *zap.Logger
	now          func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewWorker creates a new Worker.
func NewWorker(opts WorkerOptions) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Worker{
		store:        opts.Store,
		pollInterval: opts.PollInterval,
		retryBackoff: opts.RetryBackoff,
		maxAttempts:  opts.MaxAttempts,
		metrics:      opts.Metrics,
		logger:       logger,
		now:          now,
		handlers:     make(map[string]Handler),
	}
}

// Register sets the handler for jobType.
func (w *Worker) Register(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// Serve implements suture.Service. It drains runnable jobs, then sleeps for the
// poll interval, until ctx is canceled.
func (w *Worker) Serve(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("queue drain failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain runs jobs until none is runnable. Returns the number of jobs run.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ran, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !ran {
			return n, nil
		}
		n++
	}
}

// RunOnce claims and runs one job. ran is false when no job is runnable.
// Handler failures are recorded on the job and do not produce an error.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	var job *domain.Job
	err := w.store.InTx(ctx, func(tx storage.Tx) error {
		j, err := tx.Jobs().Claim(ctx, w.now().UTC())
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}

	start := time.Now()
	handleErr := w.handle(ctx, job)
	elapsed := time.Since(start).Seconds()

	if handleErr == nil {
		if err := w.store.InTx(ctx, func(tx storage.Tx) error {
			return tx.Jobs().Complete(ctx, job.ID, w.now().UTC())
		}); err != nil {
			return true, fmt.Errorf("complete job %s: %w", job.ID, err)
		}
		w.metrics.RecordJob(job.Type, "done", elapsed)
		w.logger.Debug("job done", zap.String("job_id", job.ID), zap.String("job_type", job.Type))
		return true, nil
	}

	attempt := job.Attempts + 1
	final := attempt >= w.maxAttempts
	retryAt := w.now().UTC().Add(time.Duration(attempt) * w.retryBackoff)
	if err := w.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.Jobs().Fail(ctx, job.ID, handleErr.Error(), retryAt, final)
	}); err != nil {
		return true, fmt.Errorf("record failure of job %s: %w", job.ID, err)
	}

	outcome := "retry"
	if final {
		outcome = "failed"
	}
	w.metrics.RecordJob(job.Type, outcome, elapsed)
	w.logger.Error("job failed",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Int("attempt", attempt),
		zap.Bool("final", final),
		zap.Time("retry_at", retryAt),
		zap.Error(handleErr),
	)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job *domain.Job) error {
	w.mu.RLock()
	h, ok := w.handlers[job.Type]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler for job type %q", job.Type)
	}
	return h(ctx, job)
}

// String implements fmt.Stringer for supervisor logs.
func (w *Worker) String() string {
	return "queue-worker"
}
