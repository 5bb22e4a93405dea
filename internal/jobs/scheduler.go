// Package jobs is the single-worker background job scheduler.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quirehq/quire/internal/result"
	"github.com/quirehq/quire/internal/storage"
	"github.com/quirehq/quire/internal/usecase"
)

// NameJobHandlerNotFound is recorded on jobs whose name has no handler.
const NameJobHandlerNotFound = "JobHandlerNotFound"

// recordTimeout bounds the transaction that records an unexpected failure.
const recordTimeout = 10 * time.Second

// Scheduler claims and executes background jobs one at a time.
type Scheduler struct {
	backend *usecase.Backend
	poll    time.Duration
	logger  *slog.Logger
	wake    chan struct{}

	mu       sync.RWMutex
	handlers map[string]usecase.JobHandler

	// Drain is not reentrant; Run and one-shot callers share this lock.
	drainMu sync.Mutex
}

// New creates a Scheduler over backend and registers it as the backend's job
// notifier. If pollInterval is <= 0, it defaults to 2s.
func New(backend *usecase.Backend, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	s := &Scheduler{
		backend:  backend,
		poll:     pollInterval,
		logger:   backend.Logger(),
		wake:     make(chan struct{}, 1),
		handlers: make(map[string]usecase.JobHandler),
	}
	backend.SetJobNotifier(s.Notify)
	return s
}

// Register binds a job name to the operation that executes it.
func (s *Scheduler) Register(name string, h usecase.JobHandler) {
	s.mu.Lock()
	s.handlers[name] = h
	s.mu.Unlock()
}

func (s *Scheduler) handler(name string) (usecase.JobHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[name]
	return h, ok
}

// Notify wakes Run. It never blocks.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue on start, whenever Notify is called, and on every
// poll tick, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Drain(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("job drain failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// ClaimNext returns the oldest enqueued job after flipping it to Processing,
// or nil when there is nothing to run. A job still processing within the
// stuck timeout blocks the claim; one older than that is failed with
// StuckProcessing first.
func (s *Scheduler) ClaimNext(ctx context.Context) (*storage.BackgroundJob, error) {
	var claimed *storage.BackgroundJob

	err := s.backend.Transaction(ctx, func(env *usecase.Env) (storage.Decision, error) {
		jobs := env.Tx.Jobs()
		now := env.Now()

		current, err := jobs.FindProcessing(ctx)
		switch {
		case err == nil:
			started := current.EnqueuedAt
			if current.StartedProcessingAt != nil {
				started = *current.StartedProcessingAt
			}
			if now.Sub(started) <= env.Settings.StuckTimeout {
				return storage.Rollback, nil
			}
			current.Status = storage.JobFailed
			current.FinishedProcessingAt = &now
			current.Error = result.New(result.NameStuckProcessing, map[string]any{
				"started_processing_at": started,
				"stuck_timeout":         env.Settings.StuckTimeout.String(),
			})
			if err := jobs.Replace(ctx, current); err != nil {
				return storage.Rollback, err
			}
			s.logger.Warn("job stuck, marked failed", "job_id", current.ID, "name", current.Name, "started", started)
		case errors.Is(err, storage.ErrNotFound):
		default:
			return storage.Rollback, fmt.Errorf("finding processing job: %w", err)
		}

		next, err := jobs.FindOldestEnqueued(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Commit, nil
		}
		if err != nil {
			return storage.Rollback, fmt.Errorf("finding enqueued job: %w", err)
		}

		next.Status = storage.JobProcessing
		next.StartedProcessingAt = &now
		if err := jobs.Replace(ctx, next); err != nil {
			return storage.Rollback, err
		}
		claimed = &next
		return storage.Commit, nil
	})
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return claimed, nil
}

// Drain claims and executes jobs until the queue is empty, another execution
// is still active, or ctx is cancelled. It returns the number of jobs
// executed.
func (s *Scheduler) Drain(ctx context.Context) (int, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		job, err := s.ClaimNext(ctx)
		if err != nil {
			return processed, err
		}
		if job == nil {
			return processed, nil
		}
		s.execute(ctx, *job)
		processed++
	}
}

// execute runs one claimed job and records its outcome. A domain error rolls
// back to the savepoint and is recorded in the same transaction; any other
// failure is recorded by a separate transaction.
func (s *Scheduler) execute(ctx context.Context, job storage.BackgroundJob) {
	logger := s.logger.With("job_id", job.ID, "name", job.Name)
	logger.Debug("job started")
	h, ok := s.handler(job.Name)

	err := s.backend.Transaction(ctx, func(env *usecase.Env) (storage.Decision, error) {
		sp, err := env.Tx.CreateSavepoint(ctx)
		if err != nil {
			return storage.Rollback, err
		}

		var runErr error
		if ok {
			runErr = h(ctx, env, job.Input)
		} else {
			runErr = result.New(NameJobHandlerNotFound, map[string]string{"name": job.Name})
		}

		var domainErr *result.Error
		if runErr != nil {
			e, isDomain := result.As(runErr)
			if !isDomain || errors.Is(runErr, usecase.ErrInvariant) {
				return storage.Rollback, runErr
			}
			domainErr = e
			if err := env.Tx.RollbackToSavepoint(ctx, sp); err != nil {
				return storage.Rollback, err
			}
		}
		if err := env.Tx.ReleaseSavepoint(ctx, sp); err != nil {
			return storage.Rollback, err
		}

		current, err := env.Tx.Jobs().Find(ctx, job.ID)
		if err != nil {
			return storage.Rollback, fmt.Errorf("reloading job: %w", err)
		}
		if current.Status != storage.JobProcessing {
			// Superseded while running, typically by the stuck-job sweep.
			logger.Warn("job no longer processing, discarding its writes", "status", current.Status)
			return storage.Rollback, nil
		}

		now := env.Now()
		current.FinishedProcessingAt = &now
		if domainErr != nil {
			current.Status = storage.JobFailed
			current.Error = domainErr
			logger.Info("job failed", "error", domainErr.Name)
		} else {
			current.Status = storage.JobSucceeded
			logger.Debug("job succeeded")
		}
		if err := env.Tx.Jobs().Replace(ctx, current); err != nil {
			return storage.Rollback, err
		}
		return storage.Commit, nil
	})
	if err != nil {
		logger.Error("job crashed", "error", err)
		s.recordFailure(ctx, job.ID, result.Unexpected(err))
	}
}

// recordFailure marks a job Failed in a transaction of its own. It runs even
// when ctx is already cancelled.
func (s *Scheduler) recordFailure(ctx context.Context, id string, cause *result.Error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	err := s.backend.Transaction(ctx, func(env *usecase.Env) (storage.Decision, error) {
		job, err := env.Tx.Jobs().Find(ctx, id)
		if err != nil {
			return storage.Rollback, err
		}
		if job.Status != storage.JobProcessing {
			return storage.Rollback, nil
		}
		now := env.Now()
		job.Status = storage.JobFailed
		job.FinishedProcessingAt = &now
		job.Error = cause
		if err := env.Tx.Jobs().Replace(ctx, job); err != nil {
			return storage.Rollback, err
		}
		return storage.Commit, nil
	})
	if err != nil {
		s.logger.Error("failed to mark job as failed", "job_id", id, "error", err)
	}
}
