package jobs

import (
	"context"
	"errors"

	"github.com/quirehq/quire/internal/result"
	"github.com/quirehq/quire/internal/storage"
	"github.com/quirehq/quire/internal/usecase"
)

// NameJobNotFound is returned by Get for an unknown job id.
const NameJobNotFound = "JobNotFound"

// ListInput filters List. An empty Status lists every job.
type ListInput struct {
	Status storage.JobStatus `json:"status,omitempty"`
	Limit  int               `json:"limit,omitempty"`
}

// List returns jobs, newest first.
func List(ctx context.Context, env *usecase.Env, in ListInput) ([]storage.BackgroundJob, error) {
	limit := in.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	jobs, err := env.Tx.Jobs().List(ctx, in.Status, limit)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []storage.BackgroundJob{}
	}
	return jobs, nil
}

// GetInput identifies one job.
type GetInput struct {
	JobID string `json:"job_id"`
}

// Get returns one job.
func Get(ctx context.Context, env *usecase.Env, in GetInput) (storage.BackgroundJob, error) {
	job, err := env.Tx.Jobs().Find(ctx, in.JobID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.BackgroundJob{}, result.New(NameJobNotFound, map[string]string{"job_id": in.JobID})
	}
	return job, err
}
