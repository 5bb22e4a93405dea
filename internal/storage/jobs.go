package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/quirehq/quire/internal/result"
)

// JobRepo persists BackgroundJobs inside a transaction.
type JobRepo struct {
	tx *sql.Tx
}

const jobColumns = `id, name, input_json, status, enqueued_at, started_processing_at, finished_processing_at, error_json`

// Insert stores a new job.
func (r JobRepo) Insert(ctx context.Context, j BackgroundJob) error {
	errJSON, err := marshalError(j.Error)
	if err != nil {
		return err
	}
	input := j.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO background_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, string(input), string(j.Status), formatTime(j.EnqueuedAt),
		formatNullTime(j.StartedProcessingAt), formatNullTime(j.FinishedProcessingAt), errJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", j.ID, err)
	}
	return nil
}

// Replace overwrites every field of the job with j's id. It returns
// ErrNotFound when no such job exists.
func (r JobRepo) Replace(ctx context.Context, j BackgroundJob) error {
	errJSON, err := marshalError(j.Error)
	if err != nil {
		return err
	}
	res, err := r.tx.ExecContext(ctx, `
		UPDATE background_jobs
		SET name = ?, input_json = ?, status = ?, enqueued_at = ?, started_processing_at = ?, finished_processing_at = ?, error_json = ?
		WHERE id = ?`,
		j.Name, string(j.Input), string(j.Status), formatTime(j.EnqueuedAt),
		formatNullTime(j.StartedProcessingAt), formatNullTime(j.FinishedProcessingAt), errJSON, j.ID,
	)
	if err != nil {
		return fmt.Errorf("replacing job %s: %w", j.ID, err)
	}
	return checkAffected(res)
}

// Find returns the job with id, or ErrNotFound.
func (r JobRepo) Find(ctx context.Context, id string) (BackgroundJob, error) {
	row := r.tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// FindOldestEnqueued returns the enqueued job with the earliest enqueue time.
func (r JobRepo) FindOldestEnqueued(ctx context.Context) (BackgroundJob, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM background_jobs
		WHERE status = ?
		ORDER BY enqueued_at ASC, rowid ASC
		LIMIT 1`, string(JobEnqueued))
	return scanJob(row)
}

// FindProcessing returns the job currently marked processing, if any.
func (r JobRepo) FindProcessing(ctx context.Context) (BackgroundJob, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM background_jobs
		WHERE status = ?
		ORDER BY started_processing_at ASC
		LIMIT 1`, string(JobProcessing))
	return scanJob(row)
}

// ListOutstanding returns the Enqueued and Processing jobs named name, oldest
// first.
func (r JobRepo) ListOutstanding(ctx context.Context, name string) ([]BackgroundJob, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM background_jobs
		WHERE name = ? AND status IN (?, ?)
		ORDER BY enqueued_at ASC, rowid ASC`, name, string(JobEnqueued), string(JobProcessing))
	if err != nil {
		return nil, fmt.Errorf("listing outstanding %s jobs: %w", name, err)
	}
	defer rows.Close()

	var jobs []BackgroundJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// List returns jobs newest first. An empty status lists every job.
func (r JobRepo) List(ctx context.Context, status JobStatus, limit int) ([]BackgroundJob, error) {
	query := `SELECT ` + jobColumns + ` FROM background_jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY enqueued_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []BackgroundJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CountByStatus is used by tests and status reporting.
func (r JobRepo) CountByStatus(ctx context.Context, status JobStatus) (int, error) {
	var n int
	err := r.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM background_jobs WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (BackgroundJob, error) {
	var j BackgroundJob
	var input, status, enqueuedAt string
	var started, finished, errJSON sql.NullString
	err := s.Scan(&j.ID, &j.Name, &input, &status, &enqueuedAt, &started, &finished, &errJSON)
	if err == sql.ErrNoRows {
		return BackgroundJob{}, ErrNotFound
	}
	if err != nil {
		return BackgroundJob{}, err
	}
	j.Input = json.RawMessage(input)
	j.Status = JobStatus(status)
	if j.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return BackgroundJob{}, err
	}
	if j.StartedProcessingAt, err = parseNullTime(started); err != nil {
		return BackgroundJob{}, err
	}
	if j.FinishedProcessingAt, err = parseNullTime(finished); err != nil {
		return BackgroundJob{}, err
	}
	if j.Error, err = unmarshalError(errJSON); err != nil {
		return BackgroundJob{}, err
	}
	return j, nil
}

func marshalError(e *result.Error) (sql.NullString, error) {
	if e == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshaling error record: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalError(ns sql.NullString) (*result.Error, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var e result.Error
	if err := json.Unmarshal([]byte(ns.String), &e); err != nil {
		return nil, fmt.Errorf("parsing error record: %w", err)
	}
	return &e, nil
}
