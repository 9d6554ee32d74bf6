package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/senken/internal/model"
)

// EnqueueJob persists a new analysis job in pending state and returns it.
func (db *DB) EnqueueJob(ctx context.Context, ownerID string, task model.TaskContext) (model.Job, error) {
	job := model.Job{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Status:    model.JobStatusPending,
		Task:      task,
		CreatedAt: time.Now().UTC(),
	}

	taskJSON, err := json.Marshal(task)
	if err != nil {
		return model.Job{}, fmt.Errorf("storage: marshal task: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO jobs (id, owner_id, status, task, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		job.ID, job.OwnerID, string(job.Status), taskJSON, job.CreatedAt,
	)
	if err != nil {
		return model.Job{}, fmt.Errorf("storage: enqueue job: %w", err)
	}
	return job, nil
}

// GetJob retrieves a job by ID, scoped to the given owner. Owner scoping is
// skipped when ownerID is empty (internal callers).
func (db *DB) GetJob(ctx context.Context, ownerID string, id uuid.UUID) (model.Job, error) {
	query := `SELECT id, owner_id, status, task, result, error, created_at, started_at, finished_at
	          FROM jobs WHERE id = $1`
	args := []any{id}
	if ownerID != "" {
		query += ` AND owner_id = $2`
		args = append(args, ownerID)
	}

	row := db.pool.QueryRow(ctx, query, args...)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Job{}, ErrNotFound
		}
		return model.Job{}, fmt.Errorf("storage: get job: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically moves the oldest pending job to processing and
// returns it. FOR UPDATE SKIP LOCKED guarantees no job is handed to two
// workers. Returns ErrNotFound when the queue is empty.
func (db *DB) ClaimNextJob(ctx context.Context) (model.Job, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'processing', started_at = now()
		 WHERE id = (
		 	SELECT id FROM jobs
		 	WHERE status = 'pending'
		 	ORDER BY created_at
		 	FOR UPDATE SKIP LOCKED
		 	LIMIT 1
		 )
		 RETURNING id, owner_id, status, task, result, error, created_at, started_at, finished_at`,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Job{}, ErrNotFound
		}
		return model.Job{}, fmt.Errorf("storage: claim next job: %w", err)
	}
	return job, nil
}

// ClaimJob attempts the pending→processing compare-and-set on one specific
// job. Exactly one concurrent caller wins; the rest get ErrAlreadyClaimed
// (or ErrNotFound for an unknown id).
func (db *DB) ClaimJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'processing', started_at = now()
		 WHERE id = $1 AND status = 'pending'
		 RETURNING id, owner_id, status, task, result, error, created_at, started_at, finished_at`,
		id,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish a lost race from a missing job.
			var exists bool
			if qerr := db.pool.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id,
			).Scan(&exists); qerr == nil && exists {
				return model.Job{}, ErrAlreadyClaimed
			}
			return model.Job{}, ErrNotFound
		}
		return model.Job{}, fmt.Errorf("storage: claim job: %w", err)
	}
	return job, nil
}

// CompleteJob records the composite result and moves a processing job to
// completed. The status guard keeps the FSM forward-only even if a stale
// worker retries.
func (db *DB) CompleteJob(ctx context.Context, id uuid.UUID, result *model.CompositeResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("storage: marshal result: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', result = $1, finished_at = now()
		 WHERE id = $2 AND status = 'processing'`,
		resultJSON, id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: job not processing or missing: %s", id)
	}
	return nil
}

// FailJob records the failure message and moves a processing job to failed.
func (db *DB) FailJob(ctx context.Context, id uuid.UUID, message string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error = $1, finished_at = now()
		 WHERE id = $2 AND status = 'processing'`,
		message, id,
	)
	if err != nil {
		return fmt.Errorf("storage: fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: job not processing or missing: %s", id)
	}
	return nil
}

// PendingJobCount returns the current queue depth, for readiness reporting.
func (db *DB) PendingJobCount(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = 'pending'`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: pending job count: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (model.Job, error) {
	var (
		job        model.Job
		status     string
		taskJSON   []byte
		resultJSON []byte
		errMsg     *string
	)
	if err := row.Scan(
		&job.ID, &job.OwnerID, &status, &taskJSON, &resultJSON, &errMsg,
		&job.CreatedAt, &job.StartedAt, &job.FinishedAt,
	); err != nil {
		return model.Job{}, err
	}
	job.Status = model.JobStatus(status)
	if err := json.Unmarshal(taskJSON, &job.Task); err != nil {
		return model.Job{}, fmt.Errorf("unmarshal task: %w", err)
	}
	if len(resultJSON) > 0 {
		var result model.CompositeResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return model.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		job.Result = &result
	}
	if errMsg != nil {
		job.Error = *errMsg
	}
	return job, nil
}
