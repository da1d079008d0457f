package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository"
)

const jobColumns = `id::text, job_type, environment_id, status, params, result, error_message,
	created_at, started_at, completed_at, updated_at`

// CreateJob inserts a pending job.
func (r *Repository) CreateJob(ctx context.Context, job *domain.Job) error {
	if job == nil {
		return fmt.Errorf("job required")
	}
	params := job.Params
	if len(params) == 0 {
		params = []byte(`{}`)
	}
	const query = `INSERT INTO jobs (id, job_type, environment_id, status, params)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		job.ID,
		string(job.Type),
		job.EnvironmentID,
		string(domain.JobPending),
		[]byte(params),
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	job.Status = domain.JobPending
	job.Params = params
	return nil
}

// GetJob fetches a job by identifier.
func (r *Repository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(r.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		return nil, mapError(err)
	}
	return job, nil
}

// TransitionJob applies a guarded compare-and-set on the job status.
func (r *Repository) TransitionJob(ctx context.Context, t domain.JobTransition) (*domain.Job, error) {
	if len(t.From) == 0 {
		return nil, fmt.Errorf("transition requires at least one source status")
	}
	from := make([]string, 0, len(t.From))
	for _, s := range t.From {
		from = append(from, string(s))
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	query := `UPDATE jobs
		SET status = $2::text,
			started_at = CASE WHEN $2::text = 'running' THEN $5::timestamptz ELSE started_at END,
			completed_at = CASE WHEN $2::text IN ('completed', 'failed') THEN $5::timestamptz ELSE completed_at END,
			result = COALESCE($3::jsonb, result),
			error_message = COALESCE($4::text, error_message),
			updated_at = $5::timestamptz
		WHERE id = $1 AND status = ANY($6::text[])
		RETURNING ` + jobColumns
	job, err := scanJob(r.pool.QueryRow(ctx, query,
		t.JobID,
		string(t.To),
		rawToNil(t.Result),
		emptyToNil(t.Error),
		at,
		from,
	))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapError(err)
	}
	var current string
	if err := r.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, t.JobID).Scan(&current); err != nil {
		return nil, mapError(err)
	}
	return nil, fmt.Errorf("%w: job %s is %s", repository.ErrTransitionRejected, t.JobID, current)
}

// FailStaleJobs marks every open job created before cutoff as failed.
func (r *Repository) FailStaleJobs(ctx context.Context, cutoff time.Time, message string) ([]domain.Job, error) {
	query := `UPDATE jobs
		SET status = 'failed', error_message = $2, completed_at = NOW(), updated_at = NOW()
		WHERE status IN ('pending', 'running') AND created_at < $1
		RETURNING ` + jobColumns
	rows, err := r.pool.Query(ctx, query, cutoff, message)
	if err != nil {
		return nil, mapError(err)
	}
	return collectJobs(rows)
}

// ListJobsByEnvironment returns the newest jobs targeting an environment.
func (r *Repository) ListJobsByEnvironment(ctx context.Context, environmentID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE environment_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, environmentID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	return collectJobs(rows)
}

// ListJobsByStatus returns the oldest jobs in a given status.
func (r *Repository) ListJobsByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, mapError(err)
	}
	return collectJobs(rows)
}

// ClaimPendingJob stamps the oldest undelivered pending job and returns its id.
// Jobs stamped before redeliverBefore are handed out again. It returns
// repository.ErrNotFound when nothing is waiting.
func (r *Repository) ClaimPendingJob(ctx context.Context, redeliverBefore time.Time) (string, error) {
	const query = `UPDATE jobs SET dispatched_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND (dispatched_at IS NULL OR dispatched_at < $1)
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id::text`
	var id string
	if err := r.pool.QueryRow(ctx, query, redeliverBefore).Scan(&id); err != nil {
		return "", mapError(err)
	}
	return id, nil
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	defer rows.Close()
	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job         domain.Job
		jobType     string
		status      string
		params      []byte
		result      []byte
		errMsg      sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&job.ID,
		&jobType,
		&job.EnvironmentID,
		&status,
		&params,
		&result,
		&errMsg,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Type = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	job.Params = params
	job.Result = result
	job.Error = errMsg.String
	job.StartedAt = nullTimePtr(startedAt)
	job.CompletedAt = nullTimePtr(completedAt)
	return &job, nil
}
