package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

const jobColumns = `id, website_id, type, mode, parent_job_id, status,
	discovered, updated, deleted, errored, batch_ids, errors, stats, started_at, finished_at`

// CreateJob inserts a job row.
func (s *Store) CreateJob(ctx context.Context, job corpus.Job) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id is required", corpus.ErrInvalidInput)
	}
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
	`
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %s: %w", job.ID, corpus.ErrAlreadyExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob replaces the job's mutable state. A sealed job cannot be reopened.
func (s *Store) UpdateJob(ctx context.Context, job corpus.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	query := `
		UPDATE jobs SET
			mode = $2,
			parent_job_id = $3,
			status = $4,
			discovered = $5,
			updated = $6,
			deleted = $7,
			errored = $8,
			batch_ids = $9,
			errors = $10,
			stats = $11,
			finished_at = $12
		WHERE id = $1 AND (status = 'running' OR $4 <> 'running');
	`
	// Drop website_id, type and started_at: they are fixed at creation.
	updateArgs := []any{args[0], args[3], args[4], args[5], args[6], args[7], args[8], args[9], args[10], args[11], args[12], args[14]}
	tag, err := s.db.Exec(ctx, query, updateArgs...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is already %s: %w", job.ID, current.Status, corpus.ErrConflict)
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (corpus.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	job, err := scanJob(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return corpus.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns the website's jobs, most recent first.
func (s *Store) ListJobs(ctx context.Context, websiteID string, limit int) ([]corpus.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE website_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2;
	`
	rows, err := s.db.Query(ctx, query, websiteID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]corpus.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func jobArgs(job corpus.Job) ([]any, error) {
	errorsJSON, err := marshalJSON(job.Errors, "[]")
	if err != nil {
		return nil, err
	}
	statsJSON, err := marshalJSON(job.Stats, "{}")
	if err != nil {
		return nil, err
	}
	return []any{
		job.ID,
		job.WebsiteID,
		string(job.Type),
		string(job.Mode),
		job.ParentJobID,
		string(job.Status),
		job.Discovered,
		job.Updated,
		job.Deleted,
		job.Errored,
		textArray(job.BatchIDs),
		errorsJSON,
		statsJSON,
		job.StartedAt,
		job.FinishedAt,
	}, nil
}

func scanJob(row scanner) (corpus.Job, error) {
	var (
		job                  corpus.Job
		jobType, mode        string
		status               string
		errorsJSON, statsRaw []byte
	)
	err := row.Scan(
		&job.ID,
		&job.WebsiteID,
		&jobType,
		&mode,
		&job.ParentJobID,
		&status,
		&job.Discovered,
		&job.Updated,
		&job.Deleted,
		&job.Errored,
		&job.BatchIDs,
		&errorsJSON,
		&statsRaw,
		&job.StartedAt,
		&job.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return corpus.Job{}, corpus.ErrNotFound
		}
		return corpus.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Type = corpus.JobType(jobType)
	job.Mode = corpus.JobMode(mode)
	job.Status = corpus.JobStatus(status)
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &job.Errors); err != nil {
			return corpus.Job{}, fmt.Errorf("decode job errors: %w", err)
		}
	}
	if len(statsRaw) > 0 {
		if err := json.Unmarshal(statsRaw, &job.Stats); err != nil {
			return corpus.Job{}, fmt.Errorf("decode job stats: %w", err)
		}
	}
	return job, nil
}
