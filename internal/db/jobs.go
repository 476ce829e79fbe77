package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/bobarin/composer/internal/models"
)

const jobColumns = `
	id, type, status, request, result, output_asset_id, attempts,
	error_message, started_at, finished_at, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	var request []byte
	err := row.Scan(
		&job.ID, &job.Type, &job.Status, &request, &job.Result,
		&job.OutputAssetID, &job.Attempts, &job.ErrorMessage,
		&job.StartedAt, &job.FinishedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Request = request
	return job, nil
}

func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (id, type, status, request, attempts)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	err := db.QueryRowContext(
		ctx, query,
		job.ID, job.Type, job.Status, []byte(job.Request), job.Attempts,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// ListJobs returns jobs ordered by creation date (newest first), optionally
// filtered by status.
func (db *DB) ListJobs(ctx context.Context, status models.JobStatus, limit, offset int) ([]models.Job, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseSelect := `SELECT ` + jobColumns + ` FROM jobs`

	if status != "" {
		query := baseSelect + ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		rows, err = db.QueryContext(ctx, query, status, limit, offset)
	} else {
		query := baseSelect + ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		rows, err = db.QueryContext(ctx, query, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// CountJobs returns the total number of jobs, optionally filtered by status.
func (db *DB) CountJobs(ctx context.Context, status models.JobStatus) (int, error) {
	var count int
	if status != "" {
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1`, status).Scan(&count)
		return count, err
	}
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&count)
	return count, err
}

// MarkJobRunning moves a queued job to running and counts the attempt. A job
// in any other state is left alone and ErrNotQueued is returned, so a
// redelivered message cannot run a job twice.
func (db *DB) MarkJobRunning(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs
		SET status = $1, started_at = NOW(), attempts = attempts + 1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	err := db.execOne(ctx, id, query, models.JobStatusRunning, id, models.JobStatusQueued)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("job %s: %w", id, ErrNotQueued)
	}
	return err
}

// CompleteJob records the output asset and result of a finished job.
func (db *DB) CompleteJob(ctx context.Context, id, assetID uuid.UUID, result models.JSONB) error {
	query := `
		UPDATE jobs
		SET status = $1, output_asset_id = $2, result = $3, error_message = NULL,
			finished_at = NOW(), updated_at = NOW()
		WHERE id = $4
	`
	return db.execOne(ctx, id, query, models.JobStatusSucceeded, assetID, result, id)
}

func (db *DB) FailJob(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE jobs
		SET status = $1, error_message = $2, finished_at = NOW(), updated_at = NOW()
		WHERE id = $3
	`
	return db.execOne(ctx, id, query, models.JobStatusFailed, errorMessage, id)
}

func (db *DB) execOne(ctx context.Context, id uuid.UUID, query string, args ...interface{}) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}
