package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/minutehq/minute/internal/store"
)

// uniqueViolation is the PostgreSQL error code for unique index conflicts.
const uniqueViolation = "23505"

func (s *Store) CreateJob(ctx context.Context, meetingID, provider string) (store.Job, error) {
	const q = `
		INSERT INTO diarization_jobs (id, meeting_id, provider, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	job := store.Job{
		ID:        uuid.NewString(),
		MeetingID: meetingID,
		Provider:  provider,
		Status:    store.JobPending,
	}
	err := s.pool.QueryRow(ctx, q, job.ID, job.MeetingID, job.Provider, job.Status).
		Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		// The partial unique index on active jobs turns a concurrent start
		// into a conflict instead of a second run.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.Job{}, store.ErrJobActive
		}
		return store.Job{}, fmt.Errorf("postgres store: create job: %w", err)
	}
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (store.Job, error) {
	const q = `
		SELECT id, meeting_id, provider, status, error, created_at, updated_at
		FROM   diarization_jobs
		WHERE  id = $1`

	var j store.Job
	err := s.pool.QueryRow(ctx, q, jobID).Scan(
		&j.ID, &j.MeetingID, &j.Provider, &j.Status, &j.Error, &j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Job{}, store.ErrNotFound
	}
	if err != nil {
		return store.Job{}, fmt.Errorf("postgres store: get job %s: %w", jobID, err)
	}
	return j, nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status store.JobStatus, errMsg string) error {
	if status != store.JobFailed {
		errMsg = ""
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE diarization_jobs SET status = $2, error = $3, updated_at = now() WHERE id = $1`,
		jobID, status, errMsg,
	)
	if err != nil {
		return fmt.Errorf("postgres store: update job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
