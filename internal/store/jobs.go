package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/smstool/gateway/internal/models"
)

const jobColumns = `id, destination, payload, status, attempts, max_attempts,
	created_at, updated_at, sent_at, delivered_at,
	last_error_code, last_error_message, next_retry_at, pending_report`

// CreateJob inserts a new job row. The caller is responsible for populating
// timestamps; ErrDuplicateJob is returned when the id already exists.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO sms_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Destination,
		job.Payload,
		string(job.Status),
		job.Attempts,
		job.MaxAttempts,
		job.CreatedAt,
		job.UpdatedAt,
		job.SentAt,
		job.DeliveredAt,
		job.LastErrorCode,
		nullableString(job.LastErrorMessage),
		job.NextRetryAt,
		boolToInt(job.PendingReport),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
		}
		return fmt.Errorf("store: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id. Returns ErrNotFound when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM sms_jobs WHERE id = ?`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	return job, nil
}

// UpdateJob writes the full job row back. The dispatch engine is the single
// writer, so a plain row replace is race-free.
func (s *Store) UpdateJob(ctx context.Context, job *models.Job) error {
	query := `
		UPDATE sms_jobs SET
			destination = ?, payload = ?, status = ?, attempts = ?, max_attempts = ?,
			created_at = ?, updated_at = ?, sent_at = ?, delivered_at = ?,
			last_error_code = ?, last_error_message = ?, next_retry_at = ?, pending_report = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		job.Destination,
		job.Payload,
		string(job.Status),
		job.Attempts,
		job.MaxAttempts,
		job.CreatedAt,
		job.UpdatedAt,
		job.SentAt,
		job.DeliveredAt,
		job.LastErrorCode,
		nullableString(job.LastErrorMessage),
		job.NextRetryAt,
		boolToInt(job.PendingReport),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, job.ID)
	}
	return nil
}

// SetPendingReport flips only the pending_report flag for a job.
func (s *Store) SetPendingReport(ctx context.Context, id string, pending bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sms_jobs SET pending_report = ? WHERE id = ?`, boolToInt(pending), id)
	if err != nil {
		return fmt.Errorf("store: set pending report: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// JobsReadyForRetry returns failed_retrying jobs whose next_retry_at has
// passed, soonest first.
func (s *Store) JobsReadyForRetry(ctx context.Context, nowMillis int64) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM sms_jobs
		WHERE status = 'failed_retrying' AND next_retry_at <= ?
		ORDER BY next_retry_at ASC
	`
	return s.queryJobs(ctx, query, nowMillis)
}

// JobsWithPendingReports returns jobs whose latest status has not been
// reported to the controller, oldest update first.
func (s *Store) JobsWithPendingReports(ctx context.Context) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM sms_jobs
		WHERE pending_report = 1
		ORDER BY updated_at ASC
	`
	return s.queryJobs(ctx, query)
}

// ListJobs returns all jobs, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM sms_jobs ORDER BY created_at DESC`
	return s.queryJobs(ctx, query)
}

// CountByStatus returns the number of jobs in the given status.
func (s *Store) CountByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sms_jobs WHERE status = ?`, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count jobs: %w", err)
	}
	return count, nil
}

// DeleteJobsOlderThan removes jobs created before the cutoff. Used by the
// retention sweep; correctness of the lifecycle never depends on it.
func (s *Store) DeleteJobsOlderThan(ctx context.Context, cutoffMillis int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sms_jobs WHERE created_at < ?`, cutoffMillis)
	if err != nil {
		return 0, fmt.Errorf("store: delete old jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete old jobs: %w", err)
	}
	return n, nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate jobs: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job          models.Job
		status       string
		sentAt       sql.NullInt64
		deliveredAt  sql.NullInt64
		errorCode    sql.NullInt64
		errorMessage sql.NullString
		nextRetryAt  sql.NullInt64
		pending      int
	)

	err := row.Scan(
		&job.ID,
		&job.Destination,
		&job.Payload,
		&status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&sentAt,
		&deliveredAt,
		&errorCode,
		&errorMessage,
		&nextRetryAt,
		&pending,
	)
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)
	if sentAt.Valid {
		v := sentAt.Int64
		job.SentAt = &v
	}
	if deliveredAt.Valid {
		v := deliveredAt.Int64
		job.DeliveredAt = &v
	}
	if errorCode.Valid {
		v := int(errorCode.Int64)
		job.LastErrorCode = &v
	}
	if errorMessage.Valid {
		job.LastErrorMessage = errorMessage.String
	}
	if nextRetryAt.Valid {
		v := nextRetryAt.Int64
		job.NextRetryAt = &v
	}
	job.PendingReport = pending != 0

	return &job, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
