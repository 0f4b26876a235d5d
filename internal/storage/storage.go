package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hqbui/mediagen-be/internal/domain"
)

const jobColumns = `
	id, prompt, parameters, status, progress,
	result_url, result_path, file_size, file_type,
	error_message, retry_count, max_retries,
	prediction_id, task_id, metadata,
	created_at, updated_at, started_at, completed_at
`

// Storage is the Postgres-backed job store. It is the only component that
// touches the jobs table.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance.
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// Create persists a new job record.
func (s *Storage) Create(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (
			:id, :prompt, :parameters, :status, :progress,
			:result_url, :result_path, :file_size, :file_type,
			:error_message, :retry_count, :max_retries,
			:prediction_id, :task_id, :metadata,
			:created_at, :updated_at, :started_at, :completed_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
	)

	return nil
}

// GetByID retrieves a job by its id.
func (s *Storage) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// Update writes the full job record back to the store.
func (s *Storage) Update(ctx context.Context, job *domain.Job) error {
	job.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE jobs SET
			prompt = :prompt,
			parameters = :parameters,
			status = :status,
			progress = :progress,
			result_url = :result_url,
			result_path = :result_path,
			file_size = :file_size,
			file_type = :file_type,
			error_message = :error_message,
			retry_count = :retry_count,
			max_retries = :max_retries,
			prediction_id = :prediction_id,
			task_id = :task_id,
			metadata = :metadata,
			updated_at = :updated_at,
			started_at = :started_at,
			completed_at = :completed_at
		WHERE id = :id
	`

	result, err := s.db.NamedExecContext(ctx, query, job)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrJobNotFound
	}

	return nil
}

// Claim transitions a job from PENDING to PROCESSING with a single
// conditional update, the compare-and-swap that guarantees at most one
// in-flight attempt per job. Any other current status returns
// ErrJobNotPending and the attempt must abort.
func (s *Storage) Claim(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    started_at = NOW(),
		    updated_at = NOW()
		WHERE id = $2
		  AND status = $3
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, domain.StatusProcessing, jobID, domain.StatusPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim job - not in pending status",
				slog.String("job_id", jobID),
			)
			return nil, domain.ErrJobNotPending
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", jobID),
		slog.Int("retry_count", job.RetryCount),
	)

	return &job, nil
}

// Cancel transitions a job to CANCELLED with a single conditional update, so
// a terminal write landing concurrently from the worker is never overwritten.
// Only PENDING and PROCESSING jobs qualify; any other current status returns a
// ValidationError, a missing job returns ErrJobNotFound.
func (s *Storage) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $2
		  AND status IN ($3, $4)
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		domain.StatusCancelled, jobID, domain.StatusPending, domain.StatusProcessing)
	if err == nil {
		s.logger.Info("Job cancelled", slog.String("job_id", job.ID))
		return &job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}

	current, err := s.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return nil, &domain.ValidationError{
		Field:   "status",
		Message: fmt.Sprintf("cannot cancel job in %s status", current.Status),
	}
}

// SetPredictionID records the provider's prediction handle on a job that is
// still PROCESSING. A job that left PROCESSING mid-attempt rejects the write
// with ErrJobNotProcessing.
func (s *Storage) SetPredictionID(ctx context.Context, jobID, predictionID string) error {
	query := `
		UPDATE jobs
		SET prediction_id = $1,
		    updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, predictionID, jobID, domain.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to set prediction id: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrJobNotProcessing
	}

	return nil
}

// UpdateProgress persists a progress checkpoint and status message for a job
// that is still PROCESSING. Writes onto a job that left PROCESSING (for
// example a mid-flight cancel) are silently skipped.
func (s *Storage) UpdateProgress(ctx context.Context, jobID string, progress float64, message string) error {
	query := `
		UPDATE jobs
		SET progress = $1,
		    metadata = metadata || jsonb_build_object('status_message', $2::text),
		    updated_at = NOW()
		WHERE id = $3 AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, progress, message, jobID, domain.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		s.logger.Debug("Progress update skipped - job no longer processing",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// FinishAttempt writes the attempt's outcome (completed, failed, or requeued
// as pending) guarded on the row still being PROCESSING. If the job was
// cancelled while the attempt ran, the write is rejected with
// ErrJobNotProcessing instead of overwriting the cancellation.
func (s *Storage) FinishAttempt(ctx context.Context, job *domain.Job) error {
	job.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE jobs SET
			status = :status,
			progress = :progress,
			result_url = :result_url,
			result_path = :result_path,
			file_size = :file_size,
			file_type = :file_type,
			error_message = :error_message,
			retry_count = :retry_count,
			prediction_id = :prediction_id,
			metadata = :metadata,
			updated_at = :updated_at,
			started_at = :started_at,
			completed_at = :completed_at
		WHERE id = :id AND status = 'processing'
	`

	result, err := s.db.NamedExecContext(ctx, query, job)
	if err != nil {
		return fmt.Errorf("failed to finish attempt: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrJobNotProcessing
	}

	return nil
}

// List returns jobs ordered newest-first, optionally filtered by status.
func (s *Storage) List(ctx context.Context, status domain.Status, limit, offset int) ([]domain.Job, error) {
	args := []interface{}{}
	query := `SELECT ` + jobColumns + ` FROM jobs`

	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	jobs := []domain.Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// CountByStatus counts the jobs currently in the given status.
func (s *Storage) CountByStatus(ctx context.Context, status domain.Status) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM jobs WHERE status = $1`, status)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

// DeleteTerminalBefore removes completed and cancelled jobs whose terminal
// timestamp is older than the cutoff. Returns the number of rows removed.
func (s *Storage) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE status IN ($1, $2)
		  AND completed_at IS NOT NULL
		  AND completed_at < $3
	`

	result, err := s.db.ExecContext(ctx, query, domain.StatusCompleted, domain.StatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows > 0 {
		s.logger.Info("Old terminal jobs removed",
			slog.Int64("deleted", rows),
			slog.Time("cutoff", cutoff),
		)
	}

	return rows, nil
}
