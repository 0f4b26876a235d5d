package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a generation job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every job status, in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// Valid reports whether s is a known job status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// JSONMap is a JSONB-backed map column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer for JSONB columns.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSONB columns.
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}

	return json.Unmarshal(data, m)
}

// Job is a single media generation request and its tracked lifecycle.
// The job row is the single source of truth for job state; the worker
// mutates it in place and persists each mutation through the job store.
type Job struct {
	ID         string  `db:"id"`
	Prompt     string  `db:"prompt"`
	Parameters JSONMap `db:"parameters"`

	Status   Status  `db:"status"`
	Progress float64 `db:"progress"`

	ResultURL  *string `db:"result_url"`
	ResultPath *string `db:"result_path"`
	FileSize   *int64  `db:"file_size"`
	FileType   *string `db:"file_type"`

	ErrorMessage *string `db:"error_message"`
	RetryCount   int     `db:"retry_count"`
	MaxRetries   int     `db:"max_retries"`

	PredictionID *string `db:"prediction_id"`
	TaskID       *string `db:"task_id"`

	Metadata JSONMap `db:"metadata"`

	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// NewJob validates the request and builds a pending job record.
func NewJob(prompt string, parameters map[string]interface{}, model string, maxRetries int) (*Job, error) {
	prompt, parameters, err := ValidateGenerationRequest(prompt, parameters, model)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Job{
		ID:         uuid.New().String(),
		Prompt:     prompt,
		Parameters: parameters,
		Status:     StatusPending,
		Progress:   0.0,
		MaxRetries: maxRetries,
		Metadata: JSONMap{
			"model": model,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Model returns the provider model recorded at creation time.
func (j *Job) Model() string {
	if m, ok := j.Metadata["model"].(string); ok {
		return m
	}
	return ""
}

// IsTerminal reports whether the job is in a terminal status.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanRetry reports whether a failed job is still retry-eligible.
func (j *Job) CanRetry() bool {
	return j.Status == StatusFailed && j.RetryCount < j.MaxRetries
}

// MarkProcessing transitions the job to PROCESSING. Only valid from PENDING;
// the store enforces this with a conditional update, this is the in-memory half.
func (j *Job) MarkProcessing() error {
	if j.Status != StatusPending {
		return ErrJobNotPending
	}
	now := time.Now().UTC()
	j.Status = StatusProcessing
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

// MarkCompleted transitions the job to COMPLETED with its result.
func (j *Job) MarkCompleted(resultURL, resultPath string, fileSize int64, fileType string) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("cannot complete job in %s status", j.Status)
	}
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.ResultURL = &resultURL
	j.ResultPath = &resultPath
	j.FileSize = &fileSize
	j.FileType = &fileType
	j.Progress = 1.0
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// MarkFailed transitions the job to FAILED, recording the error message.
// incrementRetry bumps the job-level retry counter; fatal failures pass false.
func (j *Job) MarkFailed(errorMessage string, incrementRetry bool) {
	now := time.Now().UTC()
	j.Status = StatusFailed
	j.ErrorMessage = &errorMessage
	if incrementRetry {
		j.RetryCount++
	}
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkCancelled transitions the job to CANCELLED. Terminal jobs cannot be
// cancelled again.
func (j *Job) MarkCancelled() error {
	if j.IsTerminal() {
		return &ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("cannot cancel job in %s status", j.Status),
		}
	}
	now := time.Now().UTC()
	j.Status = StatusCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// ResetForRetry returns a FAILED job to PENDING for a fresh attempt. The retry
// counter and ceiling are preserved; result, error, and progress are cleared.
func (j *Job) ResetForRetry() error {
	if !j.CanRetry() {
		return &ValidationError{
			Field: "retry",
			Message: fmt.Sprintf("job cannot be retried: status %s, retries %d/%d",
				j.Status, j.RetryCount, j.MaxRetries),
		}
	}
	j.Status = StatusPending
	j.Progress = 0.0
	j.ErrorMessage = nil
	j.ResultURL = nil
	j.ResultPath = nil
	j.FileSize = nil
	j.FileType = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}
