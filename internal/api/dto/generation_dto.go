package dto

import "time"

// GenerationRequest is the payload for POST /api/v1/generate.
type GenerationRequest struct {
	Prompt     string                 `json:"prompt" binding:"required"`
	Parameters map[string]interface{} `json:"parameters"`
	Model      string                 `json:"model"`
}

// GenerationResponse acknowledges a created job.
type GenerationResponse struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	EstimatedTime int    `json:"estimated_time"`
}

// JobStatusResponse is the compact status view.
type JobStatusResponse struct {
	JobID        string    `json:"job_id"`
	Status       string    `json:"status"`
	Progress     float64   `json:"progress"`
	ResultURL    *string   `json:"result_url,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// JobResponse is the full job record view.
type JobResponse struct {
	JobID        string                 `json:"job_id"`
	Prompt       string                 `json:"prompt"`
	Parameters   map[string]interface{} `json:"parameters"`
	Status       string                 `json:"status"`
	Progress     float64                `json:"progress"`
	ResultURL    *string                `json:"result_url,omitempty"`
	ResultPath   *string                `json:"result_path,omitempty"`
	FileSize     *int64                 `json:"file_size,omitempty"`
	FileType     *string                `json:"file_type,omitempty"`
	ErrorMessage *string                `json:"error_message,omitempty"`
	RetryCount   int                    `json:"retry_count"`
	MaxRetries   int                    `json:"max_retries"`
	PredictionID *string                `json:"prediction_id,omitempty"`
	Metadata     map[string]interface{} `json:"metadata"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// ListJobsRequest holds the query parameters for GET /api/v1/jobs.
type ListJobsRequest struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

// ListJobsResponse wraps a page of jobs.
type ListJobsResponse struct {
	Jobs   []JobResponse `json:"jobs"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// StatsResponse aggregates job counts per status.
type StatsResponse struct {
	JobCounts map[string]int64 `json:"job_counts"`
	TotalJobs int64            `json:"total_jobs"`
}
