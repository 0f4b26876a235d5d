package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hqbui/mediagen-be/internal/api/dto"
	"github.com/hqbui/mediagen-be/internal/domain"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/generate. The job record is validated and
// persisted before its id is handed to the queue.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, &domain.ValidationError{Field: "body", Message: "invalid request body"})
		return
	}

	model := req.Model
	if model == "" {
		model = h.defaultModel
	}

	job, err := domain.NewJob(req.Prompt, req.Parameters, model, h.maxRetries)
	if err != nil {
		h.respondError(c, err)
		return
	}

	ctx := c.Request.Context()

	if err := h.store.Create(ctx, job); err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.queue.PublishJob(ctx, job.ID); err != nil {
		// The record exists but no worker will ever see it; surface the
		// failure instead of stranding a silent PENDING job.
		h.logger.Error("Failed to enqueue job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		job.MarkFailed("failed to enqueue job for processing", false)
		if updateErr := h.store.Update(ctx, job); updateErr != nil {
			h.logger.Error("Failed to mark unenqueued job as failed",
				slog.String("job_id", job.ID),
				slog.String("error", updateErr.Error()),
			)
		}
		h.respondError(c, fmt.Errorf("failed to enqueue job: %w", err))
		return
	}

	taskID := uuid.New().String()
	job.TaskID = &taskID
	if err := h.store.Update(ctx, job); err != nil {
		h.logger.Warn("Failed to persist task id",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	h.logger.Info("Generation job created",
		slog.String("job_id", job.ID),
		slog.String("model", model),
	)

	c.JSON(http.StatusCreated, dto.GenerationResponse{
		JobID:         job.ID,
		Status:        string(job.Status),
		Message:       "Job created successfully",
		EstimatedTime: 60,
	})
}

// GetJobStatus handles GET /api/v1/status/:job_id.
func (h *JobHandler) GetJobStatus(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.store.GetByID(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, statusResponse(job))
}

// GetJobDetails handles GET /api/v1/jobs/:job_id.
func (h *JobHandler) GetJobDetails(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.store.GetByID(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, jobResponse(job))
}

// ListJobs handles GET /api/v1/jobs with limit/offset pagination and an
// optional status filter.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.respondError(c, &domain.ValidationError{Field: "query", Message: "invalid query parameters"})
		return
	}

	if req.Limit <= 0 {
		req.Limit = defaultPageSize
	}
	if req.Limit > maxPageSize {
		req.Limit = maxPageSize
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	status := domain.Status(req.Status)
	if req.Status != "" && !status.Valid() {
		h.respondError(c, &domain.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("unknown status %q", req.Status),
		})
		return
	}

	jobs, err := h.store.List(c.Request.Context(), status, req.Limit, req.Offset)
	if err != nil {
		h.respondError(c, err)
		return
	}

	responses := make([]dto.JobResponse, len(jobs))
	for i := range jobs {
		responses[i] = jobResponse(&jobs[i])
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:   responses,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel. The store performs the
// transition conditionally so an attempt finishing at the same moment keeps
// its outcome; terminal jobs come back as a validation error. Any in-flight
// prediction is revoked best-effort.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()

	job, err := h.store.Cancel(ctx, jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if job.PredictionID != nil {
		h.provider.CancelPrediction(ctx, *job.PredictionID)
	}

	h.logger.Info("Job cancelled", slog.String("job_id", job.ID))

	c.JSON(http.StatusOK, statusResponse(job))
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry. Only a FAILED job under
// its retry ceiling can be reset and re-enqueued.
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()

	job, err := h.store.GetByID(ctx, jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if err := job.ResetForRetry(); err != nil {
		h.respondError(c, err)
		return
	}

	taskID := uuid.New().String()
	job.TaskID = &taskID

	if err := h.store.Update(ctx, job); err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.queue.PublishJob(ctx, job.ID); err != nil {
		h.respondError(c, fmt.Errorf("failed to enqueue retry: %w", err))
		return
	}

	h.logger.Info("Job retry requested",
		slog.String("job_id", job.ID),
		slog.Int("retry_count", job.RetryCount),
	)

	c.JSON(http.StatusOK, statusResponse(job))
}

// GetStats handles GET /api/v1/stats.
func (h *JobHandler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()

	counts := make(map[string]int64, len(domain.Statuses))
	var total int64

	for _, status := range domain.Statuses {
		count, err := h.store.CountByStatus(ctx, status)
		if err != nil {
			h.respondError(c, err)
			return
		}
		counts[string(status)] = count
		total += count
	}

	c.JSON(http.StatusOK, dto.StatsResponse{
		JobCounts: counts,
		TotalJobs: total,
	})
}

// jobIDParam validates the job_id path parameter; it writes the error
// response itself when the id is not a UUID.
func (h *JobHandler) jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.respondError(c, &domain.ValidationError{
			Field:   "job_id",
			Message: "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}

func statusResponse(job *domain.Job) dto.JobStatusResponse {
	return dto.JobStatusResponse{
		JobID:        job.ID,
		Status:       string(job.Status),
		Progress:     job.Progress,
		ResultURL:    job.ResultURL,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
}

func jobResponse(job *domain.Job) dto.JobResponse {
	return dto.JobResponse{
		JobID:        job.ID,
		Prompt:       job.Prompt,
		Parameters:   job.Parameters,
		Status:       string(job.Status),
		Progress:     job.Progress,
		ResultURL:    job.ResultURL,
		ResultPath:   job.ResultPath,
		FileSize:     job.FileSize,
		FileType:     job.FileType,
		ErrorMessage: job.ErrorMessage,
		RetryCount:   job.RetryCount,
		MaxRetries:   job.MaxRetries,
		PredictionID: job.PredictionID,
		Metadata:     job.Metadata,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
}
