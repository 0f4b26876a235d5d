package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hqbui/mediagen-be/internal/domain"
)

// JobStore is the slice of the job store the API needs.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)
	Update(ctx context.Context, job *domain.Job) error
	Cancel(ctx context.Context, jobID string) (*domain.Job, error)
	List(ctx context.Context, status domain.Status, limit, offset int) ([]domain.Job, error)
	CountByStatus(ctx context.Context, status domain.Status) (int64, error)
}

// Publisher enqueues a job id for exactly one worker to pick up.
type Publisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// PredictionCanceller revokes an in-flight provider run, best-effort.
type PredictionCanceller interface {
	CancelPrediction(ctx context.Context, predictionID string)
}

// Dependencies holds all dependencies needed by handlers.
type Dependencies struct {
	Logger       *slog.Logger
	Store        JobStore
	Queue        Publisher
	Provider     PredictionCanceller
	MaxRetries   int
	DefaultModel string
}

// JobHandler handles generation job HTTP requests.
type JobHandler struct {
	logger       *slog.Logger
	store        JobStore
	queue        Publisher
	provider     PredictionCanceller
	maxRetries   int
	defaultModel string
}

// NewJobHandler creates a new JobHandler instance.
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:       deps.Logger,
		store:        deps.Store,
		queue:        deps.Queue,
		provider:     deps.Provider,
		maxRetries:   deps.MaxRetries,
		defaultModel: deps.DefaultModel,
	}
}

// respondError translates domain errors to HTTP responses: validation
// failures to 400 with the offending field, unknown jobs to 404, anything
// else to 500 with an error code.
func (h *JobHandler) respondError(c *gin.Context, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "VALIDATION_ERROR",
			"message": validationErr.Message,
			"field":   validationErr.Field,
		})
		return
	}

	if errors.Is(err, domain.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "JOB_NOT_FOUND",
			"message": err.Error(),
		})
		return
	}

	h.logger.Error("Request failed", slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "INTERNAL_ERROR",
		"message": "internal server error",
	})
}
