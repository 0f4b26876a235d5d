package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hqbui/mediagen-be/internal/domain"
	"github.com/hqbui/mediagen-be/internal/objectstore"
	"github.com/hqbui/mediagen-be/internal/provider"
	"github.com/hqbui/mediagen-be/internal/retry"
	"github.com/hqbui/mediagen-be/shared/rabbitmq"
)

// JobStore is the slice of the job store the worker needs to drive attempts.
type JobStore interface {
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)
	Claim(ctx context.Context, jobID string) (*domain.Job, error)
	Update(ctx context.Context, job *domain.Job) error
	SetPredictionID(ctx context.Context, jobID, predictionID string) error
	UpdateProgress(ctx context.Context, jobID string, progress float64, message string) error
	FinishAttempt(ctx context.Context, job *domain.Job) error
}

// Provider is the inference gateway consumed by the orchestrator.
type Provider interface {
	CreatePrediction(ctx context.Context, model string, input map[string]interface{}) (*provider.Prediction, error)
	GetPrediction(ctx context.Context, predictionID string) (*provider.Prediction, error)
	CancelPrediction(ctx context.Context, predictionID string)
	DownloadOutput(ctx context.Context, outputURL string) ([]byte, error)
}

// Publisher re-enqueues job ids for further attempts.
type Publisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// Config holds worker configuration.
type Config struct {
	Logger        *slog.Logger
	Store         JobStore
	Provider      Provider
	Objects       objectstore.Store
	RabbitClient  *rabbitmq.Client
	Queue         Publisher // defaults to RabbitClient
	WorkerID      string
	Concurrency   int
	PrefetchCount int
	MaxQueued     int
	DefaultModel  string
	PollInterval  time.Duration
	MaxWaitTime   time.Duration
	RetryBackoff  retry.Policy
}

// Worker consumes generation job ids from the queue and drives each job
// through the provider and object store to a terminal state.
type Worker struct {
	logger        *slog.Logger
	store         JobStore
	provider      Provider
	objects       objectstore.Store
	rabbitClient  *rabbitmq.Client
	queue         Publisher
	workerID      string
	concurrency   int
	prefetchCount int
	defaultModel  string
	pollInterval  time.Duration
	maxWaitTime   time.Duration
	retryBackoff  retry.Policy

	jobsChan chan *jobMessage
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// jobMessage is one queue delivery: a job id plus the delivery tag needed to
// ack or nack it.
type jobMessage struct {
	JobID       string
	DeliveryTag uint64
}

// NewWorker creates a new worker instance.
func NewWorker(cfg *Config) *Worker {
	maxQueued := cfg.MaxQueued
	if maxQueued <= 0 {
		maxQueued = cfg.Concurrency
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	maxWait := cfg.MaxWaitTime
	if maxWait <= 0 {
		maxWait = 300 * time.Second
	}

	queue := cfg.Queue
	if queue == nil && cfg.RabbitClient != nil {
		queue = cfg.RabbitClient
	}

	return &Worker{
		logger:        cfg.Logger,
		store:         cfg.Store,
		provider:      cfg.Provider,
		objects:       cfg.Objects,
		rabbitClient:  cfg.RabbitClient,
		queue:         queue,
		workerID:      cfg.WorkerID,
		concurrency:   cfg.Concurrency,
		prefetchCount: cfg.PrefetchCount,
		defaultModel:  cfg.DefaultModel,
		pollInterval:  pollInterval,
		maxWaitTime:   maxWait,
		retryBackoff:  cfg.RetryBackoff,
		jobsChan:      make(chan *jobMessage, maxQueued),
		stopChan:      make(chan struct{}),
	}
}

// Start begins consuming and processing jobs until the context is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("max_wait_time", w.maxWaitTime),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)
	go w.startMessageDispatcher(ctx, deliveries)

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")

	return nil
}

// Stop gracefully stops the worker, waiting for in-flight attempts and
// pending retry re-enqueues.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
