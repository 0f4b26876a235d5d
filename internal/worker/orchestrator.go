package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hqbui/mediagen-be/internal/domain"
	"github.com/hqbui/mediagen-be/internal/objectstore"
	"github.com/hqbui/mediagen-be/internal/provider"
)

// runAttempt executes one generation attempt for a job id: claim, dispatch
// to the provider, poll to completion, persist the artifact, and resolve the
// job to a terminal state. A nil return means the outcome - success or
// failure - was persisted and the queue message can be acknowledged.
func (w *Worker) runAttempt(ctx context.Context, jobID string) error {
	w.logger.Info("Processing job",
		slog.String("job_id", jobID),
		slog.String("worker_id", w.workerID),
	)

	job, err := w.store.Claim(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotPending) {
			w.logger.Warn("Job not claimable, skipping",
				slog.String("job_id", jobID),
			)
			return fmt.Errorf("job not claimable: %w", err)
		}
		return &domain.TransientError{Source: "database", Err: fmt.Errorf("failed to claim job: %w", err)}
	}

	err = w.generate(ctx, job)
	if err == nil {
		w.logger.Info("Job completed successfully",
			slog.String("job_id", job.ID),
			slog.Float64("progress", job.Progress),
		)
		return nil
	}

	if errors.Is(err, domain.ErrJobNotProcessing) {
		// The job left PROCESSING under us - an external cancel. Drop the
		// attempt without overwriting the cancellation.
		w.logger.Info("Job cancelled mid-attempt, aborting",
			slog.String("job_id", job.ID),
		)
		if job.PredictionID != nil {
			w.provider.CancelPrediction(ctx, *job.PredictionID)
		}
		return nil
	}

	if domain.AttemptRetryable(err) {
		return w.handleRetryableError(ctx, job, err)
	}

	return w.handleFatalError(ctx, job, err)
}

// generate drives the claimed job through the full pipeline. The job struct
// is mutated in place; on success it has been marked COMPLETED and persisted.
func (w *Worker) generate(ctx context.Context, job *domain.Job) error {
	tracker := newProgressTracker(w.store, job.ID, w.logger)

	model := job.Model()
	if model == "" {
		model = w.defaultModel
	}

	input := map[string]interface{}{"prompt": job.Prompt}
	for k, v := range job.Parameters {
		input[k] = v
	}

	tracker.milestone(ctx, 0.1, "Creating prediction...")

	prediction, err := w.provider.CreatePrediction(ctx, model, input)
	if err != nil {
		return err
	}

	// Persist the handle right away so cancellation and inspection can
	// reference it even if a later step fails.
	job.PredictionID = &prediction.ID
	if err := w.store.SetPredictionID(ctx, job.ID, prediction.ID); err != nil {
		if errors.Is(err, domain.ErrJobNotProcessing) {
			return err
		}
		return &domain.TransientError{Source: "database", Err: fmt.Errorf("failed to persist prediction id: %w", err)}
	}

	tracker.milestone(ctx, 0.2, "Processing...")

	final, err := w.waitForPrediction(ctx, prediction.ID, tracker)
	if err != nil {
		return err
	}

	if final.Status != provider.PredictionSucceeded {
		detail := final.Error
		if detail == "" {
			detail = "unknown error"
		}
		return &domain.ProviderError{Message: "prediction failed: " + detail}
	}

	if len(final.Output) == 0 {
		return &domain.ProviderError{Message: "no output generated"}
	}
	outputURL := final.Output[0]

	tracker.milestone(ctx, 0.9, "Downloading result...")

	data, err := w.provider.DownloadOutput(ctx, outputURL)
	if err != nil {
		return err
	}

	contentType := objectstore.ContentTypeFromURL(outputURL)

	tracker.milestone(ctx, 0.95, "Saving to storage...")

	key := job.ID + objectstore.ExtensionForContentType(contentType)
	path, url, err := w.objects.Put(ctx, key, data, contentType)
	if err != nil {
		return err
	}

	if err := job.MarkCompleted(url, path, int64(len(data)), contentType); err != nil {
		return err
	}

	return w.store.FinishAttempt(ctx, job)
}

// waitForPrediction polls the provider until the prediction reaches a
// terminal status or the wall-clock ceiling elapses. Progress interpolates
// from 0.2 towards 0.9 across the wait window; a timeout is a transient
// failure, retryable at the job level.
func (w *Worker) waitForPrediction(ctx context.Context, predictionID string, tracker *progressTracker) (*provider.Prediction, error) {
	start := time.Now()

	for {
		prediction, err := w.provider.GetPrediction(ctx, predictionID)
		if err != nil {
			return nil, err
		}

		elapsed := time.Since(start)
		progress := 0.2 + (elapsed.Seconds()/w.maxWaitTime.Seconds())*0.7
		if progress > 0.9 {
			progress = 0.9
		}
		tracker.advance(ctx, progress, fmt.Sprintf("Processing... (%s)", prediction.Status))

		if prediction.Terminal() {
			return prediction, nil
		}

		if elapsed >= w.maxWaitTime {
			break
		}

		select {
		case <-time.After(w.pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, domain.NewTransientProviderError(
		fmt.Errorf("prediction %s timed out after %s", predictionID, w.maxWaitTime))
}

// handleRetryableError records a failed attempt that counts against the
// retry ceiling. The job always lands in FAILED; while still under the
// ceiling it stays retry-eligible and a re-enqueue is scheduled with
// backoff.
func (w *Worker) handleRetryableError(ctx context.Context, job *domain.Job, cause error) error {
	job.MarkFailed(cause.Error(), true)

	if err := w.store.FinishAttempt(ctx, job); err != nil {
		if errors.Is(err, domain.ErrJobNotProcessing) {
			w.logger.Info("Job cancelled before failure could be recorded",
				slog.String("job_id", job.ID),
			)
			return nil
		}
		return &domain.TransientError{Source: "database", Err: fmt.Errorf("failed to record attempt failure: %w", err)}
	}

	if job.RetryCount >= job.MaxRetries {
		w.logger.Warn("Job exceeded max retries",
			slog.String("job_id", job.ID),
			slog.Int("retry_count", job.RetryCount),
			slog.Int("max_retries", job.MaxRetries),
			slog.String("error", cause.Error()),
		)
		return nil
	}

	w.logger.Info("Job will be retried",
		slog.String("job_id", job.ID),
		slog.Int("retry_count", job.RetryCount),
		slog.Int("max_retries", job.MaxRetries),
	)
	w.scheduleRetry(job.ID, job.RetryCount)

	return nil
}

// handleFatalError resolves an unclassified failure: FAILED immediately with
// no retry-count increment.
func (w *Worker) handleFatalError(ctx context.Context, job *domain.Job, cause error) error {
	w.logger.Error("Job failed with non-retryable error",
		slog.String("job_id", job.ID),
		slog.String("error", cause.Error()),
	)

	job.MarkFailed(cause.Error(), false)

	if err := w.store.FinishAttempt(ctx, job); err != nil {
		if errors.Is(err, domain.ErrJobNotProcessing) {
			return nil
		}
		return &domain.TransientError{Source: "database", Err: fmt.Errorf("failed to record fatal failure: %w", err)}
	}

	return nil
}

// scheduleRetry re-enqueues a retry-eligible FAILED job after the backoff
// delay for its attempt number. If the worker shuts down first, the job
// simply stays retry-eligible for a manual retry.
func (w *Worker) scheduleRetry(jobID string, attempt int) {
	delay := w.retryBackoff.Delay(attempt)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		select {
		case <-time.After(delay):
		case <-w.stopChan:
			w.logger.Info("Retry re-enqueue abandoned during shutdown",
				slog.String("job_id", jobID),
			)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		job, err := w.store.GetByID(ctx, jobID)
		if err != nil {
			w.logger.Error("Failed to load job for retry",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			return
		}

		// The job may have been cancelled or manually retried meanwhile.
		if err := job.ResetForRetry(); err != nil {
			w.logger.Info("Job no longer retry-eligible, skipping re-enqueue",
				slog.String("job_id", jobID),
				slog.String("status", string(job.Status)),
			)
			return
		}

		if err := w.store.Update(ctx, job); err != nil {
			w.logger.Error("Failed to reset job for retry",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			return
		}

		if err := w.queue.PublishJob(ctx, jobID); err != nil {
			w.logger.Error("Failed to re-enqueue job",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			return
		}

		w.logger.Info("Job re-enqueued for retry",
			slog.String("job_id", jobID),
			slog.Duration("delay", delay),
		)
	}()
}
