package worker

import (
	"context"
	"log/slog"
)

// minProgressStep bounds write volume: interpolated progress is only pushed
// to the store once it has advanced by this much since the last push.
const minProgressStep = 0.1

// progressTracker turns elapsed time and discrete milestones into a
// monotonically non-decreasing progress value persisted alongside the job.
// A failed progress write never fails the attempt.
type progressTracker struct {
	store  JobStore
	jobID  string
	logger *slog.Logger
	last   float64
}

func newProgressTracker(store JobStore, jobID string, logger *slog.Logger) *progressTracker {
	return &progressTracker{
		store:  store,
		jobID:  jobID,
		logger: logger,
	}
}

// milestone pushes a fixed checkpoint unconditionally.
func (t *progressTracker) milestone(ctx context.Context, progress float64, message string) {
	t.push(ctx, progress, message)
}

// advance pushes interpolated progress, throttled to minProgressStep.
func (t *progressTracker) advance(ctx context.Context, progress float64, message string) {
	if progress < t.last+minProgressStep {
		return
	}
	t.push(ctx, progress, message)
}

func (t *progressTracker) push(ctx context.Context, progress float64, message string) {
	// Progress never regresses within an attempt and stays in [0, 1].
	if progress <= t.last {
		return
	}
	if progress > 1.0 {
		progress = 1.0
	}

	if err := t.store.UpdateProgress(ctx, t.jobID, progress, message); err != nil {
		t.logger.Warn("Failed to update job progress",
			slog.String("job_id", t.jobID),
			slog.Float64("progress", progress),
			slog.String("error", err.Error()),
		)
		return
	}

	t.last = progress
}
