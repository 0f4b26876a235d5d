// Package retry holds the shared transient-failure policy: how many times an
// external call is attempted, how long to back off between attempts, and
// which errors qualify for another try.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/hqbui/mediagen-be/internal/domain"
)

// Policy bounds the retry loop for one external operation.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay computes the exponential backoff delay before the given attempt
// (1-based), with up to 25% jitter, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay << uint(attempt-1)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// Transient reports whether an error is a transient gateway failure that the
// retry loop should absorb. Provider rejections and validation failures are
// not transient.
func Transient(err error) bool {
	var transient *domain.TransientError
	return errors.As(err, &transient)
}

// Do runs fn up to p.MaxAttempts times, sleeping p.Delay between attempts,
// as long as the failure is transient. The context cancels the wait.
// A non-positive MaxAttempts still runs fn once.
func Do(ctx context.Context, p Policy, logger *slog.Logger, op string, fn func() error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("Operation succeeded after retry",
					slog.String("op", op),
					slog.Int("attempt", attempt),
				)
			}
			return nil
		}

		if !Transient(lastErr) {
			return lastErr
		}

		if attempt == maxAttempts {
			break
		}

		delay := p.Delay(attempt)
		logger.Warn("Transient failure, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("retry_after", delay),
			slog.Any("error", lastErr),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}
