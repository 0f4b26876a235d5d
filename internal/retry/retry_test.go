package retry

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hqbui/mediagen-be/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    8 * time.Second,
	}

	tests := []struct {
		name    string
		attempt int
		base    time.Duration
	}{
		{"first attempt", 1, 2 * time.Second},
		{"second attempt doubles", 2, 4 * time.Second},
		{"third attempt doubles again", 3, 8 * time.Second},
		{"capped at max delay", 4, 8 * time.Second},
		{"far past the cap", 10, 8 * time.Second},
		{"attempt below one clamps to one", 0, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay := p.Delay(tt.attempt)
			// Jitter adds up to 25% on top of the base delay
			assert.GreaterOrEqual(t, delay, tt.base)
			assert.LessOrEqual(t, delay, tt.base+tt.base/4)
		})
	}
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(domain.NewTransientProviderError(assert.AnError)))
	assert.True(t, Transient(domain.NewTransientStorageError(assert.AnError)))
	assert.False(t, Transient(&domain.ProviderError{Message: "rejected"}))
	assert.False(t, Transient(assert.AnError))
	assert.False(t, Transient(nil))
}

func TestDo(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), testPolicy(), testLogger(), "create", func() error {
			calls++
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries transient failures until success", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), testPolicy(), testLogger(), "create", func() error {
			calls++
			if calls < 3 {
				return domain.NewTransientProviderError(errors.New("connection reset"))
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausts attempts and returns last error", func(t *testing.T) {
		calls := 0
		transient := domain.NewTransientProviderError(errors.New("still down"))
		err := Do(context.Background(), testPolicy(), testLogger(), "poll", func() error {
			calls++
			return transient
		})

		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, transient, err)
	})

	t.Run("non-transient error aborts immediately", func(t *testing.T) {
		calls := 0
		providerErr := &domain.ProviderError{StatusCode: 422, Message: "invalid input"}
		err := Do(context.Background(), testPolicy(), testLogger(), "create", func() error {
			calls++
			return providerErr
		})

		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, providerErr, err)
	})

	t.Run("zero-value policy still runs fn once", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), Policy{}, testLogger(), "create", func() error {
			calls++
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("zero-value policy surfaces the failure", func(t *testing.T) {
		calls := 0
		transient := domain.NewTransientProviderError(errors.New("down"))
		err := Do(context.Background(), Policy{}, testLogger(), "poll", func() error {
			calls++
			return transient
		})

		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, transient, err)
	})

	t.Run("cancelled context stops the wait", func(t *testing.T) {
		p := Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Hour,
			MaxDelay:    time.Hour,
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		calls := 0
		err := Do(ctx, p, testLogger(), "poll", func() error {
			calls++
			return domain.NewTransientProviderError(errors.New("down"))
		})

		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}
