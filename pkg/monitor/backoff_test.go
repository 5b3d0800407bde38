package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryWithBackoffSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), clock.New(), 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoffExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := retryWithBackoff(context.Background(), clock.New(), 2, time.Millisecond, func(ctx context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
}

func TestRetryWithBackoffZeroRetriesFailsImmediately(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), clock.New(), 0, time.Millisecond, func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoffStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryWithBackoff(ctx, clock.New(), 5, time.Hour, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "cancellation interrupts the delay, not just the next attempt")
}
