package broadcast

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTracker(t *testing.T) *HealthTracker {
	tracker, err := NewHealthTracker(testHealthConfig(), zap.NewNop())
	require.NoError(t, err)
	return tracker
}

func TestHealthTrackerFirstSuccessMarksHealthy(t *testing.T) {
	tracker := newTestTracker(t)

	tracker.RecordSuccess("p1", 50*time.Millisecond)

	snap := tracker.Snapshot("p1")
	require.NotNil(t, snap)
	assert.Equal(t, HealthHealthy, snap.Status)
	assert.Equal(t, 1, snap.ConsecutiveSuccesses)
	assert.True(t, tracker.IsHealthy("p1"))
}

func TestHealthTrackerFailureThresholdTripsToFailed(t *testing.T) {
	tracker := newTestTracker(t)

	tracker.RecordFailure("p1", errors.New("connection refused"))
	assert.Equal(t, HealthDegraded, tracker.Snapshot("p1").Status)
	assert.True(t, tracker.IsHealthy("p1"))

	tracker.RecordFailure("p1", errors.New("connection refused"))
	assert.Equal(t, HealthDegraded, tracker.Snapshot("p1").Status)

	tracker.RecordFailure("p1", errors.New("connection refused"))
	snap := tracker.Snapshot("p1")
	assert.Equal(t, HealthFailed, snap.Status)
	assert.Equal(t, 3, snap.ConsecutiveFailures)
	assert.False(t, tracker.IsHealthy("p1"))
}

// A single success after f < failureThreshold failures resets the
// consecutive-failure count but the provider stays DEGRADED until
// recoveryThreshold successes accumulate.
func TestHealthTrackerSuccessResetsFailuresWithoutEarlyRecovery(t *testing.T) {
	tracker := newTestTracker(t)

	tracker.RecordFailure("p1", errors.New("timeout"))
	tracker.RecordFailure("p1", errors.New("timeout"))
	require.Equal(t, HealthDegraded, tracker.Snapshot("p1").Status)

	tracker.RecordSuccess("p1", 40*time.Millisecond)
	snap := tracker.Snapshot("p1")
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, HealthDegraded, snap.Status, "one success must not recover a degraded provider")

	tracker.RecordSuccess("p1", 40*time.Millisecond)
	assert.Equal(t, HealthHealthy, tracker.Snapshot("p1").Status)
}

func TestHealthTrackerRecoversFromFailed(t *testing.T) {
	tracker := newTestTracker(t)

	for i := 0; i < 3; i++ {
		tracker.RecordFailure("p1", errors.New("boom"))
	}
	require.Equal(t, HealthFailed, tracker.Snapshot("p1").Status)
	require.False(t, tracker.IsHealthy("p1"))

	tracker.RecordSuccess("p1", 10*time.Millisecond)
	assert.Equal(t, HealthFailed, tracker.Snapshot("p1").Status)

	tracker.RecordSuccess("p1", 10*time.Millisecond)
	snap := tracker.Snapshot("p1")
	assert.Equal(t, HealthHealthy, snap.Status)
	assert.True(t, tracker.IsHealthy("p1"))
	assert.Equal(t, 2, snap.ConsecutiveSuccesses)
}

func TestHealthTrackerScoreStaysWithinBounds(t *testing.T) {
	tracker := newTestTracker(t)

	for i := 0; i < 10; i++ {
		tracker.RecordFailure("p1", errors.New("boom"))
	}
	assert.Equal(t, 0.0, tracker.Score("p1"))

	for i := 0; i < 20; i++ {
		tracker.RecordSuccess("p1", time.Millisecond)
	}
	assert.Equal(t, 100.0, tracker.Score("p1"))
}

func TestHealthTrackerErrorCategoryIsObservabilityOnly(t *testing.T) {
	tracker := newTestTracker(t)

	// Different categories, same transition rule.
	tracker.RecordFailure("p1", errors.New("429 too many requests"))
	snapRate := tracker.Snapshot("p1")
	assert.Equal(t, CategoryRateLimited, snapRate.LastErrorCategory)
	assert.Equal(t, HealthDegraded, snapRate.Status)

	tracker.RecordFailure("p2", errors.New("connection refused"))
	snapNet := tracker.Snapshot("p2")
	assert.Equal(t, CategoryNetwork, snapNet.LastErrorCategory)
	assert.Equal(t, HealthDegraded, snapNet.Status)
}

func TestHealthTrackerStatusListener(t *testing.T) {
	tracker := newTestTracker(t)

	var mu sync.Mutex
	transitions := make(map[string]HealthStatus)
	done := make(chan struct{}, 8)
	tracker.OnStatusChange(func(id string, old, new HealthStatus) {
		mu.Lock()
		transitions[id] = new
		mu.Unlock()
		done <- struct{}{}
	})

	tracker.RecordSuccess("p1", time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("status listener never invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, HealthHealthy, transitions["p1"])
}

func TestHealthTrackerResponseTimeRingBuffer(t *testing.T) {
	cfg := testHealthConfig()
	cfg.ResponseTimeSamples = 4
	tracker, err := NewHealthTracker(cfg, zap.NewNop())
	require.NoError(t, err)

	// Fill past capacity: only the last 4 samples count.
	for _, d := range []time.Duration{100, 100, 100, 100, 20, 20, 20, 20} {
		tracker.RecordSuccess("p1", d*time.Millisecond)
	}
	assert.Equal(t, 20*time.Millisecond, tracker.Snapshot("p1").AvgResponseTime)
}

func TestNewHealthTrackerRejectsBadConfig(t *testing.T) {
	cfg := testHealthConfig()
	cfg.FailureThreshold = 0
	_, err := NewHealthTracker(cfg, zap.NewNop())
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "failure_threshold", cfgErr.Field)
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCategory
	}{
		{errors.New("rate limit exceeded"), CategoryRateLimited},
		{errors.New("request timeout"), CategoryTimeout},
		{errors.New("connection refused"), CategoryNetwork},
		{errors.New("execution reverted"), CategoryGeneric},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyError(tc.err), tc.err.Error())
	}
}
