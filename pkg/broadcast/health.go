package broadcast

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"tx_broadcast/pkg/config"
)

// HealthStatus is a provider's admission-control state.
type HealthStatus string

const (
	HealthUnknown  HealthStatus = "UNKNOWN"
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthFailed   HealthStatus = "FAILED"
)

// Health score adjustments per recorded event.
const (
	maxHealthScore      = 100.0
	minHealthScore      = 0.0
	successScoreBonus   = 10.0
	failureScorePenalty = 20.0
)

// healthRecord is the per-provider state. It is mutated by foreground
// broadcast attempts and by the background probe loop, so every access
// goes through the tracker's mutex.
type healthRecord struct {
	status               HealthStatus
	consecutiveFailures  int
	consecutiveSuccesses int
	healthScore          float64
	lastError            error
	lastErrorCategory    ErrorCategory
	lastChecked          time.Time

	// responseTimes is a bounded ring buffer of the last N samples.
	responseTimes []time.Duration
	nextSample    int
	sampleCount   int

	totalAttempts  uint64
	totalSuccesses uint64
}

// HealthSnapshot is a point-in-time copy of one provider's health,
// safe to hand to dashboards.
type HealthSnapshot struct {
	ProviderID           string
	Status               HealthStatus
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	HealthScore          float64
	LastError            string
	LastErrorCategory    ErrorCategory
	LastChecked          time.Time
	AvgResponseTime      time.Duration
	SuccessRate          float64 // percentage in [0,100]
	TotalAttempts        uint64
}

// StatusListener is notified whenever a provider's status changes.
// Listeners are invoked outside the tracker's lock and must not block.
type StatusListener func(providerID string, old, new HealthStatus)

// HealthTracker is the admission-control state machine shared by both
// broadcast strategies and the background probe loop.
type HealthTracker struct {
	records           map[string]*healthRecord
	failureThreshold  int
	recoveryThreshold int
	sampleSize        int
	listeners         []StatusListener
	logger            *zap.Logger
	mu                sync.RWMutex
}

// NewHealthTracker creates a tracker with the configured thresholds.
func NewHealthTracker(cfg config.HealthConfig, logger *zap.Logger) (*HealthTracker, error) {
	if cfg.FailureThreshold <= 0 {
		return nil, &ConfigurationError{Field: "failure_threshold", Reason: "must be positive"}
	}
	if cfg.RecoveryThreshold <= 0 {
		return nil, &ConfigurationError{Field: "recovery_threshold", Reason: "must be positive"}
	}
	if cfg.ResponseTimeSamples <= 0 {
		return nil, &ConfigurationError{Field: "response_time_samples", Reason: "must be positive"}
	}
	return &HealthTracker{
		records:           make(map[string]*healthRecord),
		failureThreshold:  cfg.FailureThreshold,
		recoveryThreshold: cfg.RecoveryThreshold,
		sampleSize:        cfg.ResponseTimeSamples,
		logger:            logger,
	}, nil
}

// OnStatusChange registers a listener for status transitions.
func (t *HealthTracker) OnStatusChange(fn StatusListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *HealthTracker) record(providerID string) *healthRecord {
	rec, ok := t.records[providerID]
	if !ok {
		rec = &healthRecord{
			status:        HealthUnknown,
			healthScore:   maxHealthScore,
			responseTimes: make([]time.Duration, t.sampleSize),
		}
		t.records[providerID] = rec
	}
	return rec
}

// RecordSuccess applies a successful attempt to the provider's record.
func (t *HealthTracker) RecordSuccess(providerID string, responseTime time.Duration) {
	t.mu.Lock()
	rec := t.record(providerID)
	old := rec.status

	rec.consecutiveFailures = 0
	rec.consecutiveSuccesses++
	rec.totalAttempts++
	rec.totalSuccesses++
	rec.lastChecked = time.Now()
	rec.healthScore = min(maxHealthScore, rec.healthScore+successScoreBonus)

	rec.responseTimes[rec.nextSample] = responseTime
	rec.nextSample = (rec.nextSample + 1) % t.sampleSize
	if rec.sampleCount < t.sampleSize {
		rec.sampleCount++
	}

	switch rec.status {
	case HealthUnknown:
		rec.status = HealthHealthy
	case HealthDegraded, HealthFailed:
		if rec.consecutiveSuccesses >= t.recoveryThreshold {
			rec.status = HealthHealthy
		}
	}
	newStatus := rec.status
	t.mu.Unlock()

	t.notify(providerID, old, newStatus)
}

// RecordFailure applies a failed attempt to the provider's record. The
// error category is attached for observability only and does not alter
// the transition rule.
func (t *HealthTracker) RecordFailure(providerID string, err error) {
	t.mu.Lock()
	rec := t.record(providerID)
	old := rec.status

	rec.consecutiveSuccesses = 0
	rec.consecutiveFailures++
	rec.totalAttempts++
	rec.lastError = err
	rec.lastErrorCategory = ClassifyError(err)
	rec.lastChecked = time.Now()
	rec.healthScore = max(minHealthScore, rec.healthScore-failureScorePenalty)

	if rec.consecutiveFailures >= t.failureThreshold {
		rec.status = HealthFailed
	} else {
		rec.status = HealthDegraded
	}
	newStatus := rec.status
	t.mu.Unlock()

	t.notify(providerID, old, newStatus)
}

func (t *HealthTracker) notify(providerID string, old, new HealthStatus) {
	if old == new {
		return
	}
	if t.logger != nil {
		t.logger.Info("Provider health status changed",
			zap.String("providerID", providerID),
			zap.String("from", string(old)),
			zap.String("to", string(new)))
	}
	t.mu.RLock()
	listeners := make([]StatusListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.RUnlock()
	for _, fn := range listeners {
		go fn(providerID, old, new)
	}
}

// IsHealthy reports whether the provider is eligible for selection:
// not FAILED and below the consecutive-failure threshold. Providers
// never seen before are eligible (UNKNOWN).
func (t *HealthTracker) IsHealthy(providerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[providerID]
	if !ok {
		return true
	}
	return rec.status != HealthFailed && rec.consecutiveFailures < t.failureThreshold
}

// Score returns the provider's current health score.
func (t *HealthTracker) Score(providerID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[providerID]
	if !ok {
		return maxHealthScore
	}
	return rec.healthScore
}

// Snapshot returns a copy of one provider's health, or nil when the
// provider has never been recorded.
func (t *HealthTracker) Snapshot(providerID string) *HealthSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[providerID]
	if !ok {
		return nil
	}
	snap := t.snapshotLocked(providerID, rec)
	return &snap
}

// Snapshots returns a copy of every tracked provider's health.
func (t *HealthTracker) Snapshots() []HealthSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snaps := make([]HealthSnapshot, 0, len(t.records))
	for id, rec := range t.records {
		snaps = append(snaps, t.snapshotLocked(id, rec))
	}
	return snaps
}

func (t *HealthTracker) snapshotLocked(providerID string, rec *healthRecord) HealthSnapshot {
	snap := HealthSnapshot{
		ProviderID:           providerID,
		Status:               rec.status,
		ConsecutiveFailures:  rec.consecutiveFailures,
		ConsecutiveSuccesses: rec.consecutiveSuccesses,
		HealthScore:          rec.healthScore,
		LastErrorCategory:    rec.lastErrorCategory,
		LastChecked:          rec.lastChecked,
		TotalAttempts:        rec.totalAttempts,
	}
	if rec.lastError != nil {
		snap.LastError = rec.lastError.Error()
	}
	if rec.sampleCount > 0 {
		var total time.Duration
		for i := 0; i < rec.sampleCount; i++ {
			total += rec.responseTimes[i]
		}
		snap.AvgResponseTime = total / time.Duration(rec.sampleCount)
	}
	if rec.totalAttempts > 0 {
		snap.SuccessRate = float64(rec.totalSuccesses) / float64(rec.totalAttempts) * 100
	}
	return snap
}
