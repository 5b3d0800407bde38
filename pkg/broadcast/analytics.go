package broadcast

import (
	"sync"
	"time"
)

// Analytics keeps running aggregates across broadcasts for the
// operational dashboard. It is shared by both strategies and therefore
// serialized behind its own mutex.
type Analytics struct {
	totalBroadcasts   int64
	successes         int64
	partialSuccesses  int64
	consensusFailures int64
	failures          int64
	totalDuration     time.Duration
	lastBroadcast     time.Time
	mu                sync.RWMutex
}

// AnalyticsSnapshot is a point-in-time copy of the running aggregates.
type AnalyticsSnapshot struct {
	TotalBroadcasts   int64
	Successes         int64
	PartialSuccesses  int64
	ConsensusFailures int64
	Failures          int64
	AverageDuration   time.Duration
	LastBroadcast     time.Time
}

// NewAnalytics creates an empty aggregate set.
func NewAnalytics() *Analytics {
	return &Analytics{}
}

func (a *Analytics) recordOutcome(state OutcomeState, duration time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalBroadcasts++
	a.totalDuration += duration
	a.lastBroadcast = time.Now()

	switch state {
	case StateSuccess:
		a.successes++
	case StatePartialSuccess:
		a.partialSuccesses++
	case StateConsensusFailure:
		a.consensusFailures++
	}
}

func (a *Analytics) recordFailure(duration time.Duration, consensus bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalBroadcasts++
	a.totalDuration += duration
	a.lastBroadcast = time.Now()
	if consensus {
		a.consensusFailures++
	} else {
		a.failures++
	}
}

// Snapshot returns a copy of the aggregates for dashboards.
func (a *Analytics) Snapshot() AnalyticsSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := AnalyticsSnapshot{
		TotalBroadcasts:   a.totalBroadcasts,
		Successes:         a.successes,
		PartialSuccesses:  a.partialSuccesses,
		ConsensusFailures: a.consensusFailures,
		Failures:          a.failures,
		LastBroadcast:     a.lastBroadcast,
	}
	if a.totalBroadcasts > 0 {
		snap.AverageDuration = a.totalDuration / time.Duration(a.totalBroadcasts)
	}
	return snap
}
