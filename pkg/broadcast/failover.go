package broadcast

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"tx_broadcast/pkg/chain"
)

// Ordering selects how the failover strategy ranks providers at the
// start of each call.
type Ordering string

const (
	// OrderSequential ranks by configured priority.
	OrderSequential Ordering = "SEQUENTIAL"
	// OrderPriority ranks by tier, then priority within the tier.
	OrderPriority Ordering = "PRIORITY"
	// OrderPerformance ranks by success rate, then average latency,
	// then health score.
	OrderPerformance Ordering = "PERFORMANCE"
	// OrderRandom shuffles the eligible set.
	OrderRandom Ordering = "RANDOM"
)

// Tie-break thresholds for PERFORMANCE ordering. Differences below
// these are treated as noise so rankings do not thrash.
const (
	successRateDelta = 5.0 // percentage points
	latencyDelta     = 100 * time.Millisecond
)

// ParseOrdering validates an ordering string.
func ParseOrdering(s string) (Ordering, error) {
	switch Ordering(s) {
	case OrderSequential, OrderPriority, OrderPerformance, OrderRandom:
		return Ordering(s), nil
	default:
		return "", &ConfigurationError{Field: "ordering_strategy", Reason: fmt.Sprintf("unknown ordering %q", s)}
	}
}

// FailoverStrategy tries providers one at a time in an order computed
// once per call, until one succeeds or the provider set or the time
// budget is exhausted.
type FailoverStrategy struct {
	providers []*Provider
	defaults  Options
	health    *HealthTracker
	validator TxValidator
	metrics   Collector
	analytics *Analytics
	logger    *zap.Logger
}

// NewFailoverStrategy validates the configuration up front so invalid
// settings never reach broadcast time.
func NewFailoverStrategy(providers []*Provider, deps Deps, defaults Options) (*FailoverStrategy, error) {
	if len(providers) == 0 {
		return nil, &ConfigurationError{Field: "providers", Reason: "at least one provider is required"}
	}
	if err := deps.fillDefaults(); err != nil {
		return nil, err
	}
	if defaults.Ordering == "" {
		defaults.Ordering = OrderSequential
	}
	if err := validateOptions(defaults); err != nil {
		return nil, err
	}
	return &FailoverStrategy{
		providers: providers,
		defaults:  defaults,
		health:    deps.Health,
		validator: deps.Validator,
		metrics:   deps.Metrics,
		analytics: deps.Analytics,
		logger:    deps.Logger,
	}, nil
}

// Analytics exposes the running aggregates for dashboards.
func (s *FailoverStrategy) Analytics() AnalyticsSnapshot {
	return s.analytics.Snapshot()
}

// Broadcast tries the ordered providers strictly in sequence. Health
// changes mid-call do not re-sort the list.
func (s *FailoverStrategy) Broadcast(ctx context.Context, req *Request) (*Outcome, error) {
	start := time.Now()
	opts, err := resolveOptions(s.defaults, req.Options)
	if err != nil {
		return nil, err
	}
	if req.Tx == nil || len(req.Tx.Raw) == 0 {
		return nil, chain.ErrEmptyPayload
	}
	if s.validator != nil {
		if err := s.validator.ValidateTransaction(req.Tx); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrSecurityRejected, err)
		}
	}

	eligible := s.eligibleProviders()
	if len(eligible) == 0 {
		return nil, ErrNoProvidersAvailable
	}
	ordered := s.orderProviders(eligible, opts.Ordering)
	if len(ordered) > opts.MaxProviders {
		ordered = ordered[:opts.MaxProviders]
	}

	s.logger.Debug("Starting failover broadcast",
		zap.String("broadcastID", req.BroadcastID),
		zap.String("ordering", string(opts.Ordering)),
		zap.Int("candidates", len(ordered)))
	s.metrics.IncrCounter(MetricBroadcastsTotal, 1)

	attempts := make([]ProviderAttempt, 0, len(ordered))
	for i, p := range ordered {
		// Each iteration re-checks the remaining global budget before
		// starting a new attempt.
		remaining := opts.BroadcastTimeout - time.Since(start)
		if remaining <= 0 {
			s.logger.Warn("Failover budget exhausted",
				zap.String("broadcastID", req.BroadcastID),
				zap.Int("attempts", len(attempts)))
			break
		}

		timeout := p.timeoutOrDefault(opts.ProviderTimeout)
		if timeout > remaining {
			timeout = remaining
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		attempt := executeAttempt(attemptCtx, p, req.Tx, timeout, s.health, s.metrics)
		cancel()
		attempts = append(attempts, attempt)

		if attempt.Success {
			duration := time.Since(start)
			outcome := &Outcome{
				BroadcastID:        req.BroadcastID,
				TxHash:             attempt.Result.TxHash,
				State:              StateSuccess,
				Successful:         []ProviderAttempt{attempt},
				Failed:             attempts[:len(attempts)-1],
				SuccessfulProvider: p.ID,
				TotalAttempts:      len(attempts),
				Duration:           duration,
				CompletedAt:        time.Now(),
			}
			s.analytics.recordOutcome(StateSuccess, duration)
			s.metrics.IncrCounter(MetricBroadcastsSucceeded, 1)
			s.metrics.RecordHistogram(MetricBroadcastDurationMs, float64(duration.Milliseconds()))
			s.logger.Info("Failover broadcast succeeded",
				zap.String("broadcastID", req.BroadcastID),
				zap.String("provider", p.ID),
				zap.Int("totalAttempts", len(attempts)),
				zap.Duration("duration", duration))
			return outcome, nil
		}

		s.logger.Debug("Failover attempt failed",
			zap.String("broadcastID", req.BroadcastID),
			zap.String("provider", p.ID),
			zap.String("category", string(attempt.ErrorCategory)),
			zap.Error(attempt.Err))

		if opts.RetryDelay > 0 && i < len(ordered)-1 {
			select {
			case <-time.After(opts.RetryDelay):
			case <-ctx.Done():
				duration := time.Since(start)
				s.analytics.recordFailure(duration, false)
				s.metrics.IncrCounter(MetricBroadcastsFailed, 1)
				return nil, &AllProvidersFailedError{Attempts: attempts}
			}
		}
	}

	duration := time.Since(start)
	s.analytics.recordFailure(duration, false)
	s.metrics.IncrCounter(MetricBroadcastsFailed, 1)
	s.metrics.RecordHistogram(MetricBroadcastDurationMs, float64(duration.Milliseconds()))
	return nil, &AllProvidersFailedError{Attempts: attempts}
}

func (s *FailoverStrategy) eligibleProviders() []*Provider {
	eligible := make([]*Provider, 0, len(s.providers))
	for _, p := range s.providers {
		if p.Enabled() && s.health.IsHealthy(p.ID) {
			eligible = append(eligible, p)
		}
	}
	return eligible
}

// orderProviders computes the attempt order once, over the currently
// eligible set.
func (s *FailoverStrategy) orderProviders(eligible []*Provider, ordering Ordering) []*Provider {
	ordered := make([]*Provider, len(eligible))
	copy(ordered, eligible)

	switch ordering {
	case OrderPriority:
		sort.SliceStable(ordered, func(i, j int) bool {
			if ordered[i].Tier != ordered[j].Tier {
				return ordered[i].Tier < ordered[j].Tier
			}
			return ordered[i].Priority < ordered[j].Priority
		})
	case OrderPerformance:
		sort.SliceStable(ordered, func(i, j int) bool {
			return s.performanceLess(ordered[i], ordered[j])
		})
	case OrderRandom:
		rand.Shuffle(len(ordered), func(i, j int) {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		})
	default: // SEQUENTIAL
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Priority < ordered[j].Priority
		})
	}
	return ordered
}

// performanceLess ranks by success rate, then average latency, then
// health score, treating sub-threshold differences as ties.
func (s *FailoverStrategy) performanceLess(a, b *Provider) bool {
	snapA, snapB := s.health.Snapshot(a.ID), s.health.Snapshot(b.ID)
	if snapA == nil || snapB == nil {
		// Unseen providers keep their configured order.
		return false
	}

	if diff := snapA.SuccessRate - snapB.SuccessRate; diff > successRateDelta {
		return true
	} else if diff < -successRateDelta {
		return false
	}

	if diff := snapB.AvgResponseTime - snapA.AvgResponseTime; diff > latencyDelta {
		return true
	} else if diff < -latencyDelta {
		return false
	}

	return snapA.HealthScore-snapB.HealthScore > successRateDelta
}
