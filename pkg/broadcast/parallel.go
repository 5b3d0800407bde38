package broadcast

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"tx_broadcast/pkg/chain"
)

// TxValidator is the pre-broadcast security gate. When wired, it runs
// once before any provider is contacted.
type TxValidator interface {
	ValidateTransaction(tx *chain.SignedTx) error
}

// Deps carries the collaborators shared by both strategies. Health is
// required; the rest default to no-ops when nil.
type Deps struct {
	Health    *HealthTracker
	Validator TxValidator
	Metrics   Collector
	Analytics *Analytics
	Logger    *zap.Logger
}

func (d *Deps) fillDefaults() error {
	if d.Health == nil {
		return &ConfigurationError{Field: "health", Reason: "health tracker is required"}
	}
	if d.Metrics == nil {
		d.Metrics = NopCollector{}
	}
	if d.Analytics == nil {
		d.Analytics = NewAnalytics()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return nil
}

// ParallelStrategy fans a transaction out to multiple providers
// concurrently and decides success from the settled partition and an
// optional consensus agreement check.
type ParallelStrategy struct {
	providers []*Provider
	defaults  Options
	health    *HealthTracker
	validator TxValidator
	metrics   Collector
	analytics *Analytics
	logger    *zap.Logger
}

// NewParallelStrategy validates the configuration up front so invalid
// settings never reach broadcast time.
func NewParallelStrategy(providers []*Provider, deps Deps, defaults Options) (*ParallelStrategy, error) {
	if len(providers) == 0 {
		return nil, &ConfigurationError{Field: "providers", Reason: "at least one provider is required"}
	}
	if err := deps.fillDefaults(); err != nil {
		return nil, err
	}
	if err := validateOptions(defaults); err != nil {
		return nil, err
	}
	return &ParallelStrategy{
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
func (s *ParallelStrategy) Analytics() AnalyticsSnapshot {
	return s.analytics.Snapshot()
}

// Broadcast submits the transaction through up to MaxProviders
// eligible providers at once. Provider completions carry no ordering
// guarantee; only the final partition and consensus grouping matter.
func (s *ParallelStrategy) Broadcast(ctx context.Context, req *Request) (*Outcome, error) {
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

	selected := s.selectProviders(opts)
	if len(selected) < opts.MinSuccessfulProviders {
		return nil, &InsufficientProvidersError{
			Eligible: len(selected),
			Required: opts.MinSuccessfulProviders,
		}
	}

	s.logger.Debug("Starting parallel broadcast",
		zap.String("broadcastID", req.BroadcastID),
		zap.Int("providers", len(selected)),
		zap.Duration("timeout", opts.BroadcastTimeout))
	s.metrics.IncrCounter(MetricBroadcastsTotal, 1)

	// The global timeout is one deadline shared by every fanned-out
	// call; expiry cancels the still-running per-provider contexts.
	gctx, cancel := context.WithTimeout(ctx, opts.BroadcastTimeout)
	defer cancel()

	results := make(chan ProviderAttempt, len(selected))
	for _, p := range selected {
		p := p
		go func() {
			results <- executeAttempt(gctx, p, req.Tx, opts.ProviderTimeout, s.health, s.metrics)
		}()
	}

	attempts := make([]ProviderAttempt, 0, len(selected))
	timedOut := false
collect:
	for len(attempts) < len(selected) {
		select {
		case a := <-results:
			attempts = append(attempts, a)
		case <-gctx.Done():
			timedOut = true
			break collect
		}
	}

	if timedOut {
		// The deadline already propagated cancellation; the grace
		// period only drains calls whose responses were in flight.
		grace := time.NewTimer(opts.TimeoutGracePeriod)
		defer grace.Stop()
	drain:
		for len(attempts) < len(selected) {
			select {
			case a := <-results:
				attempts = append(attempts, a)
			case <-grace.C:
				break drain
			}
		}
	}

	successful, failed := partitionAttempts(attempts)
	failed = append(failed, s.unsettledAttempts(selected, attempts, start)...)

	duration := time.Since(start)
	s.metrics.RecordHistogram(MetricBroadcastDurationMs, float64(duration.Milliseconds()))

	if len(successful) < opts.MinSuccessfulProviders {
		s.analytics.recordFailure(duration, false)
		s.metrics.IncrCounter(MetricBroadcastsFailed, 1)
		if timedOut {
			s.logger.Warn("Broadcast timed out below success threshold",
				zap.String("broadcastID", req.BroadcastID),
				zap.Int("successful", len(successful)),
				zap.Int("required", opts.MinSuccessfulProviders))
			return nil, &BroadcastTimeoutError{
				Timeout:    opts.BroadcastTimeout,
				Successful: successful,
				Failed:     failed,
			}
		}
		return nil, &PartialBroadcastFailureError{
			Successful: successful,
			Failed:     failed,
			Required:   opts.MinSuccessfulProviders,
		}
	}

	var consensus *ConsensusResult
	if opts.ConsensusEnabled {
		consensus = EvaluateConsensus(successful, opts.ConsensusMode, opts.ConsensusThreshold)
		s.metrics.RecordHistogram(MetricConsensusAgreement, consensus.Agreement)
		if !consensus.Valid {
			s.analytics.recordFailure(duration, true)
			s.logger.Warn("Providers disagree beyond tolerance",
				zap.String("broadcastID", req.BroadcastID),
				zap.Float64("agreement", consensus.Agreement),
				zap.Int("groups", len(consensus.Groups)))
			return nil, &ConsensusFailureError{Consensus: consensus}
		}
	}

	outcome := &Outcome{
		BroadcastID:   req.BroadcastID,
		State:         StateSuccess,
		Successful:    successful,
		Failed:        failed,
		Consensus:     consensus,
		TotalAttempts: len(selected),
		Duration:      duration,
		CompletedAt:   time.Now(),
	}
	if len(successful) < len(selected) {
		outcome.State = StatePartialSuccess
	}
	if timedOut {
		outcome.State = StatePartialSuccess
		outcome.Warnings = append(outcome.Warnings,
			fmt.Sprintf("global timeout of %s expired before all providers settled", opts.BroadcastTimeout))
	}
	if consensus != nil && consensus.PrimaryResult != nil {
		outcome.TxHash = consensus.PrimaryResult.TxHash
	} else if successful[0].Result != nil {
		outcome.TxHash = successful[0].Result.TxHash
	}

	s.analytics.recordOutcome(outcome.State, duration)
	if outcome.State == StateSuccess {
		s.metrics.IncrCounter(MetricBroadcastsSucceeded, 1)
	} else {
		s.metrics.IncrCounter(MetricBroadcastsPartial, 1)
	}

	s.logger.Info("Parallel broadcast settled",
		zap.String("broadcastID", req.BroadcastID),
		zap.String("txHash", outcome.TxHash),
		zap.String("state", string(outcome.State)),
		zap.Int("successful", len(successful)),
		zap.Int("failed", len(failed)),
		zap.Duration("duration", duration))

	return outcome, nil
}

// selectProviders returns up to MaxProviders eligible providers,
// ordered by health score with configured priority as tiebreak.
func (s *ParallelStrategy) selectProviders(opts Options) []*Provider {
	eligible := make([]*Provider, 0, len(s.providers))
	for _, p := range s.providers {
		if p.Enabled() && s.health.IsHealthy(p.ID) {
			eligible = append(eligible, p)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		si, sj := s.health.Score(eligible[i].ID), s.health.Score(eligible[j].ID)
		if si != sj {
			return si > sj
		}
		return eligible[i].Priority < eligible[j].Priority
	})
	if len(eligible) > opts.MaxProviders {
		eligible = eligible[:opts.MaxProviders]
	}
	return eligible
}

// unsettledAttempts synthesizes timeout failures for providers whose
// calls never reported back within the grace period. Their goroutines
// still record against health when they eventually return.
func (s *ParallelStrategy) unsettledAttempts(selected []*Provider, attempts []ProviderAttempt, start time.Time) []ProviderAttempt {
	if len(attempts) == len(selected) {
		return nil
	}
	settled := make(map[string]bool, len(attempts))
	for _, a := range attempts {
		settled[a.ProviderID] = true
	}
	var missing []ProviderAttempt
	for _, p := range selected {
		if !settled[p.ID] {
			missing = append(missing, ProviderAttempt{
				ProviderID:    p.ID,
				Err:           context.DeadlineExceeded,
				ErrorCategory: CategoryTimeout,
				ResponseTime:  time.Since(start),
			})
		}
	}
	return missing
}

// executeAttempt runs one provider call under its own deadline nested
// inside the caller's context and records the result against health.
func executeAttempt(ctx context.Context, p *Provider, tx *chain.SignedTx, defaultTimeout time.Duration, health *HealthTracker, metrics Collector) ProviderAttempt {
	actx, cancel := context.WithTimeout(ctx, p.timeoutOrDefault(defaultTimeout))
	defer cancel()

	start := time.Now()
	p.markUsed(start)
	hash, err := p.Client.SendTransaction(actx, tx)
	elapsed := time.Since(start)

	metrics.IncrCounter(MetricProviderAttempts, 1)
	metrics.RecordHistogram(MetricProviderLatencyMs, float64(elapsed.Milliseconds()))

	if err != nil {
		health.RecordFailure(p.ID, err)
		metrics.IncrCounter(MetricProviderFailures, 1)
		return ProviderAttempt{
			ProviderID:    p.ID,
			Err:           err,
			ErrorCategory: ClassifyError(err),
			ResponseTime:  elapsed,
		}
	}

	health.RecordSuccess(p.ID, elapsed)
	return ProviderAttempt{
		ProviderID:   p.ID,
		Success:      true,
		Result:       &ProviderResult{TxHash: hash},
		ResponseTime: elapsed,
	}
}

func partitionAttempts(attempts []ProviderAttempt) (successful, failed []ProviderAttempt) {
	for _, a := range attempts {
		if a.Success {
			successful = append(successful, a)
		} else {
			failed = append(failed, a)
		}
	}
	return successful, failed
}

// resolveOptions merges per-request overrides over the strategy
// defaults. A zero Options inherits everything.
func resolveOptions(defaults, override Options) (Options, error) {
	opts := defaults
	if override.MaxProviders > 0 {
		opts.MaxProviders = override.MaxProviders
	}
	if override.MinSuccessfulProviders > 0 {
		opts.MinSuccessfulProviders = override.MinSuccessfulProviders
	}
	if override.BroadcastTimeout > 0 {
		opts.BroadcastTimeout = override.BroadcastTimeout
	}
	if override.ProviderTimeout > 0 {
		opts.ProviderTimeout = override.ProviderTimeout
	}
	if override.TimeoutGracePeriod > 0 {
		opts.TimeoutGracePeriod = override.TimeoutGracePeriod
	}
	if override.ConsensusEnabled {
		opts.ConsensusEnabled = true
	}
	if override.ConsensusDisabled {
		opts.ConsensusEnabled = false
	}
	if override.ConsensusMode != "" {
		opts.ConsensusMode = override.ConsensusMode
	}
	if override.ConsensusThreshold > 0 {
		opts.ConsensusThreshold = override.ConsensusThreshold
	}
	if override.Ordering != "" {
		opts.Ordering = override.Ordering
	}
	if override.RetryDelay > 0 {
		opts.RetryDelay = override.RetryDelay
	}
	if err := validateOptions(opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func validateOptions(opts Options) error {
	if opts.MaxProviders <= 0 {
		return &ConfigurationError{Field: "max_providers", Reason: "must be positive"}
	}
	if opts.MinSuccessfulProviders <= 0 {
		return &ConfigurationError{Field: "min_successful_providers", Reason: "must be positive"}
	}
	if opts.MinSuccessfulProviders > opts.MaxProviders {
		return &ConfigurationError{Field: "min_successful_providers", Reason: "cannot exceed max_providers"}
	}
	if opts.BroadcastTimeout <= 0 {
		return &ConfigurationError{Field: "broadcast_timeout", Reason: "must be positive"}
	}
	if opts.ProviderTimeout <= 0 {
		return &ConfigurationError{Field: "provider_timeout", Reason: "must be positive"}
	}
	if opts.TimeoutGracePeriod < 0 {
		return &ConfigurationError{Field: "timeout_grace_period", Reason: "cannot be negative"}
	}
	if opts.ConsensusEnabled {
		if _, err := ParseConsensusMode(string(opts.ConsensusMode)); err != nil {
			return err
		}
		if opts.ConsensusThreshold <= 0 || opts.ConsensusThreshold > 1 {
			return &ConfigurationError{Field: "consensus_threshold", Reason: "must be in (0, 1]"}
		}
	}
	if opts.Ordering != "" {
		if _, err := ParseOrdering(string(opts.Ordering)); err != nil {
			return err
		}
	}
	if opts.RetryDelay < 0 {
		return &ConfigurationError{Field: "retry_delay", Reason: "cannot be negative"}
	}
	return nil
}
