package broadcast

// Collector receives operational metrics from the engine. Every call
// is fire-and-forget: implementations must never block or return
// errors into the broadcast path.
type Collector interface {
	IncrCounter(name string, delta float64)
	RecordHistogram(name string, value float64)
	SetGauge(name string, value float64)
}

// NopCollector discards all metrics. Used when no collector is wired.
type NopCollector struct{}

func (NopCollector) IncrCounter(string, float64)     {}
func (NopCollector) RecordHistogram(string, float64) {}
func (NopCollector) SetGauge(string, float64)        {}

// Metric names emitted by the strategies and the probe loop.
const (
	MetricBroadcastsTotal     = "broadcast.total"
	MetricBroadcastsSucceeded = "broadcast.succeeded"
	MetricBroadcastsPartial   = "broadcast.partial"
	MetricBroadcastsFailed    = "broadcast.failed"
	MetricBroadcastDurationMs = "broadcast.duration_ms"
	MetricProviderAttempts    = "provider.attempts"
	MetricProviderFailures    = "provider.failures"
	MetricProviderLatencyMs   = "provider.latency_ms"
	MetricConsensusAgreement  = "consensus.agreement_pct"
	MetricMonitorActive       = "monitor.active"
	MetricHealthProbeFailures = "health.probe_failures"
)
