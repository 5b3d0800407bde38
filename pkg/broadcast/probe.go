package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"tx_broadcast/pkg/config"
)

// HealthProber probes every enabled provider on a fixed schedule and
// feeds the results into the shared health tracker. Together with the
// foreground broadcast attempts it is one of the two writers of health
// state.
type HealthProber struct {
	providers []*Provider
	health    *HealthTracker
	timeout   time.Duration
	interval  time.Duration
	metrics   Collector
	logger    *zap.Logger

	cron    *cron.Cron
	entryID cron.EntryID
	mu      sync.Mutex
	running bool
}

// NewHealthProber creates a prober; Start schedules it.
func NewHealthProber(providers []*Provider, health *HealthTracker, cfg config.HealthConfig, metrics Collector, logger *zap.Logger) (*HealthProber, error) {
	if health == nil {
		return nil, &ConfigurationError{Field: "health", Reason: "health tracker is required"}
	}
	if cfg.HealthCheckInterval <= 0 {
		return nil, &ConfigurationError{Field: "health_check_interval", Reason: "must be positive"}
	}
	if metrics == nil {
		metrics = NopCollector{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthProber{
		providers: providers,
		health:    health,
		timeout:   cfg.HealthCheckInterval / 2,
		interval:  cfg.HealthCheckInterval,
		metrics:   metrics,
		logger:    logger,
		cron:      cron.New(),
	}, nil
}

// Start begins the periodic probe schedule.
func (hp *HealthProber) Start() error {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	if hp.running {
		return fmt.Errorf("health prober already running")
	}
	id, err := hp.cron.AddFunc(fmt.Sprintf("@every %s", hp.interval), hp.runProbe)
	if err != nil {
		return fmt.Errorf("scheduling health probe: %w", err)
	}
	hp.entryID = id
	hp.cron.Start()
	hp.running = true

	hp.logger.Info("Health prober started",
		zap.Duration("interval", hp.interval),
		zap.Int("providers", len(hp.providers)))
	return nil
}

// Stop halts the schedule and waits for an in-flight probe to finish.
func (hp *HealthProber) Stop() {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	if !hp.running {
		return
	}
	<-hp.cron.Stop().Done()
	hp.running = false
	hp.logger.Info("Health prober stopped")
}

// runProbe issues one health check against every enabled provider.
func (hp *HealthProber) runProbe() {
	ctx, cancel := context.WithTimeout(context.Background(), hp.timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range hp.providers {
		if !p.Enabled() {
			continue
		}
		wg.Add(1)
		go func(p *Provider) {
			defer wg.Done()
			hp.probeProvider(ctx, p)
		}(p)
	}
	wg.Wait()
}

func (hp *HealthProber) probeProvider(ctx context.Context, p *Provider) {
	start := time.Now()
	_, err := p.Client.BlockNumber(ctx)
	elapsed := time.Since(start)

	if err != nil {
		hp.health.RecordFailure(p.ID, err)
		hp.metrics.IncrCounter(MetricHealthProbeFailures, 1)
		hp.logger.Debug("Health probe failed",
			zap.String("providerID", p.ID),
			zap.String("category", string(ClassifyError(err))),
			zap.Error(err))
		return
	}
	hp.health.RecordSuccess(p.ID, elapsed)
}
