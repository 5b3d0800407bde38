package broadcast

import (
	"fmt"
	"sync"
	"time"

	"tx_broadcast/pkg/chain"
	"tx_broadcast/pkg/config"
)

// Provider is one addressable broadcast endpoint. Identity and routing
// fields are immutable after construction; only the enabled flag and
// the last-used timestamp change at runtime.
type Provider struct {
	ID       string
	Name     string
	Tier     int
	Priority int
	Weight   float64
	Client   chain.Client

	// Timeout overrides the strategy's per-provider timeout when set.
	Timeout time.Duration

	mu       sync.Mutex
	enabled  bool
	lastUsed time.Time
}

// NewProvider builds a provider from its configuration entry.
func NewProvider(cfg config.ProviderConfig, client chain.Client) (*Provider, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("provider id cannot be empty")
	}
	if client == nil {
		return nil, fmt.Errorf("provider %s: client cannot be nil", cfg.ID)
	}
	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}
	return &Provider{
		ID:       cfg.ID,
		Name:     name,
		Tier:     cfg.Tier,
		Priority: cfg.Priority,
		Weight:   cfg.Weight,
		Client:   client,
		Timeout:  cfg.Timeout,
		enabled:  cfg.Enabled,
	}, nil
}

// Enabled reports whether the provider may be selected.
func (p *Provider) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// SetEnabled toggles the provider's availability for selection.
func (p *Provider) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// LastUsed returns the time of the provider's most recent attempt.
func (p *Provider) LastUsed() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed
}

func (p *Provider) markUsed(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastUsed = t
}

// timeoutOrDefault picks the provider override when present.
func (p *Provider) timeoutOrDefault(fallback time.Duration) time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return fallback
}
