package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configuration settings for the application
type Config struct {
	Environment string                      `mapstructure:"environment"`
	LogLevel    string                      `mapstructure:"log_level"`
	Database    DatabaseConfig              `mapstructure:"database"`
	Broadcast   BroadcastConfig             `mapstructure:"broadcast"`
	Health      HealthConfig                `mapstructure:"health"`
	Monitor     MonitorConfig               `mapstructure:"monitor"`
	Security    SecurityConfig              `mapstructure:"security"`
	API         APIConfig                   `mapstructure:"api"`
	Feed        FeedConfig                  `mapstructure:"feed"`
	Providers   []ProviderConfig            `mapstructure:"providers"`
	Networks    map[string]NetworkOverrides `mapstructure:"networks"`
}

// DatabaseConfig holds database connection settings. With Embedded set
// the service runs its own PostgreSQL instance and URL is ignored.
type DatabaseConfig struct {
	URL          string        `mapstructure:"url"`
	MaxConns     int           `mapstructure:"max_conns"`
	Timeout      time.Duration `mapstructure:"timeout"`
	SSLMode      string        `mapstructure:"ssl_mode"`
	Embedded     bool          `mapstructure:"embedded"`
	EmbeddedPort uint32        `mapstructure:"embedded_port"`
	RuntimePath  string        `mapstructure:"runtime_path"`
}

// ProviderConfig describes one RPC endpoint the engine may broadcast through.
type ProviderConfig struct {
	ID       string        `mapstructure:"id"`
	Name     string        `mapstructure:"name"`
	URL      string        `mapstructure:"url"`
	Tier     int           `mapstructure:"tier"`
	Priority int           `mapstructure:"priority"`
	Weight   float64       `mapstructure:"weight"`
	Enabled  bool          `mapstructure:"enabled"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// BroadcastConfig holds tunables shared by both broadcast strategies.
type BroadcastConfig struct {
	MaxProviders           int           `mapstructure:"max_providers"`
	MinSuccessfulProviders int           `mapstructure:"min_successful_providers"`
	BroadcastTimeout       time.Duration `mapstructure:"broadcast_timeout"`
	ProviderTimeout        time.Duration `mapstructure:"provider_timeout"`
	TimeoutGracePeriod     time.Duration `mapstructure:"timeout_grace_period"`
	ConsensusEnabled       bool          `mapstructure:"consensus_enabled"`
	ConsensusMode          string        `mapstructure:"consensus_mode"`
	ConsensusThreshold     float64       `mapstructure:"consensus_threshold"`
	OrderingStrategy       string        `mapstructure:"ordering_strategy"`
	RetryDelay             time.Duration `mapstructure:"retry_delay"`
}

// HealthConfig holds provider admission-control tunables.
type HealthConfig struct {
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	RecoveryThreshold   int           `mapstructure:"recovery_threshold"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	ResponseTimeSamples int           `mapstructure:"response_time_samples"`
}

// MonitorConfig holds confirmation-tracking tunables.
type MonitorConfig struct {
	ConfirmationBlocks int           `mapstructure:"confirmation_blocks"`
	Timeout            time.Duration `mapstructure:"timeout"`
	CheckInterval      time.Duration `mapstructure:"check_interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	MaxTracked         int           `mapstructure:"max_tracked"`
	FetchRetries       int           `mapstructure:"fetch_retries"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
	AssumedBlockTime   time.Duration `mapstructure:"assumed_block_time"`
}

// SecurityConfig holds pre-broadcast validation settings.
type SecurityConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	MaxGasLimit      uint64   `mapstructure:"max_gas_limit"`
	MaxValueWei      string   `mapstructure:"max_value_wei"`
	BlacklistedAddrs []string `mapstructure:"blacklisted_addresses"`
}

// APIConfig holds the HTTP submission API settings.
type APIConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	ListenAddr string        `mapstructure:"listen_addr"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// FeedConfig holds pending-transaction feed settings.
type FeedConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	ListenPort     int      `mapstructure:"listen_port"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers"`
	Topic          string   `mapstructure:"topic"`
}

// NetworkOverrides carries per-chain overrides for the shared tunables.
// Zero values mean "inherit from the top-level section".
type NetworkOverrides struct {
	MaxProviders           int           `mapstructure:"max_providers"`
	MinSuccessfulProviders int           `mapstructure:"min_successful_providers"`
	BroadcastTimeout       time.Duration `mapstructure:"broadcast_timeout"`
	ProviderTimeout        time.Duration `mapstructure:"provider_timeout"`
	ConsensusMode          string        `mapstructure:"consensus_mode"`
	ConsensusThreshold     float64       `mapstructure:"consensus_threshold"`
	ConfirmationBlocks     int           `mapstructure:"confirmation_blocks"`
	MonitorTimeout         time.Duration `mapstructure:"monitor_timeout"`
	CheckInterval          time.Duration `mapstructure:"check_interval"`
}

// Valid consensus modes and ordering strategies.
var (
	ConsensusModes     = []string{"HASH_ONLY", "BASIC", "STRICT", "MAJORITY"}
	OrderingStrategies = []string{"SEQUENTIAL", "PRIORITY", "PERFORMANCE", "RANDOM"}
)

// Load reads the configuration file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default configuration values
	setDefaults(v)

	// Read the config file
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, will rely on defaults and env vars
	}

	// Override with environment variables
	v.SetEnvPrefix("TXB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Parse the configuration
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options
func setDefaults(v *viper.Viper) {
	// General defaults
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	// Broadcast defaults
	v.SetDefault("broadcast.max_providers", 5)
	v.SetDefault("broadcast.min_successful_providers", 1)
	v.SetDefault("broadcast.broadcast_timeout", "30s")
	v.SetDefault("broadcast.provider_timeout", "10s")
	v.SetDefault("broadcast.timeout_grace_period", "500ms")
	v.SetDefault("broadcast.consensus_enabled", true)
	v.SetDefault("broadcast.consensus_mode", "HASH_ONLY")
	v.SetDefault("broadcast.consensus_threshold", 0.51)
	v.SetDefault("broadcast.ordering_strategy", "PRIORITY")
	v.SetDefault("broadcast.retry_delay", "250ms")

	// Health defaults
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.recovery_threshold", 2)
	v.SetDefault("health.health_check_interval", "30s")
	v.SetDefault("health.response_time_samples", 50)

	// Monitor defaults
	v.SetDefault("monitor.confirmation_blocks", 12)
	v.SetDefault("monitor.timeout", "30m")
	v.SetDefault("monitor.check_interval", "15s")
	v.SetDefault("monitor.batch_size", 25)
	v.SetDefault("monitor.max_tracked", 1000)
	v.SetDefault("monitor.fetch_retries", 3)
	v.SetDefault("monitor.retry_base_delay", "500ms")
	v.SetDefault("monitor.assumed_block_time", "12s")

	// Security defaults
	v.SetDefault("security.enabled", true)
	v.SetDefault("security.max_gas_limit", 10_000_000)

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", "127.0.0.1:8080")
	v.SetDefault("api.timeout", "60s")

	// Feed defaults
	v.SetDefault("feed.enabled", false)
	v.SetDefault("feed.listen_port", 9000)
	v.SetDefault("feed.topic", "pending_transactions")

	// Database defaults
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.timeout", "30s")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.embedded", false)
	v.SetDefault("database.embedded_port", 5433)
	v.SetDefault("database.runtime_path", "./data/postgres")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateBroadcast(); err != nil {
		return fmt.Errorf("broadcast config: %w", err)
	}
	if err := c.validateHealth(); err != nil {
		return fmt.Errorf("health config: %w", err)
	}
	if err := c.validateMonitor(); err != nil {
		return fmt.Errorf("monitor config: %w", err)
	}
	if err := c.validateProviders(); err != nil {
		return fmt.Errorf("providers config: %w", err)
	}
	if err := c.validateAPI(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}
	if err := c.validateFeed(); err != nil {
		return fmt.Errorf("feed config: %w", err)
	}
	return nil
}

func (c *Config) validateAPI() error {
	if !c.API.Enabled {
		return nil
	}
	if c.API.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func (c *Config) validateBroadcast() error {
	b := &c.Broadcast
	if b.MaxProviders <= 0 {
		return fmt.Errorf("max_providers must be positive")
	}
	if b.MinSuccessfulProviders <= 0 {
		return fmt.Errorf("min_successful_providers must be positive")
	}
	if b.MinSuccessfulProviders > b.MaxProviders {
		return fmt.Errorf("min_successful_providers (%d) cannot exceed max_providers (%d)",
			b.MinSuccessfulProviders, b.MaxProviders)
	}
	if b.BroadcastTimeout <= 0 {
		return fmt.Errorf("broadcast_timeout must be positive")
	}
	if b.ProviderTimeout <= 0 {
		return fmt.Errorf("provider_timeout must be positive")
	}
	if b.ProviderTimeout > b.BroadcastTimeout {
		return fmt.Errorf("provider_timeout (%s) cannot exceed broadcast_timeout (%s)",
			b.ProviderTimeout, b.BroadcastTimeout)
	}
	if b.TimeoutGracePeriod < 0 {
		return fmt.Errorf("timeout_grace_period cannot be negative")
	}
	if !contains(ConsensusModes, b.ConsensusMode) {
		return fmt.Errorf("unknown consensus_mode: %s", b.ConsensusMode)
	}
	if b.ConsensusThreshold <= 0 || b.ConsensusThreshold > 1 {
		return fmt.Errorf("consensus_threshold must be between 0 and 1")
	}
	if !contains(OrderingStrategies, b.OrderingStrategy) {
		return fmt.Errorf("unknown ordering_strategy: %s", b.OrderingStrategy)
	}
	if b.RetryDelay < 0 {
		return fmt.Errorf("retry_delay cannot be negative")
	}
	return nil
}

func (c *Config) validateHealth() error {
	if c.Health.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive")
	}
	if c.Health.RecoveryThreshold <= 0 {
		return fmt.Errorf("recovery_threshold must be positive")
	}
	if c.Health.HealthCheckInterval <= 0 {
		return fmt.Errorf("health_check_interval must be positive")
	}
	if c.Health.ResponseTimeSamples <= 0 {
		return fmt.Errorf("response_time_samples must be positive")
	}
	return nil
}

func (c *Config) validateMonitor() error {
	m := &c.Monitor
	if m.ConfirmationBlocks <= 0 {
		return fmt.Errorf("confirmation_blocks must be positive")
	}
	if m.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if m.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if m.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if m.MaxTracked <= 0 {
		return fmt.Errorf("max_tracked must be positive")
	}
	if m.FetchRetries < 0 {
		return fmt.Errorf("fetch_retries cannot be negative")
	}
	if m.AssumedBlockTime <= 0 {
		return fmt.Errorf("assumed_block_time must be positive")
	}
	return nil
}

func (c *Config) validateProviders() error {
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider %d: id cannot be empty", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id: %s", p.ID)
		}
		seen[p.ID] = true
		if p.URL == "" {
			return fmt.Errorf("provider %s: url cannot be empty", p.ID)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("provider %s: timeout cannot be negative", p.ID)
		}
		if p.Weight < 0 {
			return fmt.Errorf("provider %s: weight cannot be negative", p.ID)
		}
	}
	return nil
}

func (c *Config) validateFeed() error {
	if !c.Feed.Enabled {
		return nil
	}
	if c.Feed.ListenPort <= 0 || c.Feed.ListenPort > 65535 {
		return fmt.Errorf("invalid listen_port: %d", c.Feed.ListenPort)
	}
	if c.Feed.Topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	return nil
}

// ForNetwork returns the broadcast/monitor tunables with any per-chain
// overrides applied. Unknown chain ids inherit the top-level values.
func (c *Config) ForNetwork(chainID string) (BroadcastConfig, MonitorConfig) {
	b := c.Broadcast
	m := c.Monitor

	ov, ok := c.Networks[chainID]
	if !ok {
		return b, m
	}
	if ov.MaxProviders > 0 {
		b.MaxProviders = ov.MaxProviders
	}
	if ov.MinSuccessfulProviders > 0 {
		b.MinSuccessfulProviders = ov.MinSuccessfulProviders
	}
	if ov.BroadcastTimeout > 0 {
		b.BroadcastTimeout = ov.BroadcastTimeout
	}
	if ov.ProviderTimeout > 0 {
		b.ProviderTimeout = ov.ProviderTimeout
	}
	if ov.ConsensusMode != "" {
		b.ConsensusMode = ov.ConsensusMode
	}
	if ov.ConsensusThreshold > 0 {
		b.ConsensusThreshold = ov.ConsensusThreshold
	}
	if ov.ConfirmationBlocks > 0 {
		m.ConfirmationBlocks = ov.ConfirmationBlocks
	}
	if ov.MonitorTimeout > 0 {
		m.Timeout = ov.MonitorTimeout
	}
	if ov.CheckInterval > 0 {
		m.CheckInterval = ov.CheckInterval
	}
	return b, m
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
