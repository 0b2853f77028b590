package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultWalSegmentSize is the size of one WAL segment, the default
// bound for both replication-lag thresholds.
const DefaultWalSegmentSize = 16 * 1024 * 1024

// Config carries the monitor's tunable timeouts and thresholds. It is
// handed explicitly to the FSM and the health evaluator; there are no
// process globals, so tests can parametrize every value.
type Config struct {
	// Listen is the address of the agent-facing HTTP API.
	Listen string `yaml:"listen"`

	// DataDir holds the catalog database.
	DataDir string `yaml:"data_dir"`

	// DrainTimeoutMs is how long a demoted primary is given to flush
	// before the drain is considered complete without its report.
	DrainTimeoutMs int `yaml:"drain_timeout_ms"`

	// UnhealthyTimeoutMs is the report silence that makes a node a
	// candidate for unhealthy.
	UnhealthyTimeoutMs int `yaml:"unhealthy_timeout_ms"`

	// StartupGraceMs is the post-monitor-start period during which no
	// node is declared unhealthy from absence alone.
	StartupGraceMs int `yaml:"startup_grace_ms"`

	// EnableSyncXlogThreshold is the maximum WAL lag in bytes for a
	// catching-up standby to become a sync candidate.
	EnableSyncXlogThreshold int64 `yaml:"enable_sync_xlog_threshold"`

	// PromoteXlogThreshold is the maximum WAL lag in bytes for a
	// secondary to be promotable on primary failure.
	PromoteXlogThreshold int64 `yaml:"promote_xlog_threshold"`

	// HealthCheckIntervalMs is the period of the out-of-band TCP probe.
	HealthCheckIntervalMs int `yaml:"health_check_interval_ms"`

	// HealthCheckTimeoutMs bounds a single probe attempt.
	HealthCheckTimeoutMs int `yaml:"health_check_timeout_ms"`
}

// Default returns the monitor defaults.
func Default() Config {
	return Config{
		Listen:                  ":5431",
		DataDir:                 "/var/lib/pg-auto-failover",
		DrainTimeoutMs:          30_000,
		UnhealthyTimeoutMs:      20_000,
		StartupGraceMs:          10_000,
		EnableSyncXlogThreshold: DefaultWalSegmentSize,
		PromoteXlogThreshold:    DefaultWalSegmentSize,
		HealthCheckIntervalMs:   5_000,
		HealthCheckTimeoutMs:    2_000,
	}
}

// Load reads a YAML config file over the defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the FSM cannot work with.
func (c Config) Validate() error {
	if c.DrainTimeoutMs <= 0 {
		return fmt.Errorf("drain_timeout_ms must be positive, got %d", c.DrainTimeoutMs)
	}
	if c.UnhealthyTimeoutMs <= 0 {
		return fmt.Errorf("unhealthy_timeout_ms must be positive, got %d", c.UnhealthyTimeoutMs)
	}
	if c.StartupGraceMs < 0 {
		return fmt.Errorf("startup_grace_ms must not be negative, got %d", c.StartupGraceMs)
	}
	if c.EnableSyncXlogThreshold <= 0 {
		return fmt.Errorf("enable_sync_xlog_threshold must be positive, got %d", c.EnableSyncXlogThreshold)
	}
	if c.PromoteXlogThreshold <= 0 {
		return fmt.Errorf("promote_xlog_threshold must be positive, got %d", c.PromoteXlogThreshold)
	}
	if c.HealthCheckIntervalMs <= 0 {
		return fmt.Errorf("health_check_interval_ms must be positive, got %d", c.HealthCheckIntervalMs)
	}
	if c.HealthCheckTimeoutMs <= 0 {
		return fmt.Errorf("health_check_timeout_ms must be positive, got %d", c.HealthCheckTimeoutMs)
	}
	return nil
}

// DrainTimeout returns the drain timeout as a duration.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

// UnhealthyTimeout returns the unhealthy timeout as a duration.
func (c Config) UnhealthyTimeout() time.Duration {
	return time.Duration(c.UnhealthyTimeoutMs) * time.Millisecond
}

// StartupGrace returns the startup grace period as a duration.
func (c Config) StartupGrace() time.Duration {
	return time.Duration(c.StartupGraceMs) * time.Millisecond
}

// HealthCheckInterval returns the probe period as a duration.
func (c Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

// HealthCheckTimeout returns the probe timeout as a duration.
func (c Config) HealthCheckTimeout() time.Duration {
	return time.Duration(c.HealthCheckTimeoutMs) * time.Millisecond
}
