// Package config loads the control-plane configuration from TOML.
// Every field has a working default; an empty file (or no file) yields
// a single-process in-memory deployment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full daemon configuration.
type Config struct {
	Discovery DiscoveryConfig `toml:"discovery"`
	Router    RouterConfig    `toml:"router"`
	Bus       BusConfig       `toml:"bus"`
	Audit     AuditConfig     `toml:"audit"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Log       LogConfig       `toml:"log"`
}

// DiscoveryConfig covers membership and failure-detection timing.
type DiscoveryConfig struct {
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	Timeout           duration `toml:"timeout"`
	Grace             duration `toml:"grace"`
	ReapAfter         duration `toml:"reap_after"`
}

// RouterConfig covers delivery, retry, and balancing.
type RouterConfig struct {
	MaxAttempts     int      `toml:"max_attempts"`
	BackoffBase     duration `toml:"backoff_base"`
	BackoffCap      duration `toml:"backoff_cap"`
	DeliveryTimeout duration `toml:"delivery_timeout"`
	Policy          string   `toml:"policy"`
	ExcludeBusy     bool     `toml:"exclude_busy"`
	AuditWindow     duration `toml:"audit_window"`
}

// BusConfig selects the message bus. An empty URL means in-memory.
type BusConfig struct {
	URL string `toml:"url"`
}

// AuditConfig selects the audit store. An empty path means in-memory.
type AuditConfig struct {
	Path string `toml:"path"`
}

// MetricsConfig covers the metrics HTTP listener.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// LogConfig covers structured logging.
type LogConfig struct {
	Level string `toml:"level"` // debug | info | warn | error
	JSON  bool   `toml:"json"`
}

// duration wraps time.Duration so TOML accepts "5s" strings.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Discovery: DiscoveryConfig{
			HeartbeatInterval: duration{5 * time.Second},
			Timeout:           duration{15 * time.Second},
			Grace:             duration{10 * time.Second},
			ReapAfter:         duration{10 * time.Second},
		},
		Router: RouterConfig{
			MaxAttempts:     3,
			BackoffBase:     duration{100 * time.Millisecond},
			BackoffCap:      duration{5 * time.Second},
			DeliveryTimeout: duration{3 * time.Second},
			Policy:          "least_load",
			AuditWindow:     duration{time.Hour},
		},
		Metrics: MetricsConfig{Addr: ":9100"},
		Log:     LogConfig{Level: "info"},
	}
}

// LoadFile loads configuration from a TOML file, layered over the
// defaults.
func LoadFile(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(string(content))
}

// Parse parses TOML content layered over the defaults.
func Parse(content string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Discovery.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("discovery.heartbeat_interval must be positive")
	}
	if c.Discovery.Timeout.Duration <= 0 {
		return fmt.Errorf("discovery.timeout must be positive")
	}
	if c.Discovery.Timeout.Duration < c.Discovery.HeartbeatInterval.Duration {
		return fmt.Errorf("discovery.timeout must be at least the heartbeat interval")
	}
	if c.Discovery.Grace.Duration < 0 {
		return fmt.Errorf("discovery.grace must not be negative")
	}

	if c.Router.MaxAttempts <= 0 {
		return fmt.Errorf("router.max_attempts must be positive")
	}
	if c.Router.BackoffBase.Duration <= 0 {
		return fmt.Errorf("router.backoff_base must be positive")
	}
	if c.Router.BackoffCap.Duration < c.Router.BackoffBase.Duration {
		return fmt.Errorf("router.backoff_cap must be at least backoff_base")
	}
	switch c.Router.Policy {
	case "least_load", "round_robin", "sticky_correlation":
	default:
		return fmt.Errorf("router.policy %q unknown", c.Router.Policy)
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q unknown", c.Log.Level)
	}
	return nil
}
