// Package cometconfig loads and validates the server's configuration from a
// YAML file, then layers command-line flag overrides on top.
package cometconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/cometproto/cometd/pkg/cometlog"
)

// Config is the full set of server-tunable knobs.
type Config struct {
	// ListenAddr is the comet HTTP endpoint's bind address.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the bind address for /metrics, /health, /ready, /live.
	MetricsAddr string `yaml:"metrics_addr"`

	// MaxVirtualChannels caps the registry's live population; 0 is unbounded.
	MaxVirtualChannels int `yaml:"max_virtual_channels"`

	// Timeout is the per-request wait-phase ceiling, in seconds in YAML.
	Timeout time.Duration `yaml:"-"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`

	// MaxBodyBytes bounds an incoming registration request body; 0 is
	// unbounded.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	Log cometlog.Config `yaml:"-"`
	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
}

// Defaults matches §4.5: a 20s wait timeout and an unbounded registry unless
// overridden.
func Defaults() *Config {
	return &Config{
		ListenAddr:         ":8080",
		MetricsAddr:        ":9090",
		MaxVirtualChannels: 0,
		Timeout:            20 * time.Second,
		TimeoutSeconds:     20,
		MaxBodyBytes:       1 << 20,
		LogLevel:           "info",
		LogJSON:            false,
	}
}

// Load reads and validates a YAML configuration file, starting from
// Defaults and overwriting only the fields the file sets.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cometconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cometconfig: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("cometconfig: %s: %w", path, err)
	}
	cfg.Timeout = time.Duration(cfg.TimeoutSeconds * float64(time.Second))
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxVirtualChannels < 0 {
		return fmt.Errorf("max_virtual_channels must be >= 0, got %d", c.MaxVirtualChannels)
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be > 0, got %v", c.TimeoutSeconds)
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must be >= 0, got %d", c.MaxBodyBytes)
	}
	return nil
}

// FromFlags overlays any flags the caller actually set onto cfg, in place.
// Unset flags leave the existing value (whether a Default or one already
// loaded from YAML) untouched.
func FromFlags(cfg *Config, flags *pflag.FlagSet) {
	if v, err := flags.GetString("listen-addr"); err == nil && flags.Changed("listen-addr") {
		cfg.ListenAddr = v
	}
	if v, err := flags.GetString("metrics-addr"); err == nil && flags.Changed("metrics-addr") {
		cfg.MetricsAddr = v
	}
	if v, err := flags.GetInt("max-virtual-channels"); err == nil && flags.Changed("max-virtual-channels") {
		cfg.MaxVirtualChannels = v
	}
	if v, err := flags.GetFloat64("timeout-seconds"); err == nil && flags.Changed("timeout-seconds") {
		cfg.TimeoutSeconds = v
		cfg.Timeout = time.Duration(v * float64(time.Second))
	}
	if v, err := flags.GetInt64("max-body-bytes"); err == nil && flags.Changed("max-body-bytes") {
		cfg.MaxBodyBytes = v
	}
	if v, err := flags.GetString("log-level"); err == nil && flags.Changed("log-level") {
		cfg.LogLevel = v
	}
	if v, err := flags.GetBool("log-json"); err == nil && flags.Changed("log-json") {
		cfg.LogJSON = v
	}
}

// LogConfig maps the resolved LogLevel/LogJSON pair onto cometlog.Config.
func (c *Config) LogConfig() cometlog.Config {
	return cometlog.Config{
		Level:      cometlog.Level(c.LogLevel),
		JSONOutput: c.LogJSON,
	}
}
