// Package config loads the aoguide runtime configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"aoguide/pkg/drivers/alpacascope"
	"aoguide/pkg/drivers/simulator"
	"aoguide/pkg/drivers/sxao"
	"aoguide/pkg/guider"

	"gopkg.in/yaml.v3"
)

const (
	DriverAlpaca    = "alpaca"
	DriverSXAO      = "sxao"
	DriverSimulator = "simulator"
)

const (
	defaultPort          = 11111
	defaultDiscoveryPort = 32227
	defaultDatabase      = "aoguide.db"
	defaultGuideInterval = 2 * time.Second
	defaultQueueSize     = 4
)

// ServerConfig holds the Alpaca server settings.
type ServerConfig struct {
	Port          int `yaml:"port"`
	DiscoveryPort int `yaml:"discovery_port"` // negative disables discovery
}

// ScopeConfig selects the primary mount driver.
type ScopeConfig struct {
	Driver string             `yaml:"driver"` // "alpaca" or "simulator"
	Alpaca alpacascope.Config `yaml:"alpaca"`
}

// AOConfig selects the adaptive optics driver. An empty driver runs the
// mount alone.
type AOConfig struct {
	Driver string      `yaml:"driver"` // "sxao", "simulator" or empty
	SXAO   sxao.Config `yaml:"sxao"`
}

// GuideConfig controls the guide loop.
type GuideConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type SchedulerConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// Config aggregates all application configuration.
type Config struct {
	Server      ServerConfig             `yaml:"server"`
	Database    string                   `yaml:"database"`
	Scope       ScopeConfig              `yaml:"scope"`
	AO          AOConfig                 `yaml:"ao"`
	Simulator   simulator.Config         `yaml:"simulator"`
	Calibration guider.CalibrationConfig `yaml:"calibration"`
	Guide       GuideConfig              `yaml:"guide"`
	Scheduler   SchedulerConfig          `yaml:"scheduler"`
}

// Default returns the configuration used when no file is given: both
// devices simulated.
func Default() *Config {
	cfg := &Config{
		Scope:       ScopeConfig{Driver: DriverSimulator},
		AO:          AOConfig{Driver: DriverSimulator},
		Simulator:   simulator.DefaultConfig,
		Calibration: guider.DefaultCalibrationConfig,
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Config{
		Simulator:   simulator.DefaultConfig,
		Calibration: guider.DefaultCalibrationConfig,
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.DiscoveryPort == 0 {
		c.Server.DiscoveryPort = defaultDiscoveryPort
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	if c.Scope.Driver == "" {
		c.Scope.Driver = DriverSimulator
	}
	if c.Guide.Interval <= 0 {
		c.Guide.Interval = defaultGuideInterval
	}
	if c.Scheduler.QueueSize <= 0 {
		c.Scheduler.QueueSize = defaultQueueSize
	}
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.DiscoveryPort > 65535 {
		return fmt.Errorf("server.discovery_port must be <= 65535, got %d", c.Server.DiscoveryPort)
	}

	switch c.Scope.Driver {
	case DriverSimulator:
	case DriverAlpaca:
		if c.Scope.Alpaca.URL == "" {
			return fmt.Errorf("scope.alpaca.url is required for the alpaca driver")
		}
	default:
		return fmt.Errorf("unknown scope driver %q", c.Scope.Driver)
	}

	switch c.AO.Driver {
	case "", DriverSimulator:
	case DriverSXAO:
		if c.AO.SXAO.Device == "" {
			return fmt.Errorf("ao.sxao.device is required for the sxao driver")
		}
	default:
		return fmt.Errorf("unknown ao driver %q", c.AO.Driver)
	}

	if c.Calibration.MinDistance < 0 || c.Calibration.BacklashDistance < 0 {
		return fmt.Errorf("calibration distances must be >= 0")
	}
	if c.Calibration.TargetStepDistance < 0 {
		return fmt.Errorf("calibration.target_step_distance must be >= 0, got %.2f", c.Calibration.TargetStepDistance)
	}

	return nil
}

// DiscoveryEnabled reports whether the UDP discovery responder runs.
func (c *Config) DiscoveryEnabled() bool {
	return c.Server.DiscoveryPort > 0
}
