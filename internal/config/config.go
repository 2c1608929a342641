// Package config holds the daemon's configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the matsched daemon.
type Config struct {
	// PollInterval is the time between evaluation ticks.
	PollInterval time.Duration `yaml:"poll_interval"`
	// DBPath is the SQLite cursor database path (":memory:" for testing).
	DBPath string `yaml:"db_path"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`
	// MaxMaterializationsPerTick caps requests per entity per tick;
	// zero disables the cap.
	MaxMaterializationsPerTick int `yaml:"max_materializations_per_tick"`
	// RespectDataVersions enables data-version-aware parent comparisons.
	RespectDataVersions bool `yaml:"respect_data_versions"`
	// RunTags are stamped on every run the daemon launches.
	RunTags map[string]string `yaml:"run_tags"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:               30 * time.Second,
		LogLevel:                   "info",
		LogFormat:                  "text",
		MaxMaterializationsPerTick: 1,
		RespectDataVersions:        true,
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
