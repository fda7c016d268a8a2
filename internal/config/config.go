// Package config loads convocache configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all convocache configuration.
type Config struct {
	// Cache storage settings
	Cache CacheConfig `yaml:"cache"`

	// Retention / eviction policy
	Retention RetentionConfig `yaml:"retention"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// CacheConfig configures the durable store and stream staging.
type CacheConfig struct {
	DatabasePath     string `yaml:"database_path"`
	FlushEveryDeltas int    `yaml:"flush_every_deltas"`
}

// RetentionConfig configures eviction. Durations use Go syntax ("1h", "10m").
type RetentionConfig struct {
	MaxSessions        int    `yaml:"max_sessions"`
	StaleStreamTimeout string `yaml:"stale_stream_timeout"`
	SweepInterval      string `yaml:"sweep_interval"`
}

// LoggingConfig configures the categorized debug logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Directory  string          `yaml:"directory"`
	Categories map[string]bool `yaml:"categories"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Cache: CacheConfig{
			DatabasePath:     filepath.Join(home, ".convocache", "cache.db"),
			FlushEveryDeltas: 16,
		},
		Retention: RetentionConfig{
			MaxSessions:        50,
			StaleStreamTimeout: "1h",
			SweepInterval:      "10m",
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
			Directory: filepath.Join(home, ".convocache", "logs"),
		},
	}
}

// Load reads configuration from a YAML file, layering it over the defaults.
// A missing file is not an error: defaults plus environment overrides apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides lets the environment win over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CONVOCACHE_DB_PATH"); v != "" {
		c.Cache.DatabasePath = v
	}
	if v := os.Getenv("CONVOCACHE_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
	if v := os.Getenv("CONVOCACHE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// StaleTimeout parses the configured stale-stream timeout.
func (r RetentionConfig) StaleTimeout() time.Duration {
	return parseDuration(r.StaleStreamTimeout, time.Hour)
}

// Sweep reports the configured sweep interval, parsed with a fallback.
func (r RetentionConfig) Sweep() time.Duration {
	return parseDuration(r.SweepInterval, 10*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
