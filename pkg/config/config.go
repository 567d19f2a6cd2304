// Package config loads the host daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the host daemon configuration.
type Config struct {
	Host          HostConfig          `yaml:"host"`
	Isolation     IsolationConfig     `yaml:"isolation"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	History       HistoryConfig       `yaml:"history"`
}

// HostConfig describes the host process surface.
type HostConfig struct {
	// PipePrefix is the well-known endpoint prefix.
	PipePrefix string `yaml:"pipe_prefix"`
	// Version is the host's version string, folded into the endpoint
	// name after normalization.
	Version string `yaml:"version"`
	// AddinDir is where the bridge add-in and its dependencies live.
	AddinDir string `yaml:"addin_dir"`
	// ScratchDir receives per-run XML result artifacts.
	ScratchDir string `yaml:"scratch_dir"`
	// PoolSize is the number of pre-registered host handler slots.
	PoolSize int `yaml:"pool_size"`
}

// IsolationConfig tunes the per-run module boundary.
type IsolationConfig struct {
	// AllowPrefixes lists module-name prefixes expected to resolve
	// externally (runtime, UI framework, test platform). Misses on
	// these are logged at debug, not warn.
	AllowPrefixes []string `yaml:"allow_prefixes"`
}

// LoggingConfig controls the local log destination.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ObservabilityConfig mirrors the driver-side observability knobs.
type ObservabilityConfig struct {
	MetricsPort   int    `yaml:"metrics_port"`
	EnableTracing bool   `yaml:"enable_tracing"`
	TraceExporter string `yaml:"trace_exporter"`
}

// HistoryConfig locates the local run-history database.
type HistoryConfig struct {
	// Path is the SQLite file; empty disables history.
	Path string `yaml:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the YAML file at path, applying defaults for
// anything unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Host.PipePrefix == "" {
		c.Host.PipePrefix = "testbridge"
	}
	if c.Host.ScratchDir == "" {
		c.Host.ScratchDir = filepath.Join(os.TempDir(), "testbridge-results")
	}
	if c.Host.PoolSize <= 0 {
		c.Host.PoolSize = 4
	}
	if len(c.Isolation.AllowPrefixes) == 0 {
		c.Isolation.AllowPrefixes = []string{
			"System.", "Microsoft.", "xunit", "netstandard",
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Observability.TraceExporter == "" {
		c.Observability.TraceExporter = "stdout"
	}
}
