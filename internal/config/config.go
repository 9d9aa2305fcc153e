// Package config loads the daemon configuration from <home>/config.yaml,
// applies environment overrides, and fills in documented defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ReconcileConfig controls the workspace reconciliation loop.
type ReconcileConfig struct {
	// IntervalSeconds between reconciliation runs. Default 300, floor 30.
	IntervalSeconds int `yaml:"interval_seconds"`
}

// SchedulerConfig controls the recurring-task scan loop.
type SchedulerConfig struct {
	// IntervalSeconds between scans of each monitored store. Default 60.
	IntervalSeconds int `yaml:"interval_seconds"`
	// DueWindowMinutes is how far back a missed run may still fire. Default 10.
	DueWindowMinutes int `yaml:"due_window_minutes"`
	// MaxIterations caps a single agent-loop run. Default 15.
	MaxIterations int `yaml:"max_iterations"`
	// CleanupDays is the retention horizon for processed-execution rows. Default 30.
	CleanupDays int `yaml:"cleanup_days"`
}

// QueueConfig controls the inbound chat message buffer.
type QueueConfig struct {
	// MaxPerConversation caps a single conversation's queue. Default 100.
	MaxPerConversation int `yaml:"max_per_conversation"`
	// TTLSeconds after which a queued message is stale. Default 300.
	TTLSeconds int `yaml:"ttl_seconds"`
	// SweepIntervalSeconds between stale-entry sweeps. Default 60.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// WorkspaceConfig controls store connections.
type WorkspaceConfig struct {
	// DirectoryURL is the authoritative workspace directory endpoint.
	DirectoryURL string `yaml:"directory_url"`
	// StoreURL is the base websocket endpoint for per-workspace stores.
	StoreURL string `yaml:"store_url"`
	// ConnectTimeoutSeconds for store dials. Default 10.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	// MaxReconnectAttempts before a store is left in error status. Default 5.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// LLMConfig selects the model driving recurring-task agent runs.
type LLMConfig struct {
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"` // env var name; value never persisted
}

// OTelConfig controls telemetry export.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the top-level daemon configuration.
type Config struct {
	HomeDir  string `yaml:"-"`
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`
	// TrackerPath overrides the processed-execution ledger location.
	TrackerPath string `yaml:"tracker_path"`

	Reconcile ReconcileConfig `yaml:"reconcile"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Queue     QueueConfig     `yaml:"queue"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	LLM       LLMConfig       `yaml:"llm"`
	OTel      OTelConfig      `yaml:"otel"`
}

// HomeDir resolves the daemon home directory. LIFEBUILD_HOME overrides
// the default ~/.lifebuild.
func HomeDir() string {
	if override := os.Getenv("LIFEBUILD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".lifebuild")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the resolved home directory. A missing file
// yields the defaults; a malformed file is an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := Config{HomeDir: homeDir}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	cfg.HomeDir = homeDir
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if raw := os.Getenv("LIFEBUILD_LOG_LEVEL"); raw != "" {
		c.LogLevel = raw
	}
	if raw := os.Getenv("LIFEBUILD_DIRECTORY_URL"); raw != "" {
		c.Workspace.DirectoryURL = raw
	}
	if raw := os.Getenv("LIFEBUILD_STORE_URL"); raw != "" {
		c.Workspace.StoreURL = raw
	}
	if raw := os.Getenv("LIFEBUILD_MAX_ITERATIONS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			c.Scheduler.MaxIterations = n
		}
	}
	if raw := os.Getenv("LIFEBUILD_RECONCILE_INTERVAL_SECONDS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			c.Reconcile.IntervalSeconds = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.TrackerPath == "" {
		c.TrackerPath = filepath.Join(c.HomeDir, "tracker", "executions.db")
	}
	if c.Reconcile.IntervalSeconds <= 0 {
		c.Reconcile.IntervalSeconds = 300
	}
	// Floor guards against hammering the directory.
	if c.Reconcile.IntervalSeconds < 30 {
		c.Reconcile.IntervalSeconds = 30
	}
	if c.Scheduler.IntervalSeconds <= 0 {
		c.Scheduler.IntervalSeconds = 60
	}
	if c.Scheduler.DueWindowMinutes <= 0 {
		c.Scheduler.DueWindowMinutes = 10
	}
	if c.Scheduler.MaxIterations <= 0 {
		c.Scheduler.MaxIterations = 15
	}
	if c.Scheduler.CleanupDays <= 0 {
		c.Scheduler.CleanupDays = 30
	}
	if c.Queue.MaxPerConversation <= 0 {
		c.Queue.MaxPerConversation = 100
	}
	if c.Queue.TTLSeconds <= 0 {
		c.Queue.TTLSeconds = 300
	}
	if c.Queue.SweepIntervalSeconds <= 0 {
		c.Queue.SweepIntervalSeconds = 60
	}
	if c.Workspace.ConnectTimeoutSeconds <= 0 {
		c.Workspace.ConnectTimeoutSeconds = 10
	}
	if c.Workspace.MaxReconnectAttempts <= 0 {
		c.Workspace.MaxReconnectAttempts = 5
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "claude-sonnet-4-20250514"
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = "lifebuild"
	}
	if c.OTel.Exporter == "" {
		c.OTel.Exporter = "stdout"
	}
	if c.OTel.SampleRate <= 0 {
		c.OTel.SampleRate = 1.0
	}
}

// ReconcileInterval returns the reconciliation interval as a duration.
func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalSeconds) * time.Second
}

// SchedulerInterval returns the scan interval as a duration.
func (c Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

// LLMAPIKey resolves the provider API key from the configured env var.
func (c Config) LLMAPIKey() string {
	return os.Getenv(c.LLM.APIKeyEnv)
}
