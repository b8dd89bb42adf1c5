// Package config provides configuration management for steroids.
//
// Configuration is layered: built-in defaults, then the user file at
// ~/.steroids/config.yaml, then the project file at <project>/.steroids/
// config.yaml. A .env file in the project directory is loaded into the
// process environment before agents are spawned.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/steroids-dev/steroids/internal/util"
)

const (
	// ConfigFileName is the config file name in both layers.
	ConfigFileName = "config.yaml"
	// SteroidsDir is the per-project state directory.
	SteroidsDir = ".steroids"
)

// RoleAI selects the provider and model for one agent role.
type RoleAI struct {
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	Command  []string      `yaml:"command,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// AIConfig holds per-role agent settings.
type AIConfig struct {
	Coder    RoleAI `yaml:"coder"`
	Reviewer RoleAI `yaml:"reviewer"`
}

// GitConfig holds git advancement settings.
type GitConfig struct {
	Remote string `yaml:"remote"`
	Branch string `yaml:"branch"`
}

// ParallelConfig configures parallel sessions.
type ParallelConfig struct {
	// WorkspaceRoot is where workstream clones live. Defaults to
	// ~/.steroids/workspaces.
	WorkspaceRoot string `yaml:"workspace_root,omitempty"`
	// ValidationCommand runs after each workstream merge; a non-zero exit
	// reverts the merge.
	ValidationCommand string `yaml:"validation_command,omitempty"`
	// CleanupOnSuccess removes workstream clones after a successful session.
	CleanupOnSuccess bool `yaml:"cleanup_on_success"`
	// MaxWorkstreams caps how many workstreams a session may create.
	MaxWorkstreams int `yaml:"max_workstreams"`
	// LeaseDuration is the workstream lease length.
	LeaseDuration time.Duration `yaml:"lease_duration"`
}

// RunnersConfig configures runner daemons.
type RunnersConfig struct {
	// DaemonLogs enables per-pid log files under ~/.steroids/logs.
	DaemonLogs bool `yaml:"daemon_logs"`
	// HeartbeatInterval is how often the runner stamps heartbeat_at.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// StaleAfter is how old a heartbeat may be before wakeup reaps the
	// runner. Must exceed HeartbeatInterval.
	StaleAfter time.Duration `yaml:"stale_after"`
	// Backoff is the orchestrator's idle sleep between iterations.
	Backoff time.Duration `yaml:"backoff"`
	Parallel ParallelConfig `yaml:"parallel"`
}

// SectionsConfig configures section batch mode.
type SectionsConfig struct {
	BatchMode    bool `yaml:"batch_mode"`
	MaxBatchSize int  `yaml:"max_batch_size"`
}

// RecoveryConfig tunes the wakeup recovery pass.
type RecoveryConfig struct {
	// MaxIncidentsPerHour rate-limits recovery actions per project.
	MaxIncidentsPerHour int `yaml:"max_incidents_per_hour"`
	// StuckInProgressAge is how long an in_progress task may sit without an
	// active runner before recovery resets it.
	StuckInProgressAge time.Duration `yaml:"stuck_in_progress_age"`
	// StuckReviewAge is the same threshold for review tasks.
	StuckReviewAge time.Duration `yaml:"stuck_review_age"`
}

// RetentionConfig bounds on-disk history.
type RetentionConfig struct {
	// InvocationDays is how long invocation records and daemon logs are
	// kept before wakeup prunes them.
	InvocationDays int `yaml:"invocation_days"`
}

// TelemetryConfig configures the optional metrics endpoint.
type TelemetryConfig struct {
	// Listen is the address for the Prometheus /metrics endpoint. Empty
	// disables the listener.
	Listen string `yaml:"listen,omitempty"`
}

// Config is the full steroids configuration.
type Config struct {
	AI        AIConfig        `yaml:"ai"`
	Git       GitConfig       `yaml:"git"`
	Runners   RunnersConfig   `yaml:"runners"`
	Sections  SectionsConfig  `yaml:"sections"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Retention RetentionConfig `yaml:"retention"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		AI: AIConfig{
			Coder:    RoleAI{Provider: "anthropic", Model: "claude-sonnet"},
			Reviewer: RoleAI{Provider: "anthropic", Model: "claude-sonnet"},
		},
		Git: GitConfig{Remote: "origin", Branch: "main"},
		Runners: RunnersConfig{
			DaemonLogs:        true,
			HeartbeatInterval: 30 * time.Second,
			StaleAfter:        2 * time.Minute,
			Backoff:           time.Second,
			Parallel: ParallelConfig{
				CleanupOnSuccess: true,
				MaxWorkstreams:   4,
				LeaseDuration:    10 * time.Minute,
			},
		},
		Sections: SectionsConfig{MaxBatchSize: 5},
		Recovery: RecoveryConfig{
			MaxIncidentsPerHour: 6,
			StuckInProgressAge:  2 * time.Hour,
			StuckReviewAge:      time.Hour,
		},
		Retention: RetentionConfig{InvocationDays: 7},
	}
}

// Load reads the layered configuration for a project. Missing files are not
// errors; malformed files are.
func Load(projectPath string) (*Config, error) {
	cfg := Default()

	if home, err := util.HomeDir(); err == nil {
		if err := mergeFile(cfg, filepath.Join(home, ConfigFileName)); err != nil {
			return nil, err
		}
	}

	if projectPath != "" {
		projPath := filepath.Join(projectPath, SteroidsDir, ConfigFileName)
		if err := mergeFile(cfg, projPath); err != nil {
			return nil, err
		}
		loadDotenv(projectPath)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field invariants.
func (c *Config) Validate() error {
	if c.Runners.HeartbeatInterval <= 0 {
		return fmt.Errorf("runners.heartbeat_interval must be positive")
	}
	if c.Runners.StaleAfter > 0 && c.Runners.StaleAfter <= c.Runners.HeartbeatInterval {
		return fmt.Errorf("runners.stale_after must exceed runners.heartbeat_interval")
	}
	if c.Sections.BatchMode && c.Sections.MaxBatchSize <= 0 {
		return fmt.Errorf("sections.max_batch_size must be positive in batch mode")
	}
	if c.Runners.Parallel.MaxWorkstreams <= 0 {
		return fmt.Errorf("runners.parallel.max_workstreams must be positive")
	}
	if c.Retention.InvocationDays < 0 {
		return fmt.Errorf("retention.invocation_days must not be negative")
	}
	return nil
}

// WorkspaceRoot resolves the parallel workspace root, falling back to the
// default under the user's steroids directory.
func (c *Config) WorkspaceRoot() (string, error) {
	if c.Runners.Parallel.WorkspaceRoot != "" {
		return c.Runners.Parallel.WorkspaceRoot, nil
	}
	return util.WorkspacesDir()
}

// Save writes the configuration to the project config file.
func (c *Config) Save(projectPath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Join(projectPath, SteroidsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return util.AtomicWriteFile(filepath.Join(dir, ConfigFileName), data, 0o644)
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// loadDotenv loads <project>/.env into the environment without overriding
// variables already set. Failures are ignored; .env is optional.
func loadDotenv(projectPath string) {
	path := filepath.Join(projectPath, ".env")
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}
