// Package config provides configuration management for steward.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
	// StewardDir is the steward configuration directory, relative to $HOME.
	StewardDir = ".steward"
)

// Duration wraps time.Duration so config files can use human-readable
// values like "30s" or "5m" instead of nanosecond integers.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Accepts either a duration
// string ("90s", "10m") or a bare integer interpreted as milliseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	// An int scalar also decodes into a string, so the integer form has
	// to be tried first.
	if value.Tag == "!!int" {
		var ms int64
		if err := value.Decode(&ms); err != nil {
			return fmt.Errorf("invalid duration value at line %d", value.Line)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value at line %d", value.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// BoardConfig selects and configures the project board provider.
type BoardConfig struct {
	// Provider type: "github", "jira", or "mock".
	Provider string `yaml:"provider"`

	// BoardID identifies the board: "owner/repo" for GitHub,
	// a project key for Jira.
	BoardID string `yaml:"board_id"`

	// BaseURL for self-hosted or cloud instances
	// (e.g. "https://company.atlassian.net").
	BaseURL string `yaml:"base_url,omitempty"`

	// TokenEnvVar overrides the default token environment variable.
	TokenEnvVar string `yaml:"token_env_var,omitempty"`

	// UserEnvVar names the env var holding the account email (Jira basic auth).
	UserEnvVar string `yaml:"user_env_var,omitempty"`
}

// ReviewConfig selects and configures the pull-request review provider.
type ReviewConfig struct {
	// Provider type: "github", "gitlab", "mock", or "auto" (detect from
	// repository remote URLs).
	Provider string `yaml:"provider"`

	// BaseURL for self-hosted instances. Empty for github.com / gitlab.com.
	BaseURL string `yaml:"base_url,omitempty"`

	// TokenEnvVar overrides the default token environment variable name.
	TokenEnvVar string `yaml:"token_env_var,omitempty"`

	// Filter controls which review comments are forwarded as feedback.
	Filter CommentFilterConfig `yaml:"filter"`
}

// CommentFilterConfig controls review-comment filtering.
type CommentFilterConfig struct {
	// ExcludeAuthor drops comments written by the pull request author.
	ExcludeAuthor bool `yaml:"exclude_author"`

	// AllowedBots lists bot accounts whose comments are kept. All other
	// bot accounts are dropped.
	AllowedBots []string `yaml:"allowed_bots"`
}

// DeveloperConfig configures the AI developer backend.
type DeveloperConfig struct {
	// Kind selects the backend: "claude" or "mock".
	Kind string `yaml:"kind"`

	// BinaryPaths are candidate paths for the developer CLI, tried in order.
	BinaryPaths []string `yaml:"binary_paths,omitempty"`

	// Model passed to the backend, if it supports model selection.
	Model string `yaml:"model,omitempty"`

	// Timeout bounds a single prompt invocation.
	Timeout Duration `yaml:"timeout"`

	// MaxRetries bounds backend initialization attempts.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the linear backoff unit between initialization attempts.
	RetryDelay Duration `yaml:"retry_delay"`

	// SkipPermissions passes the backend's permission-bypass flag.
	SkipPermissions bool `yaml:"skip_permissions"`
}

// PoolConfig bounds the worker pool.
type PoolConfig struct {
	MinWorkers int `yaml:"min_workers"`
	MaxWorkers int `yaml:"max_workers"`

	// WorkerTimeout is how long a STOPPED worker stays quarantined before
	// recovery sweeps return it to WAITING. ERROR workers recover in half.
	WorkerTimeout Duration `yaml:"worker_timeout"`

	// IdleTimeout is how long an IDLE worker survives before the
	// housekeeper retires it.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// CleanupInterval is the housekeeper period.
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// GitConfig bounds git subprocess execution.
type GitConfig struct {
	// OperationTimeout bounds ordinary git commands.
	OperationTimeout Duration `yaml:"operation_timeout"`

	// CloneTimeout bounds clone and other long transfers.
	CloneTimeout Duration `yaml:"clone_timeout"`

	// LockTimeout bounds waiting on a repository lock.
	LockTimeout Duration `yaml:"lock_timeout"`
}

// WorkspaceConfig places and ages the on-disk workspace inventory.
type WorkspaceConfig struct {
	// BaseDir is the workspace root. Repositories are cloned under
	// <base>/repositories; per-task worktrees live directly under <base>.
	BaseDir string `yaml:"base_dir"`

	// RepositoryCacheTTL is how long a fetched clone is considered fresh.
	RepositoryCacheTTL Duration `yaml:"repository_cache_ttl"`
}

// PlannerConfig drives the monitoring loop.
type PlannerConfig struct {
	// PollInterval is the cycle period.
	PollInterval Duration `yaml:"poll_interval"`

	// RepositoryFilter restricts processing to repositories matching any
	// of these glob patterns ("acme/*", "acme/svc-**"). Empty means all.
	RepositoryFilter []string `yaml:"repository_filter,omitempty"`

	// BaseBranch is the global default branch to fork tasks from when no
	// per-item or per-repository override applies.
	BaseBranch string `yaml:"base_branch,omitempty"`

	// BaseBranchOverrides maps repository ids to their fork-from branch.
	BaseBranchOverrides map[string]string `yaml:"base_branch_overrides,omitempty"`
}

// APIConfig configures the optional HTTP/WebSocket status server.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// HistoryConfig configures the optional run-history recorder.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`

	// DSN is the database path (sqlite) or connection string (postgres).
	DSN string `yaml:"dsn"`
}

// Config is the root steward configuration.
type Config struct {
	Version int `yaml:"version"`

	Board     BoardConfig     `yaml:"board"`
	Review    ReviewConfig    `yaml:"review"`
	Developer DeveloperConfig `yaml:"developer"`
	Planner   PlannerConfig   `yaml:"planner"`
	Pool      PoolConfig      `yaml:"pool"`
	Git       GitConfig       `yaml:"git"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	API       APIConfig       `yaml:"api"`
	History   HistoryConfig   `yaml:"history"`
}

// DefaultAllowedBots is the bot allowlist applied when none is configured.
var DefaultAllowedBots = []string{
	"coderabbitai[bot]",
	"sonarqubecloud[bot]",
	"codecov[bot]",
}

// Default returns the default configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return &Config{
		Version: 1,
		Board: BoardConfig{
			Provider: "github",
		},
		Review: ReviewConfig{
			Provider: "auto",
			Filter: CommentFilterConfig{
				ExcludeAuthor: true,
				AllowedBots:   append([]string(nil), DefaultAllowedBots...),
			},
		},
		Developer: DeveloperConfig{
			Kind:            "claude",
			Timeout:         Duration(20 * time.Minute),
			MaxRetries:      3,
			RetryDelay:      Duration(2 * time.Second),
			SkipPermissions: true,
		},
		Planner: PlannerConfig{
			PollInterval: Duration(60 * time.Second),
			BaseBranch:   "main",
		},
		Pool: PoolConfig{
			MinWorkers:      1,
			MaxWorkers:      4,
			WorkerTimeout:   Duration(30 * time.Minute),
			IdleTimeout:     Duration(60 * time.Minute),
			CleanupInterval: Duration(60 * time.Minute),
		},
		Git: GitConfig{
			OperationTimeout: Duration(60 * time.Second),
			CloneTimeout:     Duration(10 * time.Minute),
			LockTimeout:      Duration(5 * time.Minute),
		},
		Workspace: WorkspaceConfig{
			BaseDir:            filepath.Join(home, StewardDir, "workspaces"),
			RepositoryCacheTTL: Duration(10 * time.Minute),
		},
		API: APIConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:7777",
		},
		History: HistoryConfig{
			Enabled: false,
			Driver:  "sqlite",
			DSN:     filepath.Join(home, StewardDir, "history.db"),
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, StewardDir, ConfigFileName)
}

// Load loads the config from the default location.
func Load() (*Config, error) {
	return LoadFrom(DefaultPath())
}

// LoadFrom loads the config from a specific path. A missing file yields
// the defaults; a present file is overlaid onto them.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the config to the default location.
func (c *Config) Save() error {
	return c.SaveTo(DefaultPath())
}

// SaveTo saves the config to a specific path.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Pool.MinWorkers < 0 {
		return fmt.Errorf("pool.min_workers must be >= 0, got %d", c.Pool.MinWorkers)
	}
	if c.Pool.MaxWorkers < 1 {
		return fmt.Errorf("pool.max_workers must be >= 1, got %d", c.Pool.MaxWorkers)
	}
	if c.Pool.MinWorkers > c.Pool.MaxWorkers {
		return fmt.Errorf("pool.min_workers (%d) exceeds pool.max_workers (%d)",
			c.Pool.MinWorkers, c.Pool.MaxWorkers)
	}
	if c.Planner.PollInterval.Std() <= 0 {
		return fmt.Errorf("planner.poll_interval must be positive")
	}
	if c.Workspace.BaseDir == "" {
		return fmt.Errorf("workspace.base_dir is required")
	}
	switch c.Board.Provider {
	case "github", "jira", "mock":
	case "":
		return fmt.Errorf("board.provider is required")
	default:
		return fmt.Errorf("unknown board provider %q (supported: github, jira, mock)", c.Board.Provider)
	}
	switch c.Review.Provider {
	case "github", "gitlab", "mock", "auto", "":
	default:
		return fmt.Errorf("unknown review provider %q (supported: github, gitlab, mock, auto)", c.Review.Provider)
	}
	switch c.History.Driver {
	case "sqlite", "postgres", "":
	default:
		return fmt.Errorf("unknown history driver %q (supported: sqlite, postgres)", c.History.Driver)
	}
	return nil
}

// StateDir returns the durable state directory under the workspace base.
func (c *Config) StateDir() string {
	return filepath.Join(c.Workspace.BaseDir, ".state")
}

// RepositoriesDir returns the shared-clone directory under the workspace base.
func (c *Config) RepositoriesDir() string {
	return filepath.Join(c.Workspace.BaseDir, "repositories")
}
