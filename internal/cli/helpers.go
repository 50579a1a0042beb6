package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/stackworks/steward/internal/config"
	stewarderrors "github.com/stackworks/steward/internal/errors"
	"github.com/stackworks/steward/internal/logging"
)

// configPath returns the effective config file location.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return config.DefaultPath()
}

// loadConfig loads the effective configuration: file (or defaults when
// absent), then STEWARD_* environment overrides via viper.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFrom(configPath())
	if err != nil {
		return nil, stewarderrors.ErrConfigInvalid(err.Error())
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, stewarderrors.ErrConfigInvalid(err.Error())
	}
	return cfg, nil
}

// requireConfig is loadConfig, but a missing file is an error instead
// of defaults. Commands that drive providers need a real configuration.
func requireConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath()); os.IsNotExist(err) {
		return nil, stewarderrors.ErrNotInitialized()
	}
	return loadConfig()
}

// applyEnvOverrides overlays the environment-tunable keys. Only keys
// someone plausibly varies per run are bound; everything else is file
// configuration.
func applyEnvOverrides(cfg *config.Config) {
	setString := func(key string, dst *string) {
		if v := viper.GetString(key); v != "" && viper.IsSet(key) {
			*dst = v
		}
	}
	setString("board.provider", &cfg.Board.Provider)
	setString("board.board_id", &cfg.Board.BoardID)
	setString("board.base_url", &cfg.Board.BaseURL)
	setString("review.provider", &cfg.Review.Provider)
	setString("review.base_url", &cfg.Review.BaseURL)
	setString("developer.kind", &cfg.Developer.Kind)
	setString("developer.model", &cfg.Developer.Model)
	setString("workspace.base_dir", &cfg.Workspace.BaseDir)
	setString("api.listen_addr", &cfg.API.ListenAddr)
	setString("history.dsn", &cfg.History.DSN)

	if viper.IsSet("planner.poll_interval") {
		if d := viper.GetDuration("planner.poll_interval"); d > 0 {
			cfg.Planner.PollInterval = config.Duration(d)
		}
	}
	if viper.IsSet("pool.max_workers") {
		if n := viper.GetInt("pool.max_workers"); n > 0 {
			cfg.Pool.MaxWorkers = n
		}
	}
}

// setupLogging configures slog from the global flags.
func setupLogging() {
	level := logLevel
	if verbose {
		level = "debug"
	}
	logging.Setup(logging.Options{
		Level:     level,
		Quiet:     quiet,
		ForceJSON: jsonOut,
	})
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// plural returns "s" for counts other than one.
func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// fprintf to stdout, ignoring the error like the rest of the CLI output.
func outf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}
