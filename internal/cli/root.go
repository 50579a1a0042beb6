// Package cli implements the steward command-line interface.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	stewarderrors "github.com/stackworks/steward/internal/errors"
)

var (
	cfgFile  string
	verbose  bool
	quiet    bool
	jsonOut  bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Autonomous orchestrator for AI coding agents",
	Long: `steward polls a project board for work items and drives a fleet of
AI coding agents through them: each item gets an isolated git worktree,
a developer invocation, and a pull request that steward then shepherds
through review feedback and merge, updating the board at every step.

Quick start:
  steward init        Configure the board, review, and developer backends
  steward run         Start the orchestrator daemon
  steward status      Inspect the durable workflow state
  steward history     Query the recorded event log`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and prints structured errors.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		if se := stewarderrors.AsStewardError(err); se != nil {
			fmt.Fprintln(os.Stderr, se.UserMessage())
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.steward/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug-level logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "errors only")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newTasksCmd())
	rootCmd.AddCommand(newWorkersCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newCleanupCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig points viper at the config file and binds STEWARD_*
// environment variables so any config key can be overridden per run
// (STEWARD_BOARD_BOARD_ID, STEWARD_PLANNER_POLL_INTERVAL, ...).
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath("$HOME/.steward")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("STEWARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
