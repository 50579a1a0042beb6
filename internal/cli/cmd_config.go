package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	stewarderrors "github.com/stackworks/steward/internal/errors"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and edit the steward configuration",
	}
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigSetTokenCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(configPath())
			return nil
		},
	}
}

func newConfigSetTokenCmd() *cobra.Command {
	var envVar string

	cmd := &cobra.Command{
		Use:   "set-token <provider>",
		Short: "Store a provider token",
		Long: `Stores a token for a provider (github, gitlab, jira) in
~/.steward/credentials.yaml (mode 0600). The daemon exports it as the
provider's token environment variable when that variable is unset; a
real environment variable always wins.

The token is read from stdin. On a terminal the prompt hides input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := strings.ToLower(args[0])
			target := envVar
			if target == "" {
				target = defaultTokenEnvVar(provider)
			}
			if target == "" {
				return fmt.Errorf("unknown provider %q (supported: github, gitlab, jira)", provider)
			}

			token, err := readToken()
			if err != nil {
				return err
			}
			if token == "" {
				return stewarderrors.ErrTokenMissing(target, provider)
			}

			if err := saveCredential(target, token); err != nil {
				return err
			}
			outf("Token stored for %s (%s)\n", provider, target)
			return nil
		},
	}

	cmd.Flags().StringVar(&envVar, "env-var", "", "override the environment variable name")
	return cmd
}

// readToken reads a token from stdin, without echo on a terminal.
func readToken() (string, error) {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		fmt.Fprint(os.Stderr, "Token: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	var token string
	if _, err := fmt.Fscanln(os.Stdin, &token); err != nil {
		return "", fmt.Errorf("read token from stdin: %w", err)
	}
	return strings.TrimSpace(token), nil
}
