package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/stackworks/steward/internal/config"
	stewarderrors "github.com/stackworks/steward/internal/errors"
	"github.com/stackworks/steward/internal/wizard"
)

func newInitCmd() *cobra.Command {
	var (
		force        bool
		nonInteract  bool
		boardProv    string
		boardID      string
		reviewProv   string
		devKind      string
		workspaceDir string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the steward configuration",
		Long: `Creates ~/.steward/config.yaml. On a terminal this runs an
interactive wizard; with --non-interactive (or no TTY) the flags are
used as-is.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}

			cfg := config.Default()
			cfg.Board.Provider = boardProv
			cfg.Board.BoardID = boardID
			cfg.Review.Provider = reviewProv
			cfg.Developer.Kind = devKind
			if workspaceDir != "" {
				cfg.Workspace.BaseDir = workspaceDir
			}

			interactive := !nonInteract && isatty.IsTerminal(os.Stdin.Fd())
			if interactive {
				if err := runInitWizard(cfg); err != nil {
					if errors.Is(err, wizard.ErrCancelled) {
						fmt.Fprintln(os.Stderr, "init cancelled")
						return nil
					}
					return err
				}
			}

			if err := cfg.Validate(); err != nil {
				return stewarderrors.ErrConfigInvalid(err.Error())
			}
			if err := cfg.SaveTo(path); err != nil {
				return err
			}

			outf("Configuration written to %s\n", path)
			if envVar := defaultTokenEnvVar(cfg.Board.Provider); envVar != "" && os.Getenv(envVar) == "" {
				outf("Note: %s is not set. Export it or run 'steward config set-token %s'.\n",
					envVar, cfg.Board.Provider)
			}
			outf("Start the orchestrator with: steward run\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	cmd.Flags().BoolVar(&nonInteract, "non-interactive", false, "skip the wizard, use flags only")
	cmd.Flags().StringVar(&boardProv, "board", "github", "board provider: github, jira, mock")
	cmd.Flags().StringVar(&boardID, "board-id", "", "board id (owner/repo for github, project key for jira)")
	cmd.Flags().StringVar(&reviewProv, "review", "auto", "review provider: auto, github, gitlab, mock")
	cmd.Flags().StringVar(&devKind, "developer", "claude", "developer backend: claude, mock")
	cmd.Flags().StringVar(&workspaceDir, "workspace-dir", "", "workspace base directory")
	return cmd
}

// runInitWizard collects the configuration interactively, seeded from
// cfg, and writes the answers back into it.
func runInitWizard(cfg *config.Config) error {
	isJira := func(s wizard.State) bool { return s.String("board", "") != "jira" }

	w := wizard.New(
		wizard.NewSelectStep("board", "Which board holds your work items?", []wizard.Option{
			{Value: "github", Label: "GitHub", Hint: "issues with status labels"},
			{Value: "jira", Label: "Jira", Hint: "a project's issues"},
			{Value: "mock", Label: "Mock", Hint: "in-memory, for trying steward out"},
		}),
		wizard.NewInputStep("board_id", "Board id").
			Placeholder("owner/repo or PROJECT-KEY").
			Default(cfg.Board.BoardID).
			Validate(func(v string) error {
				if v == "" {
					return errors.New("a board id is required")
				}
				return nil
			}),
		wizard.NewInputStep("jira_url", "Jira base URL").
			Placeholder("https://company.atlassian.net").
			SkipWhen(isJira),
		wizard.NewSelectStep("review", "Where do pull requests live?", []wizard.Option{
			{Value: "auto", Label: "Detect automatically"},
			{Value: "github", Label: "GitHub"},
			{Value: "gitlab", Label: "GitLab"},
			{Value: "mock", Label: "Mock"},
		}),
		wizard.NewSelectStep("developer", "Which developer backend?", []wizard.Option{
			{Value: "claude", Label: "Claude CLI"},
			{Value: "mock", Label: "Mock", Hint: "scripted output, no subprocess"},
		}),
		wizard.NewInputStep("workspace_dir", "Workspace directory").
			Default(cfg.Workspace.BaseDir),
		wizard.NewConfirmStep("api", "Enable the HTTP status API?").
			Default(cfg.API.Enabled),
		wizard.NewConfirmStep("history", "Record an event history database?").
			Default(cfg.History.Enabled),
	).WithState(wizard.State{
		"board":     cfg.Board.Provider,
		"review":    cfg.Review.Provider,
		"developer": cfg.Developer.Kind,
	})

	if err := w.Run(); err != nil {
		return err
	}

	s := w.State()
	cfg.Board.Provider = s.String("board", cfg.Board.Provider)
	cfg.Board.BoardID = s.String("board_id", cfg.Board.BoardID)
	cfg.Board.BaseURL = s.String("jira_url", cfg.Board.BaseURL)
	cfg.Review.Provider = s.String("review", cfg.Review.Provider)
	cfg.Developer.Kind = s.String("developer", cfg.Developer.Kind)
	cfg.Workspace.BaseDir = s.String("workspace_dir", cfg.Workspace.BaseDir)
	cfg.API.Enabled = s.Bool("api", cfg.API.Enabled)
	cfg.History.Enabled = s.Bool("history", cfg.History.Enabled)
	return nil
}
