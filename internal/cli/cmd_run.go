package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/stackworks/steward/internal/api"
	"github.com/stackworks/steward/internal/board"
	"github.com/stackworks/steward/internal/config"
	"github.com/stackworks/steward/internal/developer"
	"github.com/stackworks/steward/internal/dispatch"
	stewarderrors "github.com/stackworks/steward/internal/errors"
	"github.com/stackworks/steward/internal/events"
	"github.com/stackworks/steward/internal/git"
	"github.com/stackworks/steward/internal/history"
	"github.com/stackworks/steward/internal/lock"
	"github.com/stackworks/steward/internal/planner"
	"github.com/stackworks/steward/internal/review"
	_ "github.com/stackworks/steward/internal/review/github" // register provider
	_ "github.com/stackworks/steward/internal/review/gitlab" // register provider
	"github.com/stackworks/steward/internal/state"
	"github.com/stackworks/steward/internal/worker"
	"github.com/stackworks/steward/internal/workspace"
)

func newRunCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator daemon",
		Long: `Starts the monitoring loop: poll the board, dispatch new items to
workers, check progress, forward review feedback, and merge approved
pull requests. Runs until SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			setupLogging()
			if err := exportCredentials(); err != nil {
				return err
			}
			return runDaemon(cfg, once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle's worth of polling, then exit")
	return cmd
}

func runDaemon(cfg *config.Config, once bool) error {
	logger := slog.Default()

	guard := lock.NewDaemonGuard(cfg.StateDir())
	if err := guard.Check(); err != nil {
		var already *lock.AlreadyRunningError
		if errors.As(err, &already) {
			return stewarderrors.ErrAlreadyRunning(already.PID, already.StateDir)
		}
		return err
	}
	if err := guard.Acquire(); err != nil {
		return err
	}
	defer guard.Release()

	store := state.NewFileStore(cfg.StateDir(), logger)
	if err := store.Initialize(); err != nil {
		return fmt.Errorf("initialize state store: %w", err)
	}

	publisher := events.NewMemoryPublisher()
	defer publisher.Close()

	ctx, cancel := SetupSignalHandler()
	defer cancel()

	var recorder *history.Recorder
	if cfg.History.Enabled {
		rec, err := history.Open(cfg.History, logger)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		recorder = rec
		defer func() { _ = recorder.Close() }()
		recorder.Start(ctx, publisher)
	}

	boardProv, err := board.New(cfg.Board, logger)
	if err != nil {
		return err
	}

	reviews, err := buildReviewProvider(cfg, logger)
	if err != nil {
		return err
	}

	dev, err := developer.New(cfg.Developer, logger)
	if err != nil {
		if errors.Is(err, developer.ErrBinaryNotFound) {
			return stewarderrors.ErrDeveloperUnavailable(cfg.Developer.Kind)
		}
		return err
	}

	locks := git.NewLockRegistry(cfg.Git.LockTimeout.Std())
	cache := workspace.NewRepositoryCache(cfg.RepositoriesDir(), store, locks, logger, workspace.CacheOptions{
		RemoteBase:       remoteBase(cfg),
		CloneTimeout:     cfg.Git.CloneTimeout.Std(),
		OperationTimeout: cfg.Git.OperationTimeout.Std(),
		CacheTTL:         cfg.Workspace.RepositoryCacheTTL.Std(),
	})
	manager := workspace.NewManager(cfg.Workspace.BaseDir, store, cache, locks, logger)

	resolver := planner.NewBranchResolver(cfg.Planner, reviews, logger)

	pool := worker.NewPool(cfg.Pool, worker.Deps{
		Developer:      dev,
		Workspaces:     manager,
		Store:          store,
		Publisher:      publisher,
		Branches:       resolver,
		InitRetries:    cfg.Developer.MaxRetries,
		InitRetryDelay: cfg.Developer.RetryDelay.Std(),
		Logger:         logger,
	})
	if err := pool.InitializePool(); err != nil {
		return fmt.Errorf("initialize worker pool: %w", err)
	}
	defer pool.Shutdown()

	validator := dispatch.NewValidator(manager, logger)
	router := dispatch.NewRouter(pool, validator, publisher, logger)

	plnr := planner.New(cfg, planner.Deps{
		Board:     boardProv,
		Reviews:   reviews,
		Router:    router,
		Store:     store,
		Publisher: publisher,
		Logger:    logger,
	})

	if cfg.API.Enabled {
		srv := api.New(cfg.API, api.Deps{
			Planner:   plnr,
			Workers:   pool,
			Tasks:     store,
			Publisher: publisher,
			Logger:    logger,
		})
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
	}

	if once {
		plnr.RunCycle(ctx)
		return nil
	}

	if err := plnr.StartMonitoring(ctx); err != nil {
		return fmt.Errorf("start monitoring: %w", err)
	}
	logger.Info("steward running",
		"board", cfg.Board.BoardID,
		"poll_interval", cfg.Planner.PollInterval.Std().String(),
		"workers_max", cfg.Pool.MaxWorkers)

	<-ctx.Done()
	logger.Info("shutting down")
	plnr.StopMonitoring()
	return nil
}

// buildReviewProvider resolves "auto" against the board provider and
// constructs the review side.
func buildReviewProvider(cfg *config.Config, logger *slog.Logger) (review.Provider, error) {
	rc := review.Config{
		Provider:    cfg.Review.Provider,
		BaseURL:     cfg.Review.BaseURL,
		TokenEnvVar: cfg.Review.TokenEnvVar,
	}

	pt, err := review.ResolveProviderType(rc, "", cfg.Board.Provider)
	if err != nil {
		return nil, err
	}
	if pt == review.ProviderMock {
		return review.NewMock(), nil
	}

	rc.Provider = string(pt)
	return review.NewProvider(rc, logger)
}

// remoteBase picks the https base for repository clones: an explicit
// review base URL wins, then the review provider's public host.
func remoteBase(cfg *config.Config) string {
	if cfg.Review.BaseURL != "" {
		return cfg.Review.BaseURL
	}
	if cfg.Review.Provider == "gitlab" {
		return "https://gitlab.com"
	}
	return workspace.DefaultRemoteBase
}
