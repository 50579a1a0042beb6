package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/stackworks/steward/internal/git"
	"github.com/stackworks/steward/internal/state"
	"github.com/stackworks/steward/internal/workspace"
)

func newCleanupCmd() *cobra.Command {
	var (
		taskID string
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove task workspaces and their worktrees",
		Long: `Removes worktrees and workspace records. Without flags only
workspaces whose task is DONE (or no longer known) are swept; --task
removes one workspace regardless of status, --all removes every
workspace.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			logger := slog.Default()

			store := state.NewFileStore(cfg.StateDir(), logger)
			if err := store.Initialize(); err != nil {
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

			ctx := context.Background()

			if taskID != "" {
				if _, ok := manager.Get(taskID); !ok {
					return fmt.Errorf("no workspace for task %q", taskID)
				}
				manager.CleanupWorkspace(ctx, taskID)
				outf("Removed workspace for task %s\n", taskID)
				return nil
			}

			removed := 0
			for _, info := range store.GetAllWorkspaces() {
				if !all && !finishedTask(store, info.TaskID) {
					continue
				}
				manager.CleanupWorkspace(ctx, info.TaskID)
				removed++
			}
			outf("Removed %d workspace%s\n", removed, plural(removed))
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "remove a single task's workspace")
	cmd.Flags().BoolVar(&all, "all", false, "remove every workspace")
	return cmd
}

// finishedTask reports whether the task backing a workspace is done or
// has disappeared from the store.
func finishedTask(store *state.FileStore, taskID string) bool {
	task, ok := store.GetTask(taskID)
	if !ok {
		return true
	}
	return task.Status == state.TaskDone
}
