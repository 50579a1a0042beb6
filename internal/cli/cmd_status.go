package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/stackworks/steward/internal/state"
)

// openStore opens the durable state store read-only for inspection
// commands. Initialize tolerates a missing directory.
func openStore() (*state.FileStore, error) {
	cfg, err := requireConfig()
	if err != nil {
		return nil, err
	}
	store := state.NewFileStore(cfg.StateDir(), slog.Default())
	if err := store.Initialize(); err != nil {
		return nil, err
	}
	return store, nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the durable workflow state",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			store, err := openStore()
			if err != nil {
				return err
			}

			tasks := store.GetAllTasks()
			workers := store.GetAllWorkers()
			workspaces := store.GetAllWorkspaces()
			repos := store.GetAllRepositories()

			taskCounts := map[state.TaskStatus]int{}
			for _, t := range tasks {
				taskCounts[t.Status]++
			}
			workerCounts := map[state.WorkerStatus]int{}
			for _, w := range workers {
				workerCounts[w.Status]++
			}

			if jsonOut {
				return printJSON(map[string]any{
					"tasks":        taskCounts,
					"workers":      workerCounts,
					"workspaces":   len(workspaces),
					"repositories": len(repos),
				})
			}

			outf("Tasks: %d total\n", len(tasks))
			for _, s := range []state.TaskStatus{state.TaskTodo, state.TaskInProgress, state.TaskInReview, state.TaskDone} {
				if n := taskCounts[s]; n > 0 {
					outf("  %-12s %d\n", s, n)
				}
			}
			outf("Workers: %d total\n", len(workers))
			for _, s := range []state.WorkerStatus{state.WorkerIdle, state.WorkerWaiting, state.WorkerWorking, state.WorkerStopped, state.WorkerError} {
				if n := workerCounts[s]; n > 0 {
					outf("  %-12s %d\n", s, n)
				}
			}
			outf("Workspaces: %d active\n", len(workspaces))
			outf("Repositories: %d cloned\n", len(repos))
			return nil
		},
	}
}
