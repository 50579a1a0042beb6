package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackworks/steward/internal/state"
)

func newTasksCmd() *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List known tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			store, err := openStore()
			if err != nil {
				return err
			}

			var tasks []*state.Task
			if statusFilter != "" {
				status := state.TaskStatus(statusFilter)
				if !status.Valid() {
					return fmt.Errorf("unknown status %q (TODO, IN_PROGRESS, IN_REVIEW, DONE)", statusFilter)
				}
				tasks = store.GetTasksByStatus(status)
			} else {
				tasks = store.GetAllTasks()
			}

			if jsonOut {
				return printJSON(tasks)
			}

			if len(tasks) == 0 {
				outf("No tasks recorded.\n")
				return nil
			}
			outf("%-20s %-12s %-20s %s\n", "ID", "STATUS", "UPDATED", "COMMENTS")
			for _, t := range tasks {
				outf("%-20s %-12s %-20s %d\n",
					t.ID, t.Status, t.UpdatedAt.Format("2006-01-02 15:04:05"),
					len(t.ProcessedCommentIDs))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by workflow status")
	return cmd
}
