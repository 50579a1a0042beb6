package cli

import (
	"github.com/spf13/cobra"
)

func newWorkersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List recorded workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			store, err := openStore()
			if err != nil {
				return err
			}

			workers := store.GetAllWorkers()
			if jsonOut {
				return printJSON(workers)
			}

			if len(workers) == 0 {
				outf("No workers recorded.\n")
				return nil
			}
			outf("%-16s %-10s %-10s %-20s %s\n", "ID", "STATUS", "KIND", "LAST ACTIVE", "TASK")
			for _, w := range workers {
				taskID := "-"
				if w.CurrentTask != nil {
					taskID = w.CurrentTask.TaskID
				}
				outf("%-16s %-10s %-10s %-20s %s\n",
					w.ID, w.Status, w.Kind,
					w.LastActiveAt.Format("2006-01-02 15:04:05"), taskID)
			}
			return nil
		},
	}
}
