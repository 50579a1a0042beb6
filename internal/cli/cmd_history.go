package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stackworks/steward/internal/history"
)

func newHistoryCmd() *cobra.Command {
	var (
		taskID    string
		eventType string
		limit     int
		timeline  bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query the recorded event log",
		Long: `Queries the history database the daemon writes when
history.enabled is set. Without flags the newest events are shown;
--task restricts to one task, --timeline orders it oldest first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if !cfg.History.Enabled {
				return fmt.Errorf("history is not enabled (set history.enabled in the config)")
			}

			rec, err := history.Open(cfg.History, nil)
			if err != nil {
				return err
			}
			defer func() { _ = rec.Close() }()

			ctx := context.Background()
			var records []history.Record
			if timeline {
				if taskID == "" {
					return fmt.Errorf("--timeline requires --task")
				}
				records, err = rec.TaskTimeline(ctx, taskID)
			} else {
				records, err = rec.Recent(ctx, history.QueryOptions{
					TaskID:    taskID,
					EventType: eventType,
					Limit:     limit,
				})
			}
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(records)
			}

			if len(records) == 0 {
				outf("No events recorded.\n")
				return nil
			}
			for _, r := range records {
				line := fmt.Sprintf("%s  %-16s", r.CreatedAt.Format("2006-01-02 15:04:05"), r.EventType)
				if r.TaskID != "" {
					line += "  " + r.TaskID
				}
				if r.Data != "" && r.Data != "null" {
					line += "  " + strings.TrimSpace(r.Data)
				}
				outf("%s\n", line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "restrict to one task id")
	cmd.Flags().StringVar(&eventType, "type", "", "restrict to one event type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to return")
	cmd.Flags().BoolVar(&timeline, "timeline", false, "order a task's events oldest first")
	return cmd
}
