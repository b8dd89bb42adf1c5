package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-project task counts and recent activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			projects, err := reg.ListProjects()
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Println("No projects registered.")
				return nil
			}

			t := newTable()
			t.AppendHeader(table.Row{"PROJECT", "PENDING", "ACTIVE", "REVIEW", "DONE"})
			for _, p := range projects {
				t.AppendRow(table.Row{p.Name, p.Stats.Pending, p.Stats.InProgress,
					p.Stats.Review, p.Stats.Completed})
			}
			t.Render()

			project, err := resolveProject()
			if err != nil {
				return nil
			}
			activity, err := reg.ListActivity(project, limit)
			if err != nil || len(activity) == 0 {
				return nil
			}

			fmt.Println("\nRecent activity:")
			at := newTable()
			at.AppendHeader(table.Row{"WHEN", "KIND", "TASK", "COMMIT"})
			for _, ev := range activity {
				commitCol := "-"
				if ev.CommitSHA != "" {
					commitCol = shortID(ev.CommitSHA)
				}
				at.AppendRow(table.Row{age(ev.At), ev.Kind, truncate(ev.TaskTitle, 40), commitCol})
			}
			at.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "activity rows to show")
	return cmd
}
