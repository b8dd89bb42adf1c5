package cli

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/logging"
	"github.com/steroids-dev/steroids/internal/wakeup"
)

func newWakeupCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "wakeup",
		Short: "Reconcile runners across all registered projects",
		Long: `Run one wakeup pass: reap stale runners, release expired leases, clean
zombie pid files, prune vanished projects, recover stuck tasks and start
runners for enabled projects that have work. Intended to be driven by cron
or a systemd timer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			exe, err := os.Executable()
			if err != nil {
				return err
			}
			// Wakeup runs before any project is chosen; only the user-level
			// config layer applies here.
			cfg, err := config.Load("")
			if err != nil {
				return configErr(err)
			}
			ctrl := wakeup.New(reg, nil, nil, nil, logging.Setup(verbose),
				wakeup.Options{
					DryRun:     dryRun,
					Exe:        exe,
					StaleAfter: cfg.Runners.StaleAfter,
				})

			result, err := ctrl.Pass(cmd.Context())
			if err != nil {
				return err
			}

			if dryRun {
				fmt.Println("Dry run; nothing was changed.")
			}
			fmt.Printf("Reaped %d stale runner(s), released %d lease(s), pruned %d project(s), %d log file(s).\n",
				len(result.ReapedRunners), result.ReleasedLeases,
				len(result.PrunedProjects), result.PrunedLogs)

			if len(result.Projects) == 0 {
				return nil
			}
			t := newTable()
			t.AppendHeader(table.Row{"PROJECT", "ACTION", "RECOVERED", "ERROR"})
			for _, pr := range result.Projects {
				errCol := ""
				if pr.Err != nil {
					errCol = pr.Err.Error()
				}
				t.AppendRow(table.Row{pr.Path, pr.Action, pr.Recovered, errCol})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what the pass would do without changing anything")
	return cmd
}
