package cli

import (
	"github.com/spf13/cobra"
)

func newLoopCmd() *cobra.Command {
	var (
		section string
		once    bool
	)
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Run the orchestrator loop in the foreground",
		Long: `Run the coder/reviewer loop attached to the terminal. Same behavior as
'runner start' but intended for interactive use; pass --once to process a
single task and exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, daemonParams{sectionRef: section, once: once})
		},
	}
	cmd.Flags().StringVar(&section, "section", "", "focus on a single section (name or id)")
	cmd.Flags().BoolVar(&once, "once", false, "run a single iteration and exit")
	return cmd
}
