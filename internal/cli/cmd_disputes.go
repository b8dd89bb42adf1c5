package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/store"
)

func newDisputesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disputes",
		Short: "Review and resolve coder/reviewer disputes",
	}
	cmd.AddCommand(newDisputesListCmd())
	cmd.AddCommand(newDisputesShowCmd())
	cmd.AddCommand(newDisputesResolveCmd())
	return cmd
}

func newDisputesListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List disputes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := resolveProject()
			if err != nil {
				return err
			}
			s, err := openProjectStore(project)
			if err != nil {
				return err
			}
			defer s.Close()

			disputes, err := s.ListDisputes(!all)
			if err != nil {
				return err
			}
			if len(disputes) == 0 {
				fmt.Println("No disputes.")
				return nil
			}

			t := newTable()
			t.AppendHeader(table.Row{"ID", "TASK", "TYPE", "STATUS", "OPENED", "REASON"})
			for _, d := range disputes {
				t.AppendRow(table.Row{shortID(d.ID), shortID(d.TaskID), d.Type,
					d.Status, age(d.CreatedAt), truncate(d.Reason, 40)})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved disputes")
	return cmd
}

func newDisputesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a dispute with both positions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := resolveProject()
			if err != nil {
				return err
			}
			s, err := openProjectStore(project)
			if err != nil {
				return err
			}
			defer s.Close()

			d, err := s.GetDispute(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Dispute:  %s (%s, %s)\n", d.ID, d.Type, d.Status)
			fmt.Printf("Task:     %s\n", d.TaskID)
			fmt.Printf("Opened:   %s by %s\n", age(d.CreatedAt), d.CreatedBy)
			fmt.Printf("Reason:   %s\n", d.Reason)
			if d.CoderPosition != "" {
				fmt.Printf("\nCoder:\n  %s\n", d.CoderPosition)
			}
			if d.ReviewerPosition != "" {
				fmt.Printf("\nReviewer:\n  %s\n", d.ReviewerPosition)
			}
			if !d.Open() {
				fmt.Printf("\nResolved: %s by %s (%s)\n", age(d.ResolvedAt), d.ResolvedBy, d.Resolution)
				if d.ResolutionNotes != "" {
					fmt.Printf("Notes:    %s\n", d.ResolutionNotes)
				}
			}
			return nil
		},
	}
}

func newDisputesResolveCmd() *cobra.Command {
	var (
		resolution string
		notes      string
	)
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a dispute",
		Long: `Close a dispute and move its task:
  --resolution rework   send the task back to in_progress
  --resolution accept   complete the task as-is`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := store.DisputeResolution(resolution)
			if res != store.ResolutionRework && res != store.ResolutionAccept {
				return usageErrf("--resolution must be rework or accept")
			}
			project, err := resolveProject()
			if err != nil {
				return err
			}
			s, err := openProjectStore(project)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.ResolveDispute(args[0], res, cliActor, notes); err != nil {
				return err
			}
			fmt.Printf("Resolved dispute %s (%s)\n", shortID(args[0]), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "rework or accept")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes for the audit trail")
	return cmd
}
