package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/registry"
	"github.com/steroids-dev/steroids/internal/workspace"
)

func newWorkspacesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspaces",
		Short: "Manage parallel-session workspace clones",
	}
	cmd.AddCommand(newWorkspacesListCmd())
	cmd.AddCommand(newWorkspacesCleanCmd())
	return cmd
}

func buildWorkspaceManager(projectPath string) (*workspace.Manager, *registry.Registry, error) {
	cfg, err := config.Load(projectPath)
	if err != nil {
		return nil, nil, configErr(err)
	}
	root, err := cfg.WorkspaceRoot()
	if err != nil {
		return nil, nil, err
	}
	reg, err := openRegistry()
	if err != nil {
		return nil, nil, err
	}
	return workspace.NewManager(reg, root, nil, nil), reg, nil
}

func newWorkspacesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List workspace clones for a project",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := resolveProject()
			if err != nil {
				return err
			}
			mgr, reg, err := buildWorkspaceManager(project)
			if err != nil {
				return err
			}
			defer reg.Close()

			infos, err := mgr.List(project)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("No workspaces.")
				return nil
			}

			t := newTable()
			t.AppendHeader(table.Row{"PATH", "STATE", "SESSION", "BRANCH"})
			for _, info := range infos {
				sessionCol := "-"
				if info.SessionID != "" {
					sessionCol = shortID(info.SessionID)
				}
				t.AppendRow(table.Row{info.Path, info.State, sessionCol, info.Branch})
			}
			t.Render()
			return nil
		},
	}
}

func newWorkspacesCleanCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete cleanable and orphaned workspace clones",
		Long: `Delete clones whose sessions have finished, plus orphaned directories
with no workstream row. --all also drains and removes clones of active
sessions (the session is aborted first).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := resolveProject()
			if err != nil {
				return err
			}
			mgr, reg, err := buildWorkspaceManager(project)
			if err != nil {
				return err
			}
			defer reg.Close()

			result, err := mgr.Clean(project, all)
			if err != nil {
				return err
			}
			for _, path := range result.Deleted {
				fmt.Printf("Deleted %s\n", path)
			}
			for _, path := range result.Skipped {
				fmt.Printf("Skipped %s (active)\n", path)
			}
			for _, failure := range result.Failures {
				fmt.Printf("Failed  %s\n", failure)
			}
			if len(result.Deleted) == 0 && len(result.Skipped) == 0 && len(result.Failures) == 0 {
				fmt.Println("Nothing to clean.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "also drain active sessions")
	return cmd
}
