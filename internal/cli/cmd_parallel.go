package cli

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/git"
	"github.com/steroids-dev/steroids/internal/logging"
	"github.com/steroids-dev/steroids/internal/parallel"
	"github.com/steroids-dev/steroids/internal/registry"
	"github.com/steroids-dev/steroids/internal/workspace"
)

func newParallelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parallel",
		Short: "Fan a project's sections out across parallel workstreams",
	}
	cmd.AddCommand(newParallelStartCmd())
	cmd.AddCommand(newParallelStatusCmd())
	cmd.AddCommand(newParallelAbortCmd())
	return cmd
}

// buildCoordinator wires a Coordinator over the real registry, store and git.
// Callers own closing the returned registry and store via the cleanup func.
func buildCoordinator(projectPath string, maxWorkstreams int) (*parallel.Coordinator, func(), error) {
	cfg, err := config.Load(projectPath)
	if err != nil {
		return nil, nil, configErr(err)
	}
	reg, err := openRegistry()
	if err != nil {
		return nil, nil, err
	}
	s, err := openProjectStore(projectPath)
	if err != nil {
		reg.Close()
		return nil, nil, err
	}
	root, err := cfg.WorkspaceRoot()
	if err != nil {
		s.Close()
		reg.Close()
		return nil, nil, err
	}
	exe, err := os.Executable()
	if err != nil {
		s.Close()
		reg.Close()
		return nil, nil, err
	}

	coord := parallel.New(parallel.Deps{
		Registry:   reg,
		Store:      s,
		Git:        git.New(nil),
		Cmd:        git.NewExecRunner(),
		Workspaces: workspace.NewManager(reg, root, nil, nil),
		Logger:     logging.Setup(verbose),
		Config:     cfg,
	}, parallel.Options{Exe: exe, MaxWorkstreams: maxWorkstreams})

	cleanup := func() {
		s.Close()
		reg.Close()
	}
	return coord, cleanup, nil
}

func newParallelStartCmd() *cobra.Command {
	var maxWorkstreams int
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a parallel session",
		Long: `Partition the project's open sections into workstreams, clone a
workspace per workstream and start one runner per clone. The last
workstream to drain merges all branches back into the main branch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := resolveProject()
			if err != nil {
				return err
			}
			coord, cleanup, err := buildCoordinator(project, maxWorkstreams)
			if err != nil {
				return err
			}
			defer cleanup()

			sess, workstreams, err := coord.Start(cmd.Context(), project)
			if err != nil {
				return err
			}

			fmt.Printf("Session %s started with %d workstream(s)\n", shortID(sess.ID), len(workstreams))
			t := newTable()
			t.AppendHeader(table.Row{"WORKSTREAM", "BRANCH", "SECTIONS", "CLONE"})
			for _, ws := range workstreams {
				t.AppendRow(table.Row{shortID(ws.ID), ws.BranchName, len(ws.SectionIDs), ws.ClonePath})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&maxWorkstreams, "max", 0, "cap on workstreams (default: config)")
	return cmd
}

// sessionForProject returns the active session, or the most recent one when
// none is active.
func sessionForProject(reg *registry.Registry, projectPath string) (*registry.ParallelSession, error) {
	if sess, err := reg.ActiveSessionForProject(projectPath); err != nil {
		return nil, err
	} else if sess != nil {
		return sess, nil
	}
	sessions, err := reg.ListSessionsForProject(projectPath)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("no parallel sessions for %s", projectPath)
	}
	return sessions[0], nil
}

func newParallelStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the project's parallel session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := resolveProject()
			if err != nil {
				return err
			}
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			sess, err := sessionForProject(reg, project)
			if err != nil {
				return err
			}
			workstreams, err := reg.ListWorkstreamsForSession(sess.ID)
			if err != nil {
				return err
			}

			fmt.Printf("Session %s  status %s  created %s\n", shortID(sess.ID), sess.Status, age(sess.CreatedAt))
			t := newTable()
			t.AppendHeader(table.Row{"WORKSTREAM", "BRANCH", "STATUS", "RUNNER", "ORDER"})
			for _, ws := range workstreams {
				runnerCol := "-"
				if ws.RunnerID != "" {
					runnerCol = shortID(ws.RunnerID)
				}
				orderCol := "-"
				if ws.CompletionOrder > 0 {
					orderCol = fmt.Sprintf("%d", ws.CompletionOrder)
				}
				t.AppendRow(table.Row{shortID(ws.ID), ws.BranchName, ws.Status, runnerCol, orderCol})
			}
			t.Render()
			return nil
		},
	}
}

func newParallelAbortCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort the project's active parallel session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := resolveProject()
			if err != nil {
				return err
			}
			coord, cleanup, err := buildCoordinator(project, 0)
			if err != nil {
				return err
			}
			defer cleanup()

			if sessionID == "" {
				reg, err := openRegistry()
				if err != nil {
					return err
				}
				sess, err := reg.ActiveSessionForProject(project)
				reg.Close()
				if err != nil {
					return err
				}
				if sess == nil {
					return fmt.Errorf("no active session for %s", project)
				}
				sessionID = sess.ID
			}

			if err := coord.Abort(sessionID); err != nil {
				return err
			}
			fmt.Printf("Aborted session %s\n", shortID(sessionID))
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: the active session)")
	return cmd
}
