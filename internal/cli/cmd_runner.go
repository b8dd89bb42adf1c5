package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/agent"
	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/events"
	"github.com/steroids-dev/steroids/internal/git"
	"github.com/steroids-dev/steroids/internal/hooks"
	"github.com/steroids-dev/steroids/internal/lock"
	"github.com/steroids-dev/steroids/internal/logging"
	"github.com/steroids-dev/steroids/internal/parallel"
	"github.com/steroids-dev/steroids/internal/ports"
	"github.com/steroids-dev/steroids/internal/registry"
	"github.com/steroids-dev/steroids/internal/runner"
	"github.com/steroids-dev/steroids/internal/store"
	"github.com/steroids-dev/steroids/internal/telemetry"
	"github.com/steroids-dev/steroids/internal/workspace"
)

func newRunnerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runner",
		Short: "Manage runner daemons",
	}
	cmd.AddCommand(newRunnerStartCmd())
	cmd.AddCommand(newRunnerStopCmd())
	cmd.AddCommand(newRunnerStatusCmd())
	cmd.AddCommand(newRunnerListCmd())
	return cmd
}

func newRunnerStartCmd() *cobra.Command {
	var (
		section    string
		sessionID  string
		workstream string
		once       bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a runner daemon for a project",
		Long: `Start the runner daemon in the foreground. The daemon registers itself
in the global registry, heartbeats, and drives the coder/reviewer loop
until the project has no more work or a stop signal arrives.

Wakeup spawns this command detached; workstream runners are started with
--session and --workstream by 'parallel start'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, daemonParams{
				sectionRef:   section,
				sessionID:    sessionID,
				workstreamID: workstream,
				once:         once,
			})
		},
	}
	cmd.Flags().StringVar(&section, "section", "", "focus on a single section (name or id)")
	cmd.Flags().StringVar(&sessionID, "session", "", "parallel session to attach to")
	cmd.Flags().StringVar(&workstream, "workstream", "", "workstream to lease and drain")
	cmd.Flags().BoolVar(&once, "once", false, "run a single iteration and exit")
	return cmd
}

type daemonParams struct {
	sectionRef   string
	sessionID    string
	workstreamID string
	once         bool
}

// runDaemon wires the full daemon stack for runner start and loop.
func runDaemon(cmd *cobra.Command, params daemonParams) error {
	project, err := resolveProject()
	if err != nil {
		return err
	}
	cfg, err := config.Load(project)
	if err != nil {
		return configErr(err)
	}

	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	// A workstream runner works in a clone; the task store lives with the
	// session's project.
	storePath := project
	if params.sessionID != "" {
		sess, err := reg.GetSession(params.sessionID)
		if err != nil {
			return err
		}
		storePath = sess.ProjectPath
	} else {
		p, err := reg.GetProject(project)
		if err != nil {
			return configErrf("project %s is not registered", project)
		}
		if !p.Enabled {
			return configErrf("project %s is disabled", project)
		}
	}

	s, err := openProjectStore(storePath)
	if err != nil {
		return err
	}
	defer s.Close()

	logger := logging.Setup(verbose)
	if cfg.Runners.DaemonLogs && !params.once {
		daemonLogger, closer, err := logging.SetupDaemon(os.Getpid(), verbose)
		if err == nil {
			logger = daemonLogger
			defer closer.Close()
		}
	}

	var sectionID string
	if params.sectionRef != "" {
		sec, err := s.GetSectionByName(params.sectionRef)
		if err != nil {
			if sec, err = s.GetSection(params.sectionRef); err != nil {
				return usageErrf("section %q not found", params.sectionRef)
			}
		}
		if sec.Skipped {
			return usageErrf("section %q is skipped; unskip it before focusing on it", sec.Name)
		}
		sectionID = sec.ID
	}

	var sectionIDs []string
	if params.workstreamID != "" {
		ws, err := reg.GetWorkstream(params.workstreamID)
		if err != nil {
			return err
		}
		sectionIDs = ws.SectionIDs
	}

	pub := events.NewMemoryPublisher()
	defer pub.Close()

	var dispatcher *hooks.Dispatcher
	if os.Getenv(hooks.NoHooksEnv) == "" {
		dispatcher = hooks.NewDispatcher(hooks.NewService(storePath), logger)
	}

	invoker := agent.NewExecInvoker(roleConfig(cfg.AI.Coder), roleConfig(cfg.AI.Reviewer), logger)

	d := runner.New(s, reg, cfg, invoker, git.New(nil), pub, nil, nil, logger,
		runner.Options{
			ProjectPath:       project,
			SectionID:         sectionID,
			ParallelSessionID: params.sessionID,
			WorkstreamID:      params.workstreamID,
			SectionIDs:        sectionIDs,
			OnSessionDrained:  sessionMerger(reg, s, cfg, logger),
			Once:              params.once,
			HandleSignals:     true,
			Metrics:           telemetry.New(),
			Dispatcher:        dispatcher,
		})
	return d.Run(cmd.Context())
}

// sessionMerger returns the callback the last workstream runner uses to fold
// the session's branches back into main.
func sessionMerger(reg *registry.Registry, s *store.Store, cfg *config.Config,
	logger *slog.Logger) func(ctx context.Context, sessionID string) error {

	return func(ctx context.Context, sessionID string) error {
		root, err := cfg.WorkspaceRoot()
		if err != nil {
			return err
		}
		coord := parallel.New(parallel.Deps{
			Registry:   reg,
			Store:      s,
			Git:        git.New(nil),
			Cmd:        git.NewExecRunner(),
			Workspaces: workspace.NewManager(reg, root, nil, nil),
			Logger:     logger,
			Config:     cfg,
		}, parallel.Options{})
		result, err := coord.Merge(ctx, sessionID)
		if err != nil {
			return err
		}
		if !result.Clean() {
			logger.Error("session merge finished with failures",
				"session", sessionID, "conflicts", result.Conflicts,
				"reverted", result.Reverted, "errors", result.Errors)
		}
		return nil
	}
}

func roleConfig(r config.RoleAI) agent.RoleConfig {
	return agent.RoleConfig{
		Provider: r.Provider,
		Model:    r.Model,
		Command:  r.Command,
		Timeout:  r.Timeout,
	}
}

func newRunnerStopCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Signal runners to stop gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			var runners []*registry.Runner
			if all {
				runners, err = reg.ListRunners()
			} else {
				project, perr := resolveProject()
				if perr != nil {
					return perr
				}
				runners, err = reg.ListRunnersForProject(project)
			}
			if err != nil {
				return err
			}
			if len(runners) == 0 {
				fmt.Println("No runners to stop.")
				return nil
			}

			procs := ports.OSProcessControl{}
			for _, r := range runners {
				if r.PID > 0 && procs.IsAlive(r.PID) {
					if err := procs.Kill(r.PID, syscall.SIGTERM); err != nil {
						fmt.Printf("runner %s (pid %d): %v\n", shortID(r.ID), r.PID, err)
						continue
					}
					fmt.Printf("Stopping runner %s (pid %d)\n", shortID(r.ID), r.PID)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "stop runners across every project")
	return cmd
}

func newRunnerStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the runner state for a project",
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

			active, err := reg.ActiveRunnerForProject(project, registry.DefaultFreshness)
			if err != nil {
				return err
			}
			if active == nil {
				fmt.Println("No active runner.")
			} else {
				fmt.Printf("Runner %s  pid %d  status %s  heartbeat %s\n",
					shortID(active.ID), active.PID, active.Status, age(active.HeartbeatAt))
			}

			guard := lock.NewPIDGuard(project, ports.OSProcessControl{})
			if pid, err := guard.HolderPid(); err == nil && pid > 0 {
				fmt.Printf("Pid file held by %d\n", pid)
			}
			return nil
		},
	}
}

func newRunnerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all registered runners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			runners, err := reg.ListRunners()
			if err != nil {
				return err
			}
			if len(runners) == 0 {
				fmt.Println("No runners registered.")
				return nil
			}

			t := newTable()
			t.AppendHeader(table.Row{"ID", "PID", "STATUS", "PROJECT", "SESSION", "HEARTBEAT"})
			for _, r := range runners {
				projectCol := r.ProjectPath
				if projectCol == "" {
					projectCol = "-"
				}
				sessionCol := "-"
				if r.ParallelSessionID != "" {
					sessionCol = shortID(r.ParallelSessionID)
				}
				t.AppendRow(table.Row{shortID(r.ID), r.PID, r.Status, projectCol, sessionCol, age(r.HeartbeatAt)})
			}
			t.Render()
			return nil
		},
	}
}
