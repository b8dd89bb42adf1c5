// Package parallel implements parallel sessions: it partitions a project's
// sections into workstreams, materializes a workspace clone per workstream,
// spawns workstream runners and auto-merges completed branches back into the
// main branch.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/git"
	"github.com/steroids-dev/steroids/internal/ports"
	"github.com/steroids-dev/steroids/internal/registry"
	"github.com/steroids-dev/steroids/internal/store"
	"github.com/steroids-dev/steroids/internal/util"
	"github.com/steroids-dev/steroids/internal/workspace"
)

// ErrSessionActive is returned when a project already has a non-terminal
// parallel session.
var ErrSessionActive = errors.New("parallel session already active")

// ErrNoParallelWork is returned when no section has open tasks to split.
var ErrNoParallelWork = errors.New("no open sections to parallelize")

// Deps bundles the collaborators a Coordinator needs.
type Deps struct {
	Registry   *registry.Registry
	Store      *store.Store
	Git        git.Port
	Cmd        git.CommandRunner
	Workspaces *workspace.Manager
	Procs      ports.ProcessControl
	FS         ports.Filesystem
	Clock      ports.Clock
	Logger     *slog.Logger
	Config     *config.Config
}

// Options configures a Coordinator.
type Options struct {
	// Exe is the binary spawned for workstream runners.
	Exe string
	// MaxWorkstreams caps the partition; defaults to config.
	MaxWorkstreams int
	// NoSpawn creates the session and clones without starting runners.
	NoSpawn bool
}

// Coordinator creates, supervises and merges parallel sessions.
type Coordinator struct {
	deps Deps
	opts Options
}

// New creates a Coordinator. Nil ports in deps default to the OS
// implementations.
func New(deps Deps, opts Options) *Coordinator {
	if deps.Procs == nil {
		deps.Procs = ports.OSProcessControl{}
	}
	if deps.FS == nil {
		deps.FS = ports.OSFilesystem{}
	}
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.MaxWorkstreams <= 0 {
		opts.MaxWorkstreams = deps.Config.Runners.Parallel.MaxWorkstreams
	}
	if opts.MaxWorkstreams <= 0 {
		opts.MaxWorkstreams = 4
	}
	return &Coordinator{deps: deps, opts: opts}
}

// Start partitions the project's open sections into workstreams, clones a
// workspace per workstream, marks the session running and spawns the
// workstream runners.
func (c *Coordinator) Start(ctx context.Context, projectPath string) (*registry.ParallelSession, []*registry.Workstream, error) {
	active, err := c.deps.Registry.ActiveSessionForProject(projectPath)
	if err != nil {
		return nil, nil, err
	}
	if active != nil {
		return nil, nil, fmt.Errorf("session %s: %w", active.ID, ErrSessionActive)
	}

	groups, err := c.partition()
	if err != nil {
		return nil, nil, err
	}

	sess, err := c.deps.Registry.CreateSession(projectPath)
	if err != nil {
		return nil, nil, err
	}

	base := c.deps.Config.Git.Branch
	var workstreams []*registry.Workstream
	for _, group := range groups {
		id := util.NewID()
		ws := &registry.Workstream{
			ID:         id,
			SessionID:  sess.ID,
			BranchName: "steroids/ws-" + id[:8],
			SectionIDs: group,
			ClonePath:  c.deps.Workspaces.ClonePath(projectPath, id),
		}
		if err := c.deps.Registry.CreateWorkstream(ws); err != nil {
			return nil, nil, err
		}
		workstreams = append(workstreams, ws)
	}

	// Clones are independent; materialize them concurrently.
	g, _ := errgroup.WithContext(ctx)
	for _, ws := range workstreams {
		ws := ws
		g.Go(func() error {
			if err := c.deps.Git.Clone(projectPath, ws.ClonePath, base); err != nil {
				return err
			}
			if err := c.deps.Git.CreateBranch(ws.ClonePath, ws.BranchName, ""); err != nil {
				return err
			}
			return c.deps.Git.Checkout(ws.ClonePath, ws.BranchName)
		})
	}
	if err := g.Wait(); err != nil {
		_ = c.deps.Registry.UpdateSessionStatus(sess.ID, registry.SessionFailed)
		return nil, nil, fmt.Errorf("materialize clones: %w", err)
	}

	if err := c.deps.Registry.UpdateSessionStatus(sess.ID, registry.SessionRunning); err != nil {
		return nil, nil, err
	}
	sess.Status = registry.SessionRunning

	if !c.opts.NoSpawn {
		for _, ws := range workstreams {
			if err := c.spawnWorkstreamRunner(sess.ID, ws); err != nil {
				c.deps.Logger.Error("spawn workstream runner failed",
					"workstream", ws.ID, "error", err)
			}
		}
	}

	c.deps.Logger.Info("parallel session started",
		"session", sess.ID, "project", projectPath, "workstreams", len(workstreams))
	return sess, workstreams, nil
}

// Abort terminates a running session: runners get SIGTERM, leases are
// revoked, non-terminal workstreams and the session move to aborted. Clones
// stay on disk for workspace clean to deal with.
func (c *Coordinator) Abort(sessionID string) error {
	sess, err := c.deps.Registry.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("session %s already %s", sessionID, sess.Status)
	}

	runners, err := c.deps.Registry.ListRunnersForSession(sessionID)
	if err != nil {
		return err
	}
	for _, r := range runners {
		if r.PID > 0 && c.deps.Procs.IsAlive(r.PID) {
			_ = c.deps.Procs.Kill(r.PID, syscall.SIGTERM)
		}
		if err := c.deps.Registry.ReleaseLeasesHeldBy(r.ID); err != nil {
			return err
		}
		if err := c.deps.Registry.DeleteRunner(r.ID); err != nil {
			return err
		}
	}

	workstreams, err := c.deps.Registry.ListWorkstreamsForSession(sessionID)
	if err != nil {
		return err
	}
	for _, ws := range workstreams {
		if ws.Status == registry.WorkstreamPending || ws.Status == registry.WorkstreamRunning {
			if err := c.deps.Registry.SetWorkstreamStatus(ws.ID, registry.WorkstreamAborted); err != nil {
				return err
			}
		}
	}

	return c.deps.Registry.UpdateSessionStatus(sessionID, registry.SessionAborted)
}

// partition groups open sections into at most MaxWorkstreams groups.
// Dependency-connected sections always share a group so cross-clone blocking
// can never occur; independent groups are balanced by open task count.
func (c *Coordinator) partition() ([][]string, error) {
	sections, err := c.deps.Store.ListSections()
	if err != nil {
		return nil, err
	}

	open := map[string]int{}
	order := map[string]int{}
	var usable []*store.Section
	for i, sec := range sections {
		if sec.Skipped {
			continue
		}
		tasks, err := c.deps.Store.ListTasks(store.TaskFilter{
			Statuses:  []store.Status{store.StatusPending, store.StatusInProgress, store.StatusReview},
			SectionID: sec.ID,
		})
		if err != nil {
			return nil, err
		}
		if len(tasks) == 0 {
			continue
		}
		open[sec.ID] = len(tasks)
		order[sec.ID] = i
		usable = append(usable, sec)
	}
	if len(usable) == 0 {
		return nil, ErrNoParallelWork
	}

	components := connectedComponents(usable)

	// Components keep the project's section order so workstream branches
	// commit in roughly the same sequence a single runner would.
	sort.Slice(components, func(i, j int) bool {
		return order[components[i][0]] < order[components[j][0]]
	})

	bins := c.opts.MaxWorkstreams
	if bins > len(components) {
		bins = len(components)
	}
	groups := make([][]string, bins)
	weights := make([]int, bins)
	for _, comp := range components {
		lightest := 0
		for i := 1; i < bins; i++ {
			if weights[i] < weights[lightest] {
				lightest = i
			}
		}
		groups[lightest] = append(groups[lightest], comp...)
		for _, id := range comp {
			weights[lightest] += open[id]
		}
	}
	return groups, nil
}

// connectedComponents groups sections connected by dependency edges. Edges to
// sections outside the usable set (already drained or skipped) are ignored.
func connectedComponents(sections []*store.Section) [][]string {
	inSet := map[string]bool{}
	adj := map[string][]string{}
	for _, sec := range sections {
		inSet[sec.ID] = true
	}
	for _, sec := range sections {
		for _, dep := range sec.DependsOn {
			if !inSet[dep] {
				continue
			}
			adj[sec.ID] = append(adj[sec.ID], dep)
			adj[dep] = append(adj[dep], sec.ID)
		}
	}

	visited := map[string]bool{}
	var components [][]string
	for _, sec := range sections {
		if visited[sec.ID] {
			continue
		}
		var comp []string
		stack := []string{sec.ID}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[cur] {
				continue
			}
			visited[cur] = true
			comp = append(comp, cur)
			stack = append(stack, adj[cur]...)
		}
		components = append(components, comp)
	}
	return components
}

func (c *Coordinator) spawnWorkstreamRunner(sessionID string, ws *registry.Workstream) error {
	exe := c.opts.Exe
	if exe == "" {
		return fmt.Errorf("runner executable not configured")
	}
	args := []string{
		"runner", "start",
		"--project", ws.ClonePath,
		"--session", sessionID,
		"--workstream", ws.ID,
	}
	pid, err := c.deps.Procs.SpawnDetached(exe, args, ws.ClonePath, "")
	if err != nil {
		return err
	}
	c.deps.Logger.Info("workstream runner started",
		"workstream", ws.ID, "pid", pid, "clone", ws.ClonePath)
	return nil
}
