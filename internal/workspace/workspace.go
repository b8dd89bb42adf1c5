// Package workspace manages the parallel-session clone directories under the
// workspace root. It joins the registry's session/workstream rows against
// the filesystem to classify each clone as active, cleanable or orphaned.
package workspace

import (
	"fmt"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/steroids-dev/steroids/internal/ports"
	"github.com/steroids-dev/steroids/internal/registry"
	"github.com/steroids-dev/steroids/internal/util"
)

// State classifies a workspace clone.
type State string

const (
	// StateActive means the owning session is still non-terminal.
	StateActive State = "active"
	// StateCleanable means the session is terminal and the workstream is
	// not running.
	StateCleanable State = "cleanable"
	// StateOrphan means a clone directory exists with no workstream row.
	StateOrphan State = "orphan"
)

// Info describes one workspace clone.
type Info struct {
	Path         string
	SessionID    string
	WorkstreamID string
	Branch       string
	State        State
}

// CleanResult reports what Clean did.
type CleanResult struct {
	Deleted  []string
	Skipped  []string
	Failures []string
}

// Manager lists and cleans workspace clones.
type Manager struct {
	reg   *registry.Registry
	fs    ports.Filesystem
	procs ports.ProcessControl
	root  string
}

// NewManager creates a Manager rooted at root. Nil ports default to the OS
// implementations.
func NewManager(reg *registry.Registry, root string, fs ports.Filesystem, procs ports.ProcessControl) *Manager {
	if fs == nil {
		fs = ports.OSFilesystem{}
	}
	if procs == nil {
		procs = ports.OSProcessControl{}
	}
	return &Manager{reg: reg, fs: fs, procs: procs, root: root}
}

// ProjectRoot returns the clone root for a project.
func (m *Manager) ProjectRoot(projectPath string) string {
	return filepath.Join(m.root, util.ProjectHash(projectPath))
}

// ClonePath returns the deterministic clone path for a workstream.
func (m *Manager) ClonePath(projectPath, workstreamID string) string {
	return filepath.Join(m.ProjectRoot(projectPath), "ws-"+workstreamID)
}

// List returns every known or found clone for a project.
func (m *Manager) List(projectPath string) ([]Info, error) {
	sessions, err := m.reg.ListSessionsForProject(projectPath)
	if err != nil {
		return nil, err
	}

	var infos []Info
	known := map[string]bool{}
	for _, sess := range sessions {
		workstreams, err := m.reg.ListWorkstreamsForSession(sess.ID)
		if err != nil {
			return nil, err
		}
		for _, ws := range workstreams {
			if ws.ClonePath == "" || !m.fs.Exists(ws.ClonePath) {
				continue
			}
			known[ws.ClonePath] = true

			state := StateCleanable
			if !sess.Status.Terminal() {
				state = StateActive
			} else if ws.Status == registry.WorkstreamRunning {
				state = StateActive
			}
			infos = append(infos, Info{
				Path:         ws.ClonePath,
				SessionID:    sess.ID,
				WorkstreamID: ws.ID,
				Branch:       ws.BranchName,
				State:        state,
			})
		}
	}

	// Directories under the project root with no workstream row are orphans.
	root := m.ProjectRoot(projectPath)
	names, err := m.fs.ReadDir(root)
	if err == nil {
		for _, name := range names {
			if !strings.HasPrefix(name, "ws-") {
				continue
			}
			path := filepath.Join(root, name)
			if !known[path] {
				infos = append(infos, Info{Path: path, State: StateOrphan})
			}
		}
	}
	return infos, nil
}

// Clean removes cleanable clones. With all set, it first drains active
// sessions (aborts them, revokes leases, terminates their runners) and then
// removes active and orphaned clones too.
func (m *Manager) Clean(projectPath string, all bool) (*CleanResult, error) {
	if all {
		if err := m.drain(projectPath); err != nil {
			return nil, err
		}
	}

	infos, err := m.List(projectPath)
	if err != nil {
		return nil, err
	}

	result := &CleanResult{}
	for _, info := range infos {
		removable := info.State == StateCleanable || (all && (info.State == StateActive || info.State == StateOrphan))
		if !removable {
			result.Skipped = append(result.Skipped, info.Path)
			continue
		}
		if err := m.fs.RemoveAll(info.Path); err != nil {
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", info.Path, err))
			continue
		}
		result.Deleted = append(result.Deleted, info.Path)
	}
	return result, nil
}

// drain aborts every non-terminal session for the project: runners get
// SIGTERM, their leases are revoked and their rows removed.
func (m *Manager) drain(projectPath string) error {
	sessions, err := m.reg.ListSessionsForProject(projectPath)
	if err != nil {
		return err
	}

	for _, sess := range sessions {
		if sess.Status.Terminal() {
			continue
		}

		runners, err := m.reg.ListRunnersForSession(sess.ID)
		if err != nil {
			return err
		}
		for _, r := range runners {
			if r.PID > 0 && m.procs.IsAlive(r.PID) {
				_ = m.procs.Kill(r.PID, syscall.SIGTERM)
			}
			if err := m.reg.ReleaseLeasesHeldBy(r.ID); err != nil {
				return err
			}
			if err := m.reg.DeleteRunner(r.ID); err != nil {
				return err
			}
		}

		if err := m.reg.UpdateSessionStatus(sess.ID, registry.SessionAborted); err != nil {
			return err
		}
	}
	return nil
}
