package parallel

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/steroids-dev/steroids/internal/git"
	"github.com/steroids-dev/steroids/internal/registry"
)

// MergeResult reports one auto-merge run.
type MergeResult struct {
	// Merged workstream branches, in completion order.
	Merged []string
	// Conflicts are branches whose merge hit a content conflict. The merge is
	// aborted and the branch left for manual resolution.
	Conflicts []string
	// Reverted are branches merged and then backed out because the validation
	// command failed.
	Reverted []string
	// Skipped are workstreams that never completed (failed or aborted).
	Skipped []string
	// Errors holds non-conflict failures.
	Errors []string
}

// Clean reports whether every completed branch landed without conflicts,
// reverts or errors.
func (m *MergeResult) Clean() bool {
	return len(m.Conflicts) == 0 && len(m.Reverted) == 0 && len(m.Errors) == 0
}

// Merge folds completed workstream branches back into the project's main
// branch in completion order. Each branch is fetched straight from its clone,
// merged with a merge commit and validated; a failed validation reverts the
// merge and a conflict aborts it, and in both cases the run continues with
// the next branch. The session ends completed only when every branch landed
// clean.
func (c *Coordinator) Merge(ctx context.Context, sessionID string) (*MergeResult, error) {
	sess, err := c.deps.Registry.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	workstreams, err := c.deps.Registry.ListWorkstreamsForSession(sessionID)
	if err != nil {
		return nil, err
	}

	result := &MergeResult{}
	var completed []*registry.Workstream
	for _, ws := range workstreams {
		if ws.Status == registry.WorkstreamCompleted {
			completed = append(completed, ws)
		} else {
			result.Skipped = append(result.Skipped, ws.BranchName)
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].CompletionOrder < completed[j].CompletionOrder
	})

	main := c.deps.Config.Git.Branch
	if err := c.deps.Git.Checkout(sess.ProjectPath, main); err != nil {
		return result, fmt.Errorf("checkout %s: %w", main, err)
	}

	for _, ws := range completed {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		c.mergeWorkstream(sess.ProjectPath, ws, result)
	}

	final := registry.SessionCompleted
	if !result.Clean() {
		final = registry.SessionFailed
	}
	if err := c.deps.Registry.UpdateSessionStatus(sessionID, final); err != nil {
		return result, err
	}

	if len(result.Merged) > 0 {
		if err := c.deps.Git.Push(sess.ProjectPath, c.deps.Config.Git.Remote, main); err != nil {
			c.deps.Logger.Warn("push after merge failed", "error", err)
		}
	}

	c.deps.Logger.Info("session merge finished",
		"session", sessionID, "status", final,
		"merged", len(result.Merged), "conflicts", len(result.Conflicts),
		"reverted", len(result.Reverted), "skipped", len(result.Skipped))
	return result, nil
}

func (c *Coordinator) mergeWorkstream(projectPath string, ws *registry.Workstream, result *MergeResult) {
	// The clone is the only place the branch exists; fetch it into a local
	// ref of the same name.
	refspec := ws.BranchName + ":" + ws.BranchName
	if err := c.deps.Git.Fetch(projectPath, ws.ClonePath, refspec); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", ws.BranchName, err))
		return
	}

	base, err := c.deps.Git.CurrentCommitSHA(projectPath)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", ws.BranchName, err))
		return
	}

	msg := "Merge workstream " + ws.BranchName
	if err := c.deps.Git.Merge(projectPath, ws.BranchName, msg); err != nil {
		if git.IsConflict(err) {
			_ = c.deps.Git.AbortMerge(projectPath)
			result.Conflicts = append(result.Conflicts, ws.BranchName)
			c.deps.Logger.Warn("merge conflict", "branch", ws.BranchName)
		} else {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", ws.BranchName, err))
		}
		return
	}

	if err := c.validate(projectPath); err != nil {
		if resetErr := c.deps.Git.ResetHard(projectPath, base); resetErr != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s: revert after failed validation: %v", ws.BranchName, resetErr))
			return
		}
		result.Reverted = append(result.Reverted, ws.BranchName)
		c.deps.Logger.Warn("merge reverted, validation failed",
			"branch", ws.BranchName, "error", err)
		return
	}

	result.Merged = append(result.Merged, ws.BranchName)

	if c.deps.Config.Runners.Parallel.CleanupOnSuccess {
		if err := c.deps.FS.RemoveAll(ws.ClonePath); err != nil {
			c.deps.Logger.Warn("remove clone failed", "clone", ws.ClonePath, "error", err)
		}
		if err := c.deps.Git.DeleteBranch(projectPath, ws.BranchName); err != nil {
			c.deps.Logger.Warn("delete merged branch failed", "branch", ws.BranchName, "error", err)
		}
	}
}

// validate runs the configured validation command in the project root. An
// empty command validates trivially.
func (c *Coordinator) validate(projectPath string) error {
	cmdline := c.deps.Config.Runners.Parallel.ValidationCommand
	if cmdline == "" {
		return nil
	}
	parts := strings.Fields(cmdline)
	out, err := c.deps.Cmd.Run(projectPath, parts[0], parts[1:]...)
	if err != nil {
		return fmt.Errorf("validation %q: %w (%s)", cmdline, err, out)
	}
	return nil
}
