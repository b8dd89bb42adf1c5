// Package git wraps the git CLI with the operations the orchestrator and
// parallel merge need. All calls shell out through a CommandRunner so tests
// can substitute a fake.
package git

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/steroids-dev/steroids/internal/util"
)

// Port is the git contract the orchestrator and parallel subsystem depend
// on. The production implementation shells out to the git CLI.
type Port interface {
	IsRepo(dir string) bool
	CurrentBranch(dir string) (string, error)
	CurrentCommitSHA(dir string) (string, error)
	HasUncommittedChanges(dir string) (bool, error)
	IsFileTracked(dir, path string) (bool, error)
	FileLastCommit(dir, path string) (string, error)
	FileContentHash(dir, path string) (string, error)
	LastCommitMessage(dir string) (string, error)
	Push(dir, remote, branch string) error
	Fetch(dir, remote, refspec string) error
	Clone(src, dst, branch string) error
	CreateBranch(dir, name, base string) error
	Checkout(dir, ref string) error
	Merge(dir, branch, message string) error
	AbortMerge(dir string) error
	ResetHard(dir, ref string) error
	DeleteBranch(dir, name string) error
}

// Git is the CLI-backed Port implementation.
type Git struct {
	runner CommandRunner
}

// New creates a Git with the given runner. A nil runner defaults to the
// exec-based one.
func New(runner CommandRunner) *Git {
	if runner == nil {
		runner = NewExecRunner()
	}
	return &Git{runner: runner}
}

// IsRepo reports whether dir is inside a git work tree.
func (g *Git) IsRepo(dir string) bool {
	out, err := g.runner.Run(dir, "git", "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(dir string) (string, error) {
	out, err := g.runner.Run(dir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return out, nil
}

// CurrentCommitSHA returns the full sha of HEAD.
func (g *Git) CurrentCommitSHA(dir string) (string, error) {
	out, err := g.runner.Run(dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("head sha: %w", err)
	}
	return out, nil
}

// HasUncommittedChanges reports whether the work tree is dirty, including
// untracked files.
func (g *Git) HasUncommittedChanges(dir string) (bool, error) {
	out, err := g.runner.Run(dir, "git", "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	return out != "", nil
}

// IsFileTracked reports whether path is known to the index.
func (g *Git) IsFileTracked(dir, path string) (bool, error) {
	out, err := g.runner.Run(dir, "git", "ls-files", "--error-unmatch", path)
	if err != nil {
		// ls-files exits non-zero for untracked paths; treat any failure
		// mentioning the path as "not tracked" rather than an error.
		return false, nil
	}
	return out != "", nil
}

// FileLastCommit returns the sha of the last commit touching path.
func (g *Git) FileLastCommit(dir, path string) (string, error) {
	out, err := g.runner.Run(dir, "git", "log", "-1", "--format=%H", "--", path)
	if err != nil {
		return "", fmt.Errorf("file last commit: %w", err)
	}
	return out, nil
}

// FileContentHash hashes the working-tree content of path. Used to detect
// whether a task's source location drifted since it was recorded.
func (g *Git) FileContentHash(dir, path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, path))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return util.ContentHash(data), nil
}

// LastCommitMessage returns the subject line of HEAD.
func (g *Git) LastCommitMessage(dir string) (string, error) {
	out, err := g.runner.Run(dir, "git", "log", "-1", "--format=%s")
	if err != nil {
		return "", fmt.Errorf("last commit message: %w", err)
	}
	return out, nil
}

// Push pushes branch to remote.
func (g *Git) Push(dir, remote, branch string) error {
	if _, err := g.runner.Run(dir, "git", "push", remote, branch); err != nil {
		return fmt.Errorf("push %s %s: %w", remote, branch, err)
	}
	return nil
}

// Fetch fetches refspec from remote into dir. Remote may be a remote name or
// a repository path, which is how workstream branches travel from clones back
// to the project repo.
func (g *Git) Fetch(dir, remote, refspec string) error {
	if _, err := g.runner.Run(dir, "git", "fetch", remote, refspec); err != nil {
		return fmt.Errorf("fetch %s %s: %w", remote, refspec, err)
	}
	return nil
}

// Clone clones src into dst checked out at branch. Dst must not exist.
func (g *Git) Clone(src, dst, branch string) error {
	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, src, dst)
	if _, err := g.runner.Run(filepath.Dir(dst), "git", args...); err != nil {
		return fmt.Errorf("clone %s: %w", src, err)
	}
	return nil
}

// CreateBranch creates a branch at base without checking it out. Base
// defaults to HEAD.
func (g *Git) CreateBranch(dir, name, base string) error {
	args := []string{"branch", name}
	if base != "" {
		args = append(args, base)
	}
	if _, err := g.runner.Run(dir, "git", args...); err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

// Checkout switches the work tree to ref.
func (g *Git) Checkout(dir, ref string) error {
	if _, err := g.runner.Run(dir, "git", "checkout", ref); err != nil {
		return fmt.Errorf("checkout %s: %w", ref, err)
	}
	return nil
}

// Merge merges branch into the current branch with a merge commit.
func (g *Git) Merge(dir, branch, message string) error {
	args := []string{"merge", "--no-ff", branch}
	if message != "" {
		args = append(args, "-m", message)
	}
	if _, err := g.runner.Run(dir, "git", args...); err != nil {
		return fmt.Errorf("merge %s: %w", branch, err)
	}
	return nil
}

// AbortMerge aborts an in-progress merge.
func (g *Git) AbortMerge(dir string) error {
	if _, err := g.runner.Run(dir, "git", "merge", "--abort"); err != nil {
		return fmt.Errorf("abort merge: %w", err)
	}
	return nil
}

// ResetHard resets the work tree to ref, discarding local changes.
func (g *Git) ResetHard(dir, ref string) error {
	if _, err := g.runner.Run(dir, "git", "reset", "--hard", ref); err != nil {
		return fmt.Errorf("reset to %s: %w", ref, err)
	}
	return nil
}

// DeleteBranch force-deletes a local branch.
func (g *Git) DeleteBranch(dir, name string) error {
	if _, err := g.runner.Run(dir, "git", "branch", "-D", name); err != nil {
		return fmt.Errorf("delete branch %s: %w", name, err)
	}
	return nil
}

// IsConflict reports whether a merge error is a content conflict rather than
// some other git failure.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "CONFLICT") ||
		strings.Contains(msg, "Automatic merge failed") ||
		strings.Contains(msg, "would be overwritten by merge")
}

// CommitCount returns the number of commits reachable from HEAD. Used by
// doctor output.
func (g *Git) CommitCount(dir string) (int, error) {
	out, err := g.runner.Run(dir, "git", "rev-list", "--count", "HEAD")
	if err != nil {
		return 0, fmt.Errorf("rev-list count: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse commit count %q: %w", out, err)
	}
	return n, nil
}
