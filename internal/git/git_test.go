package git

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsRepo(t *testing.T) {
	r := NewFakeRunner()
	g := New(r)

	r.Respond("git rev-parse --is-inside-work-tree", "true")
	if !g.IsRepo("/repo") {
		t.Error("IsRepo = false for work tree")
	}

	r2 := NewFakeRunner()
	r2.Fail("git rev-parse", "fatal: not a git repository")
	if New(r2).IsRepo("/tmp") {
		t.Error("IsRepo = true outside work tree")
	}
}

func TestHasUncommittedChanges(t *testing.T) {
	r := NewFakeRunner()
	g := New(r)

	dirty, err := g.HasUncommittedChanges("/repo")
	if err != nil {
		t.Fatalf("HasUncommittedChanges failed: %v", err)
	}
	if dirty {
		t.Error("clean tree reported dirty")
	}

	r.Respond("git status --porcelain", " M main.go\n?? new.go")
	dirty, err = g.HasUncommittedChanges("/repo")
	if err != nil {
		t.Fatal(err)
	}
	if !dirty {
		t.Error("dirty tree reported clean")
	}
}

func TestPushAndMergeCommands(t *testing.T) {
	r := NewFakeRunner()
	g := New(r)

	if err := g.Push("/repo", "origin", "main"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if !r.Ran("git push origin main") {
		t.Errorf("push not issued: %v", r.Commands)
	}

	if err := g.Merge("/repo", "ws-1", "merge workstream ws-1"); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if !r.Ran("git merge --no-ff ws-1 -m merge workstream ws-1") {
		t.Errorf("merge not issued: %v", r.Commands)
	}

	r.Fail("git merge --abort", "fatal: no merge to abort")
	if err := g.AbortMerge("/repo"); err == nil {
		t.Error("AbortMerge should surface failure")
	}
}

func TestMergeConflictSurfacesError(t *testing.T) {
	r := NewFakeRunner()
	r.Fail("git merge", "CONFLICT (content): merge conflict in main.go")
	g := New(r)

	err := g.Merge("/repo", "ws-2", "")
	if err == nil {
		t.Fatal("conflicting merge returned nil error")
	}
}

func TestIsFileTrackedUntrackedIsNotError(t *testing.T) {
	r := NewFakeRunner()
	r.Fail("git ls-files", "error: pathspec did not match")
	g := New(r)

	tracked, err := g.IsFileTracked("/repo", "missing.go")
	if err != nil {
		t.Fatalf("untracked path errored: %v", err)
	}
	if tracked {
		t.Error("untracked path reported tracked")
	}
}

func TestFileContentHash(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.md"), []byte("- [ ] do the thing\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	g := New(NewFakeRunner())

	h1, err := g.FileContentHash(dir, "a.md")
	if err != nil {
		t.Fatalf("FileContentHash failed: %v", err)
	}
	h2, _ := g.FileContentHash(dir, "a.md")
	if h1 != h2 || h1 == "" {
		t.Errorf("hash not stable: %q vs %q", h1, h2)
	}

	if _, err := g.FileContentHash(dir, "nope.md"); err == nil {
		t.Error("missing file should error")
	}
}

func TestCommitCount(t *testing.T) {
	r := NewFakeRunner()
	r.Respond("git rev-list --count HEAD", "42")
	n, err := New(r).CommitCount("/repo")
	if err != nil {
		t.Fatalf("CommitCount failed: %v", err)
	}
	if n != 42 {
		t.Errorf("count = %d, want 42", n)
	}
}
