package util

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestNormalizeProjectPath(t *testing.T) {
	dir := t.TempDir()

	got, err := NormalizeProjectPath(dir + string(filepath.Separator))
	if err != nil {
		t.Fatalf("NormalizeProjectPath failed: %v", err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	if got != want {
		t.Errorf("normalized = %q, want %q", got, want)
	}

	// Symlink resolves to the same identity.
	link := filepath.Join(t.TempDir(), "link")
	if err := os.Symlink(dir, link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}
	viaLink, err := NormalizeProjectPath(link)
	if err != nil {
		t.Fatalf("NormalizeProjectPath via symlink failed: %v", err)
	}
	if viaLink != got {
		t.Errorf("symlink identity = %q, want %q", viaLink, got)
	}

	if _, err := NormalizeProjectPath(""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestNormalizeProjectPath_Missing(t *testing.T) {
	// Deleted directories still normalize so prune can match them.
	got, err := NormalizeProjectPath("/nonexistent/project/dir/")
	if err != nil {
		t.Fatalf("NormalizeProjectPath failed: %v", err)
	}
	if got != "/nonexistent/project/dir" {
		t.Errorf("normalized = %q", got)
	}
}

func TestNewSequentialID_Monotonic(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = NewSequentialID()
	}

	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("ids not monotonic at index %d: %s", i, ids[i])
		}
	}

	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestProjectHash_Stable(t *testing.T) {
	a := ProjectHash("/home/alice/project")
	b := ProjectHash("/home/alice/project")
	if a != b {
		t.Errorf("hash not stable: %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d, want 16", len(a))
	}
	if a == ProjectHash("/home/alice/other") {
		t.Error("distinct paths hash equal")
	}
}

func TestAtomicWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "file.txt")

	if err := AtomicWriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q", data)
	}

	// Overwrite is atomic too.
	if err := AtomicWriteFile(path, []byte("world"), 0644); err != nil {
		t.Fatalf("AtomicWriteFile overwrite failed: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "world" {
		t.Errorf("content after overwrite = %q", data)
	}
}
