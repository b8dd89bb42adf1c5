package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/steroids-dev/steroids/internal/db/driver"
)

func TestOpenAndMigrate(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, ".steroids", "steroids.db")

	d, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = d.Close() }()

	if err := d.Migrate("global"); err != nil {
		t.Fatalf("Migrate global failed: %v", err)
	}

	// Re-running migrations is a no-op.
	if err := d.Migrate("global"); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	var count int
	row := d.QueryRow("SELECT COUNT(*) FROM projects")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("query projects: %v", err)
	}
	if count != 0 {
		t.Errorf("projects count = %d, want 0", count)
	}
}

func TestMigrateProject(t *testing.T) {
	d, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	defer func() { _ = d.Close() }()

	if err := d.Migrate("project"); err != nil {
		t.Fatalf("Migrate project failed: %v", err)
	}

	if _, err := d.Exec("SELECT id, status, rejection_count FROM tasks"); err != nil {
		t.Fatalf("tasks table missing: %v", err)
	}
	if _, err := d.Exec("SELECT section_id, depends_on FROM section_deps"); err != nil {
		t.Fatalf("section_deps table missing: %v", err)
	}
}

func TestRunInTx_Rollback(t *testing.T) {
	d, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	defer func() { _ = d.Close() }()

	if err := d.Migrate("global"); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	boom := errors.New("boom")
	err = d.RunInTx(context.Background(), func(tx *TxOps) error {
		if _, err := tx.Exec(
			"INSERT INTO projects (path, registered_at) VALUES (?, ?)",
			"/p", "2026-01-01T00:00:00.000Z",
		); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunInTx error = %v, want boom", err)
	}

	var count int
	if err := d.QueryRow("SELECT COUNT(*) FROM projects").Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 0 {
		t.Errorf("insert survived rollback, count = %d", count)
	}
}

func TestDialectFromDSN(t *testing.T) {
	cases := []struct {
		dsn  string
		want driver.Dialect
	}{
		{"/home/alice/.steroids/steroids.db", driver.DialectSQLite},
		{":memory:", driver.DialectSQLite},
		{"postgres://steroids:pw@db.internal:5432/steroids", driver.DialectPostgres},
		{"postgresql://db.internal/steroids", driver.DialectPostgres},
		{"host=db.internal dbname=steroids sslmode=disable", driver.DialectPostgres},
	}
	for _, tc := range cases {
		if got := DialectFromDSN(tc.dsn); got != tc.want {
			t.Errorf("DialectFromDSN(%q) = %s, want %s", tc.dsn, got, tc.want)
		}
	}
}
