package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ProjectStats holds per-status task counts synced by runners.
type ProjectStats struct {
	Pending    int
	InProgress int
	Review     int
	Completed  int
}

// Project is a registered project. Identity is the normalized absolute path.
type Project struct {
	Path         string
	Name         string
	Enabled      bool
	RegisteredAt time.Time
	LastSeenAt   time.Time
	Stats        ProjectStats
}

// RegisterProject registers a project, or refreshes last_seen_at if it is
// already registered. Registration is idempotent: a second register leaves
// every field but last_seen_at unchanged.
func (r *Registry) RegisterProject(path, name string) (*Project, error) {
	now := formatTime(r.now())
	_, err := r.db.Exec(`
		INSERT INTO projects (path, name, enabled, registered_at, last_seen_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(path) DO UPDATE SET last_seen_at = excluded.last_seen_at
	`, path, nullString(name), now, now)
	if err != nil {
		return nil, fmt.Errorf("register project %s: %w", path, err)
	}
	return r.GetProject(path)
}

// UnregisterProject removes a project from the registry.
func (r *Registry) UnregisterProject(path string) error {
	res, err := r.db.Exec("DELETE FROM projects WHERE path = ?", path)
	if err != nil {
		return fmt.Errorf("unregister project %s: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", path, ErrNotFound)
	}
	return nil
}

// SetProjectEnabled flips the enabled flag. Disable stops wakeup from
// starting runners and makes running loops terminate cleanly.
func (r *Registry) SetProjectEnabled(path string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := r.db.Exec("UPDATE projects SET enabled = ? WHERE path = ?", v, path)
	if err != nil {
		return fmt.Errorf("set project enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", path, ErrNotFound)
	}
	return nil
}

// GetProject retrieves a project by normalized path.
func (r *Registry) GetProject(path string) (*Project, error) {
	row := r.db.QueryRow(`
		SELECT path, name, enabled, registered_at, last_seen_at,
		       pending, in_progress, review, completed
		FROM projects WHERE path = ?
	`, path)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", path, ErrNotFound)
	}
	return p, err
}

// ListProjects returns all registered projects ordered by path.
func (r *Registry) ListProjects() ([]*Project, error) {
	rows, err := r.db.Query(`
		SELECT path, name, enabled, registered_at, last_seen_at,
		       pending, in_progress, review, completed
		FROM projects ORDER BY path
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return projects, nil
}

// TouchProject updates last_seen_at and syncs task counts, called from the
// runner heartbeat tick.
func (r *Registry) TouchProject(path string, stats ProjectStats) error {
	_, err := r.db.Exec(`
		UPDATE projects
		SET last_seen_at = ?, pending = ?, in_progress = ?, review = ?, completed = ?
		WHERE path = ?
	`, formatTime(r.now()), stats.Pending, stats.InProgress, stats.Review, stats.Completed, path)
	if err != nil {
		return fmt.Errorf("touch project %s: %w", path, err)
	}
	return nil
}

// PruneProjects removes projects whose directory or project store is gone,
// as reported by missing. Returns the pruned paths.
func (r *Registry) PruneProjects(missing func(path string) bool) ([]string, error) {
	projects, err := r.ListProjects()
	if err != nil {
		return nil, err
	}

	var pruned []string
	for _, p := range projects {
		if !missing(p.Path) {
			continue
		}
		if err := r.UnregisterProject(p.Path); err != nil {
			return pruned, err
		}
		pruned = append(pruned, p.Path)
	}
	return pruned, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var name sql.NullString
	var enabled int
	var registeredAt string
	var lastSeenAt sql.NullString
	if err := row.Scan(&p.Path, &name, &enabled, &registeredAt, &lastSeenAt,
		&p.Stats.Pending, &p.Stats.InProgress, &p.Stats.Review, &p.Stats.Completed); err != nil {
		return nil, err
	}
	p.Name = name.String
	p.Enabled = enabled != 0
	p.RegisteredAt = parseTime(registeredAt)
	p.LastSeenAt = parseTime(lastSeenAt.String)
	return &p, nil
}
