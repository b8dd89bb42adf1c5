package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/steroids-dev/steroids/internal/util"
)

// Section is a named, ordered grouping of tasks with optional dependencies
// and a skip flag.
type Section struct {
	ID        string
	Name      string
	Position  int
	Priority  int
	Skipped   bool
	DependsOn []string
}

// CreateSection inserts a section. Position defaults to one past the current
// maximum when negative.
func (s *Store) CreateSection(name string, position, priority int) (*Section, error) {
	if name == "" {
		return nil, fmt.Errorf("section name required: %w", ErrValidation)
	}

	if position < 0 {
		var maxPos sql.NullInt64
		if err := s.db.QueryRow("SELECT MAX(position) FROM sections").Scan(&maxPos); err != nil {
			return nil, fmt.Errorf("max section position: %w", err)
		}
		position = int(maxPos.Int64) + 1
	}

	sec := &Section{ID: util.NewID(), Name: name, Position: position, Priority: priority}
	_, err := s.db.Exec(`
		INSERT INTO sections (id, name, position, priority, skipped)
		VALUES (?, ?, ?, ?, 0)
	`, sec.ID, sec.Name, sec.Position, sec.Priority)
	if err != nil {
		return nil, fmt.Errorf("create section %s: %w", name, err)
	}
	return sec, nil
}

// GetSection retrieves a section with its dependencies.
func (s *Store) GetSection(sectionID string) (*Section, error) {
	row := s.db.QueryRow(
		"SELECT id, name, position, priority, skipped FROM sections WHERE id = ?", sectionID)
	sec, err := scanSection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("section %s: %w", sectionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if sec.DependsOn, err = s.sectionDeps(sec.ID); err != nil {
		return nil, err
	}
	return sec, nil
}

// GetSectionByName retrieves a section by its unique name.
func (s *Store) GetSectionByName(name string) (*Section, error) {
	row := s.db.QueryRow(
		"SELECT id, name, position, priority, skipped FROM sections WHERE name = ?", name)
	sec, err := scanSection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("section %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if sec.DependsOn, err = s.sectionDeps(sec.ID); err != nil {
		return nil, err
	}
	return sec, nil
}

// ListSections returns all sections in selection order (position, priority,
// name) with dependencies populated.
func (s *Store) ListSections() ([]*Section, error) {
	rows, err := s.db.Query(
		"SELECT id, name, position, priority, skipped FROM sections ORDER BY position, priority, name")
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sections []*Section
	for rows.Next() {
		sec, err := scanSection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		sections = append(sections, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, sec := range sections {
		if sec.DependsOn, err = s.sectionDeps(sec.ID); err != nil {
			return nil, err
		}
	}
	return sections, nil
}

// SetSectionSkipped flips the skip flag. Skipped sections are excluded from
// selection.
func (s *Store) SetSectionSkipped(sectionID string, skipped bool) error {
	v := 0
	if skipped {
		v = 1
	}
	res, err := s.db.Exec("UPDATE sections SET skipped = ? WHERE id = ?", v, sectionID)
	if err != nil {
		return fmt.Errorf("set section skipped: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("section %s: %w", sectionID, ErrNotFound)
	}
	return nil
}

// AddSectionDependency adds an edge sectionID → dependsOn. The dependency
// graph must stay acyclic; an edge that would close a cycle is rejected.
func (s *Store) AddSectionDependency(sectionID, dependsOn string) error {
	if sectionID == dependsOn {
		return fmt.Errorf("section cannot depend on itself: %w", ErrValidation)
	}
	for _, id := range []string{sectionID, dependsOn} {
		if _, err := s.GetSection(id); err != nil {
			return err
		}
	}

	// Reject the edge if dependsOn already reaches sectionID.
	reachable, err := s.reaches(dependsOn, sectionID)
	if err != nil {
		return err
	}
	if reachable {
		return fmt.Errorf("dependency cycle between %s and %s: %w", sectionID, dependsOn, ErrValidation)
	}

	_, err = s.db.Exec(`
		INSERT INTO section_deps (section_id, depends_on) VALUES (?, ?)
		ON CONFLICT(section_id, depends_on) DO NOTHING
	`, sectionID, dependsOn)
	if err != nil {
		return fmt.Errorf("add section dependency: %w", err)
	}
	return nil
}

// reaches reports whether to is reachable from from over dependency edges.
func (s *Store) reaches(from, to string) (bool, error) {
	visited := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true, nil
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true

		deps, err := s.sectionDeps(cur)
		if err != nil {
			return false, err
		}
		stack = append(stack, deps...)
	}
	return false, nil
}

func (s *Store) sectionDeps(sectionID string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT depends_on FROM section_deps WHERE section_id = ? ORDER BY depends_on", sectionID)
	if err != nil {
		return nil, fmt.Errorf("section deps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func scanSection(row rowScanner) (*Section, error) {
	var sec Section
	var skipped int
	if err := row.Scan(&sec.ID, &sec.Name, &sec.Position, &sec.Priority, &skipped); err != nil {
		return nil, err
	}
	sec.Skipped = skipped != 0
	return &sec, nil
}
