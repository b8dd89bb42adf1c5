package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steroids-dev/steroids/internal/util"
)

// Task is a unit of work flowing through the coder/reviewer lifecycle.
type Task struct {
	ID              string
	Title           string
	SectionID       string
	Status          Status
	RejectionCount  int
	SourceFile      string
	FilePath        string
	FileLine        int
	FileCommitSHA   string
	FileContentHash string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate checks task field invariants.
func (t *Task) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("task title required: %w", ErrValidation)
	}
	if t.RejectionCount < 0 || t.RejectionCount > MaxRejections {
		return fmt.Errorf("rejection_count %d out of range: %w", t.RejectionCount, ErrValidation)
	}
	if t.Status == StatusFailed && t.RejectionCount < MaxRejections {
		return fmt.Errorf("failed task requires rejection_count >= %d: %w", MaxRejections, ErrValidation)
	}
	if t.FileLine != 0 && t.FilePath == "" {
		return fmt.Errorf("file_line requires file_path: %w", ErrValidation)
	}
	if t.FilePath != "" && (t.FileCommitSHA == "" || t.FileContentHash == "") {
		return fmt.Errorf("file_path requires file_commit_sha and file_content_hash: %w", ErrValidation)
	}
	return nil
}

// CreateTask inserts a new pending task.
func (s *Store) CreateTask(t *Task) error {
	if t.ID == "" {
		t.ID = util.NewID()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if t.SectionID != "" {
		if _, err := s.GetSection(t.SectionID); err != nil {
			return err
		}
	}

	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, title, section_id, status, rejection_count,
		                   source_file, file_path, file_line, file_commit_sha,
		                   file_content_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Title, nullString(t.SectionID), string(t.Status), t.RejectionCount,
		nullString(t.SourceFile), nullString(t.FilePath), nullInt(t.FileLine),
		nullString(t.FileCommitSHA), nullString(t.FileContentHash),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(taskID string) (*Task, error) {
	row := s.db.QueryRow(selectTasks+" WHERE id = ?", taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return t, err
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Statuses  []Status
	SectionID string
	Search    string
}

// ListTasks returns tasks matching the filter in selector order: status
// bucket, then section position/priority, creation time, id.
func (s *Store) ListTasks(filter TaskFilter) ([]*Task, error) {
	query := selectTasks + `
		LEFT JOIN sections sec ON sec.id = t.section_id
		WHERE 1=1`
	var args []any

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND t.status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if filter.SectionID != "" {
		query += " AND t.section_id = ?"
		args = append(args, filter.SectionID)
	}
	if filter.Search != "" {
		query += " AND t.title LIKE ?"
		args = append(args, "%"+filter.Search+"%")
	}

	query += " ORDER BY " + statusBucketExpr + `,
		COALESCE(sec.position, 1000000),
		COALESCE(sec.priority, 1000000),
		t.created_at, t.id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// statusBucketExpr orders review before in_progress before pending; all
// terminal statuses sort last. Shared with the selector for consistency.
const statusBucketExpr = `CASE t.status
		WHEN 'review' THEN 0
		WHEN 'in_progress' THEN 1
		WHEN 'pending' THEN 2
		ELSE 3 END`

// StatusCounts holds per-status task counts for the project stats sync.
type StatusCounts struct {
	Pending    int
	InProgress int
	Review     int
	Completed  int
}

// CountsByStatus returns task counts for the project stats sync.
func (s *Store) CountsByStatus() (StatusCounts, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return StatusCounts{}, fmt.Errorf("count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats StatusCounts
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		switch Status(status) {
		case StatusPending:
			stats.Pending = count
		case StatusInProgress:
			stats.InProgress = count
		case StatusReview:
			stats.Review = count
		case StatusCompleted:
			stats.Completed = count
		}
	}
	return stats, rows.Err()
}

// HasWork reports whether any pending, in_progress or review task exists.
func (s *Store) HasWork() (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM tasks WHERE status IN ('pending', 'in_progress', 'review')
	`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count open tasks: %w", err)
	}
	return count > 0, nil
}

const selectTasks = `
	SELECT t.id, t.title, t.section_id, t.status, t.rejection_count,
	       t.source_file, t.file_path, t.file_line, t.file_commit_sha,
	       t.file_content_hash, t.created_at, t.updated_at
	FROM tasks t`

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var sectionID, sourceFile, filePath, fileCommitSHA, fileContentHash sql.NullString
	var fileLine sql.NullInt64
	var status, createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.Title, &sectionID, &status, &t.RejectionCount,
		&sourceFile, &filePath, &fileLine, &fileCommitSHA, &fileContentHash,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.SectionID = sectionID.String
	t.Status = Status(status)
	t.SourceFile = sourceFile.String
	t.FilePath = filePath.String
	t.FileLine = int(fileLine.Int64)
	t.FileCommitSHA = fileCommitSHA.String
	t.FileContentHash = fileContentHash.String
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}
