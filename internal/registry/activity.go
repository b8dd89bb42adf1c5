package registry

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/steroids-dev/steroids/internal/util"
)

// ActivityKind classifies a terminal task event.
type ActivityKind string

const (
	ActivityCompleted ActivityKind = "completed"
	ActivityFailed    ActivityKind = "failed"
	ActivityDisputed  ActivityKind = "disputed"
	ActivitySkipped   ActivityKind = "skipped"
	ActivityPartial   ActivityKind = "partial"
)

// ActivityEvent is one append-only row in the global activity log.
type ActivityEvent struct {
	ID            string
	ProjectPath   string
	RunnerID      string
	TaskID        string
	TaskTitle     string
	SectionName   string
	Kind          ActivityKind
	CommitMessage string
	CommitSHA     string
	At            time.Time
}

// AppendActivity records a terminal task event. IDs are sequential so
// `ORDER BY id` is globally consistent even under equal timestamps.
func (r *Registry) AppendActivity(ev *ActivityEvent) error {
	if ev.ID == "" {
		ev.ID = util.NewSequentialID()
	}
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	_, err := r.db.Exec(`
		INSERT INTO activity_log (id, project_path, runner_id, task_id, task_title,
		                          section_name, kind, commit_message, commit_sha, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.ProjectPath, nullString(ev.RunnerID), ev.TaskID, ev.TaskTitle,
		nullString(ev.SectionName), string(ev.Kind), nullString(ev.CommitMessage),
		nullString(ev.CommitSHA), formatTime(ev.At))
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// ListActivity returns the most recent events for a project, newest first.
// An empty projectPath lists across all projects.
func (r *Registry) ListActivity(projectPath string, limit int) ([]*ActivityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, project_path, runner_id, task_id, task_title, section_name,
		       kind, commit_message, commit_sha, at
		FROM activity_log`
	args := []any{}
	if projectPath != "" {
		query += " WHERE project_path = ?"
		args = append(args, projectPath)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*ActivityEvent
	for rows.Next() {
		var ev ActivityEvent
		var runnerID, sectionName, commitMessage, commitSHA sql.NullString
		var kind, at string
		if err := rows.Scan(&ev.ID, &ev.ProjectPath, &runnerID, &ev.TaskID, &ev.TaskTitle,
			&sectionName, &kind, &commitMessage, &commitSHA, &at); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		ev.RunnerID = runnerID.String
		ev.SectionName = sectionName.String
		ev.Kind = ActivityKind(kind)
		ev.CommitMessage = commitMessage.String
		ev.CommitSHA = commitSHA.String
		ev.At = parseTime(at)
		events = append(events, &ev)
	}
	return events, rows.Err()
}
