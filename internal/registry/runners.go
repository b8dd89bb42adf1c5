package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steroids-dev/steroids/internal/db"
)

// RunnerStatus represents the lifecycle state of a runner row.
type RunnerStatus string

const (
	RunnerIdle     RunnerStatus = "idle"
	RunnerRunning  RunnerStatus = "running"
	RunnerStopping RunnerStatus = "stopping"
)

// DefaultFreshness is the heartbeat window within which a runner counts as
// active for the single-runner invariant.
const DefaultFreshness = 5 * time.Minute

// Runner is a registered runner process.
type Runner struct {
	ID                string
	Status            RunnerStatus
	PID               int
	ProjectPath       string
	SectionID         string
	ParallelSessionID string
	CurrentTaskID     string
	StartedAt         time.Time
	HeartbeatAt       time.Time
}

// Fresh reports whether the runner heartbeat is within the freshness window
// as of now.
func (r *Runner) Fresh(now time.Time, freshness time.Duration) bool {
	return now.Sub(r.HeartbeatAt) <= freshness
}

// CreateRunner inserts a runner row. For non-parallel runners the
// single-runner invariant is enforced inside the transaction: if another
// runner for the same project has a fresh heartbeat and no parallel-session
// attachment, ErrRunnerActive is returned.
func (r *Registry) CreateRunner(runner *Runner) error {
	now := r.now()
	runner.StartedAt = now
	runner.HeartbeatAt = now
	if runner.Status == "" {
		runner.Status = RunnerIdle
	}

	return r.db.RunInTx(context.Background(), func(tx *db.TxOps) error {
		if runner.ParallelSessionID == "" && runner.ProjectPath != "" {
			cutoff := formatTime(now.Add(-DefaultFreshness))
			var existing string
			err := tx.QueryRow(`
				SELECT id FROM runners
				WHERE project_path = ? AND parallel_session_id IS NULL AND heartbeat_at > ?
				LIMIT 1
			`, runner.ProjectPath, cutoff).Scan(&existing)
			if err == nil {
				return fmt.Errorf("project %s held by runner %s: %w", runner.ProjectPath, existing, ErrRunnerActive)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("check active runner: %w", err)
			}
		}

		_, err := tx.Exec(`
			INSERT INTO runners (id, status, pid, project_path, section_id,
			                     parallel_session_id, current_task_id, started_at, heartbeat_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, runner.ID, string(runner.Status), runner.PID, nullString(runner.ProjectPath),
			nullString(runner.SectionID), nullString(runner.ParallelSessionID),
			nullString(runner.CurrentTaskID), formatTime(runner.StartedAt), formatTime(runner.HeartbeatAt))
		if err != nil {
			return fmt.Errorf("insert runner: %w", err)
		}
		return nil
	})
}

// UpdateHeartbeat refreshes heartbeat_at and the current task reference.
func (r *Registry) UpdateHeartbeat(runnerID, currentTaskID string) error {
	_, err := r.db.Exec(`
		UPDATE runners SET heartbeat_at = ?, current_task_id = ? WHERE id = ?
	`, formatTime(r.now()), nullString(currentTaskID), runnerID)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// SetRunnerStatus updates the runner lifecycle status.
func (r *Registry) SetRunnerStatus(runnerID string, status RunnerStatus) error {
	_, err := r.db.Exec("UPDATE runners SET status = ? WHERE id = ?", string(status), runnerID)
	if err != nil {
		return fmt.Errorf("set runner status: %w", err)
	}
	return nil
}

// DeleteRunner removes a runner row. Deleting an absent row is not an error
// so shutdown stays idempotent.
func (r *Registry) DeleteRunner(runnerID string) error {
	if _, err := r.db.Exec("DELETE FROM runners WHERE id = ?", runnerID); err != nil {
		return fmt.Errorf("delete runner: %w", err)
	}
	return nil
}

// GetRunner retrieves a runner by id.
func (r *Registry) GetRunner(runnerID string) (*Runner, error) {
	row := r.db.QueryRow(selectRunners+" WHERE id = ?", runnerID)
	runner, err := scanRunner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("runner %s: %w", runnerID, ErrNotFound)
	}
	return runner, err
}

// ListRunners returns all runner rows ordered by start time.
func (r *Registry) ListRunners() ([]*Runner, error) {
	return r.queryRunners(selectRunners + " ORDER BY started_at")
}

// ListRunnersForProject returns runner rows for a project.
func (r *Registry) ListRunnersForProject(projectPath string) ([]*Runner, error) {
	return r.queryRunners(selectRunners+" WHERE project_path = ? ORDER BY started_at", projectPath)
}

// ListRunnersForSession returns runner rows attached to a parallel session.
func (r *Registry) ListRunnersForSession(sessionID string) ([]*Runner, error) {
	return r.queryRunners(selectRunners+" WHERE parallel_session_id = ? ORDER BY started_at", sessionID)
}

// ActiveRunnerForProject returns the runner holding the project, if any:
// fresh heartbeat, no parallel-session attachment.
func (r *Registry) ActiveRunnerForProject(projectPath string, freshness time.Duration) (*Runner, error) {
	cutoff := formatTime(r.now().Add(-freshness))
	row := r.db.QueryRow(selectRunners+`
		WHERE project_path = ? AND parallel_session_id IS NULL AND heartbeat_at > ?
		ORDER BY started_at LIMIT 1
	`, projectPath, cutoff)
	runner, err := scanRunner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return runner, err
}

// StaleRunners returns runners whose heartbeat is strictly older than the
// threshold. A heartbeat exactly at the threshold is not stale.
func (r *Registry) StaleRunners(threshold time.Duration) ([]*Runner, error) {
	cutoff := formatTime(r.now().Add(-threshold))
	return r.queryRunners(selectRunners+" WHERE heartbeat_at < ? ORDER BY started_at", cutoff)
}

const selectRunners = `
	SELECT id, status, pid, project_path, section_id, parallel_session_id,
	       current_task_id, started_at, heartbeat_at
	FROM runners`

func (r *Registry) queryRunners(query string, args ...any) ([]*Runner, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runners: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runners []*Runner
	for rows.Next() {
		runner, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		runners = append(runners, runner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runners: %w", err)
	}
	return runners, nil
}

func scanRunner(row rowScanner) (*Runner, error) {
	var runner Runner
	var status, startedAt, heartbeatAt string
	var pid sql.NullInt64
	var projectPath, sectionID, sessionID, taskID sql.NullString
	if err := row.Scan(&runner.ID, &status, &pid, &projectPath, &sectionID,
		&sessionID, &taskID, &startedAt, &heartbeatAt); err != nil {
		return nil, err
	}
	runner.Status = RunnerStatus(status)
	runner.PID = int(pid.Int64)
	runner.ProjectPath = projectPath.String
	runner.SectionID = sectionID.String
	runner.ParallelSessionID = sessionID.String
	runner.CurrentTaskID = taskID.String
	runner.StartedAt = parseTime(startedAt)
	runner.HeartbeatAt = parseTime(heartbeatAt)
	return &runner, nil
}
