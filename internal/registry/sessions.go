package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steroids-dev/steroids/internal/db"
	"github.com/steroids-dev/steroids/internal/util"
)

// SessionStatus represents the lifecycle state of a parallel session.
type SessionStatus string

const (
	SessionPlanning  SessionStatus = "planning"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionAborted   SessionStatus = "aborted"
)

// Terminal reports whether the session status is final.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionAborted
}

// WorkstreamStatus represents the lifecycle state of a workstream.
type WorkstreamStatus string

const (
	WorkstreamPending   WorkstreamStatus = "pending"
	WorkstreamRunning   WorkstreamStatus = "running"
	WorkstreamCompleted WorkstreamStatus = "completed"
	WorkstreamFailed    WorkstreamStatus = "failed"
	WorkstreamAborted   WorkstreamStatus = "aborted"
)

// ParallelSession fans a project's work out across workstreams.
type ParallelSession struct {
	ID          string
	ProjectPath string
	Status      SessionStatus
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Workstream is one partition of a parallel session: a set of sections bound
// to a branch and a workspace clone, leased to at most one runner at a time.
type Workstream struct {
	ID              string
	SessionID       string
	BranchName      string
	SectionIDs      []string
	ClonePath       string
	Status          WorkstreamStatus
	RunnerID        string
	LeaseExpiresAt  time.Time
	CompletionOrder int
	CreatedAt       time.Time
	CompletedAt     time.Time
}

// CreateSession inserts a new session in planning state.
func (r *Registry) CreateSession(projectPath string) (*ParallelSession, error) {
	s := &ParallelSession{
		ID:          util.NewID(),
		ProjectPath: projectPath,
		Status:      SessionPlanning,
		CreatedAt:   r.now(),
	}
	_, err := r.db.Exec(`
		INSERT INTO parallel_sessions (id, project_path, status, created_at)
		VALUES (?, ?, ?, ?)
	`, s.ID, s.ProjectPath, string(s.Status), formatTime(s.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// UpdateSessionStatus moves a session to a new status, stamping completed_at
// for terminal states.
func (r *Registry) UpdateSessionStatus(sessionID string, status SessionStatus) error {
	var completedAt any
	if status.Terminal() {
		completedAt = formatTime(r.now())
	}
	res, err := r.db.Exec(`
		UPDATE parallel_sessions SET status = ?, completed_at = ? WHERE id = ?
	`, string(status), completedAt, sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// GetSession retrieves a session by id.
func (r *Registry) GetSession(sessionID string) (*ParallelSession, error) {
	row := r.db.QueryRow(`
		SELECT id, project_path, status, created_at, completed_at
		FROM parallel_sessions WHERE id = ?
	`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return s, err
}

// ActiveSessionForProject returns the project's non-terminal session, if any.
func (r *Registry) ActiveSessionForProject(projectPath string) (*ParallelSession, error) {
	row := r.db.QueryRow(`
		SELECT id, project_path, status, created_at, completed_at
		FROM parallel_sessions
		WHERE project_path = ? AND status IN ('planning', 'running')
		ORDER BY created_at DESC LIMIT 1
	`, projectPath)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListSessionsForProject returns all sessions for a project, newest first.
func (r *Registry) ListSessionsForProject(projectPath string) ([]*ParallelSession, error) {
	rows, err := r.db.Query(`
		SELECT id, project_path, status, created_at, completed_at
		FROM parallel_sessions WHERE project_path = ? ORDER BY created_at DESC
	`, projectPath)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*ParallelSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// CreateWorkstream inserts a workstream row in pending state.
func (r *Registry) CreateWorkstream(w *Workstream) error {
	if w.ID == "" {
		w.ID = util.NewID()
	}
	w.Status = WorkstreamPending
	w.CreatedAt = r.now()
	_, err := r.db.Exec(`
		INSERT INTO workstreams (id, session_id, branch_name, section_ids,
		                         clone_path, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.SessionID, w.BranchName, strings.Join(w.SectionIDs, ","),
		w.ClonePath, string(w.Status), formatTime(w.CreatedAt))
	if err != nil {
		return fmt.Errorf("create workstream: %w", err)
	}
	return nil
}

// GetWorkstream retrieves a workstream by id.
func (r *Registry) GetWorkstream(workstreamID string) (*Workstream, error) {
	row := r.db.QueryRow(selectWorkstreams+" WHERE id = ?", workstreamID)
	w, err := scanWorkstream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workstream %s: %w", workstreamID, ErrNotFound)
	}
	return w, err
}

// ListWorkstreamsForSession returns a session's workstreams in creation
// order.
func (r *Registry) ListWorkstreamsForSession(sessionID string) ([]*Workstream, error) {
	rows, err := r.db.Query(selectWorkstreams+" WHERE session_id = ? ORDER BY created_at, id", sessionID)
	if err != nil {
		return nil, fmt.Errorf("list workstreams: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workstreams []*Workstream
	for rows.Next() {
		w, err := scanWorkstream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workstream: %w", err)
		}
		workstreams = append(workstreams, w)
	}
	return workstreams, rows.Err()
}

// AcquireWorkstreamLease attempts to lease a workstream for a runner with the
// given TTL. The conditional update succeeds when the lease is free, expired,
// or already held by the same runner (refresh). Returns ErrLeaseHeld when
// another runner holds a live lease.
func (r *Registry) AcquireWorkstreamLease(workstreamID, runnerID string, ttl time.Duration) error {
	now := r.now()
	res, err := r.db.Exec(`
		UPDATE workstreams
		SET runner_id = ?, lease_expires_at = ?, status = ?
		WHERE id = ?
		  AND (runner_id IS NULL OR runner_id = ? OR lease_expires_at <= ?)
	`, runnerID, formatTime(now.Add(ttl)), string(WorkstreamRunning),
		workstreamID, runnerID, formatTime(now))
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workstream %s: %w", workstreamID, ErrLeaseHeld)
	}
	return nil
}

// ReleaseWorkstreamLease clears the lease when held by runnerID.
func (r *Registry) ReleaseWorkstreamLease(workstreamID, runnerID string) error {
	_, err := r.db.Exec(`
		UPDATE workstreams SET runner_id = NULL, lease_expires_at = NULL
		WHERE id = ? AND runner_id = ?
	`, workstreamID, runnerID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// ReleaseExpiredLeases clears leases on running workstreams whose expiry is
// at or before now. Returns the number of leases released.
func (r *Registry) ReleaseExpiredLeases() (int, error) {
	res, err := r.db.Exec(`
		UPDATE workstreams SET runner_id = NULL, lease_expires_at = NULL
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
	`, string(WorkstreamRunning), formatTime(r.now()))
	if err != nil {
		return 0, fmt.Errorf("release expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReleaseLeasesHeldBy clears every lease held by a runner, used when the
// runner is reaped.
func (r *Registry) ReleaseLeasesHeldBy(runnerID string) error {
	_, err := r.db.Exec(`
		UPDATE workstreams SET runner_id = NULL, lease_expires_at = ?
		WHERE runner_id = ?
	`, formatTime(r.now()), runnerID)
	if err != nil {
		return fmt.Errorf("release leases for runner %s: %w", runnerID, err)
	}
	return nil
}

// SetWorkstreamStatus updates a workstream's status without touching the
// lease.
func (r *Registry) SetWorkstreamStatus(workstreamID string, status WorkstreamStatus) error {
	_, err := r.db.Exec("UPDATE workstreams SET status = ? WHERE id = ?", string(status), workstreamID)
	if err != nil {
		return fmt.Errorf("set workstream status: %w", err)
	}
	return nil
}

// CompleteWorkstream marks a workstream completed, assigns the next
// completion order within its session, releases the lease, and reports
// whether any sibling workstream is still running. The caller that observes
// remaining == 0 becomes the merger.
func (r *Registry) CompleteWorkstream(workstreamID string) (order int, remaining int, err error) {
	err = r.db.RunInTx(context.Background(), func(tx *db.TxOps) error {
		var sessionID string
		if err := tx.QueryRow("SELECT session_id FROM workstreams WHERE id = ?", workstreamID).
			Scan(&sessionID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("workstream %s: %w", workstreamID, ErrNotFound)
			}
			return err
		}

		var maxOrder sql.NullInt64
		if err := tx.QueryRow(
			"SELECT MAX(completion_order) FROM workstreams WHERE session_id = ?", sessionID,
		).Scan(&maxOrder); err != nil {
			return err
		}
		order = int(maxOrder.Int64) + 1

		if _, err := tx.Exec(`
			UPDATE workstreams
			SET status = ?, completion_order = ?, completed_at = ?,
			    runner_id = NULL, lease_expires_at = NULL
			WHERE id = ?
		`, string(WorkstreamCompleted), order, formatTime(r.now()), workstreamID); err != nil {
			return err
		}

		return tx.QueryRow(`
			SELECT COUNT(*) FROM workstreams
			WHERE session_id = ? AND status IN ('pending', 'running')
		`, sessionID).Scan(&remaining)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("complete workstream: %w", err)
	}
	return order, remaining, nil
}

const selectWorkstreams = `
	SELECT id, session_id, branch_name, section_ids, clone_path, status,
	       runner_id, lease_expires_at, completion_order, created_at, completed_at
	FROM workstreams`

func scanSession(row rowScanner) (*ParallelSession, error) {
	var s ParallelSession
	var status, createdAt string
	var completedAt sql.NullString
	if err := row.Scan(&s.ID, &s.ProjectPath, &status, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	s.Status = SessionStatus(status)
	s.CreatedAt = parseTime(createdAt)
	s.CompletedAt = parseTime(completedAt.String)
	return &s, nil
}

func scanWorkstream(row rowScanner) (*Workstream, error) {
	var w Workstream
	var sectionIDs, status, createdAt string
	var runnerID, leaseExpiresAt, completedAt sql.NullString
	var completionOrder sql.NullInt64
	if err := row.Scan(&w.ID, &w.SessionID, &w.BranchName, &sectionIDs, &w.ClonePath,
		&status, &runnerID, &leaseExpiresAt, &completionOrder, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	if sectionIDs != "" {
		w.SectionIDs = strings.Split(sectionIDs, ",")
	}
	w.Status = WorkstreamStatus(status)
	w.RunnerID = runnerID.String
	w.LeaseExpiresAt = parseTime(leaseExpiresAt.String)
	w.CompletionOrder = int(completionOrder.Int64)
	w.CreatedAt = parseTime(createdAt)
	w.CompletedAt = parseTime(completedAt.String)
	return &w, nil
}
