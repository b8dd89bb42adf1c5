package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/steroids-dev/steroids/internal/util"
)

// Invocation is one recorded agent run against a task, coder or reviewer.
type Invocation struct {
	ID              string
	TaskID          string
	Role            string
	Provider        string
	Model           string
	Prompt          string
	Response        string
	Error           string
	Success         bool
	TimedOut        bool
	Duration        time.Duration
	RejectionNumber int
	CreatedAt       time.Time
}

// RecordInvocation appends an invocation record. Records are append-only and
// pruned only by retention.
func (s *Store) RecordInvocation(inv *Invocation) error {
	if inv.TaskID == "" || inv.Role == "" {
		return fmt.Errorf("invocation requires task_id and role: %w", ErrValidation)
	}
	if inv.ID == "" {
		inv.ID = util.NewSequentialID()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = s.now()
	}

	_, err := s.db.Exec(`
		INSERT INTO task_invocations (id, task_id, role, provider, model, prompt,
		                              response, error, success, timed_out,
		                              duration_ms, rejection_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.TaskID, inv.Role, inv.Provider, inv.Model, inv.Prompt,
		nullString(inv.Response), nullString(inv.Error),
		boolInt(inv.Success), boolInt(inv.TimedOut),
		inv.Duration.Milliseconds(), nullInt(inv.RejectionNumber),
		formatTime(inv.CreatedAt))
	if err != nil {
		return fmt.Errorf("record invocation: %w", err)
	}
	return nil
}

// ListInvocations returns a task's invocations in chronological order.
func (s *Store) ListInvocations(taskID string) ([]*Invocation, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, role, provider, model, prompt, response, error,
		       success, timed_out, duration_ms, rejection_number, created_at
		FROM task_invocations WHERE task_id = ? ORDER BY created_at, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var invocations []*Invocation
	for rows.Next() {
		var inv Invocation
		var response, errText sql.NullString
		var rejectionNumber sql.NullInt64
		var success, timedOut, durationMs int64
		var createdAt string
		if err := rows.Scan(&inv.ID, &inv.TaskID, &inv.Role, &inv.Provider,
			&inv.Model, &inv.Prompt, &response, &errText, &success, &timedOut,
			&durationMs, &rejectionNumber, &createdAt); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		inv.Response = response.String
		inv.Error = errText.String
		inv.Success = success != 0
		inv.TimedOut = timedOut != 0
		inv.Duration = time.Duration(durationMs) * time.Millisecond
		inv.RejectionNumber = int(rejectionNumber.Int64)
		inv.CreatedAt = parseTime(createdAt)
		invocations = append(invocations, &inv)
	}
	return invocations, rows.Err()
}

// PurgeInvocationsBefore deletes invocation records older than the cutoff and
// returns how many were removed. Used by retention.
func (s *Store) PurgeInvocationsBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		"DELETE FROM task_invocations WHERE created_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge invocations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
