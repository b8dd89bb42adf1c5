package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steroids-dev/steroids/internal/db"
	"github.com/steroids-dev/steroids/internal/util"
)

// TaskAudit is one append-only row in a task's audit trail.
type TaskAudit struct {
	ID         string
	TaskID     string
	FromStatus Status
	ToStatus   Status
	Actor      string
	Notes      string
	CommitSHA  string
	CreatedAt  time.Time
}

// Transition moves a task from an expected status to a new one with a
// guarded compare-and-swap plus an audit append, inside one transaction.
// Returns ErrConflict when the task is no longer in the expected status and
// ErrValidation when the transition is illegal.
func (s *Store) Transition(taskID string, from, to Status, actor, notes, commitSHA string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("transition %s -> %s: %w", from, to, ErrValidation)
	}

	return s.db.RunInTx(context.Background(), func(tx *db.TxOps) error {
		res, err := tx.Exec(`
			UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?
		`, string(to), formatTime(s.now()), taskID, string(from))
		if err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Distinguish a missing task from a lost CAS race.
			var current string
			err := tx.QueryRow("SELECT status FROM tasks WHERE id = ?", taskID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("task %s is %s, expected %s: %w", taskID, current, from, ErrConflict)
		}

		return appendAuditTx(tx, &TaskAudit{
			TaskID:     taskID,
			FromStatus: from,
			ToStatus:   to,
			Actor:      actor,
			Notes:      notes,
			CommitSHA:  commitSHA,
			CreatedAt:  s.now(),
		})
	})
}

// ApproveTask completes a task under review. The commit sha recorded in the
// audit row is the repository head at approval time.
func (s *Store) ApproveTask(taskID, actor, commitSHA string) error {
	return s.Transition(taskID, StatusReview, StatusCompleted, actor, "", commitSHA)
}

// RejectOutcome describes the store state after a rejection.
type RejectOutcome struct {
	Status         Status
	RejectionCount int
	Failed         bool
	Ignored        bool
}

// RejectTask records a reviewer rejection: rejection_count is incremented
// and the task returns to in_progress, or moves to failed once the ceiling
// is reached. Rejecting an already-failed task is a no-op recorded in the
// audit trail as ignored_after_failed.
func (s *Store) RejectTask(taskID, actor, notes string) (*RejectOutcome, error) {
	var outcome RejectOutcome
	err := s.db.RunInTx(context.Background(), func(tx *db.TxOps) error {
		var status string
		var count int
		err := tx.QueryRow("SELECT status, rejection_count FROM tasks WHERE id = ?", taskID).
			Scan(&status, &count)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		if Status(status) == StatusFailed {
			outcome = RejectOutcome{Status: StatusFailed, RejectionCount: count, Ignored: true}
			return appendAuditTx(tx, &TaskAudit{
				TaskID:     taskID,
				FromStatus: StatusFailed,
				ToStatus:   StatusFailed,
				Actor:      actor,
				Notes:      "ignored_after_failed",
				CreatedAt:  s.now(),
			})
		}

		from := Status(status)
		if from != StatusReview && from != StatusInProgress {
			return fmt.Errorf("task %s is %s, cannot reject: %w", taskID, status, ErrConflict)
		}

		count++
		to := StatusInProgress
		if count >= MaxRejections {
			count = MaxRejections
			to = StatusFailed
		}

		res, err := tx.Exec(`
			UPDATE tasks SET status = ?, rejection_count = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(to), count, formatTime(s.now()), taskID, status)
		if err != nil {
			return fmt.Errorf("update rejected task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %s moved during reject: %w", taskID, ErrConflict)
		}

		outcome = RejectOutcome{Status: to, RejectionCount: count, Failed: to == StatusFailed}
		return appendAuditTx(tx, &TaskAudit{
			TaskID:     taskID,
			FromStatus: from,
			ToStatus:   to,
			Actor:      actor,
			Notes:      notes,
			CreatedAt:  s.now(),
		})
	})
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// ResetRejections zeroes the rejection count without changing status, with
// an audit entry.
func (s *Store) ResetRejections(taskID, actor string) error {
	return s.db.RunInTx(context.Background(), func(tx *db.TxOps) error {
		var status string
		err := tx.QueryRow("SELECT status FROM tasks WHERE id = ?", taskID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`
			UPDATE tasks SET rejection_count = 0, updated_at = ? WHERE id = ?
		`, formatTime(s.now()), taskID); err != nil {
			return fmt.Errorf("reset rejections: %w", err)
		}

		return appendAuditTx(tx, &TaskAudit{
			TaskID:     taskID,
			FromStatus: Status(status),
			ToStatus:   Status(status),
			Actor:      actor,
			Notes:      "reset-rejections",
			CreatedAt:  s.now(),
		})
	})
}

// ResetTask reopens a terminal task to pending. Resetting a failed task also
// zeroes its rejection count.
func (s *Store) ResetTask(taskID, actor string) error {
	return s.db.RunInTx(context.Background(), func(tx *db.TxOps) error {
		var status string
		var count int
		err := tx.QueryRow("SELECT status, rejection_count FROM tasks WHERE id = ?", taskID).
			Scan(&status, &count)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		from := Status(status)
		if !CanTransition(from, StatusPending) {
			return fmt.Errorf("reset from %s: %w", from, ErrValidation)
		}
		if from == StatusFailed {
			count = 0
		}

		res, err := tx.Exec(`
			UPDATE tasks SET status = ?, rejection_count = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(StatusPending), count, formatTime(s.now()), taskID, status)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %s moved during reset: %w", taskID, ErrConflict)
		}

		return appendAuditTx(tx, &TaskAudit{
			TaskID:     taskID,
			FromStatus: from,
			ToStatus:   StatusPending,
			Actor:      actor,
			Notes:      "reset",
			CreatedAt:  s.now(),
		})
	})
}

// RecoverTask moves a task outside the normal status machine. Reserved for
// wakeup recovery; the audit notes must name the heuristic applied. The
// expected status is still compare-and-swapped so a runner that came back to
// life wins the race.
func (s *Store) RecoverTask(taskID string, from, to Status, notes string) error {
	return s.db.RunInTx(context.Background(), func(tx *db.TxOps) error {
		res, err := tx.Exec(`
			UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?
		`, string(to), formatTime(s.now()), taskID, string(from))
		if err != nil {
			return fmt.Errorf("recover task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %s no longer %s: %w", taskID, from, ErrConflict)
		}

		return appendAuditTx(tx, &TaskAudit{
			TaskID:     taskID,
			FromStatus: from,
			ToStatus:   to,
			Actor:      "wakeup",
			Notes:      notes,
			CreatedAt:  s.now(),
		})
	})
}

// ListAudit returns a task's audit trail in append order.
func (s *Store) ListAudit(taskID string) ([]*TaskAudit, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, from_status, to_status, actor, notes, commit_sha, created_at
		FROM task_audit WHERE task_id = ? ORDER BY created_at, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*TaskAudit
	for rows.Next() {
		var a TaskAudit
		var fromStatus, notes, commitSHA sql.NullString
		var toStatus, createdAt string
		if err := rows.Scan(&a.ID, &a.TaskID, &fromStatus, &toStatus, &a.Actor,
			&notes, &commitSHA, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		a.FromStatus = Status(fromStatus.String)
		a.ToStatus = Status(toStatus)
		a.Notes = notes.String
		a.CommitSHA = commitSHA.String
		a.CreatedAt = parseTime(createdAt)
		entries = append(entries, &a)
	}
	return entries, rows.Err()
}

func appendAuditTx(tx *db.TxOps, a *TaskAudit) error {
	if a.ID == "" {
		a.ID = util.NewSequentialID()
	}
	_, err := tx.Exec(`
		INSERT INTO task_audit (id, task_id, from_status, to_status, actor, notes, commit_sha, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.TaskID, nullString(string(a.FromStatus)), string(a.ToStatus),
		a.Actor, nullString(a.Notes), nullString(a.CommitSHA), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
