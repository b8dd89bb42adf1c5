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

// DisputeType classifies who raised the dispute and how severe it is.
type DisputeType string

const (
	DisputeMajor    DisputeType = "major"
	DisputeMinor    DisputeType = "minor"
	DisputeCoder    DisputeType = "coder"
	DisputeReviewer DisputeType = "reviewer"
)

// DisputeResolution decides where the task goes when a dispute is resolved.
type DisputeResolution string

const (
	// ResolutionRework sends the task back to in_progress for another pass.
	ResolutionRework DisputeResolution = "rework"
	// ResolutionAccept completes the task as-is.
	ResolutionAccept DisputeResolution = "accept"
)

// Dispute is a coder/reviewer disagreement requiring human resolution.
type Dispute struct {
	ID               string
	TaskID           string
	Type             DisputeType
	Reason           string
	Status           string
	CoderPosition    string
	ReviewerPosition string
	Resolution       DisputeResolution
	ResolutionNotes  string
	CreatedBy        string
	CreatedAt        time.Time
	ResolvedBy       string
	ResolvedAt       time.Time
}

// Open reports whether the dispute is still unresolved.
func (d *Dispute) Open() bool { return d.Status == "open" }

func validDisputeType(t DisputeType) bool {
	switch t {
	case DisputeMajor, DisputeMinor, DisputeCoder, DisputeReviewer:
		return true
	}
	return false
}

// CreateDispute opens a dispute and moves the task to disputed in the same
// transaction. The task must be in_progress or review.
func (s *Store) CreateDispute(d *Dispute) error {
	if d.TaskID == "" || d.Reason == "" || d.CreatedBy == "" {
		return fmt.Errorf("dispute requires task_id, reason and created_by: %w", ErrValidation)
	}
	if !validDisputeType(d.Type) {
		return fmt.Errorf("dispute type %q: %w", d.Type, ErrValidation)
	}
	if d.ID == "" {
		d.ID = util.NewID()
	}
	d.Status = "open"
	d.CreatedAt = s.now()

	return s.db.RunInTx(context.Background(), func(tx *db.TxOps) error {
		var status string
		err := tx.QueryRow("SELECT status FROM tasks WHERE id = ?", d.TaskID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", d.TaskID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		from := Status(status)
		if !CanTransition(from, StatusDisputed) {
			return fmt.Errorf("dispute task in %s: %w", from, ErrValidation)
		}

		res, err := tx.Exec(`
			UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?
		`, string(StatusDisputed), formatTime(s.now()), d.TaskID, status)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %s moved during dispute: %w", d.TaskID, ErrConflict)
		}

		if _, err := tx.Exec(`
			INSERT INTO disputes (id, task_id, type, reason, status, coder_position,
			                      reviewer_position, created_by, created_at)
			VALUES (?, ?, ?, ?, 'open', ?, ?, ?, ?)
		`, d.ID, d.TaskID, string(d.Type), d.Reason,
			nullString(d.CoderPosition), nullString(d.ReviewerPosition),
			d.CreatedBy, formatTime(d.CreatedAt)); err != nil {
			return fmt.Errorf("create dispute: %w", err)
		}

		return appendAuditTx(tx, &TaskAudit{
			TaskID:     d.TaskID,
			FromStatus: from,
			ToStatus:   StatusDisputed,
			Actor:      d.CreatedBy,
			Notes:      "dispute: " + d.Reason,
			CreatedAt:  s.now(),
		})
	})
}

// ResolveDispute closes an open dispute and transitions its task out of
// disputed: rework sends it back to in_progress, accept completes it.
func (s *Store) ResolveDispute(disputeID string, resolution DisputeResolution, resolvedBy, notes string) error {
	var to Status
	switch resolution {
	case ResolutionRework:
		to = StatusInProgress
	case ResolutionAccept:
		to = StatusCompleted
	default:
		return fmt.Errorf("resolution %q: %w", resolution, ErrValidation)
	}

	return s.db.RunInTx(context.Background(), func(tx *db.TxOps) error {
		var taskID, status string
		err := tx.QueryRow(
			"SELECT task_id, status FROM disputes WHERE id = ?", disputeID).Scan(&taskID, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dispute %s: %w", disputeID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if status != "open" {
			return fmt.Errorf("dispute %s already resolved: %w", disputeID, ErrConflict)
		}

		now := formatTime(s.now())
		if _, err := tx.Exec(`
			UPDATE disputes SET status = 'resolved', resolution = ?,
			                    resolution_notes = ?, resolved_by = ?, resolved_at = ?
			WHERE id = ?
		`, string(resolution), nullString(notes), resolvedBy, now, disputeID); err != nil {
			return fmt.Errorf("resolve dispute: %w", err)
		}

		// The task may have been reset by a human while the dispute sat open.
		// Only move it when it is still disputed.
		res, err := tx.Exec(`
			UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?
		`, string(to), now, taskID, string(StatusDisputed))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		return appendAuditTx(tx, &TaskAudit{
			TaskID:     taskID,
			FromStatus: StatusDisputed,
			ToStatus:   to,
			Actor:      resolvedBy,
			Notes:      notes,
			CreatedAt:  s.now(),
		})
	})
}

// GetDispute retrieves a dispute by id.
func (s *Store) GetDispute(disputeID string) (*Dispute, error) {
	row := s.db.QueryRow(selectDisputes+" WHERE id = ?", disputeID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dispute %s: %w", disputeID, ErrNotFound)
	}
	return d, err
}

// ListDisputes returns disputes, optionally restricted to open ones, newest
// first.
func (s *Store) ListDisputes(openOnly bool) ([]*Dispute, error) {
	query := selectDisputes
	if openOnly {
		query += " WHERE status = 'open'"
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var disputes []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispute: %w", err)
		}
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}

const selectDisputes = `
	SELECT id, task_id, type, reason, status, coder_position, reviewer_position,
	       resolution, resolution_notes, created_by, created_at, resolved_by, resolved_at
	FROM disputes`

func scanDispute(row rowScanner) (*Dispute, error) {
	var d Dispute
	var coderPos, reviewerPos, resolution, notes, resolvedBy, resolvedAt sql.NullString
	var typ, createdAt string
	if err := row.Scan(&d.ID, &d.TaskID, &typ, &d.Reason, &d.Status,
		&coderPos, &reviewerPos, &resolution, &notes,
		&d.CreatedBy, &createdAt, &resolvedBy, &resolvedAt); err != nil {
		return nil, err
	}
	d.Type = DisputeType(typ)
	d.CoderPosition = coderPos.String
	d.ReviewerPosition = reviewerPos.String
	d.Resolution = DisputeResolution(resolution.String)
	d.ResolutionNotes = notes.String
	d.CreatedAt = parseTime(createdAt)
	d.ResolvedBy = resolvedBy.String
	d.ResolvedAt = parseTime(resolvedAt.String)
	return &d, nil
}
