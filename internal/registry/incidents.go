package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steroids-dev/steroids/internal/util"
)

// IncidentResolution records how a credit incident was closed.
type IncidentResolution string

const (
	ResolutionConfigChanged IncidentResolution = "config_changed"
	ResolutionDismissed     IncidentResolution = "dismissed"
)

// CreditIncident records that an agent provider ran out of budget.
type CreditIncident struct {
	ID         string
	Provider   string
	Model      string
	Role       string
	Message    string
	RunnerID   string
	OpenedAt   time.Time
	ResolvedAt time.Time
	Resolution IncidentResolution
}

// maxIncidentMessageLen bounds the stored provider error message.
const maxIncidentMessageLen = 200

// RecordCreditIncident opens an incident for the (provider, model, role)
// triple. While an unresolved incident exists for the same triple the call
// is deduplicated and the existing incident is returned.
func (r *Registry) RecordCreditIncident(provider, model, role, message, runnerID string) (*CreditIncident, error) {
	if existing, err := r.OpenIncident(provider, model, role); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if len(message) > maxIncidentMessageLen {
		message = message[:maxIncidentMessageLen]
	}

	inc := &CreditIncident{
		ID:       util.NewID(),
		Provider: provider,
		Model:    model,
		Role:     role,
		Message:  message,
		RunnerID: runnerID,
		OpenedAt: r.now(),
	}
	_, err := r.db.Exec(`
		INSERT INTO credit_incidents (id, provider, model, role, message, runner_id, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, inc.ID, inc.Provider, inc.Model, inc.Role, inc.Message,
		nullString(inc.RunnerID), formatTime(inc.OpenedAt))
	if err != nil {
		return nil, fmt.Errorf("record credit incident: %w", err)
	}
	return inc, nil
}

// ResolveCreditIncident closes an incident with a resolution.
func (r *Registry) ResolveCreditIncident(incidentID string, resolution IncidentResolution) error {
	res, err := r.db.Exec(`
		UPDATE credit_incidents SET resolved_at = ?, resolution = ?
		WHERE id = ? AND resolved_at IS NULL
	`, formatTime(r.now()), string(resolution), incidentID)
	if err != nil {
		return fmt.Errorf("resolve credit incident: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("incident %s: %w", incidentID, ErrNotFound)
	}
	return nil
}

// OpenIncident returns the unresolved incident for a triple, or nil.
func (r *Registry) OpenIncident(provider, model, role string) (*CreditIncident, error) {
	row := r.db.QueryRow(selectIncidents+`
		WHERE provider = ? AND model = ? AND role = ? AND resolved_at IS NULL
		ORDER BY opened_at DESC LIMIT 1
	`, provider, model, role)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return inc, err
}

// ListCreditIncidents returns all incidents, newest first.
func (r *Registry) ListCreditIncidents() ([]*CreditIncident, error) {
	rows, err := r.db.Query(selectIncidents + " ORDER BY opened_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list credit incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var incidents []*CreditIncident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credit incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

const selectIncidents = `
	SELECT id, provider, model, role, message, runner_id, opened_at, resolved_at, resolution
	FROM credit_incidents`

func scanIncident(row rowScanner) (*CreditIncident, error) {
	var inc CreditIncident
	var runnerID, resolvedAt, resolution sql.NullString
	var openedAt string
	if err := row.Scan(&inc.ID, &inc.Provider, &inc.Model, &inc.Role, &inc.Message,
		&runnerID, &openedAt, &resolvedAt, &resolution); err != nil {
		return nil, err
	}
	inc.RunnerID = runnerID.String
	inc.OpenedAt = parseTime(openedAt)
	inc.ResolvedAt = parseTime(resolvedAt.String)
	inc.Resolution = IncidentResolution(resolution.String)
	return &inc, nil
}
