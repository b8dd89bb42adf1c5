// Package registry implements the global registry: projects, runners,
// parallel sessions, workstreams, the activity log and credit incidents.
// It is the cross-project source of truth; every mutation runs in a
// short-lived exclusive transaction.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/steroids-dev/steroids/internal/db"
	"github.com/steroids-dev/steroids/internal/db/driver"
	"github.com/steroids-dev/steroids/internal/ports"
	"github.com/steroids-dev/steroids/internal/util"
)

// TimeLayout is the storage format for timestamps: fixed-width UTC with
// millisecond resolution, so lexicographic comparison matches time order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrRunnerActive is returned when the single-runner invariant would be
// violated.
var ErrRunnerActive = errors.New("runner already active for project")

// ErrLeaseHeld is returned when a workstream lease is held by another runner.
var ErrLeaseHeld = errors.New("workstream lease held")

// Registry provides transactional operations on the global database.
type Registry struct {
	db    *db.DB
	clock ports.Clock
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock substitutes the clock, used by tests to control freshness
// windows and lease expiry.
func WithClock(clock ports.Clock) Option {
	return func(r *Registry) { r.clock = clock }
}

// Open opens the global registry at ~/.steroids/steroids.db.
func Open(opts ...Option) (*Registry, error) {
	home, err := util.HomeDir()
	if err != nil {
		return nil, err
	}
	return OpenAt(filepath.Join(home, "steroids.db"), opts...)
}

// OpenAt opens the global registry at an explicit path.
func OpenAt(path string, opts ...Option) (*Registry, error) {
	d, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate("global"); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("migrate global db: %w", err)
	}
	return newRegistry(d, opts...), nil
}

// OpenDSN opens the global registry on the dialect inferred from the DSN.
// The CLI routes STEROIDS_REGISTRY_DSN through this so shared deployments
// can point the registry at PostgreSQL.
func OpenDSN(dsn string, opts ...Option) (*Registry, error) {
	return OpenWithDialect(dsn, db.DialectFromDSN(dsn), opts...)
}

// OpenWithDialect opens the global registry on a specific database dialect.
func OpenWithDialect(dsn string, dialect driver.Dialect, opts ...Option) (*Registry, error) {
	d, err := db.OpenWithDialect(dsn, dialect)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate("global"); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("migrate global db: %w", err)
	}
	return newRegistry(d, opts...), nil
}

// OpenInMemory opens an isolated in-memory registry for tests.
func OpenInMemory(opts ...Option) (*Registry, error) {
	d, err := db.OpenInMemory()
	if err != nil {
		return nil, err
	}
	if err := d.Migrate("global"); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("migrate global db: %w", err)
	}
	return newRegistry(d, opts...), nil
}

func newRegistry(d *db.DB, opts ...Option) *Registry {
	r := &Registry{db: d, clock: ports.SystemClock{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// DB exposes the wrapped database for read-only consumers.
func (r *Registry) DB() *db.DB {
	return r.db
}

func (r *Registry) now() time.Time {
	return r.clock.Now().UTC()
}

// SetMeta stores a key/value pair in the _meta table.
func (r *Registry) SetMeta(key, value string) error {
	_, err := r.db.Exec(`
		INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta retrieves a value from the _meta table. Returns "" when absent.
func (r *Registry) GetMeta(key string) (string, error) {
	var value string
	err := r.db.QueryRow("SELECT value FROM _meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, nil
}

// formatTime renders a timestamp in the storage layout.
func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// parseTime parses a stored timestamp. Zero time on empty input.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		// Older rows may carry plain RFC3339.
		if t, err = time.Parse(time.RFC3339, s); err != nil {
			return time.Time{}
		}
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}
