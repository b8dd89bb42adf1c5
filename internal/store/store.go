// Package store implements the per-project store: tasks, sections, audit
// trail, invocations and disputes. The store is owned by its project
// directory; the single-runner invariant in the global registry ensures one
// writer at a time, but every multi-row update still runs in an exclusive
// transaction for safety.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/steroids-dev/steroids/internal/db"
	"github.com/steroids-dev/steroids/internal/ports"
	"github.com/steroids-dev/steroids/internal/util"
)

// TimeLayout is the storage format for timestamps, shared with the global
// registry: fixed-width UTC with millisecond resolution.
const TimeLayout = "2006-01-02T15:04:05.000Z"

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a guarded status update loses the CAS
	// race: the task was not in the expected status.
	ErrConflict = errors.New("status conflict")

	// ErrValidation is returned for illegal transitions and bad references.
	ErrValidation = errors.New("validation failed")
)

// Store provides operations on a project database.
type Store struct {
	db    *db.DB
	clock ports.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock substitutes the clock for tests.
func WithClock(clock ports.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// Open opens the project store at <projectPath>/.steroids/steroids.db.
func Open(projectPath string, opts ...Option) (*Store, error) {
	return OpenAt(util.ProjectStorePath(projectPath), opts...)
}

// OpenAt opens a project store at an explicit database path.
func OpenAt(path string, opts ...Option) (*Store, error) {
	d, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate("project"); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("migrate project db: %w", err)
	}
	return newStore(d, opts...), nil
}

// OpenInMemory opens an isolated in-memory store for tests.
func OpenInMemory(opts ...Option) (*Store, error) {
	d, err := db.OpenInMemory()
	if err != nil {
		return nil, err
	}
	if err := d.Migrate("project"); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("migrate project db: %w", err)
	}
	return newStore(d, opts...), nil
}

func newStore(d *db.DB, opts ...Option) *Store {
	s := &Store{db: d, clock: ports.SystemClock{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(TimeLayout, v)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, v); err != nil {
			return time.Time{}
		}
	}
	return t
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

type rowScanner interface {
	Scan(dest ...any) error
}
