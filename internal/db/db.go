// Package db provides database persistence for steroids.
//
// Two databases are used:
//   - Global (~/.steroids/steroids.db): projects, runners, parallel sessions,
//     workstreams, activity log, credit incidents
//   - Project (<project>/.steroids/steroids.db): tasks, sections, audit,
//     invocations, disputes
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/steroids-dev/steroids/internal/db/driver"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// DB wraps a database connection with dialect abstraction.
type DB struct {
	driver driver.Driver
	path   string
}

// Open opens a SQLite database at the given path, creating the parent
// directory if needed.
func Open(path string) (*DB, error) {
	return OpenWithDialect(path, driver.DialectSQLite)
}

// DialectFromDSN infers the dialect from a DSN. postgres:// and
// postgresql:// URLs and libpq key=value connection strings select
// PostgreSQL; anything else is treated as a SQLite file path.
func DialectFromDSN(dsn string) driver.Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driver.DialectPostgres
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return driver.DialectPostgres
	}
	return driver.DialectSQLite
}

// OpenDSN opens a database on the dialect inferred from the DSN.
func OpenDSN(dsn string) (*DB, error) {
	return OpenWithDialect(dsn, DialectFromDSN(dsn))
}

// OpenInMemory opens an in-memory SQLite database. Each call creates a new
// isolated database; ideal for tests.
func OpenInMemory() (*DB, error) {
	drv, err := driver.New(driver.DialectSQLite)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(":memory:"); err != nil {
		return nil, err
	}
	return &DB{driver: drv, path: ":memory:"}, nil
}

// OpenWithDialect opens a database with a specific dialect. For SQLite, dsn
// is the file path; for PostgreSQL, the connection string.
func OpenWithDialect(dsn string, dialect driver.Dialect) (*DB, error) {
	if dialect == driver.DialectSQLite {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(dsn); err != nil {
		return nil, err
	}
	return &DB{driver: drv, path: dsn}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.driver.Close()
}

// Path returns the database DSN/path.
func (d *DB) Path() string {
	return d.path
}

// Dialect returns the database dialect.
func (d *DB) Dialect() driver.Dialect {
	return d.driver.Dialect()
}

// DB returns the underlying sql.DB for advanced operations.
func (d *DB) DB() *sql.DB {
	return d.driver.DB()
}

// Migrate applies all pending migrations for the given schema kind
// ("global" or "project").
func (d *DB) Migrate(schemaKind string) error {
	return d.driver.Migrate(context.Background(), schemaFS, schemaKind)
}

// Exec executes a query without returning rows.
func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	return d.driver.Exec(context.Background(), query, args...)
}

// Query executes a query that returns rows.
func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return d.driver.Query(context.Background(), query, args...)
}

// QueryRow executes a query that returns at most one row.
func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.driver.QueryRow(context.Background(), query, args...)
}

// TxOps provides database operations within a transaction.
type TxOps struct {
	tx  driver.Tx
	ctx context.Context
}

// Exec executes a query within the transaction.
func (t *TxOps) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(t.ctx, query, args...)
}

// Query executes a query that returns rows within the transaction.
func (t *TxOps) Query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.Query(t.ctx, query, args...)
}

// QueryRow executes a query that returns at most one row within the
// transaction.
func (t *TxOps) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRow(t.ctx, query, args...)
}

// Context returns the context associated with this transaction.
func (t *TxOps) Context() context.Context {
	return t.ctx
}

// RunInTx executes fn within a transaction. If fn returns an error the
// transaction is rolled back, otherwise it is committed.
func (d *DB) RunInTx(ctx context.Context, fn func(tx *TxOps) error) error {
	tx, err := d.driver.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(&TxOps{tx: tx, ctx: ctx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
