// Package driver provides database driver abstraction for SQLite and
// PostgreSQL. SQLite is the default engine for both the global registry and
// per-project stores; PostgreSQL is available for shared deployments.
package driver

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// Dialect represents the database dialect.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Driver abstracts database operations across dialects. Queries are written
// with `?` placeholders; dialects that use positional parameters rebind them.
type Driver interface {
	Open(dsn string) error
	Close() error

	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row

	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)

	// Migrate applies any unapplied schema files whose names start with
	// schemaKind ("global" or "project"), in lexicographic order.
	Migrate(ctx context.Context, schemaFS fs.FS, schemaKind string) error

	Dialect() Dialect
	DB() *sql.DB
}

// Tx wraps a database transaction with the same placeholder handling as the
// driver that created it.
type Tx interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	Commit() error
	Rollback() error
}

// New creates a driver for the given dialect.
func New(dialect Dialect) (Driver, error) {
	switch dialect {
	case DialectSQLite:
		return NewSQLite(), nil
	case DialectPostgres:
		return NewPostgres(), nil
	default:
		return nil, fmt.Errorf("unknown dialect: %s", dialect)
	}
}

// schemaFiles lists embedded migration files for a schema kind, sorted.
func schemaFiles(schemaFS fs.FS, schemaKind string) ([]string, error) {
	entries, err := fs.ReadDir(schemaFS, "schema")
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}

	var files []string
	prefix := schemaKind + "_"
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".sql") {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}
