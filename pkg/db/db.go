// Package db is the SQL boundary of the object pools, with sqlite and
// postgres backends.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Backend names accepted by Open
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// RowCallback is invoked once per result row. Returning an error stops the
// iteration and is propagated by Query.
type RowCallback func(rows *sql.Rows) error

// DB is the storage boundary used by the object pools. Statements are plain
// SQL text: callers escape string literals with Escape and build pagination
// with Limit. Every statement is executed on its own; no transaction API is
// exposed.
type DB interface {
	// Exec runs a write statement and returns the number of affected rows
	Exec(ctx context.Context, stmt string) (int64, error)

	// Query runs a read statement and feeds every row to cb
	Query(ctx context.Context, stmt string, cb RowCallback) error

	// Escape returns s quoted as a SQL string literal
	Escape(s string) string

	// Limit returns the pagination clause for the backend
	Limit(offset, limit int) string

	// Backend returns the backend name
	Backend() string

	// Close releases the connection pool
	Close() error
}

// Config selects and configures a backend
type Config struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	ConnStr string `yaml:"conn_str"`
}

// Open connects to the configured backend
func Open(cfg Config) (DB, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendSQLite, "sqlite3":
		return OpenSQLite(cfg.Path)
	case BackendPostgres, "pg":
		return OpenPostgres(cfg.ConnStr)
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Backend)
	}
}

// sqlDB implements DB on top of database/sql; backends differ only in
// quoting and driver-specific setup.
type sqlDB struct {
	db      *sql.DB
	backend string
	quote   func(string) string
}

func (d *sqlDB) Exec(ctx context.Context, stmt string) (int64, error) {
	res, err := d.db.ExecContext(ctx, stmt)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (d *sqlDB) Query(ctx context.Context, stmt string, cb RowCallback) error {
	rows, err := d.db.QueryContext(ctx, stmt)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := cb(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (d *sqlDB) Escape(s string) string {
	return d.quote(s)
}

func (d *sqlDB) Limit(offset, limit int) string {
	if limit <= 0 {
		if offset <= 0 {
			return ""
		}
		if d.backend == BackendPostgres {
			return fmt.Sprintf(" OFFSET %d", offset)
		}
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}
	if offset > 0 {
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

func (d *sqlDB) Backend() string {
	return d.backend
}

func (d *sqlDB) Close() error {
	return d.db.Close()
}

// IsUniqueViolation reports whether err was caused by a primary key or unique
// constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "primary key")
}
