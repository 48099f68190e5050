package db

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// OpenPostgres connects to a Postgres server; connStr is a postgres:// URL or
// a key=value connection string.
func OpenPostgres(connStr string) (DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &sqlDB{db: db, backend: BackendPostgres, quote: pq.QuoteLiteral}, nil
}
