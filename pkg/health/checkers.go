package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cuemby/stratus/pkg/db"
)

// DBChecker runs a trivial query against the pool database
type DBChecker struct {
	DB db.DB
}

// NewDBChecker creates a new database health checker
func NewDBChecker(d db.DB) *DBChecker {
	return &DBChecker{DB: d}
}

// Check performs the database health check
func (c *DBChecker) Check(ctx context.Context) Result {
	start := time.Now()

	var one int
	err := c.DB.Query(ctx, "SELECT 1", func(rows *sql.Rows) error {
		return rows.Scan(&one)
	})
	if err == nil && one != 1 {
		err = fmt.Errorf("unexpected result %d", one)
	}
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("%s query failed: %v", c.DB.Backend(), err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("%s reachable", c.DB.Backend()),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (c *DBChecker) Type() CheckType {
	return CheckTypeDB
}

// FuncChecker adapts a function returning an error to a Checker
type FuncChecker func(ctx context.Context) error

// Check performs the health check
func (f FuncChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if err := f(ctx); err != nil {
		return Result{Healthy: false, Message: err.Error(), CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{Healthy: true, Message: "ok", CheckedAt: start, Duration: time.Since(start)}
}

// Type returns the health check type
func (f FuncChecker) Type() CheckType {
	return CheckTypeFunc
}
