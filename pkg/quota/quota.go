// Package quota keeps the resource usage counters of users and groups and
// checks them against the configured limits.
//
// Counters live in a SQL table keyed by kind and id. A Journal records the
// delta of every VM transition in a bbolt store before the VM is written,
// so usage can be repaired after a crash.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/stratus/pkg/acl"
	"github.com/cuemby/stratus/pkg/db"
	"github.com/cuemby/stratus/pkg/log"
	"github.com/cuemby/stratus/pkg/template"
	"github.com/rs/zerolog"
)

// Table holds the usage counters of users and groups
const Table = "quota_usage"

// ErrExceeded is returned when a delta would push usage over a limit
var ErrExceeded = errors.New("quota exceeded")

// Kind selects the owner counters
type Kind string

const (
	KindUser  Kind = "user"
	KindGroup Kind = "group"
)

// Limits maps quota attributes to the maximum usage. A missing attribute or
// a negative value means unlimited.
type Limits map[string]float64

// Config holds the default limits applied to every user and group
type Config struct {
	User  Limits `yaml:"user"`
	Group Limits `yaml:"group"`
}

// Manager keeps per-user and per-group usage counters. Deltas are quota
// templates: every attribute is a number added to (or removed from) the
// counter of the same name.
type Manager struct {
	db     db.DB
	cfg    Config
	logger zerolog.Logger

	// serializes check-then-update of the counters
	mu sync.Mutex
}

// NewManager creates a quota manager on top of database
func NewManager(database db.DB, cfg Config) *Manager {
	return &Manager{
		db:     database,
		cfg:    cfg,
		logger: log.WithComponent("quota"),
	}
}

// Bootstrap creates the usage table
func (m *Manager) Bootstrap(ctx context.Context) error {
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (kind VARCHAR(8) NOT NULL, id INTEGER NOT NULL, "+
		"attr VARCHAR(64) NOT NULL, used DOUBLE PRECISION NOT NULL, PRIMARY KEY (kind, id, attr))", Table)
	if _, err := m.db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create %s: %w", Table, err)
	}
	return nil
}

// Add checks the limits of uid and gid and charges delta to both. Nothing is
// charged when a limit would be exceeded.
func (m *Manager) Add(ctx context.Context, uid, gid int, delta *template.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uid != acl.AdminUID {
		if err := m.check(ctx, KindUser, uid, m.cfg.User, delta); err != nil {
			return err
		}
	}
	if gid != acl.AdminGID {
		if err := m.check(ctx, KindGroup, gid, m.cfg.Group, delta); err != nil {
			return err
		}
	}
	return m.apply(ctx, uid, gid, delta, 1)
}

// Check reports whether delta fits the limits of uid and gid without
// charging it
func (m *Manager) Check(ctx context.Context, uid, gid int, delta *template.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uid != acl.AdminUID {
		if err := m.check(ctx, KindUser, uid, m.cfg.User, delta); err != nil {
			return err
		}
	}
	if gid != acl.AdminGID {
		return m.check(ctx, KindGroup, gid, m.cfg.Group, delta)
	}
	return nil
}

// Del credits delta back to uid and gid
func (m *Manager) Del(ctx context.Context, uid, gid int, delta *template.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(ctx, uid, gid, delta, -1)
}

// Apply removes del and charges add without checking limits. It is used for
// usage changes that already happened, such as a VM entering RUNNING.
func (m *Manager) Apply(ctx context.Context, uid, gid int, del, add *template.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if del.Len() > 0 {
		if err := m.apply(ctx, uid, gid, del, -1); err != nil {
			return err
		}
	}
	if add.Len() > 0 {
		if err := m.apply(ctx, uid, gid, add, 1); err != nil {
			return err
		}
	}
	return nil
}

// Usage returns the counters of one user or group
func (m *Manager) Usage(ctx context.Context, kind Kind, id int) (map[string]float64, error) {
	usage := make(map[string]float64)
	stmt := fmt.Sprintf("SELECT attr, used FROM %s WHERE kind = %s AND id = %d", Table, m.db.Escape(string(kind)), id)
	err := m.db.Query(ctx, stmt, func(rows *sql.Rows) error {
		var attr string
		var used float64
		if err := rows.Scan(&attr, &used); err != nil {
			return err
		}
		usage[attr] = used
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s %d quota: %w", kind, id, err)
	}
	return usage, nil
}

func (m *Manager) check(ctx context.Context, kind Kind, id int, limits Limits, delta *template.Template) error {
	if len(limits) == 0 {
		return nil
	}
	usage, err := m.Usage(ctx, kind, id)
	if err != nil {
		return err
	}

	keys := delta.Keys()
	sort.Strings(keys)
	for _, attr := range keys {
		limit, ok := limits[attr]
		if !ok || limit < 0 {
			continue
		}
		v, ok := delta.GetFloat(attr)
		if !ok || v <= 0 {
			continue
		}
		if usage[attr]+v > limit {
			return fmt.Errorf("%s %d %s: %g requested, %g/%g used: %w", kind, id, attr, v, usage[attr], limit, ErrExceeded)
		}
	}
	return nil
}

func (m *Manager) apply(ctx context.Context, uid, gid int, delta *template.Template, sign float64) error {
	for _, attr := range delta.Keys() {
		v, ok := delta.GetFloat(attr)
		if !ok {
			m.logger.Warn().Str("attr", attr).Str("value", delta.GetString(attr)).Msg("Ignoring non-numeric quota attribute")
			continue
		}
		for _, owner := range []struct {
			kind Kind
			id   int
		}{{KindUser, uid}, {KindGroup, gid}} {
			stmt := fmt.Sprintf("INSERT INTO %s (kind, id, attr, used) VALUES (%s, %d, %s, %g) "+
				"ON CONFLICT (kind, id, attr) DO UPDATE SET used = %s.used + excluded.used",
				Table, m.db.Escape(string(owner.kind)), owner.id, m.db.Escape(attr), sign*v, Table)
			if _, err := m.db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to update %s %d quota %s: %w", owner.kind, owner.id, attr, err)
			}
		}
	}
	return nil
}
