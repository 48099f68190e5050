package pool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/stratus/pkg/acl"
	"github.com/cuemby/stratus/pkg/db"
	"github.com/cuemby/stratus/pkg/log"
	"github.com/cuemby/stratus/pkg/metrics"
	"github.com/cuemby/stratus/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when an oid has no backing row
	ErrNotFound = errors.New("object not found")

	// ErrNameTaken is returned by Allocate when the owner already has an
	// object with the same name
	ErrNameTaken = errors.New("name already taken")

	// ErrLocked is returned by Get when the object lock could not be taken
	// before the context expired
	ErrLocked = errors.New("object is locked")
)

// ControlTable stores the last assigned oid of every pool table
const ControlTable = "pool_control"

// Object is a pooled entity
type Object interface {
	Base() *types.ObjectBase
}

// Column is an entity specific column persisted next to the body so it can
// be used in filters and ordering
type Column[T Object] struct {
	Name  string
	Value func(T) int
}

// Table describes how a pool persists its objects
type Table[T Object] struct {
	// Name of the SQL table
	Name string

	// ObjectType is the ACL type used to build visibility filters
	ObjectType acl.ObjectType

	// Columns are the entity specific integer columns
	Columns []Column[T]

	// UniqueNames enforces name uniqueness per owner
	UniqueNames bool

	// ClusterTable maps objects to clusters; empty when the type is not
	// clustered
	ClusterTable string

	// FirstOID is the oid given to the first allocated object
	FirstOID int

	// New returns an empty object to decode a body into
	New func() T
}

// Options tunes the pool cache and locking
type Options struct {
	// LockTimeout bounds the wait for an object lock; zero waits until the
	// context is done
	LockTimeout time.Duration

	// CacheSize is the number of unlocked objects kept in memory
	CacheSize int
}

// DumpOptions selects and pages the rows returned by Dump and List
type DumpOptions struct {
	Where  string
	Offset int
	Limit  int
	Desc   bool
}

type entry[T Object] struct {
	// lock holds a token while an exclusive handle is outstanding
	lock chan struct{}

	// refs counts handles and waiters; guarded by Pool.mu
	refs int

	// obj and loaded are guarded by lock
	obj    T
	loaded bool
}

// Pool is a cache of persisted objects fronting a SQL table. Every mutation
// goes through an exclusive Handle returned by Get.
type Pool[T Object] struct {
	db     db.DB
	table  Table[T]
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[int]*entry[T]
	idle    int

	allocMu sync.Mutex
}

// New creates a pool for table
func New[T Object](store db.DB, table Table[T], opts Options) *Pool[T] {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	return &Pool[T]{
		db:      store,
		table:   table,
		opts:    opts,
		logger:  log.WithComponent("pool").With().Str("table", table.Name).Logger(),
		entries: make(map[int]*entry[T]),
	}
}

// Table returns the table description
func (p *Pool[T]) Table() Table[T] {
	return p.table
}

// DB returns the underlying store
func (p *Pool[T]) DB() db.DB {
	return p.db
}

// Bootstrap creates the pool tables if they do not exist
func (p *Pool[T]) Bootstrap(ctx context.Context) error {
	var cols strings.Builder
	cols.WriteString("oid INTEGER PRIMARY KEY, name VARCHAR(128), body TEXT NOT NULL, " +
		"uid INTEGER, gid INTEGER, owner_u INTEGER, group_u INTEGER, other_u INTEGER")
	for _, c := range p.table.Columns {
		cols.WriteString(", " + c.Name + " INTEGER")
	}
	if p.table.UniqueNames {
		cols.WriteString(", UNIQUE(name, uid)")
	}

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", p.table.Name, cols.String()),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (tablename VARCHAR(32) PRIMARY KEY, last_oid BIGINT)", ControlTable),
	}
	if p.table.ClusterTable != "" {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (cid INTEGER, oid INTEGER, PRIMARY KEY(cid, oid))", p.table.ClusterTable))
	}

	for _, stmt := range stmts {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to bootstrap %s: %w", p.table.Name, err)
		}
	}
	return nil
}

// Get returns an exclusive handle on oid, loading the object if it is not
// cached. It blocks while another handle is outstanding. The caller must
// Release the handle on every path.
func (p *Pool[T]) Get(ctx context.Context, oid int) (*Handle[T], error) {
	e := p.ref(oid)

	if p.opts.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.LockTimeout)
		defer cancel()
	}

	timer := metrics.NewTimer()
	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		p.unref(oid, e, true)
		return nil, fmt.Errorf("%w: %s %d: %v", ErrLocked, p.table.Name, oid, ctx.Err())
	}
	timer.ObserveDurationVec(metrics.PoolLockWait, p.table.Name)

	if !e.loaded {
		obj, err := p.load(ctx, oid)
		if err != nil {
			<-e.lock
			p.unref(oid, e, false)
			return nil, err
		}
		e.obj = obj
		e.loaded = true
	}

	return &Handle[T]{pool: p, entry: e, oid: oid}, nil
}

// GetRO reads oid from the store without taking its lock. The result is a
// private copy; concurrent holders of the exclusive handle may have changed
// the object since.
func (p *Pool[T]) GetRO(ctx context.Context, oid int) (T, error) {
	return p.load(ctx, oid)
}

// Exists reports whether oid has a row
func (p *Pool[T]) Exists(ctx context.Context, oid int) (bool, error) {
	n, err := p.Count(ctx, "oid = "+strconv.Itoa(oid))
	return n > 0, err
}

// Allocate persists obj under a new oid. The name check happens before an
// oid is consumed; if the insert fails the watermark is moved back so the
// next allocation reuses the attempted oid.
func (p *Pool[T]) Allocate(ctx context.Context, obj T) (int, error) {
	p.allocMu.Lock()
	defer p.allocMu.Unlock()

	base := obj.Base()

	if p.table.UniqueNames {
		taken, err := p.nameTaken(ctx, base.Name, base.UID)
		if err != nil {
			metrics.PoolAllocations.WithLabelValues(p.table.Name, "error").Inc()
			return types.NoneID, err
		}
		if taken {
			metrics.PoolAllocations.WithLabelValues(p.table.Name, "conflict").Inc()
			return types.NoneID, fmt.Errorf("%w: %q for user %d", ErrNameTaken, base.Name, base.UID)
		}
	}

	last, err := p.LastOID(ctx)
	if err != nil {
		metrics.PoolAllocations.WithLabelValues(p.table.Name, "error").Inc()
		return types.NoneID, err
	}

	oid := last + 1
	if err := p.setLastOID(ctx, oid); err != nil {
		metrics.PoolAllocations.WithLabelValues(p.table.Name, "error").Inc()
		return types.NoneID, err
	}

	base.OID = oid
	if base.Name == "" {
		base.Name = fmt.Sprintf("%s-%d", p.table.ObjectType, oid)
	}

	if err := p.insert(ctx, obj); err != nil {
		base.OID = types.NoneID
		if rerr := p.setLastOID(ctx, oid-1); rerr != nil {
			p.logger.Error().Err(rerr).Int("oid", oid).Msg("Failed to roll back oid watermark")
		}
		metrics.PoolAllocations.WithLabelValues(p.table.Name, "error").Inc()
		if db.IsUniqueViolation(err) && p.table.UniqueNames {
			return types.NoneID, fmt.Errorf("%w: %q for user %d", ErrNameTaken, base.Name, base.UID)
		}
		return types.NoneID, fmt.Errorf("failed to insert %s %d: %w", p.table.Name, oid, err)
	}

	metrics.PoolAllocations.WithLabelValues(p.table.Name, "success").Inc()
	p.logger.Debug().Int("oid", oid).Str("name", base.Name).Msg("Allocated object")
	return oid, nil
}

// LastOID returns the last assigned oid of the table
func (p *Pool[T]) LastOID(ctx context.Context) (int, error) {
	last := p.table.FirstOID - 1
	stmt := fmt.Sprintf("SELECT last_oid FROM %s WHERE tablename = %s", ControlTable, p.db.Escape(p.table.Name))
	err := p.db.Query(ctx, stmt, func(rows *sql.Rows) error {
		return rows.Scan(&last)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read oid watermark of %s: %w", p.table.Name, err)
	}
	return last, nil
}

func (p *Pool[T]) setLastOID(ctx context.Context, oid int) error {
	stmt := fmt.Sprintf("INSERT INTO %s (tablename, last_oid) VALUES (%s, %d) "+
		"ON CONFLICT (tablename) DO UPDATE SET last_oid = excluded.last_oid",
		ControlTable, p.db.Escape(p.table.Name), oid)
	if _, err := p.db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to write oid watermark of %s: %w", p.table.Name, err)
	}
	return nil
}

func (p *Pool[T]) nameTaken(ctx context.Context, name string, uid int) (bool, error) {
	n, err := p.Count(ctx, fmt.Sprintf("name = %s AND uid = %d", p.db.Escape(name), uid))
	return n > 0, err
}

// Search returns the oids matching where in ascending order
func (p *Pool[T]) Search(ctx context.Context, where string) ([]int, error) {
	stmt := "SELECT oid FROM " + p.table.Name
	if where != "" {
		stmt += " WHERE " + where
	}
	stmt += " ORDER BY oid"

	var oids []int
	err := p.db.Query(ctx, stmt, func(rows *sql.Rows) error {
		var oid int
		if err := rows.Scan(&oid); err != nil {
			return err
		}
		oids = append(oids, oid)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", p.table.Name, err)
	}
	return oids, nil
}

// Count returns the number of rows matching where
func (p *Pool[T]) Count(ctx context.Context, where string) (int, error) {
	stmt := "SELECT COUNT(*) FROM " + p.table.Name
	if where != "" {
		stmt += " WHERE " + where
	}
	n := 0
	err := p.db.Query(ctx, stmt, func(rows *sql.Rows) error {
		return rows.Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", p.table.Name, err)
	}
	return n, nil
}

// Dump returns the matching bodies as a JSON array, ordered by oid
func (p *Pool[T]) Dump(ctx context.Context, opts DumpOptions) ([]byte, error) {
	bodies, err := p.bodies(ctx, opts)
	if err != nil {
		return nil, err
	}
	if bodies == nil {
		bodies = []json.RawMessage{}
	}
	return json.Marshal(bodies)
}

// List decodes the matching objects, ordered by oid
func (p *Pool[T]) List(ctx context.Context, opts DumpOptions) ([]T, error) {
	bodies, err := p.bodies(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(bodies))
	for _, b := range bodies {
		obj, err := p.decode(b)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

func (p *Pool[T]) bodies(ctx context.Context, opts DumpOptions) ([]json.RawMessage, error) {
	stmt := "SELECT body FROM " + p.table.Name
	if opts.Where != "" {
		stmt += " WHERE " + opts.Where
	}
	stmt += " ORDER BY oid"
	if opts.Desc {
		stmt += " DESC"
	}
	stmt += p.db.Limit(opts.Offset, opts.Limit)

	var bodies []json.RawMessage
	err := p.db.Query(ctx, stmt, func(rows *sql.Rows) error {
		var body string
		if err := rows.Scan(&body); err != nil {
			return err
		}
		bodies = append(bodies, json.RawMessage(body))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dump %s: %w", p.table.Name, err)
	}
	return bodies, nil
}

func (p *Pool[T]) load(ctx context.Context, oid int) (T, error) {
	var zero T
	var body string
	found := false

	stmt := fmt.Sprintf("SELECT body FROM %s WHERE oid = %d", p.table.Name, oid)
	err := p.db.Query(ctx, stmt, func(rows *sql.Rows) error {
		found = true
		return rows.Scan(&body)
	})
	if err != nil {
		return zero, fmt.Errorf("failed to load %s %d: %w", p.table.Name, oid, err)
	}
	if !found {
		return zero, fmt.Errorf("%w: %s %d", ErrNotFound, p.table.Name, oid)
	}
	return p.decode([]byte(body))
}

func (p *Pool[T]) decode(body []byte) (T, error) {
	obj := p.table.New()
	if err := json.Unmarshal(body, obj); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to decode %s body: %w", p.table.Name, err)
	}
	return obj, nil
}

func (p *Pool[T]) insert(ctx context.Context, obj T) error {
	body, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to encode %s body: %w", p.table.Name, err)
	}
	b := obj.Base()

	names := []string{"oid", "name", "body", "uid", "gid", "owner_u", "group_u", "other_u"}
	values := []string{
		strconv.Itoa(b.OID), p.db.Escape(b.Name), p.db.Escape(string(body)),
		strconv.Itoa(b.UID), strconv.Itoa(b.GID),
		strconv.Itoa(b.Permissions.OwnerU), strconv.Itoa(b.Permissions.GroupU), strconv.Itoa(b.Permissions.OtherU),
	}
	for _, c := range p.table.Columns {
		names = append(names, c.Name)
		values = append(values, strconv.Itoa(c.Value(obj)))
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		p.table.Name, strings.Join(names, ", "), strings.Join(values, ", "))
	_, err = p.db.Exec(ctx, stmt)
	return err
}

func (p *Pool[T]) update(ctx context.Context, obj T) error {
	body, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to encode %s body: %w", p.table.Name, err)
	}
	b := obj.Base()

	sets := []string{
		"name = " + p.db.Escape(b.Name),
		"body = " + p.db.Escape(string(body)),
		"uid = " + strconv.Itoa(b.UID),
		"gid = " + strconv.Itoa(b.GID),
		"owner_u = " + strconv.Itoa(b.Permissions.OwnerU),
		"group_u = " + strconv.Itoa(b.Permissions.GroupU),
		"other_u = " + strconv.Itoa(b.Permissions.OtherU),
	}
	for _, c := range p.table.Columns {
		sets = append(sets, c.Name+" = "+strconv.Itoa(c.Value(obj)))
	}

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE oid = %d", p.table.Name, strings.Join(sets, ", "), b.OID)
	n, err := p.db.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("failed to update %s %d: %w", p.table.Name, b.OID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", ErrNotFound, p.table.Name, b.OID)
	}
	return nil
}

func (p *Pool[T]) drop(ctx context.Context, oid int) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE oid = %d", p.table.Name, oid)
	if _, err := p.db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to drop %s %d: %w", p.table.Name, oid, err)
	}
	if p.table.ClusterTable != "" {
		stmt = fmt.Sprintf("DELETE FROM %s WHERE oid = %d", p.table.ClusterTable, oid)
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to drop cluster rows of %s %d: %w", p.table.Name, oid, err)
		}
	}
	return nil
}

// ref returns the cache entry of oid, creating it if needed, and pins it
func (p *Pool[T]) ref(oid int) *entry[T] {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[oid]
	if !ok {
		e = &entry[T]{lock: make(chan struct{}, 1)}
		p.entries[oid] = e
	} else if e.refs == 0 {
		p.idle--
	}
	e.refs++
	return e
}

// unref unpins an entry. Unpinned entries stay cached while keep is set and
// the cache has room.
func (p *Pool[T]) unref(oid int, e *entry[T], keep bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e.refs--
	if e.refs > 0 {
		return
	}
	if !keep || p.idle >= p.opts.CacheSize {
		delete(p.entries, oid)
		return
	}
	p.idle++
}

// Cached returns the number of entries held in memory
func (p *Pool[T]) Cached() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
