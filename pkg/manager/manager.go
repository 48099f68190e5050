package manager

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/stratus/pkg/acl"
	"github.com/cuemby/stratus/pkg/backup"
	"github.com/cuemby/stratus/pkg/config"
	"github.com/cuemby/stratus/pkg/db"
	"github.com/cuemby/stratus/pkg/dispatch"
	"github.com/cuemby/stratus/pkg/driver"
	"github.com/cuemby/stratus/pkg/events"
	"github.com/cuemby/stratus/pkg/health"
	"github.com/cuemby/stratus/pkg/log"
	"github.com/cuemby/stratus/pkg/metrics"
	"github.com/cuemby/stratus/pkg/pool"
	"github.com/cuemby/stratus/pkg/quota"
	"github.com/cuemby/stratus/pkg/reconciler"
	"github.com/cuemby/stratus/pkg/scheduler"
	"github.com/cuemby/stratus/pkg/storage"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Meta keys written to the local store
const (
	MetaVersion   = "version"
	MetaStartedAt = "started_at"
)

// Manager owns every engine of a stratus control plane and the order in
// which they start and stop
type Manager struct {
	cfg    *config.Config
	logger zerolog.Logger

	db    db.DB
	store *storage.BoltStore

	VMs        *pool.VMPool
	Jobs       *pool.BackupJobPool
	ACL        *acl.Manager
	Quotas     *quota.Manager
	Journal    *quota.Journal
	Broker     *events.Broker
	Driver     *driver.Simulator
	Dispatch   *dispatch.Engine
	Backups    *backup.Manager
	Scheduler  *scheduler.Scheduler
	Reconciler *reconciler.Reconciler

	collector *MetricsCollector
	monitor   *health.Monitor
	eventSub  events.Subscriber
	eventDone chan struct{}
}

// New opens the stores and builds the engines. Nothing runs until Start.
func New(cfg *config.Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	database, err := db.Open(cfg.DBConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return newManager(cfg, database, store), nil
}

// newManager wires the engines on top of already open stores
func newManager(cfg *config.Config, database db.DB, store *storage.BoltStore) *Manager {
	opts := pool.Options{
		LockTimeout: cfg.Pool.LockTimeout,
		CacheSize:   cfg.Pool.CacheSize,
	}

	m := &Manager{
		cfg:    cfg,
		logger: log.WithComponent("manager"),
		db:     database,
		store:  store,
		VMs:    pool.NewVMPool(database, opts),
		Jobs:   pool.NewBackupJobPool(database, opts),
		ACL:    acl.NewManager(),
		Quotas: quota.NewManager(database, cfg.Quota),
		Broker: events.NewBroker(),
		Driver: driver.NewSimulator(cfg.Driver.Delay),
	}
	m.Journal = quota.NewJournal(store, m.Quotas)

	m.Dispatch = dispatch.New(dispatch.Config{
		VMs:      m.VMs,
		Quotas:   m.Quotas,
		Journal:  m.Journal,
		Driver:   m.Driver,
		Releaser: m.Driver,
		Broker:   m.Broker,
	})
	m.Backups = backup.New(backup.Config{
		Jobs:   m.Jobs,
		VMs:    m.VMs,
		ACL:    m.ACL,
		Broker: m.Broker,
	})

	// the engines report to each other
	m.Dispatch.SetBackupNotifier(m.Backups)
	m.Backups.SetCanceller(m.Dispatch)
	m.Driver.SetNotifier(m.Dispatch)

	m.Scheduler = scheduler.NewScheduler(m.Backups, m.Dispatch, scheduler.Config{
		Interval:      cfg.Backup.Interval,
		MaxConcurrent: cfg.Backup.MaxConcurrent,
	})
	m.Reconciler = reconciler.NewReconciler(m.Journal, m.VMs, cfg.Reconciler.Interval)
	m.collector = NewMetricsCollector(m.VMs, m.Jobs, 15*time.Second)

	m.monitor = health.NewMonitor(health.Config{Interval: cfg.Metrics.HealthInterval})
	m.monitor.Add("db", health.NewDBChecker(database))
	m.monitor.Add("journal", health.FuncChecker(func(context.Context) error {
		_, err := m.Journal.Pending()
		return err
	}))
	return m
}

// Bootstrap creates the tables of every pool and counter
func (m *Manager) Bootstrap(ctx context.Context) error {
	for name, bootstrap := range map[string]func(context.Context) error{
		pool.VMTable:        m.VMs.Bootstrap,
		pool.BackupJobTable: m.Jobs.Bootstrap,
		"quotas":            m.Quotas.Bootstrap,
	} {
		if err := bootstrap(ctx); err != nil {
			return fmt.Errorf("failed to bootstrap %s: %w", name, err)
		}
	}
	return nil
}

// Start replays the quota journal and starts the engines. Work queues start
// before the loops that feed them.
func (m *Manager) Start(ctx context.Context, version string) error {
	res, err := m.Reconciler.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("failed to replay quota journal: %w", err)
	}
	m.logger.Info().
		Int("applied", res.Applied).
		Int("discarded", res.Discarded).
		Int("failed", res.Failed).
		Msg("Quota journal replayed")

	if err := m.store.SetMeta(MetaVersion, version); err != nil {
		return err
	}
	if err := m.store.SetMeta(MetaStartedAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	m.Broker.Start()
	m.eventSub = m.Broker.Subscribe()
	m.eventDone = make(chan struct{})
	go m.logEvents(m.eventSub, m.eventDone)

	m.Dispatch.Start()
	m.Backups.Start()
	m.Scheduler.Start()
	m.Reconciler.Start()
	m.collector.Start()
	m.monitor.Start()

	for _, name := range []string{"dispatch", "backup", "scheduler", "reconciler"} {
		metrics.RegisterComponent(name, true, "running")
	}
	m.logger.Info().Str("data_dir", m.cfg.DataDir).Str("db", m.db.Backend()).Msg("Manager started")
	return nil
}

// Stop halts the loops, drains the queues and closes the stores
func (m *Manager) Stop() error {
	m.monitor.Stop()
	m.collector.Stop()
	m.Reconciler.Stop()
	m.Scheduler.Stop()
	m.Driver.Stop()
	m.Backups.Stop()
	m.Dispatch.Shutdown()

	if m.eventSub != nil {
		m.Broker.Unsubscribe(m.eventSub)
		<-m.eventDone
	}
	m.Broker.Stop()

	for _, name := range []string{"dispatch", "backup", "scheduler", "reconciler"} {
		metrics.UpdateComponent(name, false, "stopped")
	}

	var result *multierror.Error
	if err := m.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close journal: %w", err))
	}
	if err := m.db.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close database: %w", err))
	}
	m.logger.Info().Msg("Manager stopped")
	return result.ErrorOrNil()
}

// logEvents writes every published event to the debug log until sub is
// closed
func (m *Manager) logEvents(sub events.Subscriber, done chan struct{}) {
	defer close(done)
	for ev := range sub {
		e := m.logger.Debug().Str("event_id", ev.ID).Str("type", string(ev.Type))
		for k, v := range ev.Metadata {
			e = e.Str(k, v)
		}
		e.Msg(ev.Message)
	}
}
