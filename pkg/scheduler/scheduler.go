package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/stratus/pkg/log"
	"github.com/cuemby/stratus/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultInterval is the time between scheduling cycles
const DefaultInterval = 5 * time.Second

// Jobs is the backup job side of the scheduler
type Jobs interface {
	Pending(ctx context.Context) ([]*types.BackupJob, error)
	InFlight(ctx context.Context) (int, error)
	BackupStarted(ctx context.Context, oid, vmID int) error
	BackupFinished(oid, vmID int, success bool)
}

// Dispatcher starts VM backups
type Dispatcher interface {
	Backup(ctx context.Context, vmID, jobID int) error
}

// Config tunes the scheduler
type Config struct {
	// Interval between cycles
	Interval time.Duration

	// MaxConcurrent bounds the VM backups in flight; zero means no limit
	MaxConcurrent int
}

// Scheduler starts the outdated VM backups of backup jobs, highest job
// priority first
type Scheduler struct {
	jobs     Jobs
	dispatch Dispatcher
	cfg      Config
	logger   zerolog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewScheduler creates a new scheduler
func NewScheduler(jobs Jobs, dispatch Dispatcher, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Scheduler{
		jobs:     jobs,
		dispatch: dispatch,
		cfg:      cfg,
		logger:   log.WithComponent("scheduler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.run()
	}
}

// Stop stops the scheduler and waits for the running cycle
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if s.started.Load() {
		<-s.doneCh
	}
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Schedule(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Scheduling cycle failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Schedule performs one scheduling cycle and returns the number of VM
// backups it started
func (s *Scheduler) Schedule(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots := -1
	if s.cfg.MaxConcurrent > 0 {
		inflight, err := s.jobs.InFlight(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to count backups in flight: %w", err)
		}
		slots = s.cfg.MaxConcurrent - inflight
		if slots <= 0 {
			return 0, nil
		}
	}

	jobs, err := s.jobs.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending backup jobs: %w", err)
	}

	started := 0
	for _, job := range jobs {
		for _, vmID := range job.Outdated {
			if slots == 0 {
				return started, nil
			}
			if !s.start(ctx, job, vmID) {
				continue
			}
			started++
			if slots > 0 {
				slots--
			}
		}
	}
	return started, nil
}

// start moves vmID to backing up before asking for the backup, so a fast
// completion always finds it there
func (s *Scheduler) start(ctx context.Context, job *types.BackupJob, vmID int) bool {
	logger := s.logger.With().Int("backup_job_id", job.OID).Int("vm_id", vmID).Logger()

	if err := s.jobs.BackupStarted(ctx, job.OID, vmID); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark VM backup as started")
		return false
	}

	if err := s.dispatch.Backup(ctx, vmID, job.OID); err != nil {
		logger.Error().Err(err).Msg("Failed to start VM backup")
		s.jobs.BackupFinished(job.OID, vmID, false)
		return false
	}

	logger.Info().Int("priority", job.Priority).Msg("Started VM backup")
	return true
}
