package backup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cuemby/stratus/pkg/acl"
	"github.com/cuemby/stratus/pkg/actions"
	"github.com/cuemby/stratus/pkg/events"
	"github.com/cuemby/stratus/pkg/log"
	"github.com/cuemby/stratus/pkg/metrics"
	"github.com/cuemby/stratus/pkg/pool"
	"github.com/cuemby/stratus/pkg/template"
	"github.com/cuemby/stratus/pkg/types"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// ErrConflict is returned when a VM is already claimed by another job
var ErrConflict = errors.New("conflict")

// Canceller aborts the backup running on a VM
type Canceller interface {
	BackupCancel(ctx context.Context, vmID int) error
}

// UpdateMode selects how a template update is merged
type UpdateMode int

const (
	// Replace discards the current template
	Replace UpdateMode = iota
	// Append merges into the current template, later keys win
	Append
)

// Config holds the collaborators of the manager
type Config struct {
	Jobs      *pool.BackupJobPool
	VMs       *pool.VMPool
	ACL       *acl.Manager
	Canceller Canceller
	Broker    *events.Broker
}

// Manager serializes backup job operations on one worker. VM claims are
// taken while the job lock is held, never the other way round.
type Manager struct {
	jobs   *pool.BackupJobPool
	vms    *pool.VMPool
	acl    *acl.Manager
	broker *events.Broker
	queue  *actions.Queue
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	canceller Canceller
	cancels   sync.WaitGroup
}

// New creates a backup job manager. Call Start before submitting work.
func New(cfg Config) *Manager {
	m := &Manager{
		jobs:      cfg.Jobs,
		vms:       cfg.VMs,
		acl:       cfg.ACL,
		broker:    cfg.Broker,
		canceller: cfg.Canceller,
		queue:     actions.NewQueue("backup"),
		logger:    log.WithComponent("backup"),
		now:       time.Now,
	}
	if m.acl == nil {
		m.acl = acl.NewManager()
	}
	return m
}

// SetCanceller sets the component that aborts in-flight VM backups
func (m *Manager) SetCanceller(c Canceller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceller = c
}

// Start launches the worker
func (m *Manager) Start() {
	m.queue.Start()
	m.logger.Info().Msg("Backup job manager started")
}

// Stop waits for the running operation and outstanding cancellations
func (m *Manager) Stop() {
	m.queue.Stop()
	m.cancels.Wait()
	m.logger.Info().Msg("Backup job manager stopped")
}

// Flush returns once every notification submitted before the call has run
func (m *Manager) Flush(ctx context.Context) error {
	return m.queue.Do(ctx, "flush", func(context.Context) error { return nil })
}

// Allocate creates a job from tmpl and claims its VMs. An explicit PRIORITY
// above 49 needs admin rights on backup jobs.
func (m *Manager) Allocate(ctx context.Context, owner types.Owner, groups []int, tmpl *template.Template) (int, error) {
	job, err := types.NewBackupJob(owner, tmpl)
	if err != nil {
		return types.NoneID, err
	}
	// the default priority is granted to everyone
	if _, ok := tmpl.Get(types.AttrPriority); ok {
		if err := m.authorizePriority(owner.UID, groups, job.Priority); err != nil {
			return types.NoneID, err
		}
	}
	ids, err := job.BackupVMs()
	if err != nil {
		return types.NoneID, err
	}
	job.SetBackupVMs(ids)

	oid := types.NoneID
	err = m.queue.Do(ctx, "allocate", func(ctx context.Context) error {
		id, err := m.jobs.Allocate(ctx, job)
		if err != nil {
			return err
		}

		h, err := m.jobs.Get(ctx, id)
		if err != nil {
			return err
		}
		defer h.Release()

		if err := m.processBackupVMs(ctx, id, ids, nil); err != nil {
			if derr := h.Drop(ctx); derr != nil {
				return multierror.Append(err, derr)
			}
			return err
		}
		oid = id
		return nil
	})
	if err != nil {
		return types.NoneID, err
	}

	m.logger.Info().Int("backup_job_id", oid).Str("vms", ids.String()).Int("priority", job.Priority).Msg("Backup job allocated")
	m.publish(events.EventBackupJobUpdated, oid, "allocated")
	return oid, nil
}

// Update changes the job template. A new BACKUP_VMS list re-claims VMs and
// prunes the working sets; on conflict nothing is changed.
func (m *Manager) Update(ctx context.Context, uid int, groups []int, oid int, text string, mode UpdateMode) error {
	return m.queue.Do(ctx, "update", func(ctx context.Context) error {
		h, err := m.jobs.Get(ctx, oid)
		if err != nil {
			return err
		}
		defer h.Release()
		job := h.Object()

		oldIDs, err := job.BackupVMs()
		if err != nil {
			return err
		}

		tmpl := job.Tmpl().Clone()
		switch mode {
		case Append:
			err = tmpl.Append(text)
		default:
			err = tmpl.Replace(text)
		}
		if err != nil {
			return err
		}

		if raw, ok := tmpl.Get(types.AttrPriority); ok {
			p, ok := tmpl.GetInt(types.AttrPriority)
			if !ok {
				return fmt.Errorf("%w: %q", types.ErrInvalidPriority, raw)
			}
			if err := types.ValidatePriority(p); err != nil {
				return err
			}
			if err := m.authorizePriority(uid, groups, p); err != nil {
				return err
			}
			job.Priority = p
			tmpl.Erase(types.AttrPriority)
		}

		staged := &types.BackupJob{}
		staged.Template = tmpl
		newIDs, err := staged.BackupVMs()
		if err != nil {
			return err
		}

		if err := m.processBackupVMs(ctx, oid, newIDs, oldIDs); err != nil {
			return err
		}

		job.Template = tmpl
		job.SetBackupVMs(newIDs)
		job.Prune(newIDs)
		if err := h.Update(ctx); err != nil {
			return m.revertBackupVMs(ctx, oid, newIDs, oldIDs, err)
		}
		m.publish(events.EventBackupJobUpdated, oid, "updated")
		return nil
	})
}

// Delete removes the job, clears its VM claims and cancels backups in flight
func (m *Manager) Delete(ctx context.Context, oid int) error {
	return m.queue.Do(ctx, "delete", func(ctx context.Context) error {
		h, err := m.jobs.Get(ctx, oid)
		if err != nil {
			return err
		}
		defer h.Release()
		job := h.Object()

		ids, err := job.BackupVMs()
		if err != nil {
			return err
		}
		inflight := slices.Clone(job.BackingUp)

		if err := h.Drop(ctx); err != nil {
			return err
		}

		var result *multierror.Error
		for _, id := range ids {
			if err := m.unclaim(ctx, oid, id); err != nil {
				result = multierror.Append(result, err)
			}
		}
		m.cancel(inflight)

		if err := result.ErrorOrNil(); err != nil {
			m.logger.Error().Err(err).Int("backup_job_id", oid).Msg("Failed to clear VM claims")
		}
		m.logger.Info().Int("backup_job_id", oid).Msg("Backup job deleted")
		m.publish(events.EventBackupJobUpdated, oid, "deleted")
		return nil
	})
}

// Execute starts a new run of the job
func (m *Manager) Execute(ctx context.Context, oid int) error {
	return m.withJob(ctx, "execute", oid, func(job *types.BackupJob) error {
		return job.Execute(m.now())
	})
}

// Cancel abandons the current run and aborts the VM backups in flight
func (m *Manager) Cancel(ctx context.Context, oid int) error {
	var inflight types.IntSet
	err := m.withJob(ctx, "cancel", oid, func(job *types.BackupJob) error {
		inflight = slices.Clone(job.BackingUp)
		job.Cancel()
		return nil
	})
	if err != nil {
		return err
	}
	m.cancel(inflight)
	return nil
}

// Retry queues the VMs whose last backup failed
func (m *Manager) Retry(ctx context.Context, oid int) error {
	return m.withJob(ctx, "retry", oid, func(job *types.BackupJob) error {
		job.Retry()
		return nil
	})
}

// BackupStarted records that a VM backup was handed to the driver
func (m *Manager) BackupStarted(ctx context.Context, oid, vmID int) error {
	err := m.withJob(ctx, "backup-started", oid, func(job *types.BackupJob) error {
		return job.BackupStarted(vmID)
	})
	if err == nil {
		metrics.BackupsStarted.Inc()
	}
	return err
}

// BackupFinished records the outcome of a VM backup. It returns
// immediately; the dispatch engine calls it with VM locks released.
func (m *Manager) BackupFinished(oid, vmID int, success bool) {
	m.notify("backup-finished", oid, func(ctx context.Context) error {
		return m.withJobLocked(ctx, oid, func(job *types.BackupJob) error {
			if err := job.BackupFinished(vmID, success, m.now()); err != nil {
				return err
			}
			if job.Finished() {
				m.logger.Info().
					Int("backup_job_id", oid).
					Int("updated", job.Updated.Len()).
					Int("errors", job.Errors.Len()).
					Dur("duration", job.LastDuration).
					Msg("Backup job run finished")
				m.publish(events.EventBackupJobFinished, oid, "finished")
			}
			return nil
		})
	})
}

// RemoveVM drops a VM that no longer exists from the job. It returns
// immediately.
func (m *Manager) RemoveVM(oid, vmID int) {
	m.notify("remove-vm", oid, func(ctx context.Context) error {
		return m.withJobLocked(ctx, oid, func(job *types.BackupJob) error {
			ids, err := job.BackupVMs()
			if err != nil {
				return err
			}
			if !ids.Remove(vmID) {
				return nil
			}
			job.SetBackupVMs(ids)
			job.Prune(ids)
			return nil
		})
	})
}

// Pending returns the jobs with outdated VMs, highest priority first
func (m *Manager) Pending(ctx context.Context) ([]*types.BackupJob, error) {
	jobs, err := m.jobs.List(ctx, pool.DumpOptions{Where: "outdated_vms > 0"})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(jobs, func(a, b *types.BackupJob) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return a.OID - b.OID
	})
	return jobs, nil
}

// InFlight returns the number of VM backups running across all jobs
func (m *Manager) InFlight(ctx context.Context) (int, error) {
	jobs, err := m.jobs.List(ctx, pool.DumpOptions{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		n += j.BackingUp.Len()
	}
	return n, nil
}

func (m *Manager) authorizePriority(uid int, groups []int, priority int) error {
	if !types.PrivilegedPriority(priority) {
		return nil
	}
	return m.acl.Authorize(acl.Request{
		UID:    uid,
		Groups: groups,
		Type:   acl.ObjectBackupJob,
		OID:    types.NoneID,
		Owner:  types.NoneID,
		Group:  types.NoneID,
		Right:  acl.RightAdmin,
	})
}

// withJob runs fn on the locked job from the worker and persists the result
func (m *Manager) withJob(ctx context.Context, name string, oid int, fn func(job *types.BackupJob) error) error {
	return m.queue.Do(ctx, name, func(ctx context.Context) error {
		if err := m.withJobLocked(ctx, oid, fn); err != nil {
			return err
		}
		m.publish(events.EventBackupJobUpdated, oid, name)
		return nil
	})
}

func (m *Manager) withJobLocked(ctx context.Context, oid int, fn func(job *types.BackupJob) error) error {
	h, err := m.jobs.Get(ctx, oid)
	if err != nil {
		return err
	}
	defer h.Release()

	if err := fn(h.Object()); err != nil {
		return err
	}
	return h.Update(ctx)
}

func (m *Manager) notify(name string, oid int, action actions.Action) {
	err := m.queue.Submit(name, func(ctx context.Context) error {
		err := action(ctx)
		if errors.Is(err, pool.ErrNotFound) {
			m.logger.Debug().Int("backup_job_id", oid).Str("op", name).Msg("Ignoring notification for missing backup job")
			return nil
		}
		return err
	})
	if err != nil {
		m.logger.Warn().Err(err).Int("backup_job_id", oid).Str("op", name).Msg("Notification rejected")
	}
}

// cancel asks the dispatch engine to abort each backup without waiting for
// it; the dispatch engine may be waiting on this worker.
func (m *Manager) cancel(vmIDs types.IntSet) {
	m.mu.RLock()
	c := m.canceller
	m.mu.RUnlock()
	if c == nil {
		return
	}

	for _, vmID := range vmIDs {
		m.cancels.Add(1)
		go func(vmID int) {
			defer m.cancels.Done()
			if err := c.BackupCancel(context.Background(), vmID); err != nil {
				m.logger.Warn().Err(err).Int("vm_id", vmID).Msg("Failed to cancel VM backup")
			}
		}(vmID)
	}
}

func (m *Manager) publish(t events.EventType, oid int, op string) {
	m.broker.Publish(events.NewEvent(t, fmt.Sprintf("backup job %d %s", oid, op)).
		WithInt("backup_job_id", oid).
		With("op", op))
}
