package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/stratus/pkg/actions"
	"github.com/cuemby/stratus/pkg/driver"
	"github.com/cuemby/stratus/pkg/events"
	"github.com/cuemby/stratus/pkg/lifecycle"
	"github.com/cuemby/stratus/pkg/log"
	"github.com/cuemby/stratus/pkg/metrics"
	"github.com/cuemby/stratus/pkg/pool"
	"github.com/cuemby/stratus/pkg/quota"
	"github.com/cuemby/stratus/pkg/template"
	"github.com/cuemby/stratus/pkg/types"
	"github.com/rs/zerolog"
)

// Releaser frees the images and leases held by a VM
type Releaser interface {
	ReleaseDisk(ctx context.Context, vmID int, disk types.Disk) error
	ReleaseNIC(ctx context.Context, vmID int, nic types.NIC) error
}

// BackupNotifier receives the outcome of job backups and VMs leaving their
// job. Calls must not block on the dispatch engine.
type BackupNotifier interface {
	BackupFinished(jobID, vmID int, success bool)
	RemoveVM(jobID, vmID int)
}

// Config holds the collaborators of the engine
type Config struct {
	VMs      *pool.VMPool
	Quotas   *quota.Manager
	Journal  *quota.Journal
	Driver   driver.Driver
	Releaser Releaser
	Backups  BackupNotifier
	Broker   *events.Broker
}

// Engine applies VM transitions one at a time on a single worker. Driver
// completions enter through Trigger and are dropped when the VM is not in a
// state that accepts them; operations return the outcome to the caller.
type Engine struct {
	vms      *pool.VMPool
	quotas   *quota.Manager
	journal  *quota.Journal
	driver   driver.Driver
	releaser Releaser
	broker   *events.Broker
	queue    *actions.Queue
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	backups BackupNotifier
}

// New creates a dispatch engine. Call Start before submitting work.
func New(cfg Config) *Engine {
	e := &Engine{
		vms:      cfg.VMs,
		quotas:   cfg.Quotas,
		journal:  cfg.Journal,
		driver:   cfg.Driver,
		releaser: cfg.Releaser,
		backups:  cfg.Backups,
		broker:   cfg.Broker,
		queue:    actions.NewQueue("dispatch"),
		logger:   log.WithComponent("dispatch"),
		now:      time.Now,
	}
	if e.releaser == nil {
		e.releaser = nopReleaser{}
	}
	return e
}

// SetBackupNotifier sets the receiver of backup outcomes
func (e *Engine) SetBackupNotifier(n BackupNotifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backups = n
}

func (e *Engine) backupNotifier() BackupNotifier {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.backups
}

// Start launches the worker
func (e *Engine) Start() {
	e.queue.Start()
	e.logger.Info().Msg("Dispatch engine started")
}

// Shutdown waits for the running transition and drops pending work
func (e *Engine) Shutdown() {
	e.queue.Stop()
	e.logger.Info().Msg("Dispatch engine stopped")
}

// Flush returns once every trigger submitted before the call has run
func (e *Engine) Flush(ctx context.Context) error {
	return e.queue.Do(ctx, "flush", func(context.Context) error { return nil })
}

// Trigger submits a driver completion or monitor event for vmID and returns
// immediately. It implements driver.Notifier.
func (e *Engine) Trigger(vmID int, ev lifecycle.Event) {
	err := e.queue.Submit(string(ev), func(ctx context.Context) error {
		e.trigger(ctx, vmID, ev)
		return nil
	})
	if err != nil {
		e.logger.Warn().Err(err).Int("vm_id", vmID).Str("event", string(ev)).Msg("Trigger rejected")
	}
}

// TriggerSuspendSuccess reports that a VM finished suspending
func (e *Engine) TriggerSuspendSuccess(vmID int) { e.Trigger(vmID, lifecycle.EventSuspendSuccess) }

// TriggerStopSuccess reports that a VM finished stopping
func (e *Engine) TriggerStopSuccess(vmID int) { e.Trigger(vmID, lifecycle.EventStopSuccess) }

// TriggerUndeploySuccess reports that a VM left its host
func (e *Engine) TriggerUndeploySuccess(vmID int) { e.Trigger(vmID, lifecycle.EventUndeploySuccess) }

// TriggerPoweroffSuccess reports that a VM is powered off
func (e *Engine) TriggerPoweroffSuccess(vmID int) { e.Trigger(vmID, lifecycle.EventPoweroffSuccess) }

// TriggerDone reports that a VM can release its resources
func (e *Engine) TriggerDone(vmID int) { e.Trigger(vmID, lifecycle.EventDone) }

// TriggerResubmit reports that a VM was cleaned up and can be scheduled again
func (e *Engine) TriggerResubmit(vmID int) { e.Trigger(vmID, lifecycle.EventResubmit) }

// MonitorPoweroff reports a VM found powered off by the monitor
func (e *Engine) MonitorPoweroff(vmID int) { e.Trigger(vmID, lifecycle.EventMonitorPoweroff) }

// MonitorRunning reports a VM found running by the monitor
func (e *Engine) MonitorRunning(vmID int) { e.Trigger(vmID, lifecycle.EventMonitorRunning) }

// MonitorUnknown reports a VM the monitor could not reach
func (e *Engine) MonitorUnknown(vmID int) { e.Trigger(vmID, lifecycle.EventMonitorUnknown) }

func (e *Engine) trigger(ctx context.Context, vmID int, ev lifecycle.Event) {
	_, err := e.apply(ctx, vmID, fixed(ev), nil)

	var se *lifecycle.StateError
	switch {
	case err == nil:
		metrics.DispatchActionsTotal.WithLabelValues(string(ev), "success").Inc()
	case errors.Is(err, pool.ErrNotFound):
		// lost a race with a delete
		e.logger.Debug().Int("vm_id", vmID).Str("event", string(ev)).Msg("Ignoring trigger for missing VM")
	case errors.As(err, &se):
		metrics.TriggersDropped.WithLabelValues(string(ev)).Inc()
		e.logger.Error().
			Int("vm_id", vmID).
			Str("event", string(ev)).
			Str("state", se.State.String()).
			Str("lcm_state", se.LCMState.String()).
			Msg("Dropping trigger, VM in wrong state")
	default:
		metrics.DispatchActionsTotal.WithLabelValues(string(ev), "error").Inc()
		e.logger.Error().Err(err).Int("vm_id", vmID).Str("event", string(ev)).Msg("Trigger failed")
	}
}

// chooser picks the event to apply from the locked VM. It may adjust the VM
// before the lookup; the adjustment is discarded if the lookup fails.
type chooser func(vm *types.VirtualMachine) (lifecycle.Event, error)

// hook validates operation arguments and mutates the VM before the state
// change is applied
type hook func(vm *types.VirtualMachine, s *step) error

func fixed(ev lifecycle.Event) chooser {
	return func(*types.VirtualMachine) (lifecycle.Event, error) { return ev, nil }
}

// step collects what one transition has to do once the VM lock is released
type step struct {
	event lifecycle.Event
	from  lifecycle.Pair
	to    lifecycle.Pair
	exit  lifecycle.Exit
	now   time.Time

	// quota delta applied after release
	del *template.Template
	add *template.Template

	requests []driver.Request
	next     []lifecycle.Event
	after    []func(ctx context.Context)

	vmID int
}

// run executes an operation on the worker and waits for the outcome
func (e *Engine) run(ctx context.Context, vmID int, name string, choose chooser, fn hook) error {
	err := e.queue.Do(ctx, name, func(ctx context.Context) error {
		_, err := e.apply(ctx, vmID, choose, fn)
		return err
	})

	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.DispatchActionsTotal.WithLabelValues(name, result).Inc()
	return err
}

// apply is the transition pattern shared by triggers and operations: lock
// the VM, look up the transition for its current state pair, mutate and
// persist it together with a quota intent, release the lock, then apply
// the quota delta and issue the driver actions.
func (e *Engine) apply(ctx context.Context, vmID int, choose chooser, fn hook) (*step, error) {
	timer := metrics.NewTimer()

	h, err := e.vms.Get(ctx, vmID)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	vm := h.Object()
	ev, err := choose(vm)
	if err != nil {
		return nil, err
	}

	tr, err := lifecycle.Lookup(vm.State, vm.LCMState, ev)
	if err != nil {
		return nil, err
	}

	s := &step{
		event: ev,
		from:  lifecycle.Pair{State: vm.State, LCM: vm.LCMState},
		to:    tr.To,
		exit:  tr.Exit,
		now:   e.now(),
		del:   template.New(),
		add:   template.New(),
		vmID:  vmID,
	}
	if s.from.State != types.StateActive {
		s.from.LCM = types.LCMInit
	}

	if fn != nil {
		if err := fn(vm, s); err != nil {
			return nil, err
		}
	}
	e.complete(vm, s)
	e.move(vm, tr, s)
	if req, ok := e.request(vm, s); ok {
		s.requests = append(s.requests, req)
	}

	intent, err := e.journal.Record(vm, string(ev), s.del, s.add)
	if err != nil {
		return nil, err
	}
	if err := h.Update(ctx); err != nil {
		if derr := e.journal.Discard(intent); derr != nil {
			e.logger.Warn().Err(derr).Int("vm_id", vmID).Msg("Failed to discard quota intent")
		}
		return nil, fmt.Errorf("failed to persist vm %d: %w", vmID, err)
	}

	state, lcm := vm.State, vm.LCMState
	h.Release()

	e.logger.Debug().
		Int("vm_id", vmID).
		Str("event", string(ev)).
		Str("from", s.from.String()).
		Str("to", s.to.String()).
		Msg("VM transition")

	if err := e.journal.Apply(ctx, intent); err != nil {
		e.logger.Error().Err(err).Int("vm_id", vmID).Str("event", string(ev)).Msg("Quota update deferred to reconciler")
	}
	e.finish(ctx, s)

	e.broker.Publish(events.NewEvent(events.EventVMState, fmt.Sprintf("vm %d %s", vmID, s.to)).
		WithInt("vm_id", vmID).
		With("event", string(ev)).
		With("state", state.String()).
		With("lcm_state", lcm.String()))

	timer.ObserveDuration(metrics.TransitionDuration)
	return s, nil
}

// finish runs the work of a transition that must not hold the VM lock
func (e *Engine) finish(ctx context.Context, s *step) {
	for _, fn := range s.after {
		fn(ctx)
	}

	for _, req := range s.requests {
		if err := e.driver.Execute(ctx, req); err != nil {
			e.logger.Error().Err(err).Int("vm_id", req.VMID).Str("action", string(req.Action)).Msg("Driver action failed")
			if ev, ok := req.Action.Completion(false); ok {
				e.Trigger(req.VMID, ev)
			}
		}
	}

	for _, ev := range s.next {
		e.Trigger(s.vmID, ev)
	}
}

// merge adds the attributes of src to dst
func merge(dst, src *template.Template) {
	for _, k := range src.Keys() {
		v, ok := src.GetFloat(k)
		if !ok {
			continue
		}
		cur, _ := dst.GetFloat(k)
		dst.SetFloat(k, cur+v)
	}
}

type nopReleaser struct{}

func (nopReleaser) ReleaseDisk(context.Context, int, types.Disk) error { return nil }
func (nopReleaser) ReleaseNIC(context.Context, int, types.NIC) error   { return nil }
