package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/stratus/pkg/driver"
	"github.com/cuemby/stratus/pkg/events"
	"github.com/cuemby/stratus/pkg/lifecycle"
	"github.com/cuemby/stratus/pkg/metrics"
	"github.com/cuemby/stratus/pkg/template"
	"github.com/cuemby/stratus/pkg/types"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// move sets the new state pair and keeps history and running quota in step
// with it
func (e *Engine) move(vm *types.VirtualMachine, tr lifecycle.Transition, s *step) {
	wasRunning := vm.RunningOpen()
	running := vm.RunningQuotaTemplate()

	switch {
	case tr.Exit != lifecycle.ExitNone:
		e.exit(vm, tr, s)
	case tr.To.State == types.StateActive:
		if vm.State != types.StateActive {
			vm.SetState(types.StateActive)
		}
		vm.SetLCMState(tr.To.LCM)
	default:
		vm.SetState(tr.To.State)
	}

	stampHistory(vm, s.from, tr.To, s.now)

	switch {
	case vm.State == types.StateActive && vm.LCMState == types.Running && !vm.RunningOpen():
		vm.OpenRunning(s.now)
		if vm.RunningOpen() {
			merge(s.add, vm.RunningQuotaTemplate())
		}
	case vm.State != types.StateActive && wasRunning:
		vm.CloseRunning(s.now)
		merge(s.del, running)
	}
}

// exit finalizes a transition out of ACTIVE or out of an idle state. All
// paths reaching a coarse state go through here, whether they come from a
// dispatch trigger, a driver completion or an operation.
func (e *Engine) exit(vm *types.VirtualMachine, tr lifecycle.Transition, s *step) {
	vm.SetState(tr.To.State)
	h := vm.LastHistory()

	switch tr.Exit {
	case lifecycle.ExitSuspend, lifecycle.ExitPoweroff:
		// the VM keeps its host

	case lifecycle.ExitStop:
		vm.SetAction(types.ActionStop)
		closeHistory(h, s.now)

	case lifecycle.ExitUndeploy:
		if h != nil && h.Action != types.ActionUndeploy && h.Action != types.ActionUndeployHard {
			vm.SetAction(types.ActionUndeploy)
		}
		closeHistory(h, s.now)

	case lifecycle.ExitDone:
		closeHistory(h, s.now)
		vm.ETime = s.now
		merge(s.del, vm.QuotaTemplate(false))
		e.release(vm, s)
		vm.Operation = nil

	case lifecycle.ExitResubmit:
		// scheduling hints are kept as they are
		closeHistory(h, s.now)
		vm.DeployID = ""
		vm.Operation = nil
		vm.Backup.Active = false
	}
}

// release hands the disks, leases and backup job claim of a finished VM to
// their owners once the lock is released
func (e *Engine) release(vm *types.VirtualMachine, s *step) {
	vmID := vm.OID
	disks := append([]types.Disk(nil), vm.Disks...)
	nics := append([]types.NIC(nil), vm.NICs...)

	jobID := vm.Backup.JobID
	vm.Backup.JobID = types.NoneID
	vm.Backup.Active = false

	s.after = append(s.after, func(ctx context.Context) {
		var result *multierror.Error
		for _, d := range disks {
			if err := e.releaser.ReleaseDisk(ctx, vmID, d); err != nil {
				result = multierror.Append(result, fmt.Errorf("disk %d: %w", d.ID, err))
			}
		}
		for _, n := range nics {
			if err := e.releaser.ReleaseNIC(ctx, vmID, n); err != nil {
				result = multierror.Append(result, fmt.Errorf("nic %d: %w", n.ID, err))
			}
		}
		if err := result.ErrorOrNil(); err != nil {
			e.logger.Error().Err(err).Int("vm_id", vmID).Msg("Failed to release VM resources")
		}

		if jobID != types.NoneID {
			if n := e.backupNotifier(); n != nil {
				n.RemoveVM(jobID, vmID)
			}
		}

		e.broker.Publish(events.NewEvent(events.EventVMDone, fmt.Sprintf("vm %d is done", vmID)).
			WithInt("vm_id", vmID).
			WithInt("disks", len(disks)).
			WithInt("nics", len(nics)))
	})
}

func closeHistory(h *types.History, now time.Time) {
	if h != nil && h.ETime.IsZero() {
		h.ETime = now
	}
}

func isProlog(p lifecycle.Pair) bool {
	if p.State != types.StateActive {
		return false
	}
	switch p.LCM {
	case types.Prolog, types.PrologResume, types.PrologUndeploy, types.PrologMigrate,
		types.PrologMigratePoweroff, types.PrologMigrateSuspend:
		return true
	}
	return false
}

func isEpilog(p lifecycle.Pair) bool {
	if p.State != types.StateActive {
		return false
	}
	switch p.LCM {
	case types.Epilog, types.EpilogStop, types.EpilogUndeploy:
		return true
	}
	return false
}

// stampHistory records the start and end of the transfer phases on the
// current history record
func stampHistory(vm *types.VirtualMachine, from, to lifecycle.Pair, now time.Time) {
	h := vm.LastHistory()
	if h == nil {
		return
	}
	if isProlog(to) && (!isProlog(from) || from == to) {
		h.PrologSTime = now
	}
	if isProlog(from) && !isProlog(to) {
		h.PrologETime = now
	}
	if isEpilog(to) && (!isEpilog(from) || from == to) {
		h.EpilogSTime = now
	}
	if isEpilog(from) && !isEpilog(to) {
		h.EpilogETime = now
	}
}

// complete applies the device and bookkeeping changes reported by a driver
// completion
func (e *Engine) complete(vm *types.VirtualMachine, s *step) {
	switch s.event {
	case lifecycle.EventDeploySuccess:
		if vm.DeployID == "" {
			vm.DeployID = fmt.Sprintf("stratus-%d", vm.OID)
		}

	case lifecycle.EventMigrateFailure:
		vm.RestorePreviousHistory()

	case lifecycle.EventSaveFailure:
		if s.from.LCM == types.SaveMigrate {
			vm.RestorePreviousHistory()
		}

	case lifecycle.EventHotplugSuccess, lifecycle.EventHotplugFailure:
		e.diskHotplugDone(vm, s, s.event == lifecycle.EventHotplugSuccess)

	case lifecycle.EventHotplugNICSuccess, lifecycle.EventHotplugNICFailure:
		e.nicHotplugDone(vm, s, s.event == lifecycle.EventHotplugNICSuccess)

	case lifecycle.EventDiskSnapshotSuccess, lifecycle.EventDiskSnapshotFailure:
		e.diskSnapshotDone(vm, s.event == lifecycle.EventDiskSnapshotSuccess)

	case lifecycle.EventSnapshotSuccess, lifecycle.EventSnapshotFailure:
		e.snapshotDone(vm, s.event == lifecycle.EventSnapshotSuccess)

	case lifecycle.EventDiskResizeSuccess, lifecycle.EventDiskResizeFailure:
		e.diskResizeDone(vm, s, s.event == lifecycle.EventDiskResizeSuccess)

	case lifecycle.EventBackupSuccess, lifecycle.EventBackupFailure:
		e.backupDone(vm, s, s.event == lifecycle.EventBackupSuccess)

	default:
		return
	}

	if s.event != lifecycle.EventDeploySuccess {
		vm.Operation = nil
	}
}

func (e *Engine) operation(vm *types.VirtualMachine) *types.Operation {
	if vm.Operation == nil {
		e.logger.Warn().Int("vm_id", vm.OID).Str("state", vm.StateString()).Msg("Completion without a pending operation")
		return nil
	}
	return vm.Operation
}

func diskQuota(size int) *template.Template {
	t := template.New()
	t.SetInt(types.QuotaSystemDiskSize, size)
	return t
}

func (e *Engine) diskHotplugDone(vm *types.VirtualMachine, s *step, success bool) {
	op := e.operation(vm)
	if op == nil {
		return
	}
	d := vm.Disk(op.DiskID)
	if d == nil {
		return
	}

	switch {
	case d.Attaching && success:
		d.Attaching = false
		merge(s.add, diskQuota(d.Size))
	case d.Attaching:
		vm.RemoveDisk(d.ID)
	case d.Detaching && success:
		disk, _ := vm.RemoveDisk(d.ID)
		merge(s.del, diskQuota(disk.Size))
		vmID := vm.OID
		s.after = append(s.after, func(ctx context.Context) {
			if err := e.releaser.ReleaseDisk(ctx, vmID, disk); err != nil {
				e.logger.Error().Err(err).Int("vm_id", vmID).Int("disk_id", disk.ID).Msg("Failed to release disk")
			}
		})
	case d.Detaching:
		d.Detaching = false
	}
}

func (e *Engine) nicHotplugDone(vm *types.VirtualMachine, s *step, success bool) {
	op := e.operation(vm)
	if op == nil {
		return
	}
	n := vm.NIC(op.NICID)
	if n == nil {
		return
	}

	var freed *types.NIC
	switch {
	case n.Attaching && success:
		n.Attaching = false
	case n.Detaching && !success:
		n.Detaching = false
	default:
		// failed attach or completed detach: the lease goes back
		nic, _ := vm.RemoveNIC(n.ID)
		freed = &nic
	}

	if freed != nil {
		vmID, nic := vm.OID, *freed
		s.after = append(s.after, func(ctx context.Context) {
			if err := e.releaser.ReleaseNIC(ctx, vmID, nic); err != nil {
				e.logger.Error().Err(err).Int("vm_id", vmID).Int("nic_id", nic.ID).Msg("Failed to release NIC lease")
			}
		})
	}
}

func (e *Engine) diskSnapshotDone(vm *types.VirtualMachine, success bool) {
	op := e.operation(vm)
	if op == nil {
		return
	}
	d := vm.Disk(op.DiskID)
	if d == nil {
		return
	}
	snap := d.DiskSnapshot(op.SnapshotID)
	if snap == nil {
		return
	}

	switch {
	case snap.Pending && success:
		snap.Pending = false
		d.ActiveSnap = snap.ID
	case snap.Pending:
		d.RemoveSnapshot(snap.ID)
	case snap.Deleting && success:
		d.RemoveSnapshot(snap.ID)
	case snap.Deleting:
		snap.Deleting = false
	case success:
		// revert
		d.ActiveSnap = snap.ID
	}
}

func (e *Engine) snapshotDone(vm *types.VirtualMachine, success bool) {
	op := e.operation(vm)
	if op == nil {
		return
	}
	snap := vm.Snapshot(op.SnapshotID)
	if snap == nil {
		return
	}
	h := vm.LastHistory()
	if h == nil {
		return
	}

	switch h.Action {
	case types.ActionSnapCreate:
		if !success {
			vm.RemoveSnapshot(snap.ID)
			return
		}
		fallthrough
	case types.ActionSnapRevert:
		if success {
			for i := range vm.Snapshots {
				vm.Snapshots[i].Active = vm.Snapshots[i].ID == op.SnapshotID
			}
		}
	case types.ActionSnapDelete:
		if success {
			vm.RemoveSnapshot(snap.ID)
		} else {
			snap.Deleting = false
		}
	}
}

func (e *Engine) diskResizeDone(vm *types.VirtualMachine, s *step, success bool) {
	op := e.operation(vm)
	if op == nil {
		return
	}
	d := vm.Disk(op.DiskID)
	if d == nil {
		return
	}
	if success && op.Size > d.Size {
		merge(s.add, diskQuota(op.Size-d.Size))
		d.Size = op.Size
	}
	d.Resize = 0
}

func (e *Engine) backupDone(vm *types.VirtualMachine, s *step, success bool) {
	jobID := types.NoneID
	if op := e.operation(vm); op != nil {
		jobID = op.BackupJobID
	}

	vm.Backup.Active = false
	result := "failure"
	if success {
		result = "success"
		id := uuid.New().String()
		vm.Backup.LastBackupID = id
		vm.Backup.LastTime = s.now
		vm.Backup.BackupIDs = append(vm.Backup.BackupIDs, id)
	}
	metrics.BackupsFinished.WithLabelValues(result).Inc()

	if jobID == types.NoneID {
		return
	}
	vmID := vm.OID
	s.after = append(s.after, func(context.Context) {
		if n := e.backupNotifier(); n != nil {
			n.BackupFinished(jobID, vmID, success)
		}
	})
}

// request returns the driver action the new state pair calls for
func (e *Engine) request(vm *types.VirtualMachine, s *step) (driver.Request, bool) {
	if vm.State != types.StateActive {
		return driver.Request{}, false
	}

	var action driver.Action
	switch s.event {
	case lifecycle.OpReboot:
		action = driver.ActionReboot
	case lifecycle.OpBackupCancel:
		action = driver.ActionBackupCancel
	case lifecycle.EventMonitorPoweroff:
		// already off: finish the poweroff without asking the hypervisor
		s.next = append(s.next, lifecycle.EventPoweroffSuccess)
		return driver.Request{}, false
	default:
		if s.from == s.to && s.event != lifecycle.OpRecoverRetry {
			return driver.Request{}, false
		}
		var ok bool
		if action, ok = actionFor(vm); !ok {
			return driver.Request{}, false
		}
	}

	req := driver.Request{
		VMID:       vm.OID,
		Action:     action,
		HostID:     types.NoneID,
		DiskID:     types.NoneID,
		NICID:      types.NoneID,
		SnapshotID: types.NoneID,
	}
	if h := vm.LastHistory(); h != nil {
		req.HostID = h.HostID
		req.Hostname = h.Hostname
		switch h.Action {
		case types.ActionTerminateHard, types.ActionPoweroffHard, types.ActionUndeployHard, types.ActionRebootHard:
			req.Hard = true
		}
	}
	if op := vm.Operation; op != nil {
		req.DiskID = op.DiskID
		req.NICID = op.NICID
		req.SnapshotID = op.SnapshotID
		req.Size = op.Size
	}
	return req, true
}

// actionFor maps an ACTIVE sub-state to the action that leaves it
func actionFor(vm *types.VirtualMachine) (driver.Action, bool) {
	action := types.ActionNone
	if h := vm.LastHistory(); h != nil {
		action = h.Action
	}

	switch vm.LCMState {
	case types.Prolog, types.PrologResume, types.PrologUndeploy, types.PrologMigrate,
		types.PrologMigratePoweroff, types.PrologMigrateSuspend:
		return driver.ActionProlog, true
	case types.Boot, types.BootMigrate, types.BootSuspended, types.BootStopped,
		types.BootUndeploy, types.BootPoweroff:
		return driver.ActionDeploy, true
	case types.SaveStop, types.SaveSuspend, types.SaveMigrate:
		return driver.ActionSave, true
	case types.Shutdown, types.ShutdownPoweroff, types.ShutdownUndeploy:
		return driver.ActionShutdown, true
	case types.Epilog, types.EpilogStop, types.EpilogUndeploy:
		return driver.ActionEpilog, true
	case types.Migrate:
		return driver.ActionMigrate, true
	case types.CleanupDelete, types.CleanupResubmit:
		return driver.ActionCleanup, true
	case types.Hotplug, types.HotplugPrologPoweroff, types.HotplugEpilogPoweroff:
		if action == types.ActionDiskDetach {
			return driver.ActionDetachDisk, true
		}
		return driver.ActionAttachDisk, true
	case types.HotplugNIC, types.HotplugNICPoweroff:
		if action == types.ActionNICDetach {
			return driver.ActionDetachNIC, true
		}
		return driver.ActionAttachNIC, true
	case types.DiskSnapshotRevertPoweroff:
		return driver.ActionDiskSnapRevert, true
	case types.DiskSnapshotDelete, types.DiskSnapshotDeletePoweroff, types.DiskSnapshotDeleteSuspended:
		return driver.ActionDiskSnapDelete, true
	case types.DiskSnapshot, types.DiskSnapshotPoweroff, types.DiskSnapshotSuspended:
		return driver.ActionDiskSnapCreate, true
	case types.HotplugSnapshot:
		switch action {
		case types.ActionSnapRevert:
			return driver.ActionSnapRevert, true
		case types.ActionSnapDelete:
			return driver.ActionSnapDelete, true
		}
		return driver.ActionSnapCreate, true
	case types.DiskResize, types.DiskResizePoweroff, types.DiskResizeUndeployed:
		return driver.ActionDiskResize, true
	case types.Backup, types.BackupPoweroff:
		return driver.ActionBackup, true
	}
	return "", false
}
