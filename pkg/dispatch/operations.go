package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/stratus/pkg/events"
	"github.com/cuemby/stratus/pkg/lifecycle"
	"github.com/cuemby/stratus/pkg/template"
	"github.com/cuemby/stratus/pkg/types"
	"github.com/hashicorp/go-multierror"
)

var (
	// ErrNoDevice is returned when an operation names a missing disk, NIC,
	// PCI device or snapshot
	ErrNoDevice = errors.New("no such device")

	// ErrBusy is returned when the target device has an operation in flight
	ErrBusy = errors.New("device busy")

	// ErrInvalidArgument is returned for malformed operation arguments
	ErrInvalidArgument = errors.New("invalid argument")
)

// Host is the placement chosen for a deploy or migration
type Host struct {
	ID          int
	Name        string
	DatastoreID int
}

// RecoverOp selects how a stuck VM is recovered
type RecoverOp int

const (
	RecoverFailure RecoverOp = iota
	RecoverSuccess
	RecoverRetry
	RecoverDelete
	RecoverDeleteRecreate
)

var recoverOpNames = map[RecoverOp]string{
	RecoverFailure:        "failure",
	RecoverSuccess:        "success",
	RecoverRetry:          "retry",
	RecoverDelete:         "delete",
	RecoverDeleteRecreate: "delete-recreate",
}

func (op RecoverOp) String() string {
	if name, ok := recoverOpNames[op]; ok {
		return name
	}
	return fmt.Sprintf("recover-op-%d", int(op))
}

// ParseRecoverOp parses the name of a recover operation
func ParseRecoverOp(s string) (RecoverOp, error) {
	for op, name := range recoverOpNames {
		if name == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown recover operation %q", ErrInvalidArgument, s)
}

func setAction(a types.HistoryAction) hook {
	return func(vm *types.VirtualMachine, _ *step) error {
		vm.SetAction(a)
		return nil
	}
}

func pick(cond bool, a, b types.HistoryAction) types.HistoryAction {
	if cond {
		return a
	}
	return b
}

// Allocate creates a VM from tmpl in PENDING, or HOLD when hold is set. The
// basic quota of the VM is charged to its owner first.
func (e *Engine) Allocate(ctx context.Context, owner types.Owner, tmpl *template.Template, hold bool) (int, error) {
	vm, err := types.NewVirtualMachine(owner, tmpl)
	if err != nil {
		return types.NoneID, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if hold {
		vm.State = types.StateHold
	}
	vm.STime = e.now()

	oid := types.NoneID
	err = e.queue.Do(ctx, "allocate", func(ctx context.Context) error {
		q := vm.QuotaTemplate(false)
		if err := e.quotas.Add(ctx, vm.UID, vm.GID, q); err != nil {
			return err
		}

		id, err := e.vms.Allocate(ctx, vm)
		if err != nil {
			if qerr := e.quotas.Del(ctx, vm.UID, vm.GID, q); qerr != nil {
				return multierror.Append(err, qerr)
			}
			return err
		}
		oid = id
		return nil
	})
	if err != nil {
		return types.NoneID, err
	}

	e.logger.Info().Int("vm_id", oid).Int("uid", owner.UID).Str("state", vm.State.String()).Msg("VM allocated")
	e.broker.Publish(events.NewEvent(events.EventVMState, fmt.Sprintf("vm %d allocated", oid)).
		WithInt("vm_id", oid).
		With("state", vm.State.String()))
	return oid, nil
}

// Deploy places a PENDING or HOLD VM on host. A VM that was stopped or
// undeployed resumes from its saved state.
func (e *Engine) Deploy(ctx context.Context, vmID int, host Host) error {
	choose := func(vm *types.VirtualMachine) (lifecycle.Event, error) {
		h := vm.LastHistory()
		if h == nil || (vm.State != types.StatePending && vm.State != types.StateHold) {
			return lifecycle.OpDeploy, nil
		}
		switch h.Action {
		case types.ActionStop:
			return lifecycle.OpDeployResume, nil
		case types.ActionUndeploy, types.ActionUndeployHard:
			return lifecycle.OpDeployUndeployed, nil
		}
		return lifecycle.OpDeploy, nil
	}

	return e.run(ctx, vmID, "deploy", choose, func(vm *types.VirtualMachine, s *step) error {
		vm.AddHistory(host.ID, host.Name, host.DatastoreID, types.ActionDeploy, s.now)
		vm.Resched = false
		return nil
	})
}

// Migrate moves a VM to host, live when the VM keeps running meanwhile
func (e *Engine) Migrate(ctx context.Context, vmID int, host Host, live bool) error {
	ev := lifecycle.OpMigrate
	action := types.ActionMigrate
	if live {
		ev = lifecycle.OpLiveMigrate
		action = types.ActionLiveMigrate
	}
	return e.run(ctx, vmID, string(ev), fixed(ev), func(vm *types.VirtualMachine, s *step) error {
		vm.AddHistory(host.ID, host.Name, host.DatastoreID, action, s.now)
		vm.Resched = false
		return nil
	})
}

// Terminate shuts a VM down and releases its resources
func (e *Engine) Terminate(ctx context.Context, vmID int, hard bool) error {
	ev := lifecycle.OpTerminate
	if hard {
		ev = lifecycle.OpTerminateHard
	}
	return e.run(ctx, vmID, string(ev), fixed(ev), setAction(pick(hard, types.ActionTerminateHard, types.ActionTerminate)))
}

// Hold keeps a PENDING VM from being deployed
func (e *Engine) Hold(ctx context.Context, vmID int) error {
	return e.run(ctx, vmID, string(lifecycle.OpHold), fixed(lifecycle.OpHold), nil)
}

// Release returns a held VM to PENDING
func (e *Engine) Release(ctx context.Context, vmID int) error {
	return e.run(ctx, vmID, string(lifecycle.OpRelease), fixed(lifecycle.OpRelease), nil)
}

// Stop saves a VM and moves its state back to the datastore
func (e *Engine) Stop(ctx context.Context, vmID int) error {
	return e.run(ctx, vmID, string(lifecycle.OpStop), fixed(lifecycle.OpStop), setAction(types.ActionStop))
}

// Suspend saves a running VM on its host
func (e *Engine) Suspend(ctx context.Context, vmID int) error {
	return e.run(ctx, vmID, string(lifecycle.OpSuspend), fixed(lifecycle.OpSuspend), setAction(types.ActionSuspend))
}

// Resume boots a suspended or powered off VM, or returns a stopped or
// undeployed one to PENDING
func (e *Engine) Resume(ctx context.Context, vmID int) error {
	return e.run(ctx, vmID, string(lifecycle.OpResume), fixed(lifecycle.OpResume), func(vm *types.VirtualMachine, _ *step) error {
		if vm.State == types.StateSuspended || vm.State == types.StatePoweroff {
			vm.SetAction(types.ActionResume)
		}
		return nil
	})
}

// Poweroff shuts a running VM down, keeping it on its host
func (e *Engine) Poweroff(ctx context.Context, vmID int, hard bool) error {
	return e.run(ctx, vmID, string(lifecycle.OpPoweroff), fixed(lifecycle.OpPoweroff),
		setAction(pick(hard, types.ActionPoweroffHard, types.ActionPoweroff)))
}

// Undeploy shuts a VM down and moves it off its host
func (e *Engine) Undeploy(ctx context.Context, vmID int, hard bool) error {
	return e.run(ctx, vmID, string(lifecycle.OpUndeploy), fixed(lifecycle.OpUndeploy),
		setAction(pick(hard, types.ActionUndeployHard, types.ActionUndeploy)))
}

// Reboot restarts a running VM
func (e *Engine) Reboot(ctx context.Context, vmID int, hard bool) error {
	return e.run(ctx, vmID, string(lifecycle.OpReboot), fixed(lifecycle.OpReboot),
		setAction(pick(hard, types.ActionRebootHard, types.ActionReboot)))
}

// Resched flags a running VM for rescheduling by the placement component
func (e *Engine) Resched(ctx context.Context, vmID int, resched bool) error {
	return e.run(ctx, vmID, string(lifecycle.OpResched), fixed(lifecycle.OpResched), func(vm *types.VirtualMachine, _ *step) error {
		vm.Resched = resched
		return nil
	})
}

// Recover unblocks a VM whose driver action never completed or failed.
// Success and failure emulate the missing completion; retry issues the
// action again; delete and delete-recreate clean the VM up.
func (e *Engine) Recover(ctx context.Context, vmID int, op RecoverOp) error {
	name := "recover-" + op.String()

	switch op {
	case RecoverSuccess, RecoverFailure:
		choose := func(vm *types.VirtualMachine) (lifecycle.Event, error) {
			from, ev, ok := lifecycle.RecoverEvent(vm.LCMState, op == RecoverSuccess)
			if vm.State != types.StateActive || !ok {
				return "", &lifecycle.StateError{Event: lifecycle.Event(name), State: vm.State, LCMState: vm.LCMState}
			}
			vm.LCMState = from
			return ev, nil
		}
		return e.run(ctx, vmID, name, choose, nil)

	case RecoverRetry:
		return e.run(ctx, vmID, name, fixed(lifecycle.OpRecoverRetry), nil)

	case RecoverDelete:
		return e.run(ctx, vmID, name, fixed(lifecycle.OpRecoverDelete), setAction(types.ActionDelete))

	case RecoverDeleteRecreate:
		return e.run(ctx, vmID, name, fixed(lifecycle.OpRecoverRecreate), func(vm *types.VirtualMachine, _ *step) error {
			vm.SetAction(types.ActionDeleteRecreate)
			vm.Operation = nil
			return nil
		})
	}
	return fmt.Errorf("%w: unknown recover operation %d", ErrInvalidArgument, int(op))
}

// Retry issues the action of a failed or stuck VM again
func (e *Engine) Retry(ctx context.Context, vmID int) error {
	return e.Recover(ctx, vmID, RecoverRetry)
}

// checkQuota verifies that growing vmID by delta fits its owner's limits
func (e *Engine) checkQuota(ctx context.Context, vmID int, delta func(vm *types.VirtualMachine) *template.Template) error {
	vm, err := e.vms.GetRO(ctx, vmID)
	if err != nil {
		return err
	}
	d := delta(vm)
	if d.Len() == 0 {
		return nil
	}
	return e.quotas.Check(ctx, vm.UID, vm.GID, d)
}

// AttachDisk hot-plugs a new disk and returns its id
func (e *Engine) AttachDisk(ctx context.Context, vmID int, disk types.Disk) (int, error) {
	if disk.Size < 0 {
		return types.NoneID, fmt.Errorf("%w: disk size %d", ErrInvalidArgument, disk.Size)
	}
	err := e.checkQuota(ctx, vmID, func(*types.VirtualMachine) *template.Template {
		if disk.Size == 0 {
			return nil
		}
		return diskQuota(disk.Size)
	})
	if err != nil {
		return types.NoneID, err
	}

	diskID := types.NoneID
	err = e.run(ctx, vmID, string(lifecycle.OpDiskAttach), fixed(lifecycle.OpDiskAttach), func(vm *types.VirtualMachine, _ *step) error {
		d := disk
		d.ID = vm.NextDiskID()
		d.Attaching = true
		d.Detaching = false
		d.Snapshots = nil
		d.ActiveSnap = types.NoneID
		d.Saveas = types.NoneID
		vm.Disks = append(vm.Disks, d)

		op := types.NewOperation()
		op.DiskID = d.ID
		vm.Operation = op
		vm.SetAction(types.ActionDiskAttach)
		diskID = d.ID
		return nil
	})
	if err != nil {
		return types.NoneID, err
	}
	return diskID, nil
}

// DetachDisk hot-unplugs a disk
func (e *Engine) DetachDisk(ctx context.Context, vmID, diskID int) error {
	return e.run(ctx, vmID, string(lifecycle.OpDiskDetach), fixed(lifecycle.OpDiskDetach), func(vm *types.VirtualMachine, _ *step) error {
		d := vm.Disk(diskID)
		if d == nil {
			return fmt.Errorf("%w: vm %d disk %d", ErrNoDevice, vmID, diskID)
		}
		if d.Attaching || d.Detaching {
			return fmt.Errorf("%w: vm %d disk %d", ErrBusy, vmID, diskID)
		}
		d.Detaching = true

		op := types.NewOperation()
		op.DiskID = diskID
		vm.Operation = op
		vm.SetAction(types.ActionDiskDetach)
		return nil
	})
}

// AttachNIC hot-plugs a network interface and returns its id
func (e *Engine) AttachNIC(ctx context.Context, vmID int, nic types.NIC) (int, error) {
	nicID := types.NoneID
	err := e.run(ctx, vmID, string(lifecycle.OpNICAttach), fixed(lifecycle.OpNICAttach), func(vm *types.VirtualMachine, _ *step) error {
		n := nic
		n.ID = vm.NextNICID()
		n.Attaching = true
		n.Detaching = false
		vm.NICs = append(vm.NICs, n)

		op := types.NewOperation()
		op.NICID = n.ID
		vm.Operation = op
		vm.SetAction(types.ActionNICAttach)
		nicID = n.ID
		return nil
	})
	if err != nil {
		return types.NoneID, err
	}
	return nicID, nil
}

// DetachNIC hot-unplugs a network interface
func (e *Engine) DetachNIC(ctx context.Context, vmID, nicID int) error {
	return e.run(ctx, vmID, string(lifecycle.OpNICDetach), fixed(lifecycle.OpNICDetach), func(vm *types.VirtualMachine, _ *step) error {
		n := vm.NIC(nicID)
		if n == nil {
			return fmt.Errorf("%w: vm %d nic %d", ErrNoDevice, vmID, nicID)
		}
		if n.Attaching || n.Detaching {
			return fmt.Errorf("%w: vm %d nic %d", ErrBusy, vmID, nicID)
		}
		n.Detaching = true

		op := types.NewOperation()
		op.NICID = nicID
		vm.Operation = op
		vm.SetAction(types.ActionNICDetach)
		return nil
	})
}

func diskSnapshotTarget(vm *types.VirtualMachine, diskID, snapID int) (*types.Disk, *types.DiskSnap, error) {
	d := vm.Disk(diskID)
	if d == nil {
		return nil, nil, fmt.Errorf("%w: vm %d disk %d", ErrNoDevice, vm.OID, diskID)
	}
	if snapID == types.NoneID {
		return d, nil, nil
	}
	snap := d.DiskSnapshot(snapID)
	if snap == nil {
		return nil, nil, fmt.Errorf("%w: vm %d disk %d snapshot %d", ErrNoDevice, vm.OID, diskID, snapID)
	}
	if snap.Pending || snap.Deleting {
		return nil, nil, fmt.Errorf("%w: vm %d disk %d snapshot %d", ErrBusy, vm.OID, diskID, snapID)
	}
	return d, snap, nil
}

// DiskSnapshotCreate takes a snapshot of one disk and returns its id
func (e *Engine) DiskSnapshotCreate(ctx context.Context, vmID, diskID int, name string) (int, error) {
	snapID := types.NoneID
	err := e.run(ctx, vmID, string(lifecycle.OpDiskSnapCreate), fixed(lifecycle.OpDiskSnapCreate), func(vm *types.VirtualMachine, s *step) error {
		d, _, err := diskSnapshotTarget(vm, diskID, types.NoneID)
		if err != nil {
			return err
		}
		snapID = d.NextSnapshotID()
		d.Snapshots = append(d.Snapshots, types.DiskSnap{ID: snapID, Name: name, Date: s.now, Pending: true})

		op := types.NewOperation()
		op.DiskID = diskID
		op.SnapshotID = snapID
		vm.Operation = op
		vm.SetAction(types.ActionDiskSnapCreate)
		return nil
	})
	if err != nil {
		return types.NoneID, err
	}
	return snapID, nil
}

// DiskSnapshotRevert restores a disk to one of its snapshots
func (e *Engine) DiskSnapshotRevert(ctx context.Context, vmID, diskID, snapID int) error {
	return e.run(ctx, vmID, string(lifecycle.OpDiskSnapRevert), fixed(lifecycle.OpDiskSnapRevert), func(vm *types.VirtualMachine, _ *step) error {
		if _, _, err := diskSnapshotTarget(vm, diskID, snapID); err != nil {
			return err
		}
		op := types.NewOperation()
		op.DiskID = diskID
		op.SnapshotID = snapID
		vm.Operation = op
		vm.SetAction(types.ActionDiskSnapRevert)
		return nil
	})
}

// DiskSnapshotDelete removes a disk snapshot. The active snapshot cannot be
// deleted.
func (e *Engine) DiskSnapshotDelete(ctx context.Context, vmID, diskID, snapID int) error {
	return e.run(ctx, vmID, string(lifecycle.OpDiskSnapDelete), fixed(lifecycle.OpDiskSnapDelete), func(vm *types.VirtualMachine, _ *step) error {
		d, snap, err := diskSnapshotTarget(vm, diskID, snapID)
		if err != nil {
			return err
		}
		if d.ActiveSnap == snapID {
			return fmt.Errorf("%w: vm %d disk %d snapshot %d is active", ErrBusy, vmID, diskID, snapID)
		}
		snap.Deleting = true

		op := types.NewOperation()
		op.DiskID = diskID
		op.SnapshotID = snapID
		vm.Operation = op
		vm.SetAction(types.ActionDiskSnapDelete)
		return nil
	})
}

// SnapshotCreate takes a system snapshot of a running VM and returns its id
func (e *Engine) SnapshotCreate(ctx context.Context, vmID int, name string) (int, error) {
	snapID := types.NoneID
	err := e.run(ctx, vmID, string(lifecycle.OpSnapCreate), fixed(lifecycle.OpSnapCreate), func(vm *types.VirtualMachine, s *step) error {
		snapID = vm.NextSnapshotID()
		vm.Snapshots = append(vm.Snapshots, types.Snapshot{ID: snapID, Name: name, Date: s.now})

		op := types.NewOperation()
		op.SnapshotID = snapID
		vm.Operation = op
		vm.SetAction(types.ActionSnapCreate)
		return nil
	})
	if err != nil {
		return types.NoneID, err
	}
	return snapID, nil
}

func (e *Engine) snapshotOp(ctx context.Context, vmID, snapID int, ev lifecycle.Event, action types.HistoryAction) error {
	return e.run(ctx, vmID, string(ev), fixed(ev), func(vm *types.VirtualMachine, _ *step) error {
		snap := vm.Snapshot(snapID)
		if snap == nil {
			return fmt.Errorf("%w: vm %d snapshot %d", ErrNoDevice, vmID, snapID)
		}
		if snap.Deleting {
			return fmt.Errorf("%w: vm %d snapshot %d", ErrBusy, vmID, snapID)
		}
		if action == types.ActionSnapDelete {
			snap.Deleting = true
		}

		op := types.NewOperation()
		op.SnapshotID = snapID
		vm.Operation = op
		vm.SetAction(action)
		return nil
	})
}

// SnapshotRevert restores a running VM to a system snapshot
func (e *Engine) SnapshotRevert(ctx context.Context, vmID, snapID int) error {
	return e.snapshotOp(ctx, vmID, snapID, lifecycle.OpSnapRevert, types.ActionSnapRevert)
}

// SnapshotDelete removes a system snapshot
func (e *Engine) SnapshotDelete(ctx context.Context, vmID, snapID int) error {
	return e.snapshotOp(ctx, vmID, snapID, lifecycle.OpSnapDelete, types.ActionSnapDelete)
}

// DiskResize grows a disk to size MB
func (e *Engine) DiskResize(ctx context.Context, vmID, diskID, size int) error {
	err := e.checkQuota(ctx, vmID, func(vm *types.VirtualMachine) *template.Template {
		if d := vm.Disk(diskID); d != nil && size > d.Size {
			return diskQuota(size - d.Size)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return e.run(ctx, vmID, string(lifecycle.OpDiskResize), fixed(lifecycle.OpDiskResize), func(vm *types.VirtualMachine, _ *step) error {
		d := vm.Disk(diskID)
		if d == nil {
			return fmt.Errorf("%w: vm %d disk %d", ErrNoDevice, vmID, diskID)
		}
		if size <= d.Size {
			return fmt.Errorf("%w: disk %d can only grow, %d <= %d", ErrInvalidArgument, diskID, size, d.Size)
		}
		if d.Attaching || d.Detaching {
			return fmt.Errorf("%w: vm %d disk %d", ErrBusy, vmID, diskID)
		}
		d.Resize = size

		op := types.NewOperation()
		op.DiskID = diskID
		op.Size = size
		vm.Operation = op
		vm.SetAction(types.ActionDiskResize)
		return nil
	})
}

// Backup starts a backup of a VM. jobID names the backup job that claims
// the VM, or NoneID for a one-off backup.
func (e *Engine) Backup(ctx context.Context, vmID, jobID int) error {
	return e.run(ctx, vmID, string(lifecycle.OpBackup), fixed(lifecycle.OpBackup), func(vm *types.VirtualMachine, _ *step) error {
		if jobID != types.NoneID && vm.Backup.JobID != jobID {
			return fmt.Errorf("%w: vm %d is not claimed by backup job %d", ErrInvalidArgument, vmID, jobID)
		}
		vm.Backup.Active = true

		op := types.NewOperation()
		op.BackupJobID = jobID
		vm.Operation = op
		vm.SetAction(types.ActionBackup)
		return nil
	})
}

// BackupCancel aborts the backup in progress. The driver reports the
// cancelled backup as failed.
func (e *Engine) BackupCancel(ctx context.Context, vmID int) error {
	return e.run(ctx, vmID, string(lifecycle.OpBackupCancel), fixed(lifecycle.OpBackupCancel), nil)
}

// Resize changes the capacity of a VM that is not deployed. Zero values
// keep the current setting.
func (e *Engine) Resize(ctx context.Context, vmID int, cpu float64, vcpu, memory int) error {
	if cpu < 0 || vcpu < 0 || memory < 0 {
		return fmt.Errorf("%w: negative capacity", ErrInvalidArgument)
	}

	err := e.checkQuota(ctx, vmID, func(vm *types.VirtualMachine) *template.Template {
		t := template.New()
		if cpu > vm.CPU {
			t.SetFloat(types.QuotaCPU, cpu-vm.CPU)
		}
		if memory > vm.Memory {
			t.SetInt(types.QuotaMemory, memory-vm.Memory)
		}
		return t
	})
	if err != nil {
		return err
	}

	return e.run(ctx, vmID, string(lifecycle.OpResize), fixed(lifecycle.OpResize), func(vm *types.VirtualMachine, s *step) error {
		s.del.SetFloat(types.QuotaCPU, vm.CPU)
		s.del.SetInt(types.QuotaMemory, vm.Memory)
		if cpu > 0 {
			vm.CPU = cpu
		}
		if vcpu > 0 {
			vm.VCPU = vcpu
		}
		if memory > 0 {
			vm.Memory = memory
		}
		s.add.SetFloat(types.QuotaCPU, vm.CPU)
		s.add.SetInt(types.QuotaMemory, vm.Memory)
		return nil
	})
}

// AttachPCI adds a passthrough device to a VM that is not running and
// returns its id
func (e *Engine) AttachPCI(ctx context.Context, vmID int, pci types.PCI) (int, error) {
	if pci.Address == "" {
		return types.NoneID, fmt.Errorf("%w: pci address is required", ErrInvalidArgument)
	}
	pciID := types.NoneID
	err := e.run(ctx, vmID, string(lifecycle.OpPCIAttach), fixed(lifecycle.OpPCIAttach), func(vm *types.VirtualMachine, _ *step) error {
		p := pci
		p.ID = vm.NextPCIID()
		vm.PCIs = append(vm.PCIs, p)
		pciID = p.ID
		return nil
	})
	if err != nil {
		return types.NoneID, err
	}
	return pciID, nil
}

// DetachPCI removes a passthrough device
func (e *Engine) DetachPCI(ctx context.Context, vmID, pciID int) error {
	return e.run(ctx, vmID, string(lifecycle.OpPCIDetach), fixed(lifecycle.OpPCIDetach), func(vm *types.VirtualMachine, _ *step) error {
		if !vm.RemovePCI(pciID) {
			return fmt.Errorf("%w: vm %d pci %d", ErrNoDevice, vmID, pciID)
		}
		return nil
	})
}
