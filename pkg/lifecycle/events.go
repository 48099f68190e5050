package lifecycle

import (
	"github.com/cuemby/stratus/pkg/types"
)

// Event is a driver completion, a monitor observation or an operation
type Event string

// Exits reported by the dispatch triggers
const (
	EventSuspendSuccess  Event = "suspend-success"
	EventStopSuccess     Event = "stop-success"
	EventUndeploySuccess Event = "undeploy-success"
	EventPoweroffSuccess Event = "poweroff-success"
	EventDone            Event = "done"
	EventResubmit        Event = "resubmit"
)

// Driver completions
const (
	EventPrologSuccess       Event = "prolog-success"
	EventPrologFailure       Event = "prolog-failure"
	EventDeploySuccess       Event = "deploy-success"
	EventDeployFailure       Event = "deploy-failure"
	EventSaveSuccess         Event = "save-success"
	EventSaveFailure         Event = "save-failure"
	EventShutdownSuccess     Event = "shutdown-success"
	EventShutdownFailure     Event = "shutdown-failure"
	EventEpilogSuccess       Event = "epilog-success"
	EventEpilogFailure       Event = "epilog-failure"
	EventMigrateSuccess      Event = "migrate-success"
	EventMigrateFailure      Event = "migrate-failure"
	EventCleanupSuccess      Event = "cleanup-success"
	EventHotplugSuccess      Event = "hotplug-success"
	EventHotplugFailure      Event = "hotplug-failure"
	EventHotplugNICSuccess   Event = "hotplug-nic-success"
	EventHotplugNICFailure   Event = "hotplug-nic-failure"
	EventDiskSnapshotSuccess Event = "disk-snapshot-success"
	EventDiskSnapshotFailure Event = "disk-snapshot-failure"
	EventSnapshotSuccess     Event = "snapshot-success"
	EventSnapshotFailure     Event = "snapshot-failure"
	EventDiskResizeSuccess   Event = "disk-resize-success"
	EventDiskResizeFailure   Event = "disk-resize-failure"
	EventBackupSuccess       Event = "backup-success"
	EventBackupFailure       Event = "backup-failure"
)

// Monitor observations
const (
	EventMonitorPoweroff Event = "monitor-poweroff"
	EventMonitorRunning  Event = "monitor-running"
	EventMonitorUnknown  Event = "monitor-unknown"
)

// Operations
const (
	OpDeploy            Event = "deploy"
	OpDeployResume      Event = "deploy-resume"
	OpDeployUndeployed  Event = "deploy-undeployed"
	OpMigrate           Event = "migrate"
	OpLiveMigrate       Event = "live-migrate"
	OpTerminate         Event = "terminate"
	OpTerminateHard     Event = "terminate-hard"
	OpHold              Event = "hold"
	OpRelease           Event = "release"
	OpStop              Event = "stop"
	OpSuspend           Event = "suspend"
	OpResume            Event = "resume"
	OpPoweroff          Event = "poweroff"
	OpUndeploy          Event = "undeploy"
	OpReboot            Event = "reboot"
	OpResched           Event = "resched"
	OpDiskAttach        Event = "disk-attach"
	OpDiskDetach        Event = "disk-detach"
	OpNICAttach         Event = "nic-attach"
	OpNICDetach         Event = "nic-detach"
	OpDiskSnapCreate    Event = "disk-snapshot-create"
	OpDiskSnapRevert    Event = "disk-snapshot-revert"
	OpDiskSnapDelete    Event = "disk-snapshot-delete"
	OpSnapCreate        Event = "snapshot-create"
	OpSnapRevert        Event = "snapshot-revert"
	OpSnapDelete        Event = "snapshot-delete"
	OpDiskResize        Event = "disk-resize"
	OpBackup            Event = "backup"
	OpBackupCancel      Event = "backup-cancel"
	OpResize            Event = "resize"
	OpPCIAttach         Event = "pci-attach"
	OpPCIDetach         Event = "pci-detach"
	OpRecoverRetry      Event = "recover-retry"
	OpRecoverDelete     Event = "recover-delete"
	OpRecoverRecreate   Event = "recover-delete-recreate"
)

// Whitelists of the dispatch exits
var (
	suspendFrom = []types.LCMState{
		types.SaveSuspend, types.PrologMigrateSuspend, types.PrologMigrateSuspendFailure,
		types.DiskSnapshotSuspended, types.DiskSnapshotDeleteSuspended,
	}
	stopFrom     = []types.LCMState{types.EpilogStop, types.PrologResume}
	undeployFrom = []types.LCMState{types.EpilogUndeploy, types.DiskResizeUndeployed, types.PrologUndeploy, types.BootUndeploy}
	poweroffFrom = []types.LCMState{
		types.ShutdownPoweroff, types.HotplugPrologPoweroff, types.HotplugEpilogPoweroff,
		types.PrologMigratePoweroff, types.PrologMigratePoweroffFailure, types.DiskSnapshotPoweroff,
		types.DiskSnapshotRevertPoweroff, types.DiskSnapshotDeletePoweroff, types.HotplugSaveasPoweroff,
		types.DiskResizePoweroff, types.HotplugNICPoweroff, types.BackupPoweroff,
	}
	doneFrom     = []types.LCMState{types.Epilog, types.CleanupDelete}
	resubmitFrom = []types.LCMState{types.CleanupResubmit}
)

func actives(states ...types.LCMState) []Pair {
	out := make([]Pair, len(states))
	for i, s := range states {
		out[i] = Active(s)
	}
	return out
}

func idles(states ...types.VMState) []Pair {
	out := make([]Pair, len(states))
	for i, s := range states {
		out[i] = Idle(s)
	}
	return out
}

func init() {
	running := to(Active(types.Running))

	// Dispatch exits
	add(EventSuspendSuccess, exit(types.StateSuspended, ExitSuspend), actives(suspendFrom...)...)
	add(EventStopSuccess, exit(types.StateStopped, ExitStop), actives(stopFrom...)...)
	add(EventUndeploySuccess, exit(types.StateUndeployed, ExitUndeploy), actives(undeployFrom...)...)
	add(EventPoweroffSuccess, exit(types.StatePoweroff, ExitPoweroff), actives(poweroffFrom...)...)
	add(EventDone, exit(types.StateDone, ExitDone), actives(doneFrom...)...)
	add(EventResubmit, exit(types.StatePending, ExitResubmit), actives(resubmitFrom...)...)

	// Transfer manager
	add(EventPrologSuccess, to(Active(types.Boot)), Active(types.Prolog))
	add(EventPrologSuccess, to(Active(types.BootStopped)), Active(types.PrologResume))
	add(EventPrologSuccess, to(Active(types.BootUndeploy)), Active(types.PrologUndeploy))
	add(EventPrologSuccess, to(Active(types.BootMigrate)), Active(types.PrologMigrate))
	add(EventPrologSuccess, exit(types.StatePoweroff, ExitPoweroff), Active(types.PrologMigratePoweroff))
	add(EventPrologSuccess, exit(types.StateSuspended, ExitSuspend), Active(types.PrologMigrateSuspend))

	add(EventPrologFailure, to(Active(types.PrologFailure)), Active(types.Prolog))
	add(EventPrologFailure, to(Active(types.PrologResumeFailure)), Active(types.PrologResume))
	add(EventPrologFailure, to(Active(types.PrologUndeployFailure)), Active(types.PrologUndeploy))
	add(EventPrologFailure, to(Active(types.PrologMigrateFailure)), Active(types.PrologMigrate))
	add(EventPrologFailure, to(Active(types.PrologMigratePoweroffFailure)), Active(types.PrologMigratePoweroff))
	add(EventPrologFailure, to(Active(types.PrologMigrateSuspendFailure)), Active(types.PrologMigrateSuspend))

	add(EventEpilogSuccess, exit(types.StateDone, ExitDone), Active(types.Epilog))
	add(EventEpilogSuccess, exit(types.StateStopped, ExitStop), Active(types.EpilogStop))
	add(EventEpilogSuccess, exit(types.StateUndeployed, ExitUndeploy), Active(types.EpilogUndeploy))

	add(EventEpilogFailure, to(Active(types.EpilogFailure)), Active(types.Epilog))
	add(EventEpilogFailure, to(Active(types.EpilogStopFailure)), Active(types.EpilogStop))
	add(EventEpilogFailure, to(Active(types.EpilogUndeployFailure)), Active(types.EpilogUndeploy))

	add(EventCleanupSuccess, exit(types.StateDone, ExitDone), Active(types.CleanupDelete))
	add(EventCleanupSuccess, exit(types.StatePending, ExitResubmit), Active(types.CleanupResubmit))

	// Virtualization driver
	add(EventDeploySuccess, running, actives(
		types.Boot, types.BootMigrate, types.BootSuspended, types.BootStopped, types.BootUndeploy, types.BootPoweroff,
		types.BootFailure, types.BootMigrateFailure, types.BootUndeployFailure, types.BootStoppedFailure)...)

	add(EventDeployFailure, to(Active(types.BootFailure)), Active(types.Boot))
	add(EventDeployFailure, to(Active(types.BootMigrateFailure)), Active(types.BootMigrate))
	add(EventDeployFailure, to(Active(types.BootUndeployFailure)), Active(types.BootUndeploy))
	add(EventDeployFailure, to(Active(types.BootStoppedFailure)), Active(types.BootStopped))
	add(EventDeployFailure, exit(types.StateSuspended, ExitSuspend), Active(types.BootSuspended))
	add(EventDeployFailure, exit(types.StatePoweroff, ExitPoweroff), Active(types.BootPoweroff))

	add(EventSaveSuccess, to(Active(types.EpilogStop)), Active(types.SaveStop))
	add(EventSaveSuccess, exit(types.StateSuspended, ExitSuspend), Active(types.SaveSuspend))
	add(EventSaveSuccess, to(Active(types.PrologMigrate)), Active(types.SaveMigrate))
	add(EventSaveFailure, running, actives(types.SaveStop, types.SaveSuspend, types.SaveMigrate)...)

	add(EventShutdownSuccess, to(Active(types.Epilog)), Active(types.Shutdown))
	add(EventShutdownSuccess, exit(types.StatePoweroff, ExitPoweroff), Active(types.ShutdownPoweroff))
	add(EventShutdownSuccess, to(Active(types.EpilogUndeploy)), Active(types.ShutdownUndeploy))
	add(EventShutdownFailure, running, actives(types.Shutdown, types.ShutdownPoweroff, types.ShutdownUndeploy)...)

	add(EventMigrateSuccess, running, Active(types.Migrate))
	add(EventMigrateFailure, running, Active(types.Migrate))

	add(EventHotplugSuccess, running, Active(types.Hotplug))
	add(EventHotplugFailure, running, Active(types.Hotplug))
	for _, ev := range []Event{EventHotplugSuccess, EventHotplugFailure} {
		add(ev, exit(types.StatePoweroff, ExitPoweroff), actives(types.HotplugPrologPoweroff, types.HotplugEpilogPoweroff, types.HotplugSaveasPoweroff)...)
	}

	for _, ev := range []Event{EventHotplugNICSuccess, EventHotplugNICFailure} {
		add(ev, running, Active(types.HotplugNIC))
		add(ev, exit(types.StatePoweroff, ExitPoweroff), Active(types.HotplugNICPoweroff))
	}

	for _, ev := range []Event{EventDiskSnapshotSuccess, EventDiskSnapshotFailure} {
		add(ev, running, actives(types.DiskSnapshot, types.DiskSnapshotDelete)...)
		add(ev, exit(types.StatePoweroff, ExitPoweroff), actives(types.DiskSnapshotPoweroff, types.DiskSnapshotRevertPoweroff, types.DiskSnapshotDeletePoweroff)...)
		add(ev, exit(types.StateSuspended, ExitSuspend), actives(types.DiskSnapshotSuspended, types.DiskSnapshotDeleteSuspended)...)
	}

	for _, ev := range []Event{EventSnapshotSuccess, EventSnapshotFailure} {
		add(ev, running, Active(types.HotplugSnapshot))
	}

	for _, ev := range []Event{EventDiskResizeSuccess, EventDiskResizeFailure} {
		add(ev, running, Active(types.DiskResize))
		add(ev, exit(types.StatePoweroff, ExitPoweroff), Active(types.DiskResizePoweroff))
		add(ev, exit(types.StateUndeployed, ExitUndeploy), Active(types.DiskResizeUndeployed))
	}

	for _, ev := range []Event{EventBackupSuccess, EventBackupFailure} {
		add(ev, running, Active(types.Backup))
		add(ev, exit(types.StatePoweroff, ExitPoweroff), Active(types.BackupPoweroff))
	}

	// Monitor
	add(EventMonitorPoweroff, to(Active(types.ShutdownPoweroff)), actives(types.Running, types.Unknown)...)
	add(EventMonitorRunning, running, Active(types.Unknown), Idle(types.StatePoweroff))
	add(EventMonitorUnknown, to(Active(types.Unknown)), Active(types.Running))

	// Placement
	add(OpDeploy, to(Active(types.Prolog)), idles(types.StatePending, types.StateHold)...)
	add(OpDeployResume, to(Active(types.PrologResume)), idles(types.StatePending, types.StateHold)...)
	add(OpDeployUndeployed, to(Active(types.PrologUndeploy)), idles(types.StatePending, types.StateHold)...)
	add(OpMigrate, to(Active(types.SaveMigrate)), Active(types.Running))
	add(OpMigrate, to(Active(types.PrologMigratePoweroff)), Idle(types.StatePoweroff))
	add(OpMigrate, to(Active(types.PrologMigrateSuspend)), Idle(types.StateSuspended))
	add(OpLiveMigrate, to(Active(types.Migrate)), Active(types.Running))
	add(OpResched, to(Active(types.Running)), Active(types.Running))

	// Power and lifecycle
	add(OpHold, to(Idle(types.StateHold)), Idle(types.StatePending))
	add(OpRelease, to(Idle(types.StatePending)), Idle(types.StateHold))
	add(OpStop, to(Active(types.SaveStop)), Active(types.Running))
	add(OpStop, to(Active(types.EpilogStop)), Idle(types.StateSuspended))
	add(OpSuspend, to(Active(types.SaveSuspend)), Active(types.Running))
	add(OpResume, to(Active(types.BootSuspended)), Idle(types.StateSuspended))
	add(OpResume, to(Active(types.BootPoweroff)), Idle(types.StatePoweroff))
	add(OpResume, to(Idle(types.StatePending)), idles(types.StateStopped, types.StateUndeployed)...)
	add(OpPoweroff, to(Active(types.ShutdownPoweroff)), Active(types.Running))
	add(OpUndeploy, to(Active(types.ShutdownUndeploy)), Active(types.Running))
	add(OpUndeploy, to(Active(types.EpilogUndeploy)), Idle(types.StatePoweroff))
	add(OpReboot, running, Active(types.Running))

	add(OpTerminate, to(Active(types.Shutdown)), Active(types.Running))
	add(OpTerminateHard, to(Active(types.Shutdown)), actives(types.Running, types.Unknown)...)
	for _, op := range []Event{OpTerminate, OpTerminateHard} {
		add(op, to(Active(types.Epilog)), idles(types.StatePoweroff, types.StateSuspended, types.StateStopped, types.StateUndeployed)...)
		add(op, exit(types.StateDone, ExitDone), idles(types.StatePending, types.StateHold, types.StateCloning, types.StateCloningFailure)...)
	}

	// Devices
	add(OpDiskAttach, to(Active(types.Hotplug)), Active(types.Running))
	add(OpDiskAttach, to(Active(types.HotplugPrologPoweroff)), Idle(types.StatePoweroff))
	add(OpDiskDetach, to(Active(types.Hotplug)), Active(types.Running))
	add(OpDiskDetach, to(Active(types.HotplugEpilogPoweroff)), Idle(types.StatePoweroff))
	for _, op := range []Event{OpNICAttach, OpNICDetach} {
		add(op, to(Active(types.HotplugNIC)), Active(types.Running))
		add(op, to(Active(types.HotplugNICPoweroff)), Idle(types.StatePoweroff))
	}
	for _, op := range []Event{OpPCIAttach, OpPCIDetach, OpResize} {
		add(op, Transition{To: Idle(types.StatePoweroff)}, Idle(types.StatePoweroff))
		add(op, Transition{To: Idle(types.StateUndeployed)}, Idle(types.StateUndeployed))
	}
	for _, s := range []types.VMState{types.StatePending, types.StateHold, types.StateCloning, types.StateCloningFailure} {
		add(OpResize, Transition{To: Idle(s)}, Idle(s))
	}

	// Snapshots
	add(OpDiskSnapCreate, to(Active(types.DiskSnapshot)), Active(types.Running))
	add(OpDiskSnapCreate, to(Active(types.DiskSnapshotPoweroff)), Idle(types.StatePoweroff))
	add(OpDiskSnapCreate, to(Active(types.DiskSnapshotSuspended)), Idle(types.StateSuspended))
	add(OpDiskSnapRevert, to(Active(types.DiskSnapshotRevertPoweroff)), Idle(types.StatePoweroff))
	add(OpDiskSnapDelete, to(Active(types.DiskSnapshotDelete)), Active(types.Running))
	add(OpDiskSnapDelete, to(Active(types.DiskSnapshotDeletePoweroff)), Idle(types.StatePoweroff))
	add(OpDiskSnapDelete, to(Active(types.DiskSnapshotDeleteSuspended)), Idle(types.StateSuspended))
	for _, op := range []Event{OpSnapCreate, OpSnapRevert, OpSnapDelete} {
		add(op, to(Active(types.HotplugSnapshot)), Active(types.Running))
	}
	add(OpDiskResize, to(Active(types.DiskResize)), Active(types.Running))
	add(OpDiskResize, to(Active(types.DiskResizePoweroff)), Idle(types.StatePoweroff))
	add(OpDiskResize, to(Active(types.DiskResizeUndeployed)), Idle(types.StateUndeployed))

	// Backups
	add(OpBackup, to(Active(types.Backup)), Active(types.Running))
	add(OpBackup, to(Active(types.BackupPoweroff)), Idle(types.StatePoweroff))
	add(OpBackupCancel, to(Active(types.Backup)), Active(types.Backup))
	add(OpBackupCancel, to(Active(types.BackupPoweroff)), Active(types.BackupPoweroff))

	// Recovery of stuck VMs
	for _, lcm := range types.LCMStates() {
		if lcm == types.LCMInit {
			continue
		}
		add(OpRecoverDelete, to(Active(types.CleanupDelete)), Active(lcm))
		add(OpRecoverRecreate, to(Active(types.CleanupResubmit)), Active(lcm))
	}
	add(OpRecoverDelete, exit(types.StateDone, ExitDone),
		idles(types.StatePending, types.StateHold, types.StatePoweroff, types.StateSuspended, types.StateStopped,
			types.StateUndeployed, types.StateCloning, types.StateCloningFailure)...)
	add(OpRecoverRecreate, to(Active(types.CleanupResubmit)), idles(types.StatePoweroff, types.StateSuspended)...)
	add(OpRecoverRecreate, exit(types.StatePending, ExitResubmit),
		idles(types.StateHold, types.StateStopped, types.StateUndeployed, types.StateCloning, types.StateCloningFailure)...)
}
