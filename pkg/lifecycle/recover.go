package lifecycle

import (
	"github.com/cuemby/stratus/pkg/types"
)

// failureBase maps failure sub-states to the sub-state whose action failed
var failureBase = map[types.LCMState]types.LCMState{
	types.PrologFailure:                types.Prolog,
	types.PrologResumeFailure:          types.PrologResume,
	types.PrologUndeployFailure:        types.PrologUndeploy,
	types.PrologMigrateFailure:         types.PrologMigrate,
	types.PrologMigratePoweroffFailure: types.PrologMigratePoweroff,
	types.PrologMigrateSuspendFailure:  types.PrologMigrateSuspend,
	types.BootFailure:                  types.Boot,
	types.BootMigrateFailure:           types.BootMigrate,
	types.BootUndeployFailure:          types.BootUndeploy,
	types.BootStoppedFailure:           types.BootStopped,
	types.EpilogFailure:                types.Epilog,
	types.EpilogStopFailure:            types.EpilogStop,
	types.EpilogUndeployFailure:        types.EpilogUndeploy,
}

type completion struct {
	success Event
	failure Event
}

var completions = map[types.LCMState]completion{}

func completes(c completion, states ...types.LCMState) {
	for _, s := range states {
		completions[s] = c
	}
}

func init() {
	completes(completion{EventPrologSuccess, EventPrologFailure},
		types.Prolog, types.PrologResume, types.PrologUndeploy, types.PrologMigrate,
		types.PrologMigratePoweroff, types.PrologMigrateSuspend)
	completes(completion{EventDeploySuccess, EventDeployFailure},
		types.Boot, types.BootMigrate, types.BootSuspended, types.BootStopped,
		types.BootUndeploy, types.BootPoweroff)
	completes(completion{EventSaveSuccess, EventSaveFailure},
		types.SaveStop, types.SaveSuspend, types.SaveMigrate)
	completes(completion{EventShutdownSuccess, EventShutdownFailure},
		types.Shutdown, types.ShutdownPoweroff, types.ShutdownUndeploy)
	completes(completion{EventEpilogSuccess, EventEpilogFailure},
		types.Epilog, types.EpilogStop, types.EpilogUndeploy)
	completes(completion{EventMigrateSuccess, EventMigrateFailure}, types.Migrate)
	completes(completion{EventCleanupSuccess, EventCleanupSuccess}, types.CleanupDelete, types.CleanupResubmit)
	completes(completion{EventHotplugSuccess, EventHotplugFailure},
		types.Hotplug, types.HotplugPrologPoweroff, types.HotplugEpilogPoweroff, types.HotplugSaveasPoweroff)
	completes(completion{EventHotplugNICSuccess, EventHotplugNICFailure}, types.HotplugNIC, types.HotplugNICPoweroff)
	completes(completion{EventDiskSnapshotSuccess, EventDiskSnapshotFailure},
		types.DiskSnapshot, types.DiskSnapshotDelete, types.DiskSnapshotPoweroff,
		types.DiskSnapshotRevertPoweroff, types.DiskSnapshotDeletePoweroff,
		types.DiskSnapshotSuspended, types.DiskSnapshotDeleteSuspended)
	completes(completion{EventSnapshotSuccess, EventSnapshotFailure}, types.HotplugSnapshot)
	completes(completion{EventDiskResizeSuccess, EventDiskResizeFailure},
		types.DiskResize, types.DiskResizePoweroff, types.DiskResizeUndeployed)
	completes(completion{EventBackupSuccess, EventBackupFailure}, types.Backup, types.BackupPoweroff)

	// retry re-issues the action of a sub-state, failed or not
	for failed, base := range failureBase {
		add(OpRecoverRetry, to(Active(base)), Active(failed))
	}
	for lcm := range completions {
		add(OpRecoverRetry, to(Active(lcm)), Active(lcm))
	}
}

// FailureBase returns the sub-state a failure sub-state is retried from
func FailureBase(lcm types.LCMState) (types.LCMState, bool) {
	base, ok := failureBase[lcm]
	return base, ok
}

// RecoverEvent returns the driver completion that manual recovery of a VM
// stuck in lcm should emulate, and the sub-state to look it up from.
func RecoverEvent(lcm types.LCMState, success bool) (types.LCMState, Event, bool) {
	from := lcm
	if base, ok := failureBase[lcm]; ok {
		from = base
	}
	c, ok := completions[from]
	if !ok {
		return lcm, "", false
	}
	if success {
		return from, c.success, true
	}
	return from, c.failure, true
}
