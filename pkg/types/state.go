package types

import (
	"fmt"
	"slices"
	"strings"
)

// VMState is the coarse lifecycle phase of a virtual machine
type VMState int

const (
	StateInit           VMState = 0
	StatePending        VMState = 1
	StateHold           VMState = 2
	StateActive         VMState = 3
	StateStopped        VMState = 4
	StateSuspended      VMState = 5
	StateDone           VMState = 6
	StatePoweroff       VMState = 8
	StateUndeployed     VMState = 9
	StateCloning        VMState = 10
	StateCloningFailure VMState = 11
)

var vmStateNames = map[VMState]string{
	StateInit:           "INIT",
	StatePending:        "PENDING",
	StateHold:           "HOLD",
	StateActive:         "ACTIVE",
	StateStopped:        "STOPPED",
	StateSuspended:      "SUSPENDED",
	StateDone:           "DONE",
	StatePoweroff:       "POWEROFF",
	StateUndeployed:     "UNDEPLOYED",
	StateCloning:        "CLONING",
	StateCloningFailure: "CLONING_FAILURE",
}

func (s VMState) String() string {
	if n, ok := vmStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("VMState(%d)", int(s))
}

// VMStates lists every coarse state
func VMStates() []VMState {
	return []VMState{
		StateInit, StatePending, StateHold, StateActive, StateStopped,
		StateSuspended, StateDone, StatePoweroff, StateUndeployed,
		StateCloning, StateCloningFailure,
	}
}

// ParseVMState converts a state name back to its value
func ParseVMState(name string) (VMState, error) {
	for s, n := range vmStateNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown vm state %q", name)
}

// LCMState is the fine-grained sub-state, meaningful only while ACTIVE
type LCMState int

const (
	LCMInit                      LCMState = 0
	Prolog                       LCMState = 1
	Boot                         LCMState = 2
	Running                      LCMState = 3
	Migrate                      LCMState = 4
	SaveStop                     LCMState = 5
	SaveSuspend                  LCMState = 6
	SaveMigrate                  LCMState = 7
	PrologMigrate                LCMState = 8
	PrologResume                 LCMState = 9
	EpilogStop                   LCMState = 10
	Epilog                       LCMState = 11
	Shutdown                     LCMState = 12
	CleanupResubmit              LCMState = 15
	Unknown                      LCMState = 16
	Hotplug                      LCMState = 17
	ShutdownPoweroff             LCMState = 18
	BootPoweroff                 LCMState = 20
	BootSuspended                LCMState = 21
	BootStopped                  LCMState = 22
	CleanupDelete                LCMState = 23
	HotplugSnapshot              LCMState = 24
	HotplugNIC                   LCMState = 25
	HotplugSaveasPoweroff        LCMState = 27
	ShutdownUndeploy             LCMState = 29
	EpilogUndeploy               LCMState = 30
	PrologUndeploy               LCMState = 31
	BootUndeploy                 LCMState = 32
	HotplugPrologPoweroff        LCMState = 33
	HotplugEpilogPoweroff        LCMState = 34
	BootMigrate                  LCMState = 35
	BootFailure                  LCMState = 36
	BootMigrateFailure           LCMState = 37
	PrologMigrateFailure         LCMState = 38
	PrologFailure                LCMState = 39
	EpilogFailure                LCMState = 40
	EpilogStopFailure            LCMState = 41
	EpilogUndeployFailure        LCMState = 42
	PrologMigratePoweroff        LCMState = 43
	PrologMigratePoweroffFailure LCMState = 44
	PrologMigrateSuspend         LCMState = 45
	PrologMigrateSuspendFailure  LCMState = 46
	BootUndeployFailure          LCMState = 47
	BootStoppedFailure           LCMState = 48
	PrologResumeFailure          LCMState = 49
	PrologUndeployFailure        LCMState = 50
	DiskSnapshotPoweroff         LCMState = 51
	DiskSnapshotRevertPoweroff   LCMState = 52
	DiskSnapshotDeletePoweroff   LCMState = 53
	DiskSnapshotSuspended        LCMState = 54
	DiskSnapshotDeleteSuspended  LCMState = 56
	DiskSnapshot                 LCMState = 57
	DiskSnapshotDelete           LCMState = 59
	DiskResize                   LCMState = 62
	DiskResizePoweroff           LCMState = 63
	DiskResizeUndeployed         LCMState = 64
	HotplugNICPoweroff           LCMState = 65
	Backup                       LCMState = 69
	BackupPoweroff               LCMState = 70
)

var lcmStateNames = map[LCMState]string{
	LCMInit:                      "LCM_INIT",
	Prolog:                       "PROLOG",
	Boot:                         "BOOT",
	Running:                      "RUNNING",
	Migrate:                      "MIGRATE",
	SaveStop:                     "SAVE_STOP",
	SaveSuspend:                  "SAVE_SUSPEND",
	SaveMigrate:                  "SAVE_MIGRATE",
	PrologMigrate:                "PROLOG_MIGRATE",
	PrologResume:                 "PROLOG_RESUME",
	EpilogStop:                   "EPILOG_STOP",
	Epilog:                       "EPILOG",
	Shutdown:                     "SHUTDOWN",
	CleanupResubmit:              "CLEANUP_RESUBMIT",
	Unknown:                      "UNKNOWN",
	Hotplug:                      "HOTPLUG",
	ShutdownPoweroff:             "SHUTDOWN_POWEROFF",
	BootPoweroff:                 "BOOT_POWEROFF",
	BootSuspended:                "BOOT_SUSPENDED",
	BootStopped:                  "BOOT_STOPPED",
	CleanupDelete:                "CLEANUP_DELETE",
	HotplugSnapshot:              "HOTPLUG_SNAPSHOT",
	HotplugNIC:                   "HOTPLUG_NIC",
	HotplugSaveasPoweroff:        "HOTPLUG_SAVEAS_POWEROFF",
	ShutdownUndeploy:             "SHUTDOWN_UNDEPLOY",
	EpilogUndeploy:               "EPILOG_UNDEPLOY",
	PrologUndeploy:               "PROLOG_UNDEPLOY",
	BootUndeploy:                 "BOOT_UNDEPLOY",
	HotplugPrologPoweroff:        "HOTPLUG_PROLOG_POWEROFF",
	HotplugEpilogPoweroff:        "HOTPLUG_EPILOG_POWEROFF",
	BootMigrate:                  "BOOT_MIGRATE",
	BootFailure:                  "BOOT_FAILURE",
	BootMigrateFailure:           "BOOT_MIGRATE_FAILURE",
	PrologMigrateFailure:         "PROLOG_MIGRATE_FAILURE",
	PrologFailure:                "PROLOG_FAILURE",
	EpilogFailure:                "EPILOG_FAILURE",
	EpilogStopFailure:            "EPILOG_STOP_FAILURE",
	EpilogUndeployFailure:        "EPILOG_UNDEPLOY_FAILURE",
	PrologMigratePoweroff:        "PROLOG_MIGRATE_POWEROFF",
	PrologMigratePoweroffFailure: "PROLOG_MIGRATE_POWEROFF_FAILURE",
	PrologMigrateSuspend:         "PROLOG_MIGRATE_SUSPEND",
	PrologMigrateSuspendFailure:  "PROLOG_MIGRATE_SUSPEND_FAILURE",
	BootUndeployFailure:          "BOOT_UNDEPLOY_FAILURE",
	BootStoppedFailure:           "BOOT_STOPPED_FAILURE",
	PrologResumeFailure:          "PROLOG_RESUME_FAILURE",
	PrologUndeployFailure:        "PROLOG_UNDEPLOY_FAILURE",
	DiskSnapshotPoweroff:         "DISK_SNAPSHOT_POWEROFF",
	DiskSnapshotRevertPoweroff:   "DISK_SNAPSHOT_REVERT_POWEROFF",
	DiskSnapshotDeletePoweroff:   "DISK_SNAPSHOT_DELETE_POWEROFF",
	DiskSnapshotSuspended:        "DISK_SNAPSHOT_SUSPENDED",
	DiskSnapshotDeleteSuspended:  "DISK_SNAPSHOT_DELETE_SUSPENDED",
	DiskSnapshot:                 "DISK_SNAPSHOT",
	DiskSnapshotDelete:           "DISK_SNAPSHOT_DELETE",
	DiskResize:                   "DISK_RESIZE",
	DiskResizePoweroff:           "DISK_RESIZE_POWEROFF",
	DiskResizeUndeployed:         "DISK_RESIZE_UNDEPLOYED",
	HotplugNICPoweroff:           "HOTPLUG_NIC_POWEROFF",
	Backup:                       "BACKUP",
	BackupPoweroff:               "BACKUP_POWEROFF",
}

func (s LCMState) String() string {
	if n, ok := lcmStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("LCMState(%d)", int(s))
}

// LCMStates lists every fine-grained state, LCM_INIT first
func LCMStates() []LCMState {
	out := make([]LCMState, 0, len(lcmStateNames))
	for s := range lcmStateNames {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// ParseLCMState converts a sub-state name back to its value
func ParseLCMState(name string) (LCMState, error) {
	for s, n := range lcmStateNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown lcm state %q", name)
}
