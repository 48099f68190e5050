// Package driver describes the actions sent to hypervisor, storage and network drivers.
package driver

import (
	"context"

	"github.com/cuemby/stratus/pkg/lifecycle"
)

// Action is a low-level command sent to the drivers
type Action string

const (
	ActionProlog         Action = "prolog"
	ActionDeploy         Action = "deploy"
	ActionSave           Action = "save"
	ActionShutdown       Action = "shutdown"
	ActionEpilog         Action = "epilog"
	ActionMigrate        Action = "migrate"
	ActionCleanup        Action = "cleanup"
	ActionReboot         Action = "reboot"
	ActionAttachDisk     Action = "attach-disk"
	ActionDetachDisk     Action = "detach-disk"
	ActionAttachNIC      Action = "attach-nic"
	ActionDetachNIC      Action = "detach-nic"
	ActionDiskSnapCreate Action = "disk-snapshot-create"
	ActionDiskSnapRevert Action = "disk-snapshot-revert"
	ActionDiskSnapDelete Action = "disk-snapshot-delete"
	ActionSnapCreate     Action = "snapshot-create"
	ActionSnapRevert     Action = "snapshot-revert"
	ActionSnapDelete     Action = "snapshot-delete"
	ActionDiskResize     Action = "disk-resize"
	ActionBackup         Action = "backup"
	ActionBackupCancel   Action = "backup-cancel"
)

// Completion returns the event a driver reports when the action ends.
// Actions without a completion return false.
func (a Action) Completion(success bool) (lifecycle.Event, bool) {
	var ok, ko lifecycle.Event
	switch a {
	case ActionProlog:
		ok, ko = lifecycle.EventPrologSuccess, lifecycle.EventPrologFailure
	case ActionDeploy:
		ok, ko = lifecycle.EventDeploySuccess, lifecycle.EventDeployFailure
	case ActionSave:
		ok, ko = lifecycle.EventSaveSuccess, lifecycle.EventSaveFailure
	case ActionShutdown:
		ok, ko = lifecycle.EventShutdownSuccess, lifecycle.EventShutdownFailure
	case ActionEpilog:
		ok, ko = lifecycle.EventEpilogSuccess, lifecycle.EventEpilogFailure
	case ActionMigrate:
		ok, ko = lifecycle.EventMigrateSuccess, lifecycle.EventMigrateFailure
	case ActionCleanup:
		ok, ko = lifecycle.EventCleanupSuccess, lifecycle.EventCleanupSuccess
	case ActionAttachDisk, ActionDetachDisk:
		ok, ko = lifecycle.EventHotplugSuccess, lifecycle.EventHotplugFailure
	case ActionAttachNIC, ActionDetachNIC:
		ok, ko = lifecycle.EventHotplugNICSuccess, lifecycle.EventHotplugNICFailure
	case ActionDiskSnapCreate, ActionDiskSnapRevert, ActionDiskSnapDelete:
		ok, ko = lifecycle.EventDiskSnapshotSuccess, lifecycle.EventDiskSnapshotFailure
	case ActionSnapCreate, ActionSnapRevert, ActionSnapDelete:
		ok, ko = lifecycle.EventSnapshotSuccess, lifecycle.EventSnapshotFailure
	case ActionDiskResize:
		ok, ko = lifecycle.EventDiskResizeSuccess, lifecycle.EventDiskResizeFailure
	case ActionBackup:
		ok, ko = lifecycle.EventBackupSuccess, lifecycle.EventBackupFailure
	default:
		return "", false
	}
	if success {
		return ok, true
	}
	return ko, true
}

// Request is one action on one VM
type Request struct {
	VMID       int
	Action     Action
	Hard       bool
	HostID     int
	Hostname   string
	DiskID     int
	NICID      int
	SnapshotID int
	Size       int
}

// Notifier receives driver completions. The dispatch engine implements it.
type Notifier interface {
	Trigger(vmID int, ev lifecycle.Event)
}

// Driver performs actions on hypervisors, storage and networks. Execute
// must not block on the action itself: the outcome is reported later
// through the Notifier.
type Driver interface {
	Execute(ctx context.Context, req Request) error
}
