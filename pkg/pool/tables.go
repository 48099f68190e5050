package pool

import (
	"github.com/cuemby/stratus/pkg/acl"
	"github.com/cuemby/stratus/pkg/db"
	"github.com/cuemby/stratus/pkg/types"
)

// Table names
const (
	VMTable        = "vm_pool"
	BackupJobTable = "backupjob_pool"
)

// VMPool is the pool of virtual machines
type VMPool = Pool[*types.VirtualMachine]

// BackupJobPool is the pool of backup jobs
type BackupJobPool = Pool[*types.BackupJob]

// VMTableDef persists the state pair as columns so VMs can be filtered by
// state without decoding bodies
func VMTableDef() Table[*types.VirtualMachine] {
	return Table[*types.VirtualMachine]{
		Name:       VMTable,
		ObjectType: acl.ObjectVM,
		Columns: []Column[*types.VirtualMachine]{
			{Name: "state", Value: func(vm *types.VirtualMachine) int { return int(vm.State) }},
			{Name: "lcm_state", Value: func(vm *types.VirtualMachine) int { return int(vm.LCMState) }},
		},
		New: func() *types.VirtualMachine { return &types.VirtualMachine{} },
	}
}

// BackupJobTableDef persists priority and the outdated count so the
// scheduler can pick work without decoding bodies
func BackupJobTableDef() Table[*types.BackupJob] {
	return Table[*types.BackupJob]{
		Name:        BackupJobTable,
		ObjectType:  acl.ObjectBackupJob,
		UniqueNames: true,
		Columns: []Column[*types.BackupJob]{
			{Name: "priority", Value: func(j *types.BackupJob) int { return j.Priority }},
			{Name: "outdated_vms", Value: func(j *types.BackupJob) int { return j.Outdated.Len() }},
		},
		New: func() *types.BackupJob { return &types.BackupJob{} },
	}
}

// NewVMPool creates the virtual machine pool
func NewVMPool(store db.DB, opts Options) *VMPool {
	return New(store, VMTableDef(), opts)
}

// NewBackupJobPool creates the backup job pool
func NewBackupJobPool(store db.DB, opts Options) *BackupJobPool {
	return New(store, BackupJobTableDef(), opts)
}
