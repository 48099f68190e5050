package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/stratus/pkg/template"
)

// Quota template attribute names
const (
	QuotaVMs            = "VMS"
	QuotaCPU            = "CPU"
	QuotaMemory         = "MEMORY"
	QuotaSystemDiskSize = "SYSTEM_DISK_SIZE"
	QuotaRunningVMs     = "RUNNING_VMS"
	QuotaRunningCPU     = "RUNNING_CPU"
	QuotaRunningMemory  = "RUNNING_MEMORY"
)

// HistoryAction records which operation opened or closed a history record
type HistoryAction string

const (
	ActionNone           HistoryAction = "none"
	ActionDeploy         HistoryAction = "deploy"
	ActionMigrate        HistoryAction = "migrate"
	ActionLiveMigrate    HistoryAction = "live-migrate"
	ActionTerminate      HistoryAction = "terminate"
	ActionTerminateHard  HistoryAction = "terminate-hard"
	ActionStop           HistoryAction = "stop"
	ActionSuspend        HistoryAction = "suspend"
	ActionResume         HistoryAction = "resume"
	ActionPoweroff       HistoryAction = "poweroff"
	ActionPoweroffHard   HistoryAction = "poweroff-hard"
	ActionUndeploy       HistoryAction = "undeploy"
	ActionUndeployHard   HistoryAction = "undeploy-hard"
	ActionReboot         HistoryAction = "reboot"
	ActionRebootHard     HistoryAction = "reboot-hard"
	ActionRecover        HistoryAction = "recover"
	ActionDelete         HistoryAction = "delete"
	ActionDeleteRecreate HistoryAction = "delete-recreate"
	ActionResched        HistoryAction = "resched"
	ActionDiskAttach     HistoryAction = "disk-attach"
	ActionDiskDetach     HistoryAction = "disk-detach"
	ActionNICAttach      HistoryAction = "nic-attach"
	ActionNICDetach      HistoryAction = "nic-detach"
	ActionDiskSnapCreate HistoryAction = "disk-snapshot-create"
	ActionDiskSnapRevert HistoryAction = "disk-snapshot-revert"
	ActionDiskSnapDelete HistoryAction = "disk-snapshot-delete"
	ActionDiskSaveas     HistoryAction = "disk-saveas"
	ActionSnapCreate     HistoryAction = "snapshot-create"
	ActionSnapRevert     HistoryAction = "snapshot-revert"
	ActionSnapDelete     HistoryAction = "snapshot-delete"
	ActionDiskResize     HistoryAction = "disk-resize"
	ActionBackup         HistoryAction = "backup"
	ActionBackupCancel   HistoryAction = "backup-cancel"
	ActionResize         HistoryAction = "resize"
	ActionPCIAttach      HistoryAction = "pci-attach"
	ActionPCIDetach      HistoryAction = "pci-detach"
	ActionMonitor        HistoryAction = "monitor"
)

// History is one placement of a VM on a host. Only the last record is
// mutated; earlier records are closed.
type History struct {
	Seq          int           `json:"seq"`
	HostID       int           `json:"host_id"`
	Hostname     string        `json:"hostname"`
	DatastoreID  int           `json:"datastore_id"`
	Action       HistoryAction `json:"action"`
	STime        time.Time     `json:"stime"`
	ETime        time.Time     `json:"etime,omitzero"`
	PrologSTime  time.Time     `json:"prolog_stime,omitzero"`
	PrologETime  time.Time     `json:"prolog_etime,omitzero"`
	RunningSTime time.Time     `json:"running_stime,omitzero"`
	RunningETime time.Time     `json:"running_etime,omitzero"`
	EpilogSTime  time.Time     `json:"epilog_stime,omitzero"`
	EpilogETime  time.Time     `json:"epilog_etime,omitzero"`
}

// Disk is a VM disk backed by an image or a volatile allocation
type Disk struct {
	ID          int        `json:"disk_id"`
	ImageID     int        `json:"image_id"`
	DatastoreID int        `json:"datastore_id"`
	Size        int        `json:"size"`
	Target      string     `json:"target,omitempty"`
	Snapshots   []DiskSnap `json:"snapshots,omitempty"`
	ActiveSnap  int        `json:"active_snapshot"`
	Saveas      int        `json:"saveas_image_id"`
	Resize      int        `json:"resize_size,omitempty"`
	Attaching   bool       `json:"attaching,omitempty"`
	Detaching   bool       `json:"detaching,omitempty"`
}

// DiskSnapshot returns the snapshot with id or nil
func (d *Disk) DiskSnapshot(id int) *DiskSnap {
	for i := range d.Snapshots {
		if d.Snapshots[i].ID == id {
			return &d.Snapshots[i]
		}
	}
	return nil
}

// NextSnapshotID returns an unused disk snapshot id
func (d *Disk) NextSnapshotID() int {
	next := 0
	for _, s := range d.Snapshots {
		if s.ID >= next {
			next = s.ID + 1
		}
	}
	return next
}

// RemoveSnapshot deletes the snapshot with id
func (d *Disk) RemoveSnapshot(id int) {
	for i := range d.Snapshots {
		if d.Snapshots[i].ID == id {
			d.Snapshots = append(d.Snapshots[:i], d.Snapshots[i+1:]...)
			return
		}
	}
}

// DiskSnap is a point-in-time copy of one disk
type DiskSnap struct {
	ID       int       `json:"id"`
	Name     string    `json:"name"`
	Date     time.Time `json:"date"`
	Pending  bool      `json:"pending,omitempty"`
	Deleting bool      `json:"deleting,omitempty"`
}

// NIC is a network interface holding a lease
type NIC struct {
	ID        int    `json:"nic_id"`
	NetworkID int    `json:"network_id"`
	IP        string `json:"ip"`
	MAC       string `json:"mac,omitempty"`
	Attaching bool   `json:"attaching,omitempty"`
	Detaching bool   `json:"detaching,omitempty"`
}

// PCI is a passthrough device
type PCI struct {
	ID      int    `json:"pci_id"`
	Address string `json:"address"`
	Vendor  string `json:"vendor,omitempty"`
	Device  string `json:"device,omitempty"`
}

// Snapshot is a system (memory + disks) snapshot
type Snapshot struct {
	ID       int       `json:"snapshot_id"`
	Name     string    `json:"name"`
	Date     time.Time `json:"date"`
	Active   bool      `json:"active,omitempty"`
	Deleting bool      `json:"deleting,omitempty"`
}

// Operation records the device an in-flight driver action targets, so the
// completion and a later retry know what to act on.
type Operation struct {
	DiskID      int `json:"disk_id"`
	NICID       int `json:"nic_id"`
	PCIID       int `json:"pci_id"`
	SnapshotID  int `json:"snapshot_id"`
	Size        int `json:"size,omitempty"`
	BackupJobID int `json:"backup_job_id"`
}

// NewOperation returns an operation targeting nothing
func NewOperation() *Operation {
	return &Operation{DiskID: NoneID, NICID: NoneID, PCIID: NoneID, SnapshotID: NoneID, BackupJobID: NoneID}
}

// BackupState tracks VM-level backup progress
type BackupState struct {
	JobID        int       `json:"backup_job_id"`
	Active       bool      `json:"active,omitempty"`
	LastBackupID string    `json:"last_backup_id,omitempty"`
	LastTime     time.Time `json:"last_time,omitzero"`
	BackupIDs    []string  `json:"backup_ids,omitempty"`
}

// VirtualMachine is the pooled VM entity
type VirtualMachine struct {
	ObjectBase

	State        VMState  `json:"state"`
	LCMState     LCMState `json:"lcm_state"`
	PrevState    VMState  `json:"prev_state"`
	PrevLCMState LCMState `json:"prev_lcm_state"`

	DeployID string    `json:"deploy_id,omitempty"`
	Resched  bool      `json:"resched,omitempty"`
	STime    time.Time `json:"stime"`
	ETime    time.Time `json:"etime,omitzero"`

	CPU    float64 `json:"cpu"`
	VCPU   int     `json:"vcpu"`
	Memory int     `json:"memory"`

	Disks     []Disk     `json:"disks,omitempty"`
	NICs      []NIC      `json:"nics,omitempty"`
	PCIs      []PCI      `json:"pcis,omitempty"`
	Snapshots []Snapshot `json:"snapshots,omitempty"`
	History   []History  `json:"history,omitempty"`

	Backup    BackupState `json:"backup"`
	Operation *Operation  `json:"operation,omitempty"`
}

// NewVirtualMachine builds a VM from its template: NAME, CPU, VCPU, MEMORY
// and optional DISK_SIZE are read from tmpl.
func NewVirtualMachine(owner Owner, tmpl *template.Template) (*VirtualMachine, error) {
	vm := &VirtualMachine{
		State:    StatePending,
		LCMState: LCMInit,
		Backup:   BackupState{JobID: NoneID},
	}
	vm.OID = NoneID
	vm.SetOwner(owner)
	vm.Permissions = DefaultPermissions()
	vm.Template = tmpl.Clone()

	vm.Name = tmpl.GetString("NAME")

	cpu, ok := tmpl.GetFloat("CPU")
	if !ok || cpu <= 0 {
		return nil, fmt.Errorf("template CPU must be a positive number")
	}
	mem, ok := tmpl.GetInt("MEMORY")
	if !ok || mem <= 0 {
		return nil, fmt.Errorf("template MEMORY must be a positive integer")
	}
	vm.CPU = cpu
	vm.Memory = mem
	vm.VCPU = 1
	if vcpu, ok := tmpl.GetInt("VCPU"); ok && vcpu > 0 {
		vm.VCPU = vcpu
	}
	if size, ok := tmpl.GetInt("DISK_SIZE"); ok && size > 0 {
		vm.Disks = append(vm.Disks, Disk{ID: 0, ImageID: NoneID, DatastoreID: NoneID, Size: size, ActiveSnap: NoneID, Saveas: NoneID})
	}
	return vm, nil
}

// SetState sets the coarse state. Leaving ACTIVE always resets the
// sub-state, so the pair can never be left inconsistent.
func (vm *VirtualMachine) SetState(s VMState) {
	vm.PrevState = vm.State
	vm.State = s
	if s != StateActive {
		vm.PrevLCMState = vm.LCMState
		vm.LCMState = LCMInit
	}
}

// SetLCMState sets the fine-grained sub-state
func (vm *VirtualMachine) SetLCMState(s LCMState) {
	if vm.LCMState != s {
		vm.PrevLCMState = vm.LCMState
	}
	vm.LCMState = s
}

// ValidStatePair reports whether LCM_INIT is set whenever the VM is not ACTIVE
func (vm *VirtualMachine) ValidStatePair() bool {
	return vm.State == StateActive || vm.LCMState == LCMInit
}

// StateString renders the state pair for logs and errors
func (vm *VirtualMachine) StateString() string {
	if vm.State == StateActive {
		return vm.State.String() + "/" + vm.LCMState.String()
	}
	return vm.State.String()
}

// HasHistory reports whether the VM was ever placed on a host
func (vm *VirtualMachine) HasHistory() bool {
	return len(vm.History) > 0
}

// LastHistory returns the current history record or nil
func (vm *VirtualMachine) LastHistory() *History {
	if len(vm.History) == 0 {
		return nil
	}
	return &vm.History[len(vm.History)-1]
}

// PreviousHistory returns the record before the current one or nil
func (vm *VirtualMachine) PreviousHistory() *History {
	if len(vm.History) < 2 {
		return nil
	}
	return &vm.History[len(vm.History)-2]
}

// AddHistory closes the current record and opens a new one on hostID. An
// open running interval moves to the new record so running quota stays
// accounted across migrations.
func (vm *VirtualMachine) AddHistory(hostID int, hostname string, datastoreID int, action HistoryAction, now time.Time) *History {
	running := vm.RunningOpen()
	if h := vm.LastHistory(); h != nil {
		if running {
			h.RunningETime = now
		}
		if h.ETime.IsZero() {
			h.ETime = now
		}
	}
	vm.History = append(vm.History, History{
		Seq:         len(vm.History),
		HostID:      hostID,
		Hostname:    hostname,
		DatastoreID: datastoreID,
		Action:      action,
		STime:       now,
	})
	if running {
		vm.LastHistory().RunningSTime = now
	}
	return vm.LastHistory()
}

// RestorePreviousHistory drops the current record and reopens the previous
// one, moving an open running interval back with it. It is used when a
// migration fails and the VM stays where it was.
func (vm *VirtualMachine) RestorePreviousHistory() {
	if len(vm.History) < 2 {
		return
	}
	running := vm.RunningOpen()
	vm.History = vm.History[:len(vm.History)-1]

	h := vm.LastHistory()
	h.ETime = time.Time{}
	if running {
		h.RunningETime = time.Time{}
	}
}

// SetAction stamps the operation that drives the current history record
func (vm *VirtualMachine) SetAction(a HistoryAction) {
	if h := vm.LastHistory(); h != nil {
		h.Action = a
	}
}

// RunningOpen reports whether the current record has an open running
// interval. Running quota is held exactly while this is true.
func (vm *VirtualMachine) RunningOpen() bool {
	h := vm.LastHistory()
	return h != nil && !h.RunningSTime.IsZero() && h.RunningETime.IsZero()
}

// OpenRunning starts a running interval on the current record
func (vm *VirtualMachine) OpenRunning(now time.Time) {
	if h := vm.LastHistory(); h != nil {
		h.RunningSTime = now
		h.RunningETime = time.Time{}
	}
}

// CloseRunning stamps running_etime if the interval is open
func (vm *VirtualMachine) CloseRunning(now time.Time) {
	if vm.RunningOpen() {
		vm.LastHistory().RunningETime = now
	}
}

// SystemDiskSize is the sum of all disk sizes in MB. Disks still being
// attached are not counted.
func (vm *VirtualMachine) SystemDiskSize() int {
	total := 0
	for _, d := range vm.Disks {
		if d.Attaching {
			continue
		}
		total += d.Size
	}
	return total
}

// QuotaTemplate snapshots the quota-relevant capacity. With running set the
// RUNNING_* counters are included as well.
func (vm *VirtualMachine) QuotaTemplate(running bool) *template.Template {
	t := template.New()
	t.SetInt(QuotaVMs, 1)
	t.SetFloat(QuotaCPU, vm.CPU)
	t.SetInt(QuotaMemory, vm.Memory)
	t.SetInt(QuotaSystemDiskSize, vm.SystemDiskSize())
	if running {
		t.SetInt(QuotaRunningVMs, 1)
		t.SetFloat(QuotaRunningCPU, vm.CPU)
		t.SetInt(QuotaRunningMemory, vm.Memory)
	}
	return t
}

// RunningQuotaTemplate contains only the RUNNING_* counters
func (vm *VirtualMachine) RunningQuotaTemplate() *template.Template {
	t := template.New()
	t.SetInt(QuotaRunningVMs, 1)
	t.SetFloat(QuotaRunningCPU, vm.CPU)
	t.SetInt(QuotaRunningMemory, vm.Memory)
	return t
}

// Disk returns the disk with id or nil
func (vm *VirtualMachine) Disk(id int) *Disk {
	for i := range vm.Disks {
		if vm.Disks[i].ID == id {
			return &vm.Disks[i]
		}
	}
	return nil
}

// NIC returns the interface with id or nil
func (vm *VirtualMachine) NIC(id int) *NIC {
	for i := range vm.NICs {
		if vm.NICs[i].ID == id {
			return &vm.NICs[i]
		}
	}
	return nil
}

// Snapshot returns the system snapshot with id or nil
func (vm *VirtualMachine) Snapshot(id int) *Snapshot {
	for i := range vm.Snapshots {
		if vm.Snapshots[i].ID == id {
			return &vm.Snapshots[i]
		}
	}
	return nil
}

// RemoveDisk deletes the disk with id and returns it
func (vm *VirtualMachine) RemoveDisk(id int) (Disk, bool) {
	for i := range vm.Disks {
		if vm.Disks[i].ID == id {
			d := vm.Disks[i]
			vm.Disks = append(vm.Disks[:i], vm.Disks[i+1:]...)
			return d, true
		}
	}
	return Disk{}, false
}

// RemoveNIC deletes the interface with id and returns it
func (vm *VirtualMachine) RemoveNIC(id int) (NIC, bool) {
	for i := range vm.NICs {
		if vm.NICs[i].ID == id {
			n := vm.NICs[i]
			vm.NICs = append(vm.NICs[:i], vm.NICs[i+1:]...)
			return n, true
		}
	}
	return NIC{}, false
}

// RemovePCI deletes the device with id
func (vm *VirtualMachine) RemovePCI(id int) bool {
	for i := range vm.PCIs {
		if vm.PCIs[i].ID == id {
			vm.PCIs = append(vm.PCIs[:i], vm.PCIs[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveSnapshot deletes the system snapshot with id
func (vm *VirtualMachine) RemoveSnapshot(id int) {
	for i := range vm.Snapshots {
		if vm.Snapshots[i].ID == id {
			vm.Snapshots = append(vm.Snapshots[:i], vm.Snapshots[i+1:]...)
			return
		}
	}
}

// NextDiskID returns an unused disk id
func (vm *VirtualMachine) NextDiskID() int {
	next := 0
	for _, d := range vm.Disks {
		if d.ID >= next {
			next = d.ID + 1
		}
	}
	return next
}

// NextNICID returns an unused NIC id
func (vm *VirtualMachine) NextNICID() int {
	next := 0
	for _, n := range vm.NICs {
		if n.ID >= next {
			next = n.ID + 1
		}
	}
	return next
}

// NextPCIID returns an unused PCI id
func (vm *VirtualMachine) NextPCIID() int {
	next := 0
	for _, p := range vm.PCIs {
		if p.ID >= next {
			next = p.ID + 1
		}
	}
	return next
}

// NextSnapshotID returns an unused system snapshot id
func (vm *VirtualMachine) NextSnapshotID() int {
	next := 0
	for _, s := range vm.Snapshots {
		if s.ID >= next {
			next = s.ID + 1
		}
	}
	return next
}

// Clone returns a deep copy through the persisted representation
func (vm *VirtualMachine) Clone() *VirtualMachine {
	data, err := json.Marshal(vm)
	if err != nil {
		panic(fmt.Sprintf("marshal vm %d: %v", vm.OID, err))
	}
	var out VirtualMachine
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("unmarshal vm %d: %v", vm.OID, err))
	}
	return &out
}
