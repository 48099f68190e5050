package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/stratus/pkg/template"
)

// Backup job template attributes
const (
	AttrBackupVMs = "BACKUP_VMS"
	AttrPriority  = "PRIORITY"
)

// Priority bounds; values above MaxUserPriority need admin rights
const (
	MinPriority     = 0
	MaxPriority     = 99
	MaxUserPriority = 49
	DefaultPriority = 50
)

var (
	// ErrPendingBackups is returned by Execute while a run is still draining
	ErrPendingBackups = errors.New("pending backups in progress")

	// ErrInvalidPriority is returned for priorities outside [0,99]
	ErrInvalidPriority = errors.New("priority out of range")
)

// BackupJob backs up a set of VMs. The four working sets partition the
// progress of the current run: a VM id is in at most one of Outdated and
// BackingUp, and Updated/Errors are disjoint.
type BackupJob struct {
	ObjectBase

	Priority     int           `json:"priority"`
	LastTime     time.Time     `json:"last_time,omitzero"`
	LastDuration time.Duration `json:"last_duration"`

	Outdated  IntSet `json:"outdated_vms"`
	BackingUp IntSet `json:"backing_up_vms"`
	Updated   IntSet `json:"updated_vms"`
	Errors    IntSet `json:"error_vms"`
}

// NewBackupJob builds a job from its template. PRIORITY defaults to 50.
func NewBackupJob(owner Owner, tmpl *template.Template) (*BackupJob, error) {
	job := &BackupJob{Priority: DefaultPriority}
	job.OID = NoneID
	job.SetOwner(owner)
	job.Permissions = DefaultPermissions()
	job.Template = tmpl.Clone()
	job.Name = tmpl.GetString("NAME")

	if _, err := job.BackupVMs(); err != nil {
		return nil, err
	}

	if raw, ok := tmpl.Get(AttrPriority); ok {
		p, ok := tmpl.GetInt(AttrPriority)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, raw)
		}
		if err := ValidatePriority(p); err != nil {
			return nil, err
		}
		job.Priority = p
		job.Template.Erase(AttrPriority)
	}
	return job, nil
}

// ValidatePriority checks the [0,99] range
func ValidatePriority(p int) error {
	if p < MinPriority || p > MaxPriority {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidPriority, p, MinPriority, MaxPriority)
	}
	return nil
}

// PrivilegedPriority reports whether p requires admin rights
func PrivilegedPriority(p int) bool {
	return p > MaxUserPriority
}

// BackupVMs parses the BACKUP_VMS attribute
func (j *BackupJob) BackupVMs() (IntSet, error) {
	raw := j.Tmpl().GetString(AttrBackupVMs)
	ids, err := ParseIntSet(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", AttrBackupVMs, raw, err)
	}
	return ids, nil
}

// SetBackupVMs writes the BACKUP_VMS attribute
func (j *BackupJob) SetBackupVMs(ids IntSet) {
	j.Tmpl().Set(AttrBackupVMs, ids.String())
}

// Execute starts a new run: every VM in BACKUP_VMS becomes outdated. It
// refuses to start while a previous run still has queued or in-flight VMs.
func (j *BackupJob) Execute(now time.Time) error {
	if !j.BackingUp.Empty() || !j.Outdated.Empty() {
		return ErrPendingBackups
	}

	ids, err := j.BackupVMs()
	if err != nil {
		return err
	}

	j.Updated.Clear()
	j.Errors.Clear()
	j.Outdated = NewIntSet(ids...)
	j.LastTime = now
	return nil
}

// BackupStarted moves vmID from outdated to backing up
func (j *BackupJob) BackupStarted(vmID int) error {
	if !j.Outdated.Remove(vmID) {
		return fmt.Errorf("vm %d is not outdated in backup job %d", vmID, j.OID)
	}
	j.BackingUp.Add(vmID)
	return nil
}

// BackupFinished records the outcome of an in-flight backup
func (j *BackupJob) BackupFinished(vmID int, success bool, now time.Time) error {
	if !j.BackingUp.Remove(vmID) {
		return fmt.Errorf("vm %d is not being backed up by backup job %d", vmID, j.OID)
	}
	if success {
		j.Updated.Add(vmID)
		j.Errors.Remove(vmID)
	} else {
		j.Errors.Add(vmID)
		j.Updated.Remove(vmID)
	}
	if !j.LastTime.IsZero() {
		j.LastDuration = now.Sub(j.LastTime)
	}
	return nil
}

// Cancel abandons the current run. Ids are dropped, not moved; the caller
// cancels in-flight VM backups separately.
func (j *BackupJob) Cancel() {
	j.Outdated.Clear()
	j.BackingUp.Clear()
}

// Retry queues the failed VMs again
func (j *BackupJob) Retry() {
	for _, id := range j.Errors {
		if !j.BackingUp.Contains(id) {
			j.Outdated.Add(id)
		}
	}
	j.Errors.Clear()
}

// Prune drops ids that are no longer part of the job from every working set
func (j *BackupJob) Prune(ids IntSet) {
	j.Outdated.Retain(ids)
	j.BackingUp.Retain(ids)
	j.Updated.Retain(ids)
	j.Errors.Retain(ids)
}

// Finished reports whether the current run has drained
func (j *BackupJob) Finished() bool {
	return j.Outdated.Empty() && j.BackingUp.Empty()
}

// DiffIDs returns the ids added to and removed from a list
func DiffIDs(newList, oldList IntSet) (added, removed IntSet) {
	return newList.Difference(oldList), oldList.Difference(newList)
}
