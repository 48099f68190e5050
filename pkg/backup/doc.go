/*
Package backup manages backup jobs: named sets of VMs that are backed up
together, in priority order, by the scheduler.

# Working sets

A job run moves every VM of the job through four sets:

	          Execute                BackupStarted
	BACKUP_VMS ───────▶ outdated ─────────────────▶ backing_up
	                       ▲                           │
	                       │ Retry      BackupFinished │
	                       │                           ▼
	                     errors ◀──── failure ──── success ────▶ updated

Execute refuses to start a run while outdated or backing_up still hold ids.
Cancel empties both without moving ids anywhere and asks the dispatch engine
to abort the VM backups that were in flight.

# Claims

A VM belongs to at most one job. The claim is stored on the VM
(Backup.JobID) and kept in step with the job's BACKUP_VMS attribute: every
template update diffs the old and new lists, claims added VMs and clears the
claims of removed ones. A VM claimed by another job fails the update with
ErrConflict and the claims taken so far are given back.

# Concurrency

All operations run on the manager's action queue. The job lock is always
taken before VM locks. The dispatch engine reports backup outcomes through
BackupFinished and RemoveVM, which only enqueue work, so it never waits on
this queue while holding a VM lock.
*/
package backup
