/*
Package dispatch drives virtual machines through their lifecycle.

The Engine is the only writer of VM state. Every change, whether an operation
requested by a user or a completion reported by a driver, runs as one unit of
work on a single worker queue and follows the same pattern:

	lock VM ─► look up transition ─► mutate ─► record quota intent ─► persist
	                                                                     │
	        publish vm.state ◄─ issue driver actions ◄─ apply quota ◄─ unlock

Operations (Deploy, Stop, Terminate, AttachDisk, Backup, ...) wait for their
unit of work and return pool.ErrNotFound, a wrapped lifecycle.ErrWrongState
or a validation error. Driver completions and monitor events enter through
Trigger and return at once; when the VM is not in a state that accepts them
they are dropped and logged at error level with the VM id, the event and the
state pair.

# Quota

Capacity quota (VMS, CPU, MEMORY, SYSTEM_DISK_SIZE) is charged on Allocate and
returned when the VM is done. Running quota is held while the current history
record has an open running interval: it is added when the VM enters RUNNING
and removed when it leaves ACTIVE for a state that does not use the host.
The delta of each transition is journaled before the VM row is written, so a
crash between the two writes is repaired by the reconciler.

# Locks

Driver actions, backup notifications and quota updates run after the VM lock
is released. Notifications towards the backup manager are asynchronous; the
engine never takes a backup job lock.
*/
package dispatch
