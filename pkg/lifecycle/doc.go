/*
Package lifecycle is the transition table of the VM state machine.

A VM is in a Pair of states: the coarse VMState (PENDING, HOLD, ACTIVE,
STOPPED, ...) and, while ACTIVE, an LCMState (PROLOG, BOOT, RUNNING, ...).
An Event moves a pair to another pair, or ends in an Exit that the dispatch
engine resolves (suspend, stop, undeploy, poweroff, done, resubmit).

	tr, err := lifecycle.Lookup(vm.State, vm.LCMState, lifecycle.EventDeploySuccess)
	if errors.Is(err, lifecycle.ErrWrongState) {
		// the VM moved on; drop the completion
	}

Lookup is the only way to move a VM. Sources, EventsFrom and ValidIn answer
questions about the table without changing anything.

RecoverEvent maps a VM stuck in a transient or failure sub-state to the
completion that ends it, which is how the administrative recover operation
forces success or failure.
*/
package lifecycle
