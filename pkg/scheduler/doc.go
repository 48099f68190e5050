/*
Package scheduler launches the VM backups of backup jobs.

The scheduler runs on a fixed interval (5 seconds by default). Each cycle
lists the jobs that have outdated VMs, highest priority first, and starts
their backups until the concurrency limit is reached:

	┌────────────────────────────────────────────────────────────┐
	│                    Scheduler Loop                          │
	│                  (every Config.Interval)                   │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	                 ▼
	┌────────────────────────────────────────────────────────────┐
	│  1. Count backups in flight (MaxConcurrent > 0 only)       │
	│  2. List jobs with outdated VMs, by priority               │
	│  3. For each outdated VM, while slots remain:              │
	│     • job: outdated → backing_up                           │
	│     • dispatch: RUNNING → BACKUP (or POWEROFF →            │
	│       BACKUP_POWEROFF)                                     │
	└────────────────────────────────────────────────────────────┘

A VM is moved to backing_up before the dispatch engine is asked for the
backup, so a completion that arrives immediately always finds it there. When
the dispatch engine refuses (for example because the VM is stopped) the VM
is reported back to its job as failed and shows up in the job's error set,
where Retry picks it up.

The scheduler keeps no state of its own; jobs and VMs are read on every
cycle.

	s := scheduler.NewScheduler(backups, dispatch, scheduler.Config{
		Interval:      30 * time.Second,
		MaxConcurrent: 4,
	})
	s.Start()
	defer s.Stop()
*/
package scheduler
