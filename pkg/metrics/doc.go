/*
Package metrics provides Prometheus metrics and health endpoints for the
stratus control plane.

All metrics are package globals registered on the default registry at init
and exposed by Handler:

	http.Handle("/metrics", metrics.Handler())

# Metric Families

Objects (refreshed by the manager's collector):

	stratus_vms_total{state, lcm_state}
	stratus_backup_jobs_total
	stratus_backup_job_vms{set}          outdated, backing_up, updated, error

Pools:

	stratus_pool_allocations_total{table, result}
	stratus_pool_lock_wait_seconds{table}

Dispatch:

	stratus_dispatch_actions_total{event, result}
	stratus_dispatch_triggers_dropped_total{event}
	stratus_transition_duration_seconds
	stratus_action_queue_depth{queue}

Backups:

	stratus_backups_started_total
	stratus_backups_finished_total{result}

Quota:

	stratus_quota_intents_pending
	stratus_quota_intents_replayed_total{outcome}
	stratus_reconciliation_duration_seconds

# Timing

Timer measures an operation and records it on a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TransitionDuration)

# Health

Components register their state with RegisterComponent and UpdateComponent.
HealthHandler reports every component, ReadyHandler answers 503 until the
critical ones are healthy and LivenessHandler only reports that the process
is up.
*/
package metrics
