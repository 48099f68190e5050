package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Object metrics
	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratus_vms_total",
			Help: "Total number of virtual machines by state and lcm_state",
		},
		[]string{"state", "lcm_state"},
	)

	BackupJobsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stratus_backup_jobs_total",
			Help: "Total number of backup jobs",
		},
	)

	BackupJobVMs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratus_backup_job_vms",
			Help: "Number of VMs in each backup job working set (outdated, backing_up, updated, error)",
		},
		[]string{"set"},
	)

	// Pool metrics
	PoolAllocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_pool_allocations_total",
			Help: "Total number of object allocations by table and result",
		},
		[]string{"table", "result"},
	)

	PoolLockWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratus_pool_lock_wait_seconds",
			Help:    "Time spent waiting for an object lock in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	// Dispatch metrics
	DispatchActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_dispatch_actions_total",
			Help: "Total number of dispatch actions by event and result",
		},
		[]string{"event", "result"},
	)

	TriggersDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_dispatch_triggers_dropped_total",
			Help: "Driver completions dropped because the VM was in the wrong state",
		},
		[]string{"event"},
	)

	TransitionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stratus_transition_duration_seconds",
			Help:    "Time taken to apply a state transition in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratus_action_queue_depth",
			Help: "Number of units of work waiting in each action queue",
		},
		[]string{"queue"},
	)

	// Backup metrics
	BackupsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratus_backups_started_total",
			Help: "Total number of VM backups started by the scheduler",
		},
	)

	BackupsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_backups_finished_total",
			Help: "Total number of VM backups finished by result",
		},
		[]string{"result"},
	)

	// Quota metrics
	QuotaIntentsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stratus_quota_intents_pending",
			Help: "Quota intents recorded but not yet acknowledged",
		},
	)

	QuotaIntentsReplayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_quota_intents_replayed_total",
			Help: "Quota intents handled by the reconciler by outcome (applied, discarded)",
		},
		[]string{"outcome"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stratus_reconciliation_duration_seconds",
			Help:    "Time taken for a quota reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(VMsTotal)
	prometheus.MustRegister(BackupJobsTotal)
	prometheus.MustRegister(BackupJobVMs)
	prometheus.MustRegister(PoolAllocations)
	prometheus.MustRegister(PoolLockWait)
	prometheus.MustRegister(DispatchActionsTotal)
	prometheus.MustRegister(TriggersDropped)
	prometheus.MustRegister(TransitionDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(BackupsStarted)
	prometheus.MustRegister(BackupsFinished)
	prometheus.MustRegister(QuotaIntentsPending)
	prometheus.MustRegister(QuotaIntentsReplayed)
	prometheus.MustRegister(ReconciliationDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
