package manager

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/stratus/pkg/metrics"
	"github.com/cuemby/stratus/pkg/pool"
)

// MetricsCollector periodically refreshes the object gauges from the pools
type MetricsCollector struct {
	vms      *pool.VMPool
	jobs     *pool.BackupJobPool
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(vms *pool.VMPool, jobs *pool.BackupJobPool, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		vms:      vms,
		jobs:     jobs,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(c.interval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()

		// Collect immediately on start
		c.collect(context.Background())

		for {
			select {
			case <-ticker.C:
				c.collect(context.Background())
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *MetricsCollector) collect(ctx context.Context) {
	c.collectVMMetrics(ctx)
	c.collectBackupJobMetrics(ctx)
}

func (c *MetricsCollector) collectVMMetrics(ctx context.Context) {
	vms, err := c.vms.List(ctx, pool.DumpOptions{})
	if err != nil {
		return
	}

	type pair struct{ state, lcm string }
	counts := make(map[pair]int)
	for _, vm := range vms {
		counts[pair{vm.State.String(), vm.LCMState.String()}]++
	}

	metrics.VMsTotal.Reset()
	for p, n := range counts {
		metrics.VMsTotal.WithLabelValues(p.state, p.lcm).Set(float64(n))
	}
}

func (c *MetricsCollector) collectBackupJobMetrics(ctx context.Context) {
	jobs, err := c.jobs.List(ctx, pool.DumpOptions{})
	if err != nil {
		return
	}

	var outdated, backingUp, updated, errored int
	for _, job := range jobs {
		outdated += job.Outdated.Len()
		backingUp += job.BackingUp.Len()
		updated += job.Updated.Len()
		errored += job.Errors.Len()
	}

	metrics.BackupJobsTotal.Set(float64(len(jobs)))
	metrics.BackupJobVMs.WithLabelValues("outdated").Set(float64(outdated))
	metrics.BackupJobVMs.WithLabelValues("backing_up").Set(float64(backingUp))
	metrics.BackupJobVMs.WithLabelValues("updated").Set(float64(updated))
	metrics.BackupJobVMs.WithLabelValues("error").Set(float64(errored))
}
