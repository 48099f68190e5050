package reconciler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/stratus/pkg/log"
	"github.com/cuemby/stratus/pkg/metrics"
	"github.com/cuemby/stratus/pkg/pool"
	"github.com/cuemby/stratus/pkg/quota"
	"github.com/cuemby/stratus/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultInterval is the time between reconciliation cycles
const DefaultInterval = 30 * time.Second

// Result counts the outcome of one reconciliation cycle
type Result struct {
	Applied   int
	Discarded int
	Failed    int
}

// Reconciler replays quota intents left behind by a crash or a failed quota
// update, so owner counters match the persisted VMs
type Reconciler struct {
	journal  *quota.Journal
	vms      *pool.VMPool
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewReconciler creates a new reconciler
func NewReconciler(journal *quota.Journal, vms *pool.VMPool, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		journal:  journal,
		vms:      vms,
		interval: interval,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	if r.started.CompareAndSwap(false, true) {
		go r.run()
	}
}

// Stop stops the reconciler and waits for the running cycle
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	if r.started.Load() {
		<-r.doneCh
	}
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Reconcile(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation cycle failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one reconciliation cycle. A committed intent is always
// applied. Any other intent is applied only while its VM still has the state
// pair the intent was recorded with; otherwise the transition never made it
// to the store and the intent is discarded.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result
	intents, err := r.journal.Pending()
	if err != nil {
		return res, err
	}

	for _, candidate := range intents {
		out, err := r.replay(ctx, candidate)
		switch {
		case err != nil:
			res.Failed++
			r.logger.Error().Err(err).Str("intent_id", candidate.ID).Int("vm_id", candidate.VMID).Msg("Failed to replay quota intent")
		case out == applied:
			res.Applied++
			metrics.QuotaIntentsReplayed.WithLabelValues("applied").Inc()
		case out == discarded:
			res.Discarded++
			metrics.QuotaIntentsReplayed.WithLabelValues("discarded").Inc()
		}
	}

	if len(intents) > 0 {
		r.logger.Info().
			Int("applied", res.Applied).
			Int("discarded", res.Discarded).
			Int("failed", res.Failed).
			Msg("Replayed quota intents")
	}
	return res, nil
}

type outcome int

const (
	skipped outcome = iota
	applied
	discarded
)

// replay claims the intent first, so an intent acknowledged since Pending
// listed it is skipped. Uncommitted intents are compared under the VM lock,
// so no transition can move the VM in between.
func (r *Reconciler) replay(ctx context.Context, candidate *types.QuotaIntent) (outcome, error) {
	intent, err := r.journal.Claim(candidate.ID)
	if err != nil || intent == nil {
		return skipped, err
	}
	logger := r.logger.With().Str("intent_id", intent.ID).Int("vm_id", intent.VMID).Str("event", intent.Event).Logger()

	if intent.Committed {
		if err := r.journal.Apply(ctx, intent); err != nil {
			return skipped, err
		}
		logger.Info().Msg("Applied committed quota intent")
		return applied, nil
	}

	h, err := r.vms.Get(ctx, intent.VMID)
	if errors.Is(err, pool.ErrNotFound) {
		logger.Warn().Msg("Discarding quota intent of missing VM")
		return discarded, r.journal.Discard(intent)
	}
	if err != nil {
		r.journal.Unclaim(intent)
		return skipped, err
	}
	defer h.Release()

	vm := h.Object()
	if vm.State != intent.State || (vm.State == types.StateActive && vm.LCMState != intent.LCMState) {
		logger.Warn().
			Str("recorded", intent.State.String()+"/"+intent.LCMState.String()).
			Str("current", vm.StateString()).
			Msg("Discarding quota intent, VM transition was not persisted")
		return discarded, r.journal.Discard(intent)
	}

	if err := r.journal.Apply(ctx, intent); err != nil {
		return skipped, err
	}
	logger.Info().Msg("Applied quota intent")
	return applied, nil
}
