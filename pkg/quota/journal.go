package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/stratus/pkg/log"
	"github.com/cuemby/stratus/pkg/metrics"
	"github.com/cuemby/stratus/pkg/storage"
	"github.com/cuemby/stratus/pkg/template"
	"github.com/cuemby/stratus/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotClaimed is returned by Apply and Discard for an intent the journal
// does not own
var ErrNotClaimed = errors.New("quota intent not claimed")

// Journal makes the "persist VM, then update quota" sequence recoverable.
// An intent is recorded before the VM is persisted, applied after the VM
// lock is released and removed once applied. Intents left behind by a crash
// are found by Pending and taken over with Claim.
type Journal struct {
	store  storage.Store
	quotas *Manager
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewJournal creates a journal writing intents to store
func NewJournal(store storage.Store, quotas *Manager) *Journal {
	return &Journal{
		store:    store,
		quotas:   quotas,
		logger:   log.WithComponent("quota"),
		inflight: make(map[string]struct{}),
	}
}

// Record stores the delta of a transition of vm. The VM must already carry
// the state pair the transition produces. It returns nil when del and add
// are both empty.
func (j *Journal) Record(vm *types.VirtualMachine, event string, del, add *template.Template) (*types.QuotaIntent, error) {
	if del.Len() == 0 && add.Len() == 0 {
		return nil, nil
	}

	intent := &types.QuotaIntent{
		ID:       uuid.New().String(),
		VMID:     vm.OID,
		Event:    event,
		UID:      vm.UID,
		GID:      vm.GID,
		State:    vm.State,
		LCMState: vm.LCMState,
		Created:  time.Now(),
	}
	if del.Len() > 0 {
		intent.Del = del
	}
	if add.Len() > 0 {
		intent.Add = add
	}

	j.mu.Lock()
	j.inflight[intent.ID] = struct{}{}
	j.mu.Unlock()

	if err := j.store.PutIntent(intent); err != nil {
		j.forget(intent.ID)
		return nil, fmt.Errorf("failed to record quota intent for vm %d: %w", vm.OID, err)
	}
	metrics.QuotaIntentsPending.Inc()
	return intent, nil
}

// Apply updates the owner counters and acknowledges the intent. A nil intent
// is a no-op. The intent must be owned, through Record or Claim. When the
// counters cannot be updated the intent is marked committed and left for
// the reconciler.
func (j *Journal) Apply(ctx context.Context, intent *types.QuotaIntent) error {
	if intent == nil {
		return nil
	}
	if !j.owns(intent.ID) {
		return fmt.Errorf("%w: %s", ErrNotClaimed, intent.ID)
	}
	if err := j.quotas.Apply(ctx, intent.UID, intent.GID, intent.Del, intent.Add); err != nil {
		defer j.forget(intent.ID)
		intent.Committed = true
		if perr := j.store.PutIntent(intent); perr != nil {
			j.logger.Error().Err(perr).Str("intent_id", intent.ID).Msg("Failed to mark quota intent committed")
		}
		return fmt.Errorf("failed to apply quota intent %s: %w", intent.ID, err)
	}
	return j.ack(intent)
}

// Discard drops an owned intent whose transition was not persisted
func (j *Journal) Discard(intent *types.QuotaIntent) error {
	if intent == nil {
		return nil
	}
	if !j.owns(intent.ID) {
		return fmt.Errorf("%w: %s", ErrNotClaimed, intent.ID)
	}
	return j.ack(intent)
}

// Claim takes ownership of a stored intent and returns its current record.
// It returns nil when the intent is owned by a transition in progress or is
// already gone, so an intent is applied at most once.
func (j *Journal) Claim(id string) (*types.QuotaIntent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, busy := j.inflight[id]; busy {
		return nil, nil
	}
	intent, err := j.store.GetIntent(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim quota intent %s: %w", id, err)
	}
	j.inflight[id] = struct{}{}
	return intent, nil
}

// Unclaim gives up ownership without touching the stored intent
func (j *Journal) Unclaim(intent *types.QuotaIntent) {
	if intent != nil {
		j.forget(intent.ID)
	}
}

// Pending lists intents not owned by a transition still in progress, oldest
// first. The list is a snapshot; callers Claim an intent before acting on it.
func (j *Journal) Pending() ([]*types.QuotaIntent, error) {
	all, err := j.store.ListIntents()
	if err != nil {
		return nil, fmt.Errorf("failed to list quota intents: %w", err)
	}
	metrics.QuotaIntentsPending.Set(float64(len(all)))

	j.mu.Lock()
	defer j.mu.Unlock()

	pending := make([]*types.QuotaIntent, 0, len(all))
	for _, intent := range all {
		if _, busy := j.inflight[intent.ID]; !busy {
			pending = append(pending, intent)
		}
	}
	return pending, nil
}

func (j *Journal) ack(intent *types.QuotaIntent) error {
	defer j.forget(intent.ID)
	if err := j.store.DeleteIntent(intent.ID); err != nil {
		return fmt.Errorf("failed to acknowledge quota intent %s: %w", intent.ID, err)
	}
	metrics.QuotaIntentsPending.Dec()
	return nil
}

func (j *Journal) owns(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.inflight[id]
	return ok
}

func (j *Journal) forget(id string) {
	j.mu.Lock()
	delete(j.inflight, id)
	j.mu.Unlock()
}
