package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/stratus/pkg/db"
	"github.com/cuemby/stratus/pkg/pool"
	"github.com/cuemby/stratus/pkg/quota"
	"github.com/cuemby/stratus/pkg/storage"
	"github.com/cuemby/stratus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	vms    *pool.VMPool
	quotas *quota.Manager
	store  *storage.BoltStore

	// crashed records intents that are never applied, like a process that
	// died between the VM update and the quota update
	crashed *quota.Journal
	journal *quota.Journal
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	database, err := db.OpenSQLite("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	vms := pool.NewVMPool(database, pool.Options{})
	require.NoError(t, vms.Bootstrap(ctx))

	quotas := quota.NewManager(database, quota.Config{})
	require.NoError(t, quotas.Bootstrap(ctx))

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &testEnv{
		vms:     vms,
		quotas:  quotas,
		store:   store,
		crashed: quota.NewJournal(store, quotas),
		journal: quota.NewJournal(store, quotas),
	}
}

func (env *testEnv) allocate(t *testing.T, state types.VMState, lcm types.LCMState) *types.VirtualMachine {
	t.Helper()
	vm := &types.VirtualMachine{State: state, LCMState: lcm, CPU: 2, Memory: 1024}
	vm.UID = 4
	vm.GID = 2
	vm.Permissions = types.DefaultPermissions()
	oid, err := env.vms.Allocate(context.Background(), vm)
	require.NoError(t, err)
	vm.OID = oid
	return vm
}

func (env *testEnv) runningVMs(t *testing.T) float64 {
	t.Helper()
	usage, err := env.quotas.Usage(context.Background(), quota.KindUser, 4)
	require.NoError(t, err)
	return usage[types.QuotaRunningVMs]
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name        string
		state       types.VMState
		lcm         types.LCMState
		want        Result
		wantRunning float64
	}{
		{
			name:        "state unchanged applies the intent",
			state:       types.StateActive,
			lcm:         types.Running,
			want:        Result{Applied: 1},
			wantRunning: 1,
		},
		{
			name:    "lcm state moved on discards the intent",
			state:   types.StateActive,
			lcm:     types.Shutdown,
			want:    Result{Discarded: 1},
		},
		{
			name:    "transition not persisted discards the intent",
			state:   types.StatePending,
			lcm:     types.LCMInit,
			want:    Result{Discarded: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t)
			vm := env.allocate(t, tt.state, tt.lcm)

			// the intent carries the pair the transition was heading to
			target := *vm
			target.State = types.StateActive
			target.LCMState = types.Running
			_, err := env.crashed.Record(&target, "deploy-success", nil, target.RunningQuotaTemplate())
			require.NoError(t, err)

			r := NewReconciler(env.journal, env.vms, time.Minute)
			res, err := r.Reconcile(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
			assert.Equal(t, tt.wantRunning, env.runningVMs(t))

			left, err := env.store.ListIntents()
			require.NoError(t, err)
			assert.Empty(t, left)

			// a second cycle finds nothing to do
			res, err = r.Reconcile(ctx)
			require.NoError(t, err)
			assert.Equal(t, Result{}, res)
			assert.Equal(t, tt.wantRunning, env.runningVMs(t))
		})
	}
}

func TestReconcile_MissingVM(t *testing.T) {
	env := newTestEnv(t)

	ghost := &types.VirtualMachine{State: types.StateActive, LCMState: types.Running, CPU: 1, Memory: 256}
	ghost.OID = 42
	ghost.UID = 4
	_, err := env.crashed.Record(ghost, "deploy-success", nil, ghost.RunningQuotaTemplate())
	require.NoError(t, err)

	res, err := NewReconciler(env.journal, env.vms, 0).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Discarded: 1}, res)
	assert.Equal(t, 0.0, env.runningVMs(t))
}

func TestReconcile_SkipsInFlightIntents(t *testing.T) {
	env := newTestEnv(t)
	vm := env.allocate(t, types.StateActive, types.Running)

	intent, err := env.journal.Record(vm, "deploy-success", nil, vm.RunningQuotaTemplate())
	require.NoError(t, err)

	r := NewReconciler(env.journal, env.vms, 0)
	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	// the transition finishes on its own
	require.NoError(t, env.journal.Apply(context.Background(), intent))
	assert.Equal(t, 1.0, env.runningVMs(t))
}

// gatedStore holds ListIntents until resume is closed, after signalling on
// listed that the snapshot was taken
type gatedStore struct {
	*storage.BoltStore
	listed chan struct{}
	resume chan struct{}
}

func (s *gatedStore) ListIntents() ([]*types.QuotaIntent, error) {
	all, err := s.BoltStore.ListIntents()
	close(s.listed)
	<-s.resume
	return all, err
}

func TestReconcile_IntentAckedAfterListing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	vm := env.allocate(t, types.StateActive, types.Running)

	gate := &gatedStore{BoltStore: env.store, listed: make(chan struct{}), resume: make(chan struct{})}
	journal := quota.NewJournal(gate, env.quotas)
	intent, err := journal.Record(vm, "deploy-success", nil, vm.RunningQuotaTemplate())
	require.NoError(t, err)

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	r := NewReconciler(journal, env.vms, time.Minute)
	go func() {
		res, err := r.Reconcile(ctx)
		done <- outcome{res, err}
	}()

	// the transition finishes between the listing and the replay
	<-gate.listed
	require.NoError(t, journal.Apply(ctx, intent))
	close(gate.resume)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, Result{}, out.res)
	assert.Equal(t, 1.0, env.runningVMs(t))
}

func TestReconcile_CommittedIntent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	vm := env.allocate(t, types.StateActive, types.Running)

	intent, err := env.journal.Record(vm, "deploy-success", nil, vm.RunningQuotaTemplate())
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, env.journal.Apply(cancelled, intent))

	stored, err := env.store.GetIntent(intent.ID)
	require.NoError(t, err)
	assert.True(t, stored.Committed)

	// the VM moves on before the next cycle
	h, err := env.vms.Get(ctx, vm.OID)
	require.NoError(t, err)
	h.Object().State = types.StatePoweroff
	h.Object().LCMState = types.LCMInit
	require.NoError(t, h.Update(ctx))
	h.Release()

	res, err := NewReconciler(env.journal, env.vms, time.Minute).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Applied: 1}, res)
	assert.Equal(t, 1.0, env.runningVMs(t))
}

func TestReconciler_Loop(t *testing.T) {
	env := newTestEnv(t)
	vm := env.allocate(t, types.StateActive, types.Running)
	_, err := env.crashed.Record(vm, "deploy-success", nil, vm.RunningQuotaTemplate())
	require.NoError(t, err)

	r := NewReconciler(env.journal, env.vms, 10*time.Millisecond)
	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool {
		left, err := env.store.ListIntents()
		return err == nil && len(left) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, env.runningVMs(t))
}

func TestReconciler_StopWithoutStart(t *testing.T) {
	env := newTestEnv(t)
	r := NewReconciler(env.journal, env.vms, 0)
	r.Stop()
	r.Stop()
}
