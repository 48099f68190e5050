package quota

import (
	"context"
	"testing"

	"github.com/cuemby/stratus/pkg/storage"
	"github.com/cuemby/stratus/pkg/template"
	"github.com/cuemby/stratus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) (*Journal, *Manager, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := newTestManager(t, Config{})
	return NewJournal(store, m), m, store
}

func suspendedVM() *types.VirtualMachine {
	vm := &types.VirtualMachine{State: types.StateSuspended, CPU: 2, Memory: 1024}
	vm.OID = 7
	vm.UID = 3
	vm.GID = 1
	return vm
}

func TestJournal_RecordApply(t *testing.T) {
	ctx := context.Background()
	j, m, store := newTestJournal(t)
	vm := suspendedVM()

	require.NoError(t, m.Apply(ctx, 3, 1, nil, vm.RunningQuotaTemplate()))

	intent, err := j.Record(vm, "suspend-success", vm.RunningQuotaTemplate(), nil)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, types.StateSuspended, intent.State)
	assert.Equal(t, 7, intent.VMID)
	assert.Nil(t, intent.Add)

	stored, err := store.ListIntents()
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	// not offered for replay while the transition owns it
	pending, err := j.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, j.Apply(ctx, intent))

	stored, err = store.ListIntents()
	require.NoError(t, err)
	assert.Empty(t, stored)

	user, err := m.Usage(ctx, KindUser, 3)
	require.NoError(t, err)
	assert.Equal(t, 0.0, user[types.QuotaRunningVMs])
}

func TestJournal_EmptyDelta(t *testing.T) {
	j, _, _ := newTestJournal(t)

	intent, err := j.Record(suspendedVM(), "hold", template.New(), nil)
	require.NoError(t, err)
	assert.Nil(t, intent)
	assert.NoError(t, j.Apply(context.Background(), intent))
}

func TestJournal_PendingAfterRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)

	m := newTestManager(t, Config{})
	j := NewJournal(store, m)
	vm := suspendedVM()
	_, err = j.Record(vm, "suspend-success", vm.RunningQuotaTemplate(), nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// a fresh journal owns nothing, so every stored intent is pending
	store, err = storage.NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	pending, err := NewJournal(store, m).Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "suspend-success", pending[0].Event)
	v, ok := pending[0].Del.GetFloat(types.QuotaRunningCPU)
	assert.True(t, ok)
	assert.Equal(t, 2.0, v)
}

func TestJournal_Discard(t *testing.T) {
	j, _, store := newTestJournal(t)
	vm := suspendedVM()

	intent, err := j.Record(vm, "suspend-success", vm.RunningQuotaTemplate(), nil)
	require.NoError(t, err)
	require.NoError(t, j.Discard(intent))

	stored, err := store.ListIntents()
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestJournal_Claim(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	m := newTestManager(t, Config{})
	crashed := NewJournal(store, m)
	j := NewJournal(store, m)
	vm := suspendedVM()

	intent, err := crashed.Record(vm, "suspend-success", vm.RunningQuotaTemplate(), nil)
	require.NoError(t, err)

	// not owned by j yet
	assert.ErrorIs(t, j.Apply(ctx, intent), ErrNotClaimed)
	assert.ErrorIs(t, j.Discard(intent), ErrNotClaimed)

	// the recording journal still owns it
	claimed, err := crashed.Claim(intent.ID)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	claimed, err = j.Claim(intent.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, intent.ID, claimed.ID)

	// a second claim on the same journal gets nothing
	again, err := j.Claim(intent.ID)
	require.NoError(t, err)
	assert.Nil(t, again)

	j.Unclaim(claimed)
	claimed, err = j.Claim(intent.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, j.Discard(claimed))

	// gone once acknowledged
	gone, err := j.Claim(intent.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestJournal_ApplyFailureMarksCommitted(t *testing.T) {
	j, _, store := newTestJournal(t)
	vm := suspendedVM()

	intent, err := j.Record(vm, "suspend-success", vm.RunningQuotaTemplate(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, j.Apply(ctx, intent))

	stored, err := store.GetIntent(intent.ID)
	require.NoError(t, err)
	assert.True(t, stored.Committed)

	// ownership was given up, so replay can pick it up
	pending, err := j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Committed)
}
