package pool

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/stratus/pkg/db"
	"github.com/cuemby/stratus/pkg/template"
	"github.com/cuemby/stratus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyDB fails inserts into one table while failInserts is set
type flakyDB struct {
	db.DB
	table       string
	failInserts atomic.Bool
}

func (f *flakyDB) Exec(ctx context.Context, stmt string) (int64, error) {
	if f.failInserts.Load() && strings.HasPrefix(stmt, "INSERT INTO "+f.table+" ") {
		return 0, errors.New("disk I/O error")
	}
	return f.DB.Exec(ctx, stmt)
}

func newTestDB(t *testing.T) db.DB {
	t.Helper()
	store, err := db.OpenSQLite("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestVMPool(t *testing.T, store db.DB, opts Options) *VMPool {
	t.Helper()
	p := NewVMPool(store, opts)
	require.NoError(t, p.Bootstrap(context.Background()))
	return p
}

func newVM(t *testing.T, uid, gid int, name string) *types.VirtualMachine {
	t.Helper()
	tmpl, err := template.Parse(`NAME = "` + name + `"
CPU = 1
MEMORY = 512`)
	require.NoError(t, err)
	vm, err := types.NewVirtualMachine(types.Owner{UID: uid, GID: gid, UName: "user", GName: "users"}, tmpl)
	require.NoError(t, err)
	return vm
}

func TestAllocateAndGet(t *testing.T) {
	ctx := context.Background()
	p := newTestVMPool(t, newTestDB(t), Options{})

	oid, err := p.Allocate(ctx, newVM(t, 2, 1, "web"))
	require.NoError(t, err)
	assert.Equal(t, 0, oid)

	h, err := p.Get(ctx, oid)
	require.NoError(t, err)
	defer h.Release()

	vm := h.Object()
	assert.Equal(t, oid, vm.OID)
	assert.Equal(t, "web", vm.Name)
	assert.Equal(t, types.StatePending, vm.State)
	assert.Equal(t, 2, vm.UID)
}

func TestGet_NotFound(t *testing.T) {
	p := newTestVMPool(t, newTestDB(t), Options{})

	_, err := p.Get(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = p.GetRO(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 0, p.Cached())
}

func TestAllocate_MonotonicIDs(t *testing.T) {
	ctx := context.Background()
	p := newTestVMPool(t, newTestDB(t), Options{})

	for want := 0; want < 5; want++ {
		oid, err := p.Allocate(ctx, newVM(t, 1, 1, ""))
		require.NoError(t, err)
		assert.Equal(t, want, oid)
	}

	// dropped ids are not reused
	h, err := p.Get(ctx, 4)
	require.NoError(t, err)
	require.NoError(t, h.Drop(ctx))
	h.Release()

	oid, err := p.Allocate(ctx, newVM(t, 1, 1, ""))
	require.NoError(t, err)
	assert.Equal(t, 5, oid)
}

func TestAllocate_ConcurrentIDsAreUnique(t *testing.T) {
	ctx := context.Background()
	p := newTestVMPool(t, newTestDB(t), Options{})

	const n = 40
	var wg sync.WaitGroup
	ids := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vm := &types.VirtualMachine{State: types.StatePending}
			vm.Permissions = types.DefaultPermissions()
			oid, err := p.Allocate(ctx, vm)
			assert.NoError(t, err)
			ids <- oid
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int]bool)
	for id := range ids {
		assert.False(t, seen[id], "oid %d allocated twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)

	last, err := p.LastOID(ctx)
	require.NoError(t, err)
	assert.Equal(t, n-1, last)
}

func TestAllocate_InsertFailureRollsBackWatermark(t *testing.T) {
	ctx := context.Background()
	store := &flakyDB{DB: newTestDB(t), table: VMTable}
	p := newTestVMPool(t, store, Options{})

	oid, err := p.Allocate(ctx, newVM(t, 1, 1, "a"))
	require.NoError(t, err)
	require.Equal(t, 0, oid)

	store.failInserts.Store(true)
	vm := newVM(t, 1, 1, "b")
	oid, err = p.Allocate(ctx, vm)
	require.Error(t, err)
	assert.Equal(t, types.NoneID, oid)
	assert.Equal(t, types.NoneID, vm.OID)

	last, err := p.LastOID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, last)

	store.failInserts.Store(false)
	oid, err = p.Allocate(ctx, newVM(t, 1, 1, "c"))
	require.NoError(t, err)
	assert.Equal(t, 1, oid, "next allocation reuses the failed attempt's oid")
}

func TestAllocate_NameTaken(t *testing.T) {
	ctx := context.Background()
	p := New(newTestDB(t), BackupJobTableDef(), Options{})
	require.NoError(t, p.Bootstrap(ctx))

	newJob := func(uid int) *types.BackupJob {
		tmpl, err := template.Parse(`NAME = "nightly"
BACKUP_VMS = "1,2"`)
		require.NoError(t, err)
		job, err := types.NewBackupJob(types.Owner{UID: uid}, tmpl)
		require.NoError(t, err)
		return job
	}

	oid, err := p.Allocate(ctx, newJob(3))
	require.NoError(t, err)
	assert.Equal(t, 0, oid)

	_, err = p.Allocate(ctx, newJob(3))
	assert.ErrorIs(t, err, ErrNameTaken)

	// the rejected allocation did not consume an oid
	last, err := p.LastOID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, last)

	// same name for another owner is fine
	oid, err = p.Allocate(ctx, newJob(4))
	require.NoError(t, err)
	assert.Equal(t, 1, oid)
}

func TestHandle_UpdatePersists(t *testing.T) {
	ctx := context.Background()
	p := newTestVMPool(t, newTestDB(t), Options{})
	oid, err := p.Allocate(ctx, newVM(t, 1, 1, "vm"))
	require.NoError(t, err)

	h, err := p.Get(ctx, oid)
	require.NoError(t, err)
	h.Object().SetState(types.StateHold)
	require.NoError(t, h.Update(ctx))
	h.Release()
	h.Release()

	ro, err := p.GetRO(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, types.StateHold, ro.State)

	ids, err := p.Search(ctx, "state = 2")
	require.NoError(t, err)
	assert.Equal(t, []int{oid}, ids)
}

func TestHandle_ReleaseWithoutUpdateDiscards(t *testing.T) {
	ctx := context.Background()
	p := newTestVMPool(t, newTestDB(t), Options{})
	oid, err := p.Allocate(ctx, newVM(t, 1, 1, "vm"))
	require.NoError(t, err)

	h, err := p.Get(ctx, oid)
	require.NoError(t, err)
	h.Object().SetState(types.StateHold)
	h.Release()

	h, err = p.Get(ctx, oid)
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, types.StatePending, h.Object().State)
}

func TestHandle_DropThenGet(t *testing.T) {
	ctx := context.Background()
	p := newTestVMPool(t, newTestDB(t), Options{})
	oid, err := p.Allocate(ctx, newVM(t, 1, 1, "vm"))
	require.NoError(t, err)

	h, err := p.Get(ctx, oid)
	require.NoError(t, err)
	require.NoError(t, h.Drop(ctx))
	assert.Error(t, h.Update(ctx))
	h.Release()

	_, err = p.Get(ctx, oid)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_LockExclusivity(t *testing.T) {
	ctx := context.Background()
	p := newTestVMPool(t, newTestDB(t), Options{})
	oid, err := p.Allocate(ctx, newVM(t, 1, 1, "vm"))
	require.NoError(t, err)

	var holders, maxHolders int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Get(ctx, oid)
			if !assert.NoError(t, err) {
				return
			}
			defer h.Release()

			cur := atomic.AddInt32(&holders, 1)
			for {
				m := atomic.LoadInt32(&maxHolders)
				if cur <= m || atomic.CompareAndSwapInt32(&maxHolders, m, cur) {
					break
				}
			}

			vm := h.Object()
			vm.VCPU++
			time.Sleep(time.Millisecond)
			assert.NoError(t, h.Update(ctx))
			atomic.AddInt32(&holders, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxHolders)

	vm, err := p.GetRO(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, 21, vm.VCPU)
}

func TestGet_LockTimeout(t *testing.T) {
	ctx := context.Background()
	p := newTestVMPool(t, newTestDB(t), Options{LockTimeout: 20 * time.Millisecond})
	oid, err := p.Allocate(ctx, newVM(t, 1, 1, "vm"))
	require.NoError(t, err)

	h, err := p.Get(ctx, oid)
	require.NoError(t, err)

	_, err = p.Get(ctx, oid)
	assert.ErrorIs(t, err, ErrLocked)

	h.Release()

	h2, err := p.Get(ctx, oid)
	require.NoError(t, err)
	h2.Release()
}

func TestGet_ContextCancelled(t *testing.T) {
	p := newTestVMPool(t, newTestDB(t), Options{})
	oid, err := p.Allocate(context.Background(), newVM(t, 1, 1, "vm"))
	require.NoError(t, err)

	h, err := p.Get(context.Background(), oid)
	require.NoError(t, err)
	defer h.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Get(ctx, oid)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestGetRO_ConcurrentWithWriter(t *testing.T) {
	ctx := context.Background()
	p := newTestVMPool(t, newTestDB(t), Options{})
	oid, err := p.Allocate(ctx, newVM(t, 1, 1, "vm"))
	require.NoError(t, err)

	h, err := p.Get(ctx, oid)
	require.NoError(t, err)
	h.Object().Memory = 2048

	// readers never block on the exclusive handle and see the persisted value
	ro, err := p.GetRO(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, 512, ro.Memory)

	require.NoError(t, h.Update(ctx))
	h.Release()

	ro, err = p.GetRO(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, 2048, ro.Memory)
}

func TestDumpAndList(t *testing.T) {
	ctx := context.Background()
	p := newTestVMPool(t, newTestDB(t), Options{})
	for _, name := range []string{"a", "b", "c", "d"} {
		_, err := p.Allocate(ctx, newVM(t, 1, 1, name))
		require.NoError(t, err)
	}

	tests := []struct {
		name  string
		opts  DumpOptions
		names []string
	}{
		{"all", DumpOptions{}, []string{"a", "b", "c", "d"}},
		{"page", DumpOptions{Offset: 1, Limit: 2}, []string{"b", "c"}},
		{"offset only", DumpOptions{Offset: 3}, []string{"d"}},
		{"desc", DumpOptions{Desc: true, Limit: 2}, []string{"d", "c"}},
		{"where", DumpOptions{Where: OIDFilter(1, 2)}, []string{"b", "c"}},
		{"empty", DumpOptions{Where: "oid > 100"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vms, err := p.List(ctx, tt.opts)
			require.NoError(t, err)
			var names []string
			for _, vm := range vms {
				names = append(names, vm.Name)
			}
			assert.Equal(t, tt.names, names)

			raw, err := p.Dump(ctx, tt.opts)
			require.NoError(t, err)
			var bodies []map[string]any
			require.NoError(t, json.Unmarshal(raw, &bodies))
			assert.Len(t, bodies, len(tt.names))
		})
	}

	n, err := p.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestCacheKeepsSyncedObjects(t *testing.T) {
	ctx := context.Background()
	p := newTestVMPool(t, newTestDB(t), Options{CacheSize: 1})

	a, err := p.Allocate(ctx, newVM(t, 1, 1, "a"))
	require.NoError(t, err)
	b, err := p.Allocate(ctx, newVM(t, 1, 1, "b"))
	require.NoError(t, err)

	for _, oid := range []int{a, b} {
		h, err := p.Get(ctx, oid)
		require.NoError(t, err)
		require.NoError(t, h.Update(ctx))
		h.Release()
	}

	assert.Equal(t, 1, p.Cached())
}
