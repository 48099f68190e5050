package quota

import (
	"context"
	"testing"

	"github.com/cuemby/stratus/pkg/db"
	"github.com/cuemby/stratus/pkg/template"
	"github.com/cuemby/stratus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	database, err := db.OpenSQLite("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	m := NewManager(database, cfg)
	require.NoError(t, m.Bootstrap(context.Background()))
	return m
}

func delta(t *testing.T, text string) *template.Template {
	t.Helper()
	tmpl, err := template.Parse(text)
	require.NoError(t, err)
	return tmpl
}

func TestAddDel(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})

	d := delta(t, "VMS = 1\nCPU = 0.5\nMEMORY = 512")
	require.NoError(t, m.Add(ctx, 3, 1, d))
	require.NoError(t, m.Add(ctx, 3, 1, d))

	user, err := m.Usage(ctx, KindUser, 3)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"VMS": 2, "CPU": 1, "MEMORY": 1024}, user)

	group, err := m.Usage(ctx, KindGroup, 1)
	require.NoError(t, err)
	assert.Equal(t, user, group)

	require.NoError(t, m.Del(ctx, 3, 1, d))
	user, err = m.Usage(ctx, KindUser, 3)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"VMS": 1, "CPU": 0.5, "MEMORY": 512}, user)
}

func TestAdd_Limits(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{
		User:  Limits{"VMS": 2, "CPU": -1},
		Group: Limits{"MEMORY": 1024},
	})

	tests := []struct {
		name    string
		uid     int
		gid     int
		delta   string
		wantErr bool
	}{
		{"within limits", 3, 1, "VMS = 1\nCPU = 8\nMEMORY = 512", false},
		{"unlimited cpu", 3, 1, "CPU = 64", false},
		{"group memory exceeded", 4, 1, "VMS = 1\nMEMORY = 1024", true},
		{"second vm fits", 3, 1, "VMS = 1", false},
		{"third vm exceeds", 3, 1, "VMS = 1", true},
		{"admin bypasses limits", 0, 0, "VMS = 5\nMEMORY = 4096", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Add(ctx, tt.uid, tt.gid, delta(t, tt.delta))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrExceeded)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	// rejected deltas charge nothing
	user, err := m.Usage(ctx, KindUser, 4)
	require.NoError(t, err)
	assert.Empty(t, user)
}

func TestApply_IgnoresLimits(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{User: Limits{types.QuotaRunningVMs: 0}})

	vm := &types.VirtualMachine{CPU: 1, Memory: 256}
	require.NoError(t, m.Apply(ctx, 3, 1, nil, vm.RunningQuotaTemplate()))
	require.NoError(t, m.Apply(ctx, 3, 1, vm.RunningQuotaTemplate(), nil))

	user, err := m.Usage(ctx, KindUser, 3)
	require.NoError(t, err)
	assert.Equal(t, 0.0, user[types.QuotaRunningVMs])
	assert.Equal(t, 0.0, user[types.QuotaRunningMemory])
}
