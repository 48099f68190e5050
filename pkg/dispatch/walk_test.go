package dispatch

import (
	"context"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/cuemby/stratus/pkg/lifecycle"
	"github.com/cuemby/stratus/pkg/quota"
	"github.com/cuemby/stratus/pkg/types"
	"github.com/stretchr/testify/require"
)

// completions returns the driver and monitor events the table accepts in p.
// Operations are driven through their entry points instead.
func completions(p lifecycle.Pair) []lifecycle.Event {
	var out []lifecycle.Event
	for _, ev := range lifecycle.EventsFrom(p) {
		if isOperation(ev) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

var operationEvents = map[lifecycle.Event]bool{}

func init() {
	for _, ev := range []lifecycle.Event{
		lifecycle.OpDeploy, lifecycle.OpDeployResume, lifecycle.OpDeployUndeployed,
		lifecycle.OpMigrate, lifecycle.OpLiveMigrate, lifecycle.OpTerminate, lifecycle.OpTerminateHard,
		lifecycle.OpHold, lifecycle.OpRelease, lifecycle.OpStop, lifecycle.OpSuspend, lifecycle.OpResume,
		lifecycle.OpPoweroff, lifecycle.OpUndeploy, lifecycle.OpReboot, lifecycle.OpResched,
		lifecycle.OpDiskAttach, lifecycle.OpDiskDetach, lifecycle.OpNICAttach, lifecycle.OpNICDetach,
		lifecycle.OpDiskSnapCreate, lifecycle.OpDiskSnapRevert, lifecycle.OpDiskSnapDelete,
		lifecycle.OpSnapCreate, lifecycle.OpSnapRevert, lifecycle.OpSnapDelete, lifecycle.OpDiskResize,
		lifecycle.OpBackup, lifecycle.OpBackupCancel, lifecycle.OpResize, lifecycle.OpPCIAttach,
		lifecycle.OpPCIDetach, lifecycle.OpRecoverRetry, lifecycle.OpRecoverDelete, lifecycle.OpRecoverRecreate,
	} {
		operationEvents[ev] = true
	}
}

func isOperation(ev lifecycle.Event) bool {
	return operationEvents[ev]
}

type walkOp struct {
	name string
	run  func(ctx context.Context, e *Engine, id int) error
}

var walkOps = []walkOp{
	{"deploy", func(ctx context.Context, e *Engine, id int) error { return e.Deploy(ctx, id, host) }},
	{"migrate", func(ctx context.Context, e *Engine, id int) error {
		return e.Migrate(ctx, id, Host{ID: 2, Name: "host02"}, false)
	}},
	{"live-migrate", func(ctx context.Context, e *Engine, id int) error {
		return e.Migrate(ctx, id, Host{ID: 2, Name: "host02"}, true)
	}},
	{"terminate", func(ctx context.Context, e *Engine, id int) error { return e.Terminate(ctx, id, false) }},
	{"terminate-hard", func(ctx context.Context, e *Engine, id int) error { return e.Terminate(ctx, id, true) }},
	{"hold", func(ctx context.Context, e *Engine, id int) error { return e.Hold(ctx, id) }},
	{"release", func(ctx context.Context, e *Engine, id int) error { return e.Release(ctx, id) }},
	{"stop", func(ctx context.Context, e *Engine, id int) error { return e.Stop(ctx, id) }},
	{"suspend", func(ctx context.Context, e *Engine, id int) error { return e.Suspend(ctx, id) }},
	{"resume", func(ctx context.Context, e *Engine, id int) error { return e.Resume(ctx, id) }},
	{"poweroff", func(ctx context.Context, e *Engine, id int) error { return e.Poweroff(ctx, id, false) }},
	{"undeploy", func(ctx context.Context, e *Engine, id int) error { return e.Undeploy(ctx, id, false) }},
	{"reboot", func(ctx context.Context, e *Engine, id int) error { return e.Reboot(ctx, id, false) }},
	{"recover-success", func(ctx context.Context, e *Engine, id int) error { return e.Recover(ctx, id, RecoverSuccess) }},
	{"recover-failure", func(ctx context.Context, e *Engine, id int) error { return e.Recover(ctx, id, RecoverFailure) }},
	{"recover-retry", func(ctx context.Context, e *Engine, id int) error { return e.Recover(ctx, id, RecoverRetry) }},
}

// Drives the engine with random completions and operations and checks the
// persisted state pair after every step
func TestRandomWalk_PersistedStatePair(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, quota.Config{})
	rng := rand.New(rand.NewPCG(7, 11))

	id := env.allocate(t)
	var path []string
	for step := 0; step < 1500; step++ {
		vm := env.vm(t, id)
		if vm.State == types.StateDone {
			id = env.allocate(t)
			path = path[:0]
			continue
		}

		cur := lifecycle.Pair{State: vm.State, LCM: vm.LCMState}
		evs := completions(cur)
		if len(evs) > 0 && rng.IntN(2) == 0 {
			ev := evs[rng.IntN(len(evs))]
			path = append(path, string(ev))
			env.trigger(t, id, ev)
		} else {
			op := walkOps[rng.IntN(len(walkOps))]
			path = append(path, op.name)
			_ = op.run(ctx, env.engine, id)
			env.flush(t)
		}

		vm = env.vm(t, id)
		if !vm.ValidStatePair() {
			require.FailNow(t, "invalid state pair", "vm %d in %s after %s", id, vm.StateString(), strings.Join(path, " > "))
		}
	}
}
