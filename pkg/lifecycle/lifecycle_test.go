package lifecycle

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/cuemby/stratus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isRecovery(ev Event) bool {
	return ev == OpRecoverDelete || ev == OpRecoverRecreate || ev == OpRecoverRetry
}

func TestTable_IdleTargetsResetLCM(t *testing.T) {
	for k, tr := range table {
		if tr.To.State != types.StateActive {
			assert.Equal(t, types.LCMInit, tr.To.LCM, "%s on %s", k.event, k.from)
		}
		if tr.Exit != ExitNone {
			assert.NotEqual(t, types.StateActive, tr.To.State, "%s on %s exits to ACTIVE", k.event, k.from)
		}
		if k.from.State != types.StateActive {
			assert.Equal(t, types.LCMInit, k.from.LCM, "%s keyed on invalid pair %s", k.event, k.from)
		}
	}
}

func TestTable_EveryActiveStateHasAnExit(t *testing.T) {
	for _, lcm := range types.LCMStates() {
		if lcm == types.LCMInit {
			continue
		}
		events := EventsFrom(Active(lcm))
		require.NotEmpty(t, events, "%s has no events", lcm)

		var regular []Event
		for _, ev := range events {
			if !isRecovery(ev) {
				regular = append(regular, ev)
			}
		}
		if _, failed := FailureBase(lcm); failed {
			// failure states leave through recover retry/success
			_, ev, ok := RecoverEvent(lcm, true)
			assert.True(t, ok, "%s cannot be recovered", lcm)
			assert.NotEmpty(t, ev)
			continue
		}
		assert.NotEmpty(t, regular, "%s can only be left by recovery", lcm)
	}
}

func TestExitWhitelists(t *testing.T) {
	tests := []struct {
		event Event
		to    types.VMState
		exit  Exit
		from  []types.LCMState
	}{
		{EventSuspendSuccess, types.StateSuspended, ExitSuspend, []types.LCMState{
			types.SaveSuspend, types.PrologMigrateSuspend, types.PrologMigrateSuspendFailure,
			types.DiskSnapshotSuspended, types.DiskSnapshotDeleteSuspended}},
		{EventStopSuccess, types.StateStopped, ExitStop, []types.LCMState{types.EpilogStop, types.PrologResume}},
		{EventUndeploySuccess, types.StateUndeployed, ExitUndeploy, []types.LCMState{
			types.EpilogUndeploy, types.DiskResizeUndeployed, types.PrologUndeploy, types.BootUndeploy}},
		{EventPoweroffSuccess, types.StatePoweroff, ExitPoweroff, []types.LCMState{
			types.ShutdownPoweroff, types.HotplugPrologPoweroff, types.HotplugEpilogPoweroff,
			types.PrologMigratePoweroff, types.PrologMigratePoweroffFailure, types.DiskSnapshotPoweroff,
			types.DiskSnapshotRevertPoweroff, types.DiskSnapshotDeletePoweroff, types.HotplugSaveasPoweroff,
			types.DiskResizePoweroff, types.HotplugNICPoweroff, types.BackupPoweroff}},
		{EventDone, types.StateDone, ExitDone, []types.LCMState{types.Epilog, types.CleanupDelete}},
		{EventResubmit, types.StatePending, ExitResubmit, []types.LCMState{types.CleanupResubmit}},
	}

	for _, tt := range tests {
		t.Run(string(tt.event), func(t *testing.T) {
			assert.ElementsMatch(t, actives(tt.from...), Sources(tt.event))

			for _, lcm := range types.LCMStates() {
				tr, err := Lookup(types.StateActive, lcm, tt.event)
				valid := false
				for _, f := range tt.from {
					valid = valid || f == lcm
				}
				if !valid {
					assert.ErrorIs(t, err, ErrWrongState, "%s from %s", tt.event, lcm)
					continue
				}
				require.NoError(t, err)
				assert.Equal(t, Idle(tt.to), tr.To)
				assert.Equal(t, tt.exit, tr.Exit)
			}

			// never valid outside ACTIVE
			for _, s := range types.VMStates() {
				if s != types.StateActive {
					assert.False(t, ValidIn(s, types.LCMInit, tt.event))
				}
			}
		})
	}
}

func TestLookup(t *testing.T) {
	tests := []struct {
		name  string
		from  Pair
		event Event
		want  Transition
	}{
		{"deploy pending", Idle(types.StatePending), OpDeploy, Transition{To: Active(types.Prolog)}},
		{"deploy stopped vm", Idle(types.StatePending), OpDeployResume, Transition{To: Active(types.PrologResume)}},
		{"prolog done", Active(types.Prolog), EventPrologSuccess, Transition{To: Active(types.Boot)}},
		{"boot done", Active(types.Boot), EventDeploySuccess, Transition{To: Active(types.Running)}},
		{"boot suspended fails", Active(types.BootSuspended), EventDeployFailure, Transition{To: Idle(types.StateSuspended), Exit: ExitSuspend}},
		{"boot poweroff fails", Active(types.BootPoweroff), EventDeployFailure, Transition{To: Idle(types.StatePoweroff), Exit: ExitPoweroff}},
		{"save suspend", Active(types.SaveSuspend), EventSaveSuccess, Transition{To: Idle(types.StateSuspended), Exit: ExitSuspend}},
		{"save failure", Active(types.SaveStop), EventSaveFailure, Transition{To: Active(types.Running)}},
		{"shutdown", Active(types.Shutdown), EventShutdownSuccess, Transition{To: Active(types.Epilog)}},
		{"epilog", Active(types.Epilog), EventEpilogSuccess, Transition{To: Idle(types.StateDone), Exit: ExitDone}},
		{"terminate pending", Idle(types.StatePending), OpTerminate, Transition{To: Idle(types.StateDone), Exit: ExitDone}},
		{"terminate poweroff", Idle(types.StatePoweroff), OpTerminateHard, Transition{To: Active(types.Epilog)}},
		{"resume stopped", Idle(types.StateStopped), OpResume, Transition{To: Idle(types.StatePending)}},
		{"monitor poweroff", Active(types.Running), EventMonitorPoweroff, Transition{To: Active(types.ShutdownPoweroff)}},
		{"resize poweroff", Idle(types.StatePoweroff), OpResize, Transition{To: Idle(types.StatePoweroff)}},
		{"recover delete", Active(types.BootFailure), OpRecoverDelete, Transition{To: Active(types.CleanupDelete)}},
		{"recover recreate hold", Idle(types.StateHold), OpRecoverRecreate, Transition{To: Idle(types.StatePending), Exit: ExitResubmit}},
		{"retry failed prolog", Active(types.PrologFailure), OpRecoverRetry, Transition{To: Active(types.Prolog)}},
		{"retry stuck boot", Active(types.Boot), OpRecoverRetry, Transition{To: Active(types.Boot)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Lookup(tt.from.State, tt.from.LCM, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLookup_WrongState(t *testing.T) {
	_, err := Lookup(types.StateActive, types.Boot, EventSuspendSuccess)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWrongState))

	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, EventSuspendSuccess, se.Event)
	assert.Equal(t, types.Boot, se.LCMState)
	assert.Equal(t, "suspend-success not valid in state ACTIVE/BOOT", err.Error())

	_, err = Lookup(types.StateDone, types.LCMInit, OpResume)
	assert.EqualError(t, err, "resume not valid in state DONE")
}

func TestLookup_IgnoresStaleLCMOutsideActive(t *testing.T) {
	tr, err := Lookup(types.StatePending, types.Boot, OpHold)
	require.NoError(t, err)
	assert.Equal(t, Idle(types.StateHold), tr.To)
}

func TestRecoverEvent(t *testing.T) {
	tests := []struct {
		lcm     types.LCMState
		success bool
		from    types.LCMState
		event   Event
	}{
		{types.Prolog, true, types.Prolog, EventPrologSuccess},
		{types.PrologFailure, true, types.Prolog, EventPrologSuccess},
		{types.BootFailure, false, types.Boot, EventDeployFailure},
		{types.EpilogStopFailure, true, types.EpilogStop, EventEpilogSuccess},
		{types.SaveSuspend, true, types.SaveSuspend, EventSaveSuccess},
		{types.Backup, false, types.Backup, EventBackupFailure},
	}
	for _, tt := range tests {
		from, ev, ok := RecoverEvent(tt.lcm, tt.success)
		require.True(t, ok, tt.lcm.String())
		assert.Equal(t, tt.from, from)
		assert.Equal(t, tt.event, ev)

		// the emulated completion is always accepted from the base state
		assert.True(t, ValidIn(types.StateActive, from, ev), "%s from %s", ev, from)
	}

	_, _, ok := RecoverEvent(types.Running, true)
	assert.False(t, ok)

	assert.False(t, ValidIn(types.StateActive, types.Running, OpRecoverRetry))
	assert.False(t, ValidIn(types.StatePoweroff, types.LCMInit, OpRecoverRetry))
}

// Random walks over valid events never leave an inconsistent pair
func TestRandomWalk_StatePairInvariant(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for walk := 0; walk < 200; walk++ {
		cur := Idle(types.StatePending)
		for step := 0; step < 60; step++ {
			events := EventsFrom(cur)
			if len(events) == 0 {
				assert.Equal(t, Idle(types.StateDone), cur, "dead end outside DONE")
				break
			}
			ev := events[rng.IntN(len(events))]

			tr, err := Lookup(cur.State, cur.LCM, ev)
			require.NoError(t, err)
			cur = tr.To

			if cur.State != types.StateActive {
				require.Equal(t, types.LCMInit, cur.LCM, "after %s", ev)
			}
		}
	}
}
