package lifecycle

import (
	"errors"
	"fmt"
	"slices"

	"github.com/cuemby/stratus/pkg/types"
)

// ErrWrongState is returned when an event is not valid in the current state
var ErrWrongState = errors.New("wrong state")

// StateError carries the event and the state pair it was rejected in
type StateError struct {
	Event    Event
	State    types.VMState
	LCMState types.LCMState
}

func (e *StateError) Error() string {
	if e.State == types.StateActive {
		return fmt.Sprintf("%s not valid in state %s/%s", e.Event, e.State, e.LCMState)
	}
	return fmt.Sprintf("%s not valid in state %s", e.Event, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrWrongState
}

// Exit names the handler that finalizes a transition out of ACTIVE
type Exit int

const (
	ExitNone Exit = iota
	ExitSuspend
	ExitStop
	ExitUndeploy
	ExitPoweroff
	ExitDone
	ExitResubmit
)

var exitNames = map[Exit]string{
	ExitNone:     "none",
	ExitSuspend:  "suspend",
	ExitStop:     "stop",
	ExitUndeploy: "undeploy",
	ExitPoweroff: "poweroff",
	ExitDone:     "done",
	ExitResubmit: "resubmit",
}

func (x Exit) String() string {
	return exitNames[x]
}

// Pair is a compound VM state. LCM is LCM_INIT unless State is ACTIVE.
type Pair struct {
	State types.VMState
	LCM   types.LCMState
}

// Active builds an ACTIVE pair
func Active(lcm types.LCMState) Pair {
	return Pair{State: types.StateActive, LCM: lcm}
}

// Idle builds a non-ACTIVE pair
func Idle(s types.VMState) Pair {
	return Pair{State: s, LCM: types.LCMInit}
}

func (p Pair) String() string {
	if p.State == types.StateActive {
		return p.State.String() + "/" + p.LCM.String()
	}
	return p.State.String()
}

// Transition is the outcome of an event. When Exit is set the target is a
// coarse state reached through the matching exit handler.
type Transition struct {
	To   Pair
	Exit Exit
}

type key struct {
	from  Pair
	event Event
}

var table = map[key]Transition{}

func add(ev Event, to Transition, from ...Pair) {
	for _, f := range from {
		k := key{from: f, event: ev}
		if _, dup := table[k]; dup {
			panic(fmt.Sprintf("duplicate transition %s on %s", ev, f))
		}
		table[k] = to
	}
}

func to(p Pair) Transition {
	return Transition{To: p}
}

func exit(s types.VMState, x Exit) Transition {
	return Transition{To: Idle(s), Exit: x}
}

// Lookup returns the transition for event in state pair (state, lcm)
func Lookup(state types.VMState, lcm types.LCMState, ev Event) (Transition, error) {
	from := Pair{State: state, LCM: lcm}
	if state != types.StateActive {
		from.LCM = types.LCMInit
	}
	t, ok := table[key{from: from, event: ev}]
	if !ok {
		return Transition{}, &StateError{Event: ev, State: state, LCMState: lcm}
	}
	return t, nil
}

// Sources lists the state pairs in which ev is valid
func Sources(ev Event) []Pair {
	var out []Pair
	for k := range table {
		if k.event == ev {
			out = append(out, k.from)
		}
	}
	slices.SortFunc(out, func(a, b Pair) int {
		if a.State != b.State {
			return int(a.State) - int(b.State)
		}
		return int(a.LCM) - int(b.LCM)
	})
	return out
}

// EventsFrom lists the events valid in a state pair
func EventsFrom(p Pair) []Event {
	var out []Event
	for k := range table {
		if k.from == p {
			out = append(out, k.event)
		}
	}
	slices.Sort(out)
	return out
}

// ValidIn reports whether ev is accepted in state pair (state, lcm)
func ValidIn(state types.VMState, lcm types.LCMState, ev Event) bool {
	_, err := Lookup(state, lcm, ev)
	return err == nil
}
