package swap

import (
	"fmt"
	"slices"

	"github.com/roach88/hotswap/internal/event"
)

// State is a pipeline run state.
type State string

const (
	Idle        State = "Idle"
	Detected    State = "Detected"
	Validating  State = "Validating"
	Accepted    State = "Accepted"
	Applying    State = "Applying"
	Applied     State = "Applied"
	RollingBack State = "RollingBack"
	Rejected    State = "Rejected"
	Confirmed   State = "Confirmed"
	Failed      State = "Failed"
	Cancelled   State = "Cancelled"
)

// Terminal reports whether a run ends in s.
func (s State) Terminal() bool {
	switch s {
	case Rejected, Confirmed, Failed, Cancelled:
		return true
	}
	return false
}

type edge struct {
	from []State
	to   State
}

// transitions maps every event kind to the single transition it records.
var transitions = map[event.Kind]edge{
	event.ArtifactChanged:       {from: []State{Idle}, to: Detected},
	event.CapabilityUnavailable: {from: []State{Detected}, to: Rejected},
	event.MetadataExtracted:     {from: []State{Detected}, to: Validating},
	event.ValidationRejected:    {from: []State{Validating}, to: Rejected},
	event.Validated:             {from: []State{Validating}, to: Accepted},
	event.RunSuperseded:         {from: []State{Validating, Accepted}, to: Cancelled},
	event.ApplyRequested:        {from: []State{Accepted}, to: Applying},
	event.ApplySucceeded:        {from: []State{Applying}, to: Applied},
	event.ApplyFailed:           {from: []State{Applying}, to: RollingBack},
	event.InstancesConfirmed:    {from: []State{Applied}, to: Confirmed},
	event.VerificationFailed:    {from: []State{Applied}, to: RollingBack},
	event.RolledBack:            {from: []State{RollingBack}, to: Failed},
	event.RollbackFailed:        {from: []State{RollingBack}, to: Failed},
}

// Transition returns the state reached by recording kind in from.
func Transition(from State, kind event.Kind) (State, error) {
	e, ok := transitions[kind]
	if !ok {
		return from, fmt.Errorf("unknown event kind %q", kind)
	}
	if !slices.Contains(e.from, from) {
		return from, fmt.Errorf("illegal transition: %s in state %s", kind, from)
	}
	return e.to, nil
}

// Replay folds a run's events into its final state.
func Replay(events []event.Event) (State, error) {
	state := Idle
	for _, ev := range events {
		next, err := Transition(state, ev.Kind)
		if err != nil {
			return state, fmt.Errorf("event %s: %w", ev.EventID, err)
		}
		state = next
	}
	return state, nil
}

// machine tracks one run's state.
type machine struct {
	state State
}

func (m *machine) fire(kind event.Kind) error {
	next, err := Transition(m.state, kind)
	if err != nil {
		return err
	}
	m.state = next
	return nil
}
