// Package ecsm drives slaves through the EtherCAT state machine. The
// lifecycle is a pure transition table; Device executes its actions over
// an ecmd.Commander and the device's mailbox.
package ecsm

import (
	"errors"
	"fmt"

	"github.com/distributed/ecmaster/ecad"
)

// State is an application layer state. The values are the AL control and
// status codes; Error is the master's view of a device with the error
// indication set.
type State uint8

const (
	Unknown   State = 0x00
	Init      State = 0x01
	PreOp     State = 0x02
	Bootstrap State = 0x03
	SafeOp    State = 0x04
	Op        State = 0x08
	Error     State = ecad.ALErrorFlag
)

var stateName = map[State]string{
	Unknown:   "Unknown",
	Init:      "Init",
	PreOp:     "PreOp",
	Bootstrap: "Bootstrap",
	SafeOp:    "SafeOp",
	Op:        "Op",
	Error:     "Error",
}

func (s State) String() string {
	if n, ok := stateName[s]; ok {
		return n
	}
	return fmt.Sprintf("State(0x%02x)", uint8(s))
}

// Valid reports whether s can be requested from a device.
func (s State) Valid() bool {
	switch s {
	case Init, PreOp, Bootstrap, SafeOp, Op:
		return true
	}
	return false
}

// rank orders the operational chain.
func (s State) rank() int {
	switch s {
	case Init:
		return 0
	case PreOp:
		return 1
	case SafeOp:
		return 2
	case Op:
		return 3
	}
	return -1
}

var (
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInErrorState is returned for requests to a device in Error. It
	// has to be acknowledged first.
	ErrInErrorState = errors.New("device is in error state")
)

type EventKind uint8

const (
	// EventRequest asks for Target.
	EventRequest EventKind = iota

	// EventFault reports the device's error indication.
	EventFault

	// EventAcknowledge clears an error. Target is the state the device
	// reports.
	EventAcknowledge
)

type Event struct {
	Kind   EventKind
	Target State
}

func Request(target State) Event { return Event{EventRequest, target} }

func Fault() Event { return Event{Kind: EventFault} }

func Acknowledge(reported State) Event { return Event{EventAcknowledge, reported} }

type ActionKind uint8

const (
	// ActionSetupMailbox configures the mailbox sync managers.
	ActionSetupMailbox ActionKind = iota

	// ActionConfigureMailbox runs the startup SDO downloads.
	ActionConfigureMailbox

	// ActionWriteControl writes State to the AL control register.
	ActionWriteControl

	// ActionAwaitStatus polls the AL status until it reports State.
	ActionAwaitStatus

	// ActionAcknowledgeError writes State with the acknowledge flag.
	ActionAcknowledgeError
)

var actionName = map[ActionKind]string{
	ActionSetupMailbox:     "setup mailbox",
	ActionConfigureMailbox: "configure mailbox",
	ActionWriteControl:     "write control",
	ActionAwaitStatus:      "await status",
	ActionAcknowledgeError: "acknowledge error",
}

type Action struct {
	Kind  ActionKind
	State State
}

func (a Action) String() string {
	switch a.Kind {
	case ActionWriteControl, ActionAwaitStatus, ActionAcknowledgeError:
		return fmt.Sprintf("%s %v", actionName[a.Kind], a.State)
	}
	return actionName[a.Kind]
}

// NextHop returns the state to pass through next on the way from from to
// to. Upward requests climb Init, PreOp, SafeOp, Op one state at a time;
// downward requests go direct. Bootstrap is only entered from and left to
// Init.
func NextHop(from, to State) (State, error) {
	if !from.Valid() || !to.Valid() {
		return Unknown, fmt.Errorf("%w: %v to %v", ErrInvalidTransition, from, to)
	}
	if from == to {
		return to, nil
	}

	if to == Bootstrap {
		if from != Init {
			return Unknown, fmt.Errorf("%w: %v to %v", ErrInvalidTransition, from, to)
		}
		return Bootstrap, nil
	}
	if from == Bootstrap {
		// Bootstrap goes back through Init
		return Init, nil
	}

	if to.rank() < from.rank() {
		return to, nil
	}
	for _, s := range []State{Init, PreOp, SafeOp, Op} {
		if s.rank() == from.rank()+1 {
			return s, nil
		}
	}
	return Unknown, fmt.Errorf("%w: %v to %v", ErrInvalidTransition, from, to)
}

// Transition is the device lifecycle. For a request it returns the state
// of the next hop and the actions that reach it; the device is in that
// state once all actions succeeded. Faults move to Error with no actions.
// Acknowledging leaves Error to the reported state.
func Transition(s State, ev Event) (State, []Action, error) {
	switch ev.Kind {
	case EventFault:
		return Error, nil, nil

	case EventAcknowledge:
		if s != Error {
			return s, nil, fmt.Errorf("%w: acknowledge in %v", ErrInvalidTransition, s)
		}
		if !ev.Target.Valid() {
			return s, nil, fmt.Errorf("%w: device reports %v", ErrInvalidTransition, ev.Target)
		}
		return ev.Target, []Action{
			{ActionAcknowledgeError, ev.Target},
			{ActionAwaitStatus, ev.Target},
		}, nil

	case EventRequest:
		if s == Error {
			return s, nil, ErrInErrorState
		}
		next, err := NextHop(s, ev.Target)
		if err != nil {
			return s, nil, err
		}
		if next == s {
			return s, nil, nil
		}

		var actions []Action
		switch {
		case s == Init && next == PreOp:
			actions = append(actions, Action{Kind: ActionSetupMailbox})
		case s == PreOp && next == SafeOp:
			// mailbox configuration must be confirmed before SafeOp is
			// requested
			actions = append(actions, Action{Kind: ActionConfigureMailbox})
		}
		actions = append(actions,
			Action{ActionWriteControl, next},
			Action{ActionAwaitStatus, next})
		return next, actions, nil
	}

	return s, nil, fmt.Errorf("ecsm: unknown event kind %d", ev.Kind)
}
