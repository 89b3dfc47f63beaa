package sim

import (
	"github.com/distributed/ecmaster/ecad"
)

// AL states as coded in the control and status registers.
const (
	StateInit      = 0x01
	StatePreOp     = 0x02
	StateBootstrap = 0x03
	StateSafeOp    = 0x04
	StateOp        = 0x08
)

// AL status codes reported by the simulated slave.
const (
	CodeNoError               = 0x0000
	CodeUnspecified           = 0x0001
	CodeInvalidStateChange    = 0x0011
	CodeUnknownState          = 0x0012
	CodeBootstrapNotSupported = 0x0013
	CodeInvalidMailboxConfig  = 0x0016
	CodeInvalidOutputConfig   = 0x001d
	CodeSyncManagerWatchdog   = 0x001b
)

// ALStatusControl models the AL control (0x0120), AL status (0x0130) and
// AL status code (0x0134) registers.
type ALStatusControl struct {
	State      uint8
	Error      bool
	StatusCode uint16

	// Control is the last value written to the control register.
	Control uint16

	// Delay is the number of frames between accepting a state request
	// and reporting the new state.
	Delay int

	// Check is consulted before a valid transition is taken. A non-zero
	// AL status code refuses it and sets the error indication.
	Check func(from, to uint8) uint16

	pending   uint8
	pendingIn int

	// Transitions records every state entered, for tests.
	Transitions []uint8
}

func NewALStatusControl() *ALStatusControl {
	return &ALStatusControl{State: StateInit}
}

func (a *ALStatusControl) status() uint16 {
	st := uint16(a.State)
	if a.Error {
		st |= ecad.ALErrorFlag
	}
	return st
}

// Fault puts the slave into state with the error indication set, the way
// a slave reports a local error.
func (a *ALStatusControl) Fault(state uint8, code uint16) {
	a.setState(state)
	a.pending = 0
	a.Error = true
	a.StatusCode = code
}

func (a *ALStatusControl) setState(state uint8) {
	if a.State != state {
		a.Transitions = append(a.Transitions, state)
	}
	a.State = state
}

func (a *ALStatusControl) request(req uint8, ack bool) {
	if a.Error {
		if !ack {
			return
		}
		a.Error = false
		a.StatusCode = CodeNoError
	}

	switch req {
	case StateInit, StatePreOp, StateBootstrap, StateSafeOp, StateOp:
	default:
		a.refuse(CodeUnknownState)
		return
	}

	if !validTransition(a.State, req) {
		a.refuse(CodeInvalidStateChange)
		return
	}

	if a.Check != nil {
		if code := a.Check(a.State, req); code != CodeNoError {
			a.refuse(code)
			return
		}
	}

	if a.Delay == 0 {
		a.setState(req)
		return
	}
	a.pending = req
	a.pendingIn = a.Delay
}

func (a *ALStatusControl) refuse(code uint16) {
	a.pending = 0
	a.Error = true
	a.StatusCode = code
}

// tick advances a delayed transition by one frame.
func (a *ALStatusControl) tick() {
	if a.pending == 0 {
		return
	}
	a.pendingIn--
	if a.pendingIn <= 0 {
		a.setState(a.pending)
		a.pending = 0
	}
}

func validTransition(from, to uint8) bool {
	if from == to {
		return true
	}
	switch to {
	case StateInit:
		return true
	case StatePreOp:
		return from == StateInit || from == StateSafeOp || from == StateOp
	case StateBootstrap:
		return from == StateInit
	case StateSafeOp:
		return from == StatePreOp || from == StateOp
	case StateOp:
		return from == StateSafeOp
	}
	return false
}

type ALControl struct{ *ALStatusControl }

func (a *ALStatusControl) ControlReg() ALControl { return ALControl{a} }

func (c ALControl) Read(offs uint16, dp *uint8) bool {
	*dp = uint8(c.Control >> (8 * offs))
	return true
}

func (c ALControl) WriteInteract(offs uint16) bool { return true }

func (c ALControl) Latch(shadow []byte, mask []bool) {
	if !mask[0] {
		return
	}
	c.Control = uint16(shadow[0]) | uint16(shadow[1])<<8
	c.request(shadow[0]&ecad.ALStateMask, shadow[0]&ecad.ALErrorFlag != 0)
}

// ALStatus covers the status register and the status code register.
type ALStatus struct{ *ALStatusControl }

func (a *ALStatusControl) StatusReg() ALStatus { return ALStatus{a} }

func (s ALStatus) Read(offs uint16, dp *uint8) bool {
	switch offs {
	case 0:
		*dp = uint8(s.status())
	case 1:
		*dp = uint8(s.status() >> 8)
	case 4:
		*dp = uint8(s.StatusCode)
	case 5:
		*dp = uint8(s.StatusCode >> 8)
	default:
		*dp = 0x00
	}
	return true
}

// status registers are read only for the master
func (s ALStatus) WriteInteract(offs uint16) bool { return false }

func (s ALStatus) Latch(shadow []byte, mask []bool) {}
