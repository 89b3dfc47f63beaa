package ecsm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/distributed/ecmaster/ecad"
	"github.com/distributed/ecmaster/ecee"
	"github.com/distributed/ecmaster/ecfr"
	"github.com/distributed/ecmaster/eclog"
	"github.com/distributed/ecmaster/ecmb"
	"github.com/distributed/ecmaster/ecmd"
)

const (
	DefaultStateTimeout = 2 * time.Second
	DefaultPollInterval = time.Millisecond
)

// Mailbox is the mailbox protocol used during transitions. *ecmb.CoE
// implements it.
type Mailbox interface {
	Setup(ctx context.Context) error
	Write(ctx context.Context, obj ecmb.Object, value []byte) error
	Read(ctx context.Context, obj ecmb.Object) ([]byte, error)
}

// StartupSDO is downloaded on the way from PreOp to SafeOp.
type StartupSDO struct {
	Object ecmb.Object
	Value  []byte
}

// RetryPolicy bounds the retries of failed register access. The n-th
// retry waits Backoff * Multiplier^(n-1), at most MaxBackoff.
type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Multiplier float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:   3,
		Backoff:    time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
		Multiplier: 2,
	}
}

func (p RetryPolicy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// delay returns the pause before retry n, starting at 1.
func (p RetryPolicy) delay(n int) time.Duration {
	d := float64(p.Backoff)
	for i := 1; i < n; i++ {
		if p.Multiplier > 1 {
			d *= p.Multiplier
		}
	}
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Device is a slave and the master's view of its state. The exported
// configuration fields must be set before the device is used.
type Device struct {
	c ecmd.Commander

	Position uint16
	Station  uint16
	Name     string

	Identity      ecee.Identity
	MailboxLayout ecee.MailboxLayout

	// Mailbox is nil for devices without one.
	Mailbox     Mailbox
	StartupSDOs []StartupSDO

	Retry        RetryPolicy
	StateTimeout time.Duration
	PollInterval time.Duration

	// ExecOptions are passed to every register access.
	ExecOptions ecmd.Options

	mu         sync.Mutex
	state      State
	reported   State
	statusCode uint16
	history    []State

	// serializes state changes
	op sync.Mutex
}

// NewDevice returns a device in Init at the given station address.
func NewDevice(c ecmd.Commander, position, station uint16) *Device {
	return &Device{
		c:            c,
		Position:     position,
		Station:      station,
		Retry:        DefaultRetryPolicy(),
		StateTimeout: DefaultStateTimeout,
		PollInterval: DefaultPollInterval,
		state:        Init,
		history:      []State{Init},
	}
}

func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Fault returns the state and AL status code reported with the last
// fault. It is only meaningful in Error.
func (d *Device) Fault() (reported State, code uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reported, d.statusCode
}

// History returns the states entered, oldest first.
func (d *Device) History() []State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]State(nil), d.history...)
}

func (d *Device) String() string {
	if d.Name != "" {
		return fmt.Sprintf("%s@%#04x", d.Name, d.Station)
	}
	return fmt.Sprintf("device@%#04x", d.Station)
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == s {
		return
	}
	eclog.LogInfo(eclog.ComponentDevice, "state change", "station", d.Station, "from", d.state.String(), "to", s.String())
	d.state = s
	d.history = append(d.history, s)
}

func (d *Device) fault(reported State, code uint16) DeviceFaultError {
	next, _, _ := Transition(d.State(), Fault())
	d.mu.Lock()
	d.reported = reported
	d.statusCode = code
	d.mu.Unlock()
	d.setState(next)

	fe := DeviceFaultError{d.Station, reported, code}
	eclog.LogWarn(eclog.ComponentDevice, "device fault", "station", d.Station, "state", reported.String(),
		"code", fmt.Sprintf("%#04x", code), "reason", StatusCodeText(code))
	return fe
}

func (d *Device) addr(offset uint16) ecfr.DatagramAddress {
	return ecfr.FixedAddress(d.Station, offset)
}

// RequestState walks the device to target one hop at a time. It returns
// once the device reports target, or with the error of the first hop that
// failed. A fault reported on the way moves the device to Error and is
// returned as DeviceFaultError.
func (d *Device) RequestState(ctx context.Context, target State) error {
	d.op.Lock()
	defer d.op.Unlock()

	for {
		cur := d.State()
		if cur == target {
			return nil
		}

		next, actions, err := Transition(cur, Request(target))
		if err != nil {
			return fmt.Errorf("ecsm: %v: %w", d, err)
		}

		if err = d.run(ctx, actions); err != nil {
			return err
		}
		d.setState(next)
	}
}

// Acknowledge clears the error of a faulted device, leaving it in the
// state it reports.
func (d *Device) Acknowledge(ctx context.Context) error {
	d.op.Lock()
	defer d.op.Unlock()

	reported, _ := d.Fault()
	next, actions, err := Transition(d.State(), Acknowledge(reported))
	if err != nil {
		return fmt.Errorf("ecsm: %v: %w", d, err)
	}
	if err = d.run(ctx, actions); err != nil {
		return err
	}
	d.setState(next)
	return nil
}

// Poll reads the AL status. A device reporting its error indication is
// moved to Error and DeviceFaultError is returned. Devices in Error stay
// there until acknowledged. Poll waits for a state change in progress.
func (d *Device) Poll(ctx context.Context) (State, error) {
	d.op.Lock()
	defer d.op.Unlock()

	status, code, err := d.readStatus(ctx)
	if err != nil {
		return d.State(), err
	}

	reported := State(status & ecad.ALStateMask)
	if status&ecad.ALErrorFlag != 0 {
		if d.State() == Error {
			if known, knownCode := d.Fault(); known == reported && knownCode == code {
				return Error, DeviceFaultError{d.Station, reported, code}
			}
		}
		return Error, d.fault(reported, code)
	}

	if cur := d.State(); cur != Error && cur != reported {
		eclog.LogWarn(eclog.ComponentDevice, "device changed state on its own", "station", d.Station,
			"expected", cur.String(), "reported", reported.String())
		d.setState(reported)
	}
	return d.State(), nil
}

func (d *Device) run(ctx context.Context, actions []Action) error {
	for _, a := range actions {
		eclog.LogDebug(eclog.ComponentDevice, "action", "station", d.Station, "action", a.String())

		var err error
		switch a.Kind {
		case ActionSetupMailbox:
			err = d.setupMailbox(ctx)
		case ActionConfigureMailbox:
			err = d.configureMailbox(ctx)
		case ActionWriteControl:
			err = d.writeControl(ctx, uint8(a.State))
		case ActionAcknowledgeError:
			err = d.writeControl(ctx, uint8(a.State)|ecad.ALErrorFlag)
		case ActionAwaitStatus:
			err = d.awaitStatus(ctx, a.State)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) setupMailbox(ctx context.Context) error {
	if d.Mailbox == nil {
		return nil
	}
	if err := d.Mailbox.Setup(ctx); err != nil {
		return fmt.Errorf("ecsm: %v: mailbox setup: %w", d, err)
	}
	return nil
}

// configureMailbox downloads the startup SDOs. Any error reply from the
// device rejects the configuration.
func (d *Device) configureMailbox(ctx context.Context) error {
	if len(d.StartupSDOs) == 0 {
		return nil
	}
	if d.Mailbox == nil {
		return ConfigurationRejectedError{d.Station, d.StartupSDOs[0].Object, ecmb.ErrNoMailbox}
	}

	for _, sdo := range d.StartupSDOs {
		err := d.Mailbox.Write(ctx, sdo.Object, sdo.Value)
		if err == nil {
			continue
		}

		var (
			ae ecmb.AbortError
			er ecmb.ErrorReply
			re ecmb.ResponseError
		)
		if errors.As(err, &ae) || errors.As(err, &er) || errors.As(err, &re) {
			return ConfigurationRejectedError{d.Station, sdo.Object, err}
		}
		return fmt.Errorf("ecsm: %v: startup SDO %v: %w", d, sdo.Object, err)
	}
	return nil
}

// retry runs op until it succeeds or the policy is exhausted. Only lost
// frames and working counter mismatches are retried.
func (d *Device) retry(ctx context.Context, op func() error) error {
	var err error
	n := d.Retry.attempts()
	for i := 1; i <= n; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !ecmd.IsWorkingCounterError(err) && !ecmd.IsTimeout(err) {
			return err
		}
		if i == n {
			break
		}

		eclog.LogDebug(eclog.ComponentDevice, "retrying register access", "station", d.Station, "attempt", i, "error", err)
		t := time.NewTimer(d.Retry.delay(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return DeviceUnreachableError{d.Station, n, err}
}

func (d *Device) writeControl(ctx context.Context, v uint8) error {
	return d.retry(ctx, func() error {
		return ecmd.ExecuteWriteOptions(ctx, d.c, d.addr(ecad.ALControl), []byte{v, 0x00}, 1, d.ExecOptions)
	})
}

// readStatus reads the AL status and AL status code registers.
func (d *Device) readStatus(ctx context.Context) (status, code uint16, err error) {
	var rb []byte
	err = d.retry(ctx, func() (err error) {
		rb, err = ecmd.ExecuteReadOptions(ctx, d.c, d.addr(ecad.ALStatus), 6, 1, d.ExecOptions)
		return
	})
	if err != nil {
		return
	}
	status = binary.LittleEndian.Uint16(rb)
	code = binary.LittleEndian.Uint16(rb[ecad.ALStatusCode-ecad.ALStatus:])
	return
}

// awaitStatus polls until the device reports want with the error
// indication clear.
func (d *Device) awaitStatus(ctx context.Context, want State) error {
	deadline := time.Now().Add(d.StateTimeout)
	for {
		status, code, err := d.readStatus(ctx)
		if err != nil {
			return err
		}

		reported := State(status & ecad.ALStateMask)
		if status&ecad.ALErrorFlag != 0 {
			return d.fault(reported, code)
		}
		if reported == want {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("ecsm: %v: %w: want %v, reports %v", d, ErrStateTimeout, want, reported)
		}

		t := time.NewTimer(d.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
