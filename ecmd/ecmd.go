// Package ecmd runs EtherCAT datagrams: a fixed table of transaction slots
// whose indices are the datagram indices on the wire, a cycle that packs
// queued datagrams into frames and routes the responses back, and helpers
// that execute single reads and writes with retries.
package ecmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/distributed/ecmaster/ecfr"
)

// Commander submits datagrams. *Loop is the implementation; the mailbox,
// EEPROM and state machine packages only depend on this.
type Commander interface {
	Submit(ct ecfr.CommandType, addr ecfr.DatagramAddress, data []byte, expwc uint16, timeout time.Duration) (*Pending, error)
	SubmitRead(ct ecfr.CommandType, addr ecfr.DatagramAddress, n int, expwc uint16, timeout time.Duration) (*Pending, error)
}

type WorkingCounterError struct {
	Command    ecfr.CommandType
	Addr32     uint32
	Want, Have uint16
}

func (e WorkingCounterError) Error() string {
	return fmt.Sprintf("working counter error, want %d, have %d on %v %#08x", e.Want,
		e.Have,
		e.Command,
		e.Addr32)
}

func IsWorkingCounterError(err error) bool {
	var wce WorkingCounterError
	return errors.As(err, &wce)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

const (
	DefaultFramelossTries = 3
	DefaultTimeout        = 100 * time.Millisecond

	// slot exhaustion is retried after this pause
	exhaustedBackoff = 100 * time.Microsecond
)

type Options struct {
	// FramelossTries is the number of attempts made when a datagram times
	// out.
	FramelossTries int

	// WCDeadline is the time until which working counter mismatches are
	// retried. The zero value does not retry.
	WCDeadline time.Time

	// Timeout is the deadline of each attempt.
	Timeout time.Duration
}

func (o Options) getFramelossTries() int {
	if o.FramelossTries == 0 {
		return DefaultFramelossTries
	}
	return o.FramelossTries
}

func (o Options) getWCDeadline() time.Time { return o.WCDeadline }

func (o Options) getTimeout() time.Duration {
	if o.Timeout == 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

func ExecuteRead(ctx context.Context, c Commander, addr ecfr.DatagramAddress, n int, expwc uint16) (d []byte, err error) {
	return ExecuteReadOptions(ctx, c, addr, n, expwc, Options{})
}

// ExecuteReadOptions reads n bytes at addr with the read command of the
// address type.
func ExecuteReadOptions(ctx context.Context, c Commander, addr ecfr.DatagramAddress, n int, expwc uint16, opts Options) (d []byte, err error) {
	ct := addr.ReadCommand()
	var resp Response
	resp, err = execute(ctx, opts, func() (*Pending, error) {
		return c.SubmitRead(ct, addr, n, expwc, opts.getTimeout())
	})
	d = resp.Data
	return
}

func ExecuteWrite(ctx context.Context, c Commander, addr ecfr.DatagramAddress, w []byte, expwc uint16) (err error) {
	return ExecuteWriteOptions(ctx, c, addr, w, expwc, Options{})
}

// ExecuteWriteOptions writes w at addr with the write command of the
// address type.
func ExecuteWriteOptions(ctx context.Context, c Commander, addr ecfr.DatagramAddress, w []byte, expwc uint16, opts Options) (err error) {
	ct := addr.WriteCommand()
	_, err = execute(ctx, opts, func() (*Pending, error) {
		return c.Submit(ct, addr, w, expwc, opts.getTimeout())
	})
	return
}

// ExecuteCommand runs a datagram with an explicit command, for the read
// write commands and for reading with a command that does not follow from
// the address.
func ExecuteCommand(ctx context.Context, c Commander, ct ecfr.CommandType, addr ecfr.DatagramAddress, w []byte, expwc uint16, opts Options) (Response, error) {
	return execute(ctx, opts, func() (*Pending, error) {
		return c.Submit(ct, addr, w, expwc, opts.getTimeout())
	})
}

func execute(ctx context.Context, opts Options, submit func() (*Pending, error)) (resp Response, err error) {
	nFrameLoss := 0

	for {
		var p *Pending
		p, err = submit()
		if errors.Is(err, ErrExhaustedSlots) {
			if err = sleep(ctx, exhaustedBackoff); err != nil {
				return
			}
			continue
		}
		if err != nil {
			return
		}

		resp, err = p.Wait(ctx)
		if err != nil {
			if IsTimeout(err) {
				nFrameLoss++
				if nFrameLoss < opts.getFramelossTries() {
					continue
				}
				return
			}

			if IsWorkingCounterError(err) {
				if time.Now().Before(opts.getWCDeadline()) && ctx.Err() == nil {
					continue
				}
			}
			return
		}

		return
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
