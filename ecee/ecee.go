// Package ecee accesses the slave information interface (SII) EEPROM
// through the ESC registers 0x0500 to 0x050f.
package ecee

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/distributed/ecmaster/ecad"
	"github.com/distributed/ecmaster/ecfr"
	"github.com/distributed/ecmaster/ecmd"
)

var (
	ErrClosed = errors.New("ecee eeprom is already closed")

	// ErrBusyTimeout is returned when the EEPROM interface stays busy
	// past the idle timeout.
	ErrBusyTimeout = errors.New("ecee eeprom stays busy")
)

// StatusError carries an EEPROM control/status word with error bits set.
type StatusError struct {
	Status uint16
}

func (e StatusError) Error() string {
	return fmt.Sprintf("EEPROM status word indicates error: %#04x", e.Status)
}

const (
	DefaultIdleTimeout = 250 * time.Millisecond

	// DefaultPollInterval is the pause between busy checks.
	DefaultPollInterval = time.Millisecond
)

type EEPROM interface {
	ReadWord(ctx context.Context, addr uint32) (word uint16, err error)
	WriteWord(ctx context.Context, addr uint32, word uint16) (err error)
	Close() error
}

type blindEEPROM struct {
	addr        ecfr.DatagramAddress
	commander   ecmd.Commander
	idleTimeout time.Duration
	interval    time.Duration
	closed      bool
}

// New takes EEPROM ownership for the master at addr, which must be a
// positional or fixed address, and waits for the interface to be idle.
func New(ctx context.Context, commander ecmd.Commander, addr ecfr.DatagramAddress) (EEPROM, error) {
	ee := &blindEEPROM{
		addr:        addr,
		commander:   commander,
		idleTimeout: DefaultIdleTimeout,
		interval:    DefaultPollInterval,
	}

	// owner to master, then release any PDI access
	dgaddr := ee.addr
	dgaddr.SetOffset(ecad.EEPROMConfiguration)
	for _, w := range [][]byte{{0x02}, {0x00}} {
		if err := ecmd.ExecuteWrite(ctx, ee.commander, dgaddr, w, 1); err != nil {
			return nil, fmt.Errorf("ecee: take eeprom ownership: %w", err)
		}
	}

	if err := ee.waitForIdle(ctx); err != nil {
		return nil, err
	}

	return ee, nil
}

func (ee *blindEEPROM) status(ctx context.Context) (uint16, error) {
	addr := ee.addr
	addr.SetOffset(ecad.EEPROMControlStatus)
	rb, err := ecmd.ExecuteRead(ctx, ee.commander, addr, 2, 1)
	if err != nil {
		return 0, err
	}
	return uint16(rb[0]) | uint16(rb[1])<<8, nil
}

func (ee *blindEEPROM) waitForIdle(ctx context.Context) error {
	tot := time.Now().Add(ee.idleTimeout)

	for {
		st, err := ee.status(ctx)
		if err != nil {
			return err
		}

		if st&ecad.EEPROMBusy == 0 {
			return nil
		}

		if time.Now().After(tot) {
			return ErrBusyTimeout
		}

		t := time.NewTimer(ee.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// command latches addr and runs cmd, returning once the interface is idle
// again and its error bits are clear.
func (ee *blindEEPROM) command(ctx context.Context, addr uint32, cmd uint16, data []byte) error {
	err := ee.waitForIdle(ctx)
	if err != nil {
		return err
	}

	dgaddr := ee.addr

	// write EEPROM address to ESC
	dgaddr.SetOffset(ecad.EEPROMAddress)
	wb := []byte{uint8(addr), uint8(addr >> 8), uint8(addr >> 16), uint8(addr >> 24)}
	err = ecmd.ExecuteWrite(ctx, ee.commander, dgaddr, wb, 1)
	if err != nil {
		return err
	}

	if data != nil {
		dgaddr.SetOffset(ecad.EEPROMData)
		err = ecmd.ExecuteWrite(ctx, ee.commander, dgaddr, data, 1)
		if err != nil {
			return err
		}
	}

	dgaddr.SetOffset(ecad.EEPROMControlStatus)
	err = ecmd.ExecuteWrite(ctx, ee.commander, dgaddr, []byte{uint8(cmd), uint8(cmd >> 8)}, 1)
	if err != nil {
		return err
	}

	err = ee.waitForIdle(ctx)
	if err != nil {
		return err
	}

	// check error bits
	st, err := ee.status(ctx)
	if err != nil {
		return err
	}
	if st&ecad.EEPROMErrorMask != 0 {
		return StatusError{st}
	}
	return nil
}

func (ee *blindEEPROM) ReadWord(ctx context.Context, addr uint32) (word uint16, err error) {
	if ee.closed {
		err = ErrClosed
		return
	}

	err = ee.command(ctx, addr, ecad.EEPROMCmdRead, nil)
	if err != nil {
		return
	}

	dgaddr := ee.addr
	dgaddr.SetOffset(ecad.EEPROMData)
	var rb []byte
	rb, err = ecmd.ExecuteRead(ctx, ee.commander, dgaddr, 4, 1)
	if err != nil {
		return
	}

	word = uint16(rb[0]) | uint16(rb[1])<<8
	return
}

func (ee *blindEEPROM) WriteWord(ctx context.Context, addr uint32, word uint16) (err error) {
	if ee.closed {
		err = ErrClosed
		return
	}

	return ee.command(ctx, addr, ecad.EEPROMCmdWrite, []byte{uint8(word), uint8(word >> 8)})
}

func (ee *blindEEPROM) Close() error {
	ee.closed = true
	return nil
}
