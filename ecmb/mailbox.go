package ecmb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/distributed/ecmaster/ecad"
	"github.com/distributed/ecmaster/ecfr"
	"github.com/distributed/ecmaster/eclog"
	"github.com/distributed/ecmaster/ecmd"
)

var (
	ErrNoMailbox = errors.New("device has no mailbox")

	// ErrMailboxBusy is returned when the slave does not take a request
	// out of its receive mailbox in time.
	ErrMailboxBusy = errors.New("mailbox still full")

	// ErrResponseTimeout is returned when no reply shows up in the send
	// mailbox in time.
	ErrResponseTimeout = errors.New("mailbox response timed out")

	ErrTooLong = errors.New("data does not fit the mailbox")
)

const (
	DefaultResponseTimeout = time.Second
	DefaultPollInterval    = 200 * time.Microsecond
)

// Sync manager channels of the standard mailbox.
const (
	WriteSyncManager = 0 // master to slave
	ReadSyncManager  = 1 // slave to master
)

// Window is the physical memory area of one mailbox direction.
type Window struct {
	Offset uint16
	Size   uint16
}

// Mailbox exchanges mailbox messages with one slave addressed by its
// station address. Exchanges are serialized.
type Mailbox struct {
	c       ecmd.Commander
	station uint16
	write   Window
	read    Window

	// ResponseTimeout bounds the wait for the receive mailbox to empty
	// and for the reply to arrive.
	ResponseTimeout time.Duration

	// PollInterval is the pause between sync manager status reads.
	PollInterval time.Duration

	mu      sync.Mutex
	counter uint8
}

func New(c ecmd.Commander, station uint16, write, read Window) *Mailbox {
	return &Mailbox{
		c:               c,
		station:         station,
		write:           write,
		read:            read,
		ResponseTimeout: DefaultResponseTimeout,
		PollInterval:    DefaultPollInterval,
	}
}

func (mb *Mailbox) Station() uint16 { return mb.station }

func (mb *Mailbox) addr(offset uint16) ecfr.DatagramAddress {
	return ecfr.FixedAddress(mb.station, offset)
}

// Setup configures the two mailbox sync managers.
func (mb *Mailbox) Setup(ctx context.Context) error {
	if mb.write.Size == 0 || mb.read.Size == 0 {
		return ErrNoMailbox
	}

	configs := []struct {
		sm      uint8
		w       Window
		control uint8
	}{
		{WriteSyncManager, mb.write, ecad.MailboxWriteControl},
		{ReadSyncManager, mb.read, ecad.MailboxReadControl},
	}

	for _, c := range configs {
		b := make([]byte, ecad.SyncManagerChannelLen)
		binary.LittleEndian.PutUint16(b[ecad.SyncManagerPhysStartAddrOffset:], c.w.Offset)
		binary.LittleEndian.PutUint16(b[ecad.SyncManagerLengthOffset:], c.w.Size)
		b[ecad.SyncManagerControlOffset] = c.control
		b[ecad.SyncManagerActivateOffset] = ecad.SMActivateEnable

		err := ecmd.ExecuteWrite(ctx, mb.c, mb.addr(ecad.SyncManager(c.sm)), b, 1)
		if err != nil {
			return fmt.Errorf("ecmb: configure sync manager %d: %w", c.sm, err)
		}
	}

	return nil
}

func (mb *Mailbox) full(ctx context.Context, sm uint8) (bool, error) {
	rb, err := ecmd.ExecuteRead(ctx, mb.c, mb.addr(ecad.SyncManager(sm)+ecad.SyncManagerStatusOffset), 1, 1)
	if err != nil {
		return false, err
	}
	return rb[0]&ecad.SMStatusMailboxFull != 0, nil
}

// waitFull polls the status of sm until its full flag equals want.
func (mb *Mailbox) waitFull(ctx context.Context, sm uint8, want bool, timeoutErr error) error {
	deadline := time.Now().Add(mb.ResponseTimeout)
	for {
		full, err := mb.full(ctx, sm)
		if err != nil {
			return err
		}
		if full == want {
			return nil
		}
		if time.Now().After(deadline) {
			return timeoutErr
		}

		t := time.NewTimer(mb.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (mb *Mailbox) nextCounter() uint8 {
	mb.counter = NextCounter(mb.counter)
	return mb.counter
}

// Exchange sends one request and returns the reply, which is the whole
// read mailbox. build encodes the request into the zeroed write mailbox
// buffer given the counter to use.
func (mb *Mailbox) Exchange(ctx context.Context, build func(buf []byte, counter uint8) error) ([]byte, uint8, error) {
	if mb.write.Size == 0 || mb.read.Size == 0 {
		return nil, 0, ErrNoMailbox
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	// a stale reply would be taken for ours
	full, err := mb.full(ctx, ReadSyncManager)
	if err != nil {
		return nil, 0, err
	}
	if full {
		eclog.LogDebug(eclog.ComponentMailbox, "clearing stale reply", "station", mb.station)
		if _, err = ecmd.ExecuteRead(ctx, mb.c, mb.addr(mb.read.Offset), int(mb.read.Size), 1); err != nil {
			return nil, 0, err
		}
	}

	if err = mb.waitFull(ctx, WriteSyncManager, false, ErrMailboxBusy); err != nil {
		return nil, 0, err
	}

	counter := mb.nextCounter()
	buf := make([]byte, mb.write.Size)
	if err = build(buf, counter); err != nil {
		return nil, 0, err
	}

	if err = ecmd.ExecuteWrite(ctx, mb.c, mb.addr(mb.write.Offset), buf, 1); err != nil {
		return nil, 0, err
	}

	if err = mb.waitFull(ctx, ReadSyncManager, true, ErrResponseTimeout); err != nil {
		return nil, 0, err
	}

	reply, err := ecmd.ExecuteRead(ctx, mb.c, mb.addr(mb.read.Offset), int(mb.read.Size), 1)
	if err != nil {
		return nil, 0, err
	}

	var h Header
	if _, err = h.Overlay(reply); err != nil {
		return nil, 0, err
	}
	if h.Type == TypeError {
		var detail uint16
		if len(reply) >= HeaderLength+4 {
			detail = binary.LittleEndian.Uint16(reply[HeaderLength+2:])
		}
		return nil, 0, ErrorReply{detail}
	}

	return reply, counter, nil
}
