// Package sim simulates a ring of EtherCAT slave controllers behind the
// ecmd.Transport interface.
package sim

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/distributed/ecmaster/ecfr"
	"github.com/distributed/ecmaster/eclog"
	"github.com/distributed/ecmaster/ecmd"
)

// Bus passes every sent frame through its slaves in order and queues it
// for Receive. A bus without slaves echoes frames unchanged apart from
// the source address.
type Bus struct {
	mu sync.Mutex

	Slaves []FrameProcessor

	// Drop, if set, is asked for every frame with its sequence number
	// starting at 1. Dropped frames are lost on the ring.
	Drop func(n int) bool

	// LinkErr, if set, is returned by Send and Receive.
	LinkErr error

	// Trace receives a dump of every returning frame.
	Trace io.Writer

	sent  int
	queue [][]byte
}

// NewBus returns a bus with the given slaves in ring order.
func NewBus(slaves ...*Slave) *Bus {
	b := &Bus{}
	for _, s := range slaves {
		b.Slaves = append(b.Slaves, s)
	}
	return b
}

// Sync runs f with the bus locked, so slave state can be inspected or
// changed while a Runner is cycling.
func (b *Bus) Sync(f func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f()
}

func (b *Bus) Send(frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.LinkErr != nil {
		return b.LinkErr
	}

	b.sent++
	if b.Drop != nil && b.Drop(b.sent) {
		return nil
	}

	rb, err := b.process(frame)
	if err != nil {
		eclog.LogDebug(eclog.ComponentSim, "ring discards frame", "error", err)
		return nil
	}
	b.queue = append(b.queue, rb)
	return nil
}

func (b *Bus) process(frame []byte) ([]byte, error) {
	ef, err := ecfr.DecodeETHFrame(frame)
	if err != nil {
		return nil, err
	}

	payload := append([]byte(nil), ef.Payload...)
	var f ecfr.Frame
	if _, err = f.Overlay(payload); err != nil {
		return nil, err
	}

	for _, s := range b.Slaves {
		s.ProcessFrame(&f)
	}

	e, err := f.Commit(make([]byte, f.ByteLen()))
	if err != nil {
		return nil, fmt.Errorf("sim: re-encode frame: %w", err)
	}

	if b.Trace != nil {
		spew.Fdump(b.Trace, f)
	}

	src := append([]byte(nil), ef.Source...)
	if len(src) > 0 {
		src[0] |= 0x02
	}
	return ecfr.EncodeETHFrame(ef.Destination, src, e)
}

// Receive returns the next returned frame. It does not wait: frames are
// processed when they are sent.
func (b *Bus) Receive(timeout time.Duration) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.LinkErr != nil {
		return nil, b.LinkErr
	}
	if len(b.queue) == 0 {
		return nil, ecmd.ErrNoFrame
	}
	f := b.queue[0]
	b.queue = b.queue[1:]
	return f, nil
}

// Sent returns the number of frames sent so far.
func (b *Bus) Sent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent
}
