package ecmd

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/distributed/ecmaster/ecfr"
	"github.com/distributed/ecmaster/eclog"
)

var (
	// ErrExhaustedSlots is returned by Submit when every slot is taken.
	// Retry after yielding.
	ErrExhaustedSlots = errors.New("ecmd: all transaction slots in use")

	ErrTimeout = errors.New("ecmd: datagram timed out")

	// an echo of our own frame, it passed no slave
	errNotReturned = errors.New("frame did not pass a slave")

	// ErrRetired is returned when a handle is used after its slot was
	// released.
	ErrRetired = errors.New("ecmd: pending handle already retired")

	ErrDatagramTooLong = errors.New("ecmd: datagram does not fit a frame")
)

type slotState uint8

const (
	slotFree slotState = iota
	slotQueued
	slotInFlight
	slotSettled
)

type slot struct {
	index uint8
	gen   uint32
	state slotState

	// abandoned in-flight slots are released when they settle
	abandoned bool

	command  ecfr.CommandType
	addr32   uint32
	length   int
	expwc    uint16
	deadline time.Time
	cycle    uint64

	// outgoing data, overwritten by the response
	buf []byte
	wkc uint16
	err error

	done chan struct{}
}

func (s *slot) datagram() ecfr.Datagram {
	dg := ecfr.Datagram{Data: s.buf[:s.length]}
	dg.Command = s.command
	dg.Index = s.index
	dg.Addr32 = s.addr32
	return dg
}

type queueEntry struct {
	s   *slot
	gen uint32
}

// Stats are running counters of a Loop.
type Stats struct {
	FramesSent         uint64
	FramesReceived     uint64
	FramesDropped      uint64
	DatagramsTimedOut  uint64
	DatagramsUnmatched uint64
}

// Loop multiplexes datagrams of many callers onto one Transport. Submit
// may be called from any goroutine; Cycle and Sweep must be driven by a
// single goroutine, typically a Runner.
type Loop struct {
	t      Transport
	config Config

	maxDataLen int

	mu    sync.Mutex
	slots []slot
	free  []uint8
	head  int
	nfree int
	queue []queueEntry
	cycle uint64
	stats Stats

	queued chan struct{}

	txbuf []byte
}

func New(t Transport, opts ...Option) *Loop {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	config.normalize()

	l := &Loop{
		t:          t,
		config:     config,
		maxDataLen: config.MTU - ecfr.FrameOverheadLen - ecfr.DatagramOverheadLength,
		slots:      make([]slot, config.Slots),
		free:       make([]uint8, config.Slots),
		queue:      make([]queueEntry, 0, config.Slots),
		queued:     make(chan struct{}, 1),
		txbuf:      make([]byte, config.MTU),
	}
	if l.maxDataLen > ecfr.MaxDataLength {
		l.maxDataLen = ecfr.MaxDataLength
	}

	for i := range l.slots {
		s := &l.slots[i]
		s.index = uint8(i)
		s.buf = make([]byte, l.maxDataLen)
		s.done = make(chan struct{}, 1)
		l.free[i] = uint8(i)
	}
	l.nfree = len(l.slots)

	return l
}

func (l *Loop) Config() Config { return l.config }

// Queued is signaled when a datagram was queued since the last receive.
func (l *Loop) Queued() <-chan struct{} { return l.queued }

// Submit queues a datagram for the next cycle. data is copied. The
// datagram expires timeout after submission; a zero timeout expires at
// the next Sweep unless the response arrives first.
func (l *Loop) Submit(ct ecfr.CommandType, addr ecfr.DatagramAddress, data []byte, expwc uint16, timeout time.Duration) (*Pending, error) {
	return l.submit(ct, addr, data, len(data), expwc, timeout)
}

// SubmitRead is Submit with n zero bytes of data.
func (l *Loop) SubmitRead(ct ecfr.CommandType, addr ecfr.DatagramAddress, n int, expwc uint16, timeout time.Duration) (*Pending, error) {
	return l.submit(ct, addr, nil, n, expwc, timeout)
}

func (l *Loop) submit(ct ecfr.CommandType, addr ecfr.DatagramAddress, data []byte, n int, expwc uint16, timeout time.Duration) (*Pending, error) {
	if !ct.Valid() {
		return nil, ecfr.UnknownCommandError{Code: uint8(ct)}
	}
	if n < 0 || n > l.maxDataLen {
		return nil, fmt.Errorf("%w: %d bytes of data, maximum %d", ErrDatagramTooLong, n, l.maxDataLen)
	}
	if timeout < 0 {
		timeout = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.nfree == 0 {
		return nil, ErrExhaustedSlots
	}
	i := l.free[l.head]
	l.head = (l.head + 1) % len(l.free)
	l.nfree--

	s := &l.slots[i]
	s.state = slotQueued
	s.command = ct
	s.addr32 = addr.Addr32()
	s.length = n
	s.expwc = expwc
	s.deadline = l.config.Clock.Now().Add(timeout)
	s.wkc = 0
	s.err = nil
	if data != nil {
		copy(s.buf, data)
	} else {
		clear(s.buf[:n])
	}

	if len(l.queue) == cap(l.queue) {
		l.compactQueue()
	}
	l.queue = append(l.queue, queueEntry{s, s.gen})

	select {
	case l.queued <- struct{}{}:
	default:
	}

	return &Pending{l: l, s: s, gen: s.gen}, nil
}

// compactQueue drops entries of slots that expired or were abandoned
// before being sent. l.mu must be held.
func (l *Loop) compactQueue() {
	q := l.queue[:0]
	for _, qe := range l.queue {
		if qe.s.gen == qe.gen && qe.s.state == slotQueued {
			q = append(q, qe)
		}
	}
	l.queue = q
}

// release hands s back to the free list. l.mu must be held.
func (l *Loop) release(s *slot) {
	s.gen++
	s.state = slotFree
	s.abandoned = false
	s.err = nil
	select {
	case <-s.done:
	default:
	}

	l.free[(l.head+l.nfree)%len(l.free)] = s.index
	l.nfree++
}

// settle records the outcome of s and wakes its waiter. l.mu must be held.
func (l *Loop) settle(s *slot, err error) {
	if s.abandoned {
		l.release(s)
		return
	}
	s.state = slotSettled
	s.err = err
	select {
	case s.done <- struct{}{}:
	default:
	}
}

// Cycle sends every queued datagram and routes the responses that come
// back. It returns an error only for transport failures; the slots that
// were in flight on a failed transport are settled with a TransportError.
func (l *Loop) Cycle() error {
	cf := newCommandFramer(l.config.MTU - ecfr.FrameOverheadLen)

	l.mu.Lock()
	l.cycle++
	cycle := l.cycle
	for _, qe := range l.queue {
		s := qe.s
		if s.gen != qe.gen || s.state != slotQueued {
			continue
		}
		s.state = slotInFlight
		s.cycle = cycle
		cf.add(s)
	}
	l.queue = l.queue[:0]
	l.mu.Unlock()

	frames := cf.frames()
	if len(frames) == 0 {
		return nil
	}

	for i := range frames {
		if err := l.send(&frames[i]); err != nil {
			l.failFrames(frames[i:], cycle, TransportError{"send", err})
			return TransportError{"send", err}
		}
	}

	return l.receive(frames, cycle)
}

func (l *Loop) send(of *outgoingFrame) error {
	e, err := of.frame.Commit(l.txbuf)
	if err != nil {
		return err
	}

	b, err := ecfr.EncodeETHFrame(nil, ecfr.MasterMAC, e)
	if err != nil {
		return err
	}

	if err = l.t.Send(b); err != nil {
		return err
	}

	l.mu.Lock()
	l.stats.FramesSent++
	l.mu.Unlock()
	return nil
}

func (l *Loop) receive(frames []outgoingFrame, cycle uint64) error {
	var (
		f       ecfr.Frame
		pending = len(frames)
		until   = l.config.Clock.Now().Add(l.config.ReceiveTimeout)
	)

	for pending > 0 {
		// one last poll once the deadline has passed
		remaining := until.Sub(l.config.Clock.Now())
		expired := remaining <= 0
		if expired {
			remaining = 0
		}

		b, err := l.t.Receive(remaining)
		if errors.Is(err, ErrNoFrame) {
			break
		}
		if err != nil {
			l.failFrames(frames, cycle, TransportError{"receive", err})
			return TransportError{"receive", err}
		}

		ef, err := ecfr.DecodeETHFrame(b)
		if err == nil && !ef.IsReturned() {
			err = errNotReturned
		}
		if err == nil {
			_, err = f.Overlay(ef.Payload)
		}
		if err != nil {
			l.mu.Lock()
			l.stats.FramesDropped++
			l.mu.Unlock()
			eclog.LogDebug(eclog.ComponentLoop, "dropping frame", "error", err)
		} else if l.route(&f, cycle) {
			pending--
		}

		if expired {
			break
		}
	}

	return nil
}

// route hands the datagrams of f to their slots. It reports whether f
// carried a datagram sent in cycle.
func (l *Loop) route(f *ecfr.Frame, cycle uint64) (current bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stats.FramesReceived++

	for i := range f.Datagrams {
		dg := &f.Datagrams[i]

		if int(dg.Index) >= len(l.slots) {
			l.stats.DatagramsUnmatched++
			continue
		}
		s := &l.slots[dg.Index]
		if s.state != slotInFlight || s.command != dg.Command || s.length != len(dg.Data) {
			l.stats.DatagramsUnmatched++
			eclog.LogDebug(eclog.ComponentLoop, "unmatched datagram", "datagram", dg.Summary())
			continue
		}

		if s.cycle == cycle {
			current = true
		}

		copy(s.buf, dg.Data)
		s.wkc = dg.WorkingCounter

		var err error
		if s.wkc != s.expwc {
			err = WorkingCounterError{s.command, s.addr32, s.expwc, s.wkc}
		}
		l.settle(s, err)
	}

	return
}

// failFrames settles every still in-flight slot of frames sent in cycle.
func (l *Loop) failFrames(frames []outgoingFrame, cycle uint64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range frames {
		for _, s := range frames[i].slots {
			if s.state == slotInFlight && s.cycle == cycle {
				l.settle(s, err)
			}
		}
	}
}

// Sweep expires queued and in-flight datagrams whose deadline has passed.
func (l *Loop) Sweep() {
	now := l.config.Clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.slots {
		s := &l.slots[i]
		if s.state != slotQueued && s.state != slotInFlight {
			continue
		}
		if s.deadline.After(now) {
			continue
		}
		l.stats.DatagramsTimedOut++
		l.settle(s, ErrTimeout)
	}
}

func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// InUse returns the number of slots not on the free list.
func (l *Loop) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots) - l.nfree
}
