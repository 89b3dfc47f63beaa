package ecmd

import (
	"context"
)

// Response is the returned data and working counter of a datagram.
type Response struct {
	Data           []byte
	WorkingCounter uint16
}

// Pending is the handle of a submitted datagram. It must be consumed by
// exactly one Wait or Abandon.
type Pending struct {
	l   *Loop
	s   *slot
	gen uint32
}

// Index is the datagram index on the wire.
func (p *Pending) Index() uint8 { return p.s.index }

// Wait blocks until the datagram was answered or expired, or ctx is done.
// The slot is released before Wait returns. A WorkingCounterError comes
// with the response that carried the wrong working counter. If ctx ends
// first the handle is abandoned and ctx.Err() is returned.
func (p *Pending) Wait(ctx context.Context) (Response, error) {
	l := p.l

	l.mu.Lock()
	if p.s.gen != p.gen || p.s.abandoned {
		l.mu.Unlock()
		return Response{}, ErrRetired
	}
	done := p.s.done
	l.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		p.Abandon()
		return Response{}, ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	s := p.s
	var resp Response
	err := s.err
	if err != ErrTimeout && !isTransportError(err) {
		resp.Data = append([]byte(nil), s.buf[:s.length]...)
		resp.WorkingCounter = s.wkc
	}
	l.release(s)

	return resp, err
}

// Abandon gives up on the datagram. A queued or settled slot is released
// at once; one in flight is released when its response arrives or it
// expires.
func (p *Pending) Abandon() {
	l := p.l

	l.mu.Lock()
	defer l.mu.Unlock()

	s := p.s
	if s.gen != p.gen {
		return
	}

	switch s.state {
	case slotQueued, slotSettled:
		l.release(s)
	case slotInFlight:
		s.abandoned = true
	}
}

func isTransportError(err error) bool {
	_, ok := err.(TransportError)
	return ok
}
