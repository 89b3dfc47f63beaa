package ecmd

import (
	"errors"
	"fmt"
	"time"
)

// Transport moves whole Ethernet frames to and from the ring.
type Transport interface {
	Send(frame []byte) error

	// Receive returns the next frame, waiting at most timeout. It returns
	// ErrNoFrame if nothing arrived in time. Frames that did not pass a slave
	// may be returned; the Loop drops them.
	Receive(timeout time.Duration) ([]byte, error)
}

var ErrNoFrame = errors.New("frame did not arrive")

// TransportError wraps a failure of the physical layer. It fails the cycle
// it happened in and every datagram that was in flight on it.
type TransportError struct {
	Op  string
	Err error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }

// Clock supplies the time deadlines are computed against.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
