package ecfr

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is returned when a buffer is too short for the
	// structure being decoded or its length fields are inconsistent.
	ErrMalformedFrame = errors.New("malformed ecat frame")

	// ErrUnknownCommand is wrapped by UnknownCommandError.
	ErrUnknownCommand = errors.New("unknown ecat command")

	// ErrBufferTooSmall is returned by the encoders when the destination
	// cannot hold the encoded value.
	ErrBufferTooSmall = errors.New("buffer too small")
)

// UnknownCommandError reports a datagram command code that does not map to
// a CommandType.
type UnknownCommandError struct {
	Code uint8
}

func (e UnknownCommandError) Error() string {
	return fmt.Sprintf("%v: code %#02x", ErrUnknownCommand, e.Code)
}

func (e UnknownCommandError) Unwrap() error { return ErrUnknownCommand }

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrMalformedFrame}, args...)...)
}
