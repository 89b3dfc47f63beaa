package ecsm

import (
	"errors"
	"fmt"

	"github.com/distributed/ecmaster/ecmb"
)

var ErrStateTimeout = errors.New("device did not reach the requested state in time")

// DeviceUnreachableError is returned when register access to a device
// kept failing after all retries.
type DeviceUnreachableError struct {
	Station  uint16
	Attempts int
	Err      error
}

func (e DeviceUnreachableError) Error() string {
	return fmt.Sprintf("device %#04x unreachable after %d attempts: %v", e.Station, e.Attempts, e.Err)
}

func (e DeviceUnreachableError) Unwrap() error { return e.Err }

// ConfigurationRejectedError is returned when the device refused the
// mailbox configuration of a transition. The transition was not
// requested.
type ConfigurationRejectedError struct {
	Station uint16
	Object  ecmb.Object
	Err     error
}

func (e ConfigurationRejectedError) Error() string {
	return fmt.Sprintf("device %#04x rejected configuration of %v: %v", e.Station, e.Object, e.Err)
}

func (e ConfigurationRejectedError) Unwrap() error { return e.Err }

// DeviceFaultError reports a device with its error indication set. The
// device stays in Error until it is acknowledged.
type DeviceFaultError struct {
	Station  uint16
	Reported State  // AL state the device reports alongside the error
	Code     uint16 // AL status code
}

func (e DeviceFaultError) Error() string {
	return fmt.Sprintf("device %#04x faulted in %v: %s (%#04x)", e.Station, e.Reported, StatusCodeText(e.Code), e.Code)
}

var statusCodeText = map[uint16]string{
	0x0000: "no error",
	0x0001: "unspecified error",
	0x0002: "no memory",
	0x0011: "invalid requested state change",
	0x0012: "unknown requested state",
	0x0013: "bootstrap not supported",
	0x0014: "no valid firmware",
	0x0015: "invalid mailbox configuration",
	0x0016: "invalid mailbox configuration",
	0x0017: "invalid sync manager configuration",
	0x0018: "no valid inputs available",
	0x0019: "no valid outputs",
	0x001a: "synchronization error",
	0x001b: "sync manager watchdog",
	0x001c: "invalid sync manager types",
	0x001d: "invalid output configuration",
	0x001e: "invalid input configuration",
	0x001f: "invalid watchdog configuration",
	0x0020: "slave needs cold start",
	0x0021: "slave needs Init",
	0x0022: "slave needs PreOp",
	0x0023: "slave needs SafeOp",
	0x002d: "invalid output FMMU configuration",
	0x002e: "invalid input FMMU configuration",
	0x0030: "invalid DC sync configuration",
	0x0031: "invalid DC latch configuration",
	0x0032: "PLL error",
	0x0035: "invalid DC sync cycle time",
}

// StatusCodeText describes an AL status code.
func StatusCodeText(code uint16) string {
	if s, ok := statusCodeText[code]; ok {
		return s
	}
	return "unknown AL status code"
}
