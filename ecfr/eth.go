package ecfr

import (
	"fmt"
	"net"

	"github.com/mdlayher/ethernet"
)

const (
	// EtherType is the registered EtherType for EtherCAT.
	EtherType ethernet.EtherType = 0x88a4

	ETHHeaderLen = 6 + 6 + 2

	// both excluding fcs
	min_framelen        = 60
	max_framelen_novlan = 1514
)

// MasterMAC is the source address of frames sent by the master. Slaves set
// the locally administered bit (bit 1 of the first byte) when the frame
// passes, which tells returning frames apart from our own.
var MasterMAC = net.HardwareAddr{0x10, 0x10, 0x10, 0x10, 0x10, 0x10}

type ETHFrame struct {
	Destination, Source net.HardwareAddr
	Payload             []byte
}

// EncodeETHFrame wraps payload in an EtherCAT Ethernet frame. Payloads
// shorter than the Ethernet minimum are zero padded; the EtherCAT frame
// header carries the real length.
func EncodeETHFrame(dst, src net.HardwareAddr, payload []byte) ([]byte, error) {
	if len(payload)+ETHHeaderLen > max_framelen_novlan {
		return nil, fmt.Errorf("ethernet payload too big, maximum is %d bytes", max_framelen_novlan-ETHHeaderLen)
	}
	if dst == nil {
		dst = ethernet.Broadcast
	}

	f := &ethernet.Frame{
		Destination: dst,
		Source:      src,
		EtherType:   EtherType,
		Payload:     payload,
	}
	return f.MarshalBinary()
}

// DecodeETHFrame parses an Ethernet frame and returns it if it carries
// EtherCAT.
func DecodeETHFrame(b []byte) (*ETHFrame, error) {
	var f ethernet.Frame
	if err := f.UnmarshalBinary(b); err != nil {
		return nil, malformed("ethernet: %v", err)
	}

	if f.EtherType != EtherType {
		return nil, malformed("ethertype %#04x is not EtherCAT", uint16(f.EtherType))
	}

	return &ETHFrame{
		Destination: f.Destination,
		Source:      f.Source,
		Payload:     f.Payload,
	}, nil
}

// IsReturned reports whether the frame has passed at least one slave.
func (ef *ETHFrame) IsReturned() bool {
	return len(ef.Source) > 0 && ef.Source[0]&0x02 != 0
}
