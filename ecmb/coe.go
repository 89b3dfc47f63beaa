package ecmb

import (
	"encoding/binary"
	"fmt"
)

const (
	CoEHeaderLength = 2

	// SDOHeaderLength is command, index and subindex.
	SDOHeaderLength = 4
)

type CoEService uint8

const (
	ServiceEmergency   CoEService = 0x01
	ServiceSDORequest  CoEService = 0x02
	ServiceSDOResponse CoEService = 0x03
	ServiceTxPDO       CoEService = 0x04
	ServiceRxPDO       CoEService = 0x05
	ServiceSDOInfo     CoEService = 0x08
)

// CoEHeader follows the mailbox header of CoE messages.
type CoEHeader struct {
	Number  uint16 // 9 bits
	Service CoEService
}

func (h *CoEHeader) Overlay(d []byte) ([]byte, error) {
	if len(d) < CoEHeaderLength {
		return d, fmt.Errorf("%w: need %d bytes for CoE header, have %d", ErrMalformedMailbox, CoEHeaderLength, len(d))
	}
	w := binary.LittleEndian.Uint16(d)
	h.Number = w & 0x01ff
	h.Service = CoEService(w >> 12)
	return d[CoEHeaderLength:], nil
}

func (h *CoEHeader) Commit(d []byte) ([]byte, error) {
	if len(d) < CoEHeaderLength {
		return d, fmt.Errorf("CoE header needs %d bytes, have %d", CoEHeaderLength, len(d))
	}
	binary.LittleEndian.PutUint16(d, h.Number&0x01ff|uint16(h.Service)<<12)
	return d[CoEHeaderLength:], nil
}

// SDO command specifiers, bits 5-7 of the command byte.
const (
	CmdDownloadSegmentRequest  = 0x00
	CmdDownloadInitRequest     = 0x20
	CmdUploadInitRequest       = 0x40
	CmdUploadSegmentRequest    = 0x60
	CmdAbort                   = 0x80
	CmdUploadSegmentResponse   = 0x00
	CmdDownloadSegmentResponse = 0x20
	CmdUploadInitResponse      = 0x40
	CmdDownloadInitResponse    = 0x60

	CmdMask = 0xe0
)

// SDO command flags.
const (
	FlagSizeIndicated  = 0x01
	FlagExpedited      = 0x02
	FlagCompleteAccess = 0x10

	// segment commands
	FlagLastSegment = 0x01
	FlagToggle      = 0x10
)

// ExpeditedCommand returns the command byte of an expedited transfer of n
// (1 to 4) bytes.
func ExpeditedCommand(cmd uint8, n int) uint8 {
	return cmd | FlagExpedited | FlagSizeIndicated | uint8(4-n)<<2
}

// ExpeditedSize returns the data size an expedited command byte
// indicates.
func ExpeditedSize(cmd uint8) int {
	if cmd&FlagSizeIndicated == 0 {
		return 4
	}
	return 4 - int(cmd>>2&0x03)
}

// SegmentCommand returns the command byte of an upload segment response
// carrying n bytes.
func SegmentCommand(toggle, last bool, n int) uint8 {
	var cmd uint8 = CmdUploadSegmentResponse
	if toggle {
		cmd |= FlagToggle
	}
	if last {
		cmd |= FlagLastSegment
	}
	if n < 7 {
		cmd |= uint8(7-n) << 1
	}
	return cmd
}

// Object addresses an entry of the object dictionary.
type Object struct {
	Index    uint16
	SubIndex uint8
}

func (o Object) String() string {
	return fmt.Sprintf("%#04x:%02x", o.Index, o.SubIndex)
}

// SDO is the SDO part of a CoE message: command byte, object and the
// data following the header.
type SDO struct {
	Command uint8
	Object  Object
	Data    []byte
}

// Overlay decodes an init or abort SDO. Data aliases d.
func (s *SDO) Overlay(d []byte) error {
	if len(d) < SDOHeaderLength {
		return fmt.Errorf("%w: need %d bytes for SDO header, have %d", ErrMalformedMailbox, SDOHeaderLength, len(d))
	}
	s.Command = d[0]
	s.Object.Index = binary.LittleEndian.Uint16(d[1:])
	s.Object.SubIndex = d[3]
	s.Data = d[SDOHeaderLength:]
	return nil
}

// Bytes encodes the SDO header followed by Data.
func (s *SDO) Bytes() []byte {
	b := make([]byte, SDOHeaderLength+len(s.Data))
	b[0] = s.Command
	binary.LittleEndian.PutUint16(b[1:], s.Object.Index)
	b[3] = s.Object.SubIndex
	copy(b[SDOHeaderLength:], s.Data)
	return b
}

// Message is a CoE mailbox message. Body is the service data: an SDO for
// init and abort transfers, a command byte and data for segments.
type Message struct {
	Header    Header
	CoEHeader CoEHeader
	Body      []byte
}

// ByteLen is the encoded length, without padding up to the mailbox size.
func (m *Message) ByteLen() int {
	return HeaderLength + CoEHeaderLength + len(m.Body)
}

// Commit encodes m into d and sets the mailbox header length and type.
func (m *Message) Commit(d []byte) ([]byte, error) {
	if len(d) < m.ByteLen() {
		return d, fmt.Errorf("CoE message needs %d bytes, have %d", m.ByteLen(), len(d))
	}

	m.Header.Length = uint16(m.ByteLen() - HeaderLength)
	m.Header.Type = TypeCoE

	b, err := m.Header.Commit(d)
	if err != nil {
		return d, err
	}
	b, err = m.CoEHeader.Commit(b)
	if err != nil {
		return d, err
	}
	n := copy(b, m.Body)
	return b[n:], nil
}

// Overlay decodes a CoE message. Padding after the length given in the
// mailbox header is ignored; Body aliases d.
func (m *Message) Overlay(d []byte) error {
	b, err := m.Header.Overlay(d)
	if err != nil {
		return err
	}
	if int(m.Header.Length) > len(b) {
		return fmt.Errorf("%w: mailbox length %d exceeds %d available bytes", ErrMalformedMailbox, m.Header.Length, len(b))
	}
	b = b[:m.Header.Length]

	if m.Header.Type != TypeCoE {
		return fmt.Errorf("%w: mailbox type %v is not CoE", ErrMalformedMailbox, m.Header.Type)
	}

	b, err = m.CoEHeader.Overlay(b)
	if err != nil {
		return err
	}
	if len(b) < 1 {
		return fmt.Errorf("%w: CoE message without service data", ErrMalformedMailbox)
	}
	m.Body = b
	return nil
}
