// Package ecmb implements the EtherCAT mailbox on top of the sync manager
// mailbox channels and CoE SDO transfers on top of the mailbox.
package ecmb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLength = 6

var ErrMalformedMailbox = errors.New("malformed mailbox data")

type Type uint8

const (
	TypeError Type = 0x00
	TypeAoE   Type = 0x01
	TypeEoE   Type = 0x02
	TypeCoE   Type = 0x03
	TypeFoE   Type = 0x04
	TypeSoE   Type = 0x05
	TypeVoE   Type = 0x0f
)

var typeName = map[Type]string{
	TypeError: "ERR",
	TypeAoE:   "AoE",
	TypeEoE:   "EoE",
	TypeCoE:   "CoE",
	TypeFoE:   "FoE",
	TypeSoE:   "SoE",
	TypeVoE:   "VoE",
}

func (t Type) String() string {
	if s, ok := typeName[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Header precedes every mailbox message. Length counts the bytes after
// the header.
type Header struct {
	Length   uint16
	Address  uint16
	Channel  uint8 // 6 bits
	Priority uint8 // 2 bits
	Type     Type  // 4 bits
	Counter  uint8 // 3 bits, 1 to 7, 0 is reserved
}

func (h *Header) Overlay(d []byte) ([]byte, error) {
	if len(d) < HeaderLength {
		return d, fmt.Errorf("%w: need %d bytes for mailbox header, have %d", ErrMalformedMailbox, HeaderLength, len(d))
	}

	h.Length = binary.LittleEndian.Uint16(d[0:])
	h.Address = binary.LittleEndian.Uint16(d[2:])
	h.Channel = d[4] & 0x3f
	h.Priority = d[4] >> 6
	h.Type = Type(d[5] & 0x0f)
	h.Counter = (d[5] >> 4) & 0x07

	return d[HeaderLength:], nil
}

func (h *Header) Commit(d []byte) ([]byte, error) {
	if len(d) < HeaderLength {
		return d, fmt.Errorf("mailbox header needs %d bytes, have %d", HeaderLength, len(d))
	}

	binary.LittleEndian.PutUint16(d[0:], h.Length)
	binary.LittleEndian.PutUint16(d[2:], h.Address)
	d[4] = h.Channel&0x3f | h.Priority<<6
	d[5] = uint8(h.Type)&0x0f | (h.Counter&0x07)<<4

	return d[HeaderLength:], nil
}

// NextCounter returns the counter following c. Counters cycle through 1
// to 7.
func NextCounter(c uint8) uint8 {
	return c%7 + 1
}

// Mailbox error replies (TypeError) carry a 16 bit detail code.
const (
	ErrorSyntax              = 0x0001
	ErrorUnsupportedProtocol = 0x0002
	ErrorInvalidChannel      = 0x0003
	ErrorServiceNotSupported = 0x0004
	ErrorInvalidHeader       = 0x0005
	ErrorSizeTooShort        = 0x0006
	ErrorNoMoreMemory        = 0x0007
	ErrorInvalidSize         = 0x0008
	ErrorServiceInWork       = 0x0009
)

// ErrorReply is returned when the slave answers with a mailbox error
// message instead of a reply of the requested protocol.
type ErrorReply struct {
	Detail uint16
}

func (e ErrorReply) Error() string {
	return fmt.Sprintf("mailbox error reply, detail %#04x", e.Detail)
}
