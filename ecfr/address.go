package ecfr

import (
	"fmt"
)

type AddressType uint8

const (
	NoAddress AddressType = iota
	Positional
	Fixed
	Broadcast
	Logical
)

var addressTypeName = map[AddressType]string{
	NoAddress:  "none",
	Positional: "positional",
	Fixed:      "fixed",
	Broadcast:  "broadcast",
	Logical:    "logical",
}

func (at AddressType) String() string {
	if s, ok := addressTypeName[at]; ok {
		return s
	}
	return fmt.Sprintf("AddressType(%d)", uint(at))
}

// DatagramAddress is the 32 bit address field of a datagram together with
// the addressing mode it is interpreted in. For physical addressing the low
// word is the slave position or station address (ADP) and the high word the
// register offset (ADO).
type DatagramAddress struct {
	typ    AddressType
	addr32 uint32
}

// PositionalAddress addresses the slave at position pos in the ring. The
// ADP is sent as the two's complement of the position; each slave
// increments it and the one seeing zero is addressed.
func PositionalAddress(pos, offset uint16) DatagramAddress {
	return DatagramAddress{Positional, uint32(offset)<<16 | uint32(uint16(0-pos))}
}

func FixedAddress(station, offset uint16) DatagramAddress {
	return DatagramAddress{Fixed, uint32(offset)<<16 | uint32(station)}
}

func BroadcastAddress(offset uint16) DatagramAddress {
	return DatagramAddress{Broadcast, uint32(offset) << 16}
}

func LogicalAddress(addr uint32) DatagramAddress {
	return DatagramAddress{Logical, addr}
}

func DatagramAddressFromCommand(addr32 uint32, ct CommandType) DatagramAddress {
	return DatagramAddress{ct.AddressType(), addr32}
}

func (a DatagramAddress) Type() AddressType { return a.typ }

func (a DatagramAddress) Addr32() uint32 { return a.addr32 }

func (a DatagramAddress) IsPhysical() bool {
	return a.typ == Positional || a.typ == Fixed || a.typ == Broadcast
}

// PositionOrAddress returns the ADP word.
func (a DatagramAddress) PositionOrAddress() uint16 {
	return uint16(a.addr32)
}

// Offset returns the ADO word.
func (a DatagramAddress) Offset() uint16 {
	return uint16(a.addr32 >> 16)
}

func (a *DatagramAddress) SetOffset(offset uint16) {
	if a.typ == Logical {
		panic("SetOffset on logical address")
	}
	a.addr32 = uint32(offset)<<16 | a.addr32&0xffff
}

// IncrementSlaveAddr is what a slave does to the ADP of positional and
// broadcast datagrams passing through it.
func (a *DatagramAddress) IncrementSlaveAddr() {
	if a.typ != Positional && a.typ != Broadcast {
		return
	}
	adp := uint16(a.addr32) + 1
	a.addr32 = a.addr32&0xffff0000 | uint32(adp)
}

func (a DatagramAddress) ReadCommand() CommandType {
	switch a.typ {
	case Positional:
		return APRD
	case Fixed:
		return FPRD
	case Broadcast:
		return BRD
	case Logical:
		return LRD
	}
	return NOP
}

func (a DatagramAddress) WriteCommand() CommandType {
	switch a.typ {
	case Positional:
		return APWR
	case Fixed:
		return FPWR
	case Broadcast:
		return BWR
	case Logical:
		return LWR
	}
	return NOP
}

func (a DatagramAddress) ReadWriteCommand() CommandType {
	switch a.typ {
	case Positional:
		return APRW
	case Fixed:
		return FPRW
	case Broadcast:
		return BRW
	case Logical:
		return LRW
	}
	return NOP
}

func (a DatagramAddress) String() string {
	if a.typ == Logical {
		return fmt.Sprintf("logical %#08x", a.addr32)
	}
	return fmt.Sprintf("%v %#04x:%#04x", a.typ, a.PositionOrAddress(), a.Offset())
}
