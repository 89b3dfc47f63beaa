package ecfr

import (
	"fmt"
)

const (
	DatagramHeaderLength   = 10
	WorkingCounterLength   = 2
	DatagramOverheadLength = DatagramHeaderLength + WorkingCounterLength

	// MaxDataLength is the largest data length the 11 bit length field can
	// express.
	MaxDataLength = 1<<11 - 1
)

type Datagram struct {
	DatagramHeader
	Data           []byte
	WorkingCounter uint16
}

// Overlay decodes a datagram from the beginning of d. Data aliases d.
func (dg *Datagram) Overlay(d []byte) (b []byte, err error) {
	b, err = dg.DatagramHeader.Overlay(d)
	if err != nil {
		return
	}

	if len(b) < int(dg.DataLength()) {
		err = malformed("need %d bytes of data, have %d", dg.DataLength(), len(b))
		return
	}

	dg.Data = b[:dg.DataLength()]
	b = b[dg.DataLength():]

	if len(b) < WorkingCounterLength {
		err = malformed("need 2 bytes for working counter, have %d", len(b))
		return
	}

	dg.WorkingCounter, b = getUint16(b)
	return
}

// Commit encodes the datagram into the beginning of d and returns the rest
// of d. The length field is taken from len(Data).
func (dg *Datagram) Commit(d []byte) (b []byte, err error) {
	if len(dg.Data) > MaxDataLength {
		err = fmt.Errorf("datagram data length %d exceeds %d", len(dg.Data), MaxDataLength)
		return
	}
	if len(d) < dg.ByteLen() {
		err = fmt.Errorf("%w: datagram needs %d bytes, have %d", ErrBufferTooSmall, dg.ByteLen(), len(d))
		return
	}

	dg.SetDataLen(len(dg.Data))
	b, err = dg.DatagramHeader.Commit(d)
	if err != nil {
		return
	}

	n := copy(b, dg.Data)
	b = b[n:]
	b = putUint16(b, dg.WorkingCounter)
	return
}

func (dg *Datagram) ByteLen() int {
	return DatagramOverheadLength + len(dg.Data)
}

func (dg *Datagram) Summary() string {
	return fmt.Sprintf("%v idx %d %v len %d wkc %d more %v", dg.Command, dg.Index,
		DatagramAddressFromCommand(dg.Addr32, dg.Command), dg.DataLength(),
		dg.WorkingCounter, dg.More())
}

type DatagramHeader struct {
	Command   CommandType
	Index     uint8
	Addr32    uint32
	LenWord   uint16
	Interrupt uint16
}

func (dh *DatagramHeader) Overlay(d []byte) (b []byte, err error) {
	b = d
	if len(b) < DatagramHeaderLength {
		err = malformed("need %d bytes for dgram header, have %d", DatagramHeaderLength, len(b))
		return
	}

	var c8 uint8
	c8, b = getUint8(b)
	ct := CommandType(c8)
	if !ct.Valid() {
		err = UnknownCommandError{c8}
		return
	}
	dh.Command = ct
	dh.Index, b = getUint8(b)
	dh.Addr32, b = getUint32(b)
	dh.LenWord, b = getUint16(b)
	dh.Interrupt, b = getUint16(b)

	return
}

func (dh *DatagramHeader) Commit(d []byte) (b []byte, err error) {
	if len(d) < DatagramHeaderLength {
		err = fmt.Errorf("%w: dgram header needs %d bytes, have %d", ErrBufferTooSmall, DatagramHeaderLength, len(d))
		return
	}

	b = putUint8(d, uint8(dh.Command))
	b = putUint8(b, dh.Index)
	b = putUint32(b, dh.Addr32)
	b = putUint16(b, dh.LenWord)
	b = putUint16(b, dh.Interrupt)
	return
}

func (dh *DatagramHeader) Address() DatagramAddress {
	return DatagramAddressFromCommand(dh.Addr32, dh.Command)
}

func (dh *DatagramHeader) SlaveAddr() uint16 {
	return uint16(dh.Addr32)
}

func (dh *DatagramHeader) OffsetAddr() uint16 {
	return uint16(dh.Addr32 >> 16)
}

func (dh *DatagramHeader) LogicalAddr() uint32 {
	return dh.Addr32
}

func (dh *DatagramHeader) DataLength() uint16 {
	return dh.LenWord & lenMask
}

func (dh *DatagramHeader) SetDataLen(n int) {
	dh.LenWord &^= lenMask
	dh.LenWord |= uint16(n) & lenMask
}

// Roundtrip reports the circulating flag.
func (dh *DatagramHeader) Roundtrip() bool {
	return (dh.LenWord & (1 << roundtripBit)) != 0
}

func (dh *DatagramHeader) SetRoundtrip(c bool) {
	dh.setBit(roundtripBit, c)
}

// More reports whether another datagram follows in the same frame.
func (dh *DatagramHeader) More() bool {
	return (dh.LenWord & (1 << lastindicatorBit)) != 0
}

func (dh *DatagramHeader) Last() bool {
	return !dh.More()
}

func (dh *DatagramHeader) SetLast(last bool) {
	dh.setBit(lastindicatorBit, !last)
}

func (dh *DatagramHeader) setBit(bit uint, v bool) {
	if v {
		dh.LenWord |= 1 << bit
	} else {
		dh.LenWord &^= 1 << bit
	}
}

const (
	lenMask          = 1<<11 - 1
	roundtripBit     = 14
	lastindicatorBit = 15
)

type CommandType uint8

func (ct CommandType) String() string {
	if cts, ok := commandTypeName[ct]; ok {
		return cts
	}
	return fmt.Sprintf("CommandType(%d)", uint(ct))
}

func (ct CommandType) Valid() bool {
	return ct <= FRMW
}

func (ct CommandType) AddressType() AddressType {
	switch ct {
	case APRD, APWR, APRW, ARMW:
		return Positional
	case FPRD, FPWR, FPRW, FRMW:
		return Fixed
	case BRD, BWR, BRW:
		return Broadcast
	case LRD, LWR, LRW:
		return Logical
	}
	return NoAddress
}

func (ct CommandType) DoesRead() bool {
	switch ct {
	case APRD, APRW, FPRD, FPRW, BRD, BRW, LRD, LRW, ARMW, FRMW:
		return true
	}
	return false
}

func (ct CommandType) DoesWrite() bool {
	switch ct {
	case APWR, APRW, FPWR, FPRW, BWR, BRW, LWR, LRW, ARMW, FRMW:
		return true
	}
	return false
}

const (
	NOP  CommandType = 0
	APRD CommandType = 1
	APWR CommandType = 2
	APRW CommandType = 3
	FPRD CommandType = 4
	FPWR CommandType = 5
	FPRW CommandType = 6
	BRD  CommandType = 7
	BWR  CommandType = 8
	BRW  CommandType = 9
	LRD  CommandType = 10
	LWR  CommandType = 11
	LRW  CommandType = 12
	ARMW CommandType = 13
	FRMW CommandType = 14
)

var commandTypeName = map[CommandType]string{
	NOP:  "NOP",
	APRD: "APRD",
	APWR: "APWR",
	APRW: "APRW",
	FPRD: "FPRD",
	FPWR: "FPWR",
	FPRW: "FPRW",
	BRD:  "BRD",
	BWR:  "BWR",
	BRW:  "BRW",
	LRD:  "LRD",
	LWR:  "LWR",
	LRW:  "LRW",
	ARMW: "ARMW",
	FRMW: "FRMW",
}
