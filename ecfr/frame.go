package ecfr

import (
	"errors"
	"fmt"
)

const (
	FrameOverheadLen = FrameHeaderLength

	// MaxDatagramsLen is the room for datagrams in a frame carried by a
	// standard 1500 byte Ethernet payload.
	MaxDatagramsLen = 1500 - FrameOverheadLen
)

type Frame struct {
	Header    Header
	Datagrams []Datagram
}

// Overlay decodes a frame from d. Datagram data aliases d. The Datagrams
// slice is reused, so a Frame can be overlaid repeatedly without
// allocating once it has grown to the largest datagram count seen.
func (f *Frame) Overlay(d []byte) (b []byte, err error) {
	f.Datagrams = f.Datagrams[:0]

	b, err = f.Header.Overlay(d)
	if err != nil {
		return
	}

	if f.Header.Type() != TypePDU {
		err = malformed("frame type %d is not a PDU frame", f.Header.Type())
		return
	}

	dgbl := int(f.Header.FrameLength())
	if dgbl > len(b) {
		err = malformed("frame expected %d bytes, only have %d", dgbl, len(b))
		return
	}

	rest := b[dgbl:]
	b = b[:dgbl]

	for {
		var dg Datagram
		b, err = dg.Overlay(b)
		if err != nil {
			return
		}
		f.Datagrams = append(f.Datagrams, dg)

		if dg.Last() {
			break
		}
		if len(b) == 0 {
			err = malformed("datagram %d announces a successor past the frame end", len(f.Datagrams)-1)
			return
		}
	}

	b = rest
	return
}

// Commit encodes the frame into d and returns the encoded bytes. The header
// length is computed and the more-follows flag is set on every datagram but
// the last, so the order of Datagrams is the order on the wire.
func (f *Frame) Commit(d []byte) (e []byte, err error) {
	if len(f.Datagrams) == 0 {
		err = errors.New("ecat frame needs at least one datagram")
		return
	}

	clen := f.ByteLen()
	if clen-FrameOverheadLen > MaxDataLength {
		err = fmt.Errorf("datagrams too long for frame header, need %d, maximum %d", clen-FrameOverheadLen, MaxDataLength)
		return
	}
	if clen > len(d) {
		err = fmt.Errorf("%w: datagrams too long for frame, need %d, have %d", ErrBufferTooSmall, clen, len(d))
		return
	}

	f.Header.SetFrameLength(clen - FrameOverheadLen)
	if f.Header.Type() == 0 {
		f.Header.SetType(TypePDU)
	}

	b, err := f.Header.Commit(d)
	if err != nil {
		return
	}

	for i := range f.Datagrams {
		f.Datagrams[i].SetLast(i == len(f.Datagrams)-1)
		b, err = f.Datagrams[i].Commit(b)
		if err != nil {
			return
		}
	}

	e = d[:clen]
	return
}

func (f *Frame) ByteLen() int {
	clen := FrameOverheadLen
	for i := range f.Datagrams {
		clen += f.Datagrams[i].ByteLen()
	}
	return clen
}

func (f *Frame) MultilineSummary() string {
	s := fmt.Sprintf("frame len %d type %d, %d datagrams\n", f.Header.FrameLength(), f.Header.Type(), len(f.Datagrams))
	for i := range f.Datagrams {
		s += "  " + f.Datagrams[i].Summary() + "\n"
	}
	return s
}
