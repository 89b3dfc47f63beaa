package ecfr

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"
)

func TestLenWordPacking(t *testing.T) {
	type lenWordCase struct {
		length int
		more   bool
		cyc    bool
		packed []byte
	}

	cases := []lenWordCase{
		{0x110, true, false, []byte{0x10, 0x81}},
		{1036, false, false, []byte{0x0c, 0x04}},
		{2, false, true, []byte{0x02, 0x40}},
		{MaxDataLength, true, true, []byte{0xff, 0xc7}},
	}

	for i, c := range cases {
		var dh DatagramHeader
		dh.SetDataLen(c.length)
		dh.SetLast(!c.more)
		dh.SetRoundtrip(c.cyc)

		b := make([]byte, DatagramHeaderLength)
		if _, err := dh.Commit(b); err != nil {
			t.Fatalf("case %d: Commit failed: %v", i, err)
		}
		if !bytes.Equal(b[6:8], c.packed) {
			t.Fatalf("case %d: len word packed as % x, want % x", i, b[6:8], c.packed)
		}

		var back DatagramHeader
		if _, err := back.Overlay(b); err != nil {
			t.Fatalf("case %d: Overlay failed: %v", i, err)
		}
		if int(back.DataLength()) != c.length || back.More() != c.more || back.Roundtrip() != c.cyc {
			t.Fatalf("case %d: decoded len %d more %v cyc %v", i, back.DataLength(), back.More(), back.Roundtrip())
		}
	}
}

func TestDatagramHeaderLayout(t *testing.T) {
	dh := DatagramHeader{
		Command:   FPWR,
		Index:     0x42,
		Addr32:    FixedAddress(0x1001, 0x0120).Addr32(),
		Interrupt: 0xbeef,
	}
	dh.SetDataLen(2)

	b := make([]byte, DatagramHeaderLength)
	if _, err := dh.Commit(b); err != nil {
		t.Fatal(err)
	}

	want := []byte{0x05, 0x42, 0x01, 0x10, 0x20, 0x01, 0x02, 0x00, 0xef, 0xbe}
	if !bytes.Equal(b, want) {
		t.Fatalf("header encoded as % x, want % x", b, want)
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	headers := []DatagramHeader{
		{Command: NOP},
		{Command: APRD, Index: 1, Addr32: PositionalAddress(3, 0x0130).Addr32()},
		{Command: BRW, Index: 255, Addr32: BroadcastAddress(0x0000).Addr32(), Interrupt: 0xffff},
		{Command: LRW, Index: 17, Addr32: 0xdeadbeef, LenWord: 0x3800},
		{Command: FRMW, Index: 0x80, Addr32: FixedAddress(0xffff, 0xffff).Addr32()},
	}

	for i, h := range headers {
		dg := Datagram{DatagramHeader: h, Data: []byte{1, 2, 3, byte(i)}, WorkingCounter: uint16(i * 3)}
		b := make([]byte, dg.ByteLen())
		rest, err := dg.Commit(b)
		if err != nil {
			t.Fatalf("case %d: Commit failed: %v", i, err)
		}
		if len(rest) != 0 {
			t.Fatalf("case %d: Commit left %d bytes", i, len(rest))
		}

		var back Datagram
		rest, err = back.Overlay(b)
		if err != nil {
			t.Fatalf("case %d: Overlay failed: %v", i, err)
		}
		if len(rest) != 0 {
			t.Fatalf("case %d: Overlay left %d bytes", i, len(rest))
		}

		if !reflect.DeepEqual(dg, back) {
			spew.Dump(dg)
			spew.Dump(back)
			t.Fatalf("case %d: round trip mismatch", i)
		}
	}
}

func TestDatagramDecodeErrors(t *testing.T) {
	if _, err := new(DatagramHeader).Overlay([]byte{0x01, 0x00, 0x00}); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("short header: expected ErrMalformedFrame, got %v", err)
	}

	b := []byte{0x0f, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	_, err := new(DatagramHeader).Overlay(b)
	var uce UnknownCommandError
	if !errors.As(err, &uce) || uce.Code != 0x0f {
		t.Fatalf("command 0x0f: expected UnknownCommandError, got %v", err)
	}
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("UnknownCommandError should wrap ErrUnknownCommand")
	}

	// header announces 4 bytes of data but only 2 follow
	b = []byte{0x04, 0, 0, 0, 0, 0, 0x04, 0, 0, 0, 0xaa, 0xbb}
	if _, err := new(Datagram).Overlay(b); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("short data: expected ErrMalformedFrame, got %v", err)
	}

	// data present, working counter missing
	b = []byte{0x04, 0, 0, 0, 0, 0, 0x02, 0, 0, 0, 0xaa, 0xbb, 0x01}
	if _, err := new(Datagram).Overlay(b); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("missing wkc: expected ErrMalformedFrame, got %v", err)
	}
}

func TestCommandAddressing(t *testing.T) {
	for ct := NOP; ct <= FRMW; ct++ {
		at := ct.AddressType()
		var a DatagramAddress
		switch at {
		case Positional:
			a = PositionalAddress(0, 0)
		case Fixed:
			a = FixedAddress(0, 0)
		case Broadcast:
			a = BroadcastAddress(0)
		case Logical:
			a = LogicalAddress(0)
		default:
			continue
		}

		var want CommandType
		switch {
		case ct == ARMW || ct == FRMW:
			continue
		case ct.DoesRead() && ct.DoesWrite():
			want = a.ReadWriteCommand()
		case ct.DoesRead():
			want = a.ReadCommand()
		default:
			want = a.WriteCommand()
		}
		if want != ct {
			t.Errorf("%v: address type %v maps back to %v", ct, at, want)
		}
	}
}

func TestPositionalAddressIncrement(t *testing.T) {
	a := PositionalAddress(2, 0x0130)
	if a.PositionOrAddress() != 0xfffe {
		t.Fatalf("position 2 should be sent as 0xfffe, got %#04x", a.PositionOrAddress())
	}

	a.IncrementSlaveAddr()
	a.IncrementSlaveAddr()
	if a.PositionOrAddress() != 0 {
		t.Fatalf("after two slaves ADP should be 0, got %#04x", a.PositionOrAddress())
	}
	if a.Offset() != 0x0130 {
		t.Fatalf("increment must not touch ADO, got %#04x", a.Offset())
	}
}
