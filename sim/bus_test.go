package sim

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/distributed/ecmaster/ecad"
	"github.com/distributed/ecmaster/ecfr"
	"github.com/distributed/ecmaster/ecmd"
)

func encode(t *testing.T, dgs ...ecfr.Datagram) []byte {
	t.Helper()
	f := ecfr.Frame{Datagrams: dgs}
	e, err := f.Commit(make([]byte, f.ByteLen()))
	if err != nil {
		t.Fatal(err)
	}
	b, err := ecfr.EncodeETHFrame(nil, ecfr.MasterMAC, e)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func decode(t *testing.T, b []byte) (*ecfr.ETHFrame, *ecfr.Frame) {
	t.Helper()
	ef, err := ecfr.DecodeETHFrame(b)
	if err != nil {
		t.Fatal(err)
	}
	f := new(ecfr.Frame)
	if _, err = f.Overlay(ef.Payload); err != nil {
		t.Fatal(err)
	}
	return ef, f
}

func TestEmptyBusEchoes(t *testing.T) {
	b := NewBus()

	sent := encode(t, datagram(ecfr.BRD, ecfr.BroadcastAddress(0), []byte{1, 2, 3}))
	if err := b.Send(sent); err != nil {
		t.Fatal(err)
	}

	rb, err := b.Receive(0)
	if err != nil {
		t.Fatal(err)
	}
	ef, f := decode(t, rb)
	if !ef.IsReturned() {
		t.Errorf("source %v not marked as returned", ef.Source)
	}
	if !bytes.Equal(f.Datagrams[0].Data, []byte{1, 2, 3}) || f.Datagrams[0].WorkingCounter != 0 {
		t.Errorf("echoed datagram changed: %s", f.Datagrams[0].Summary())
	}

	if _, err = b.Receive(0); !errors.Is(err, ecmd.ErrNoFrame) {
		t.Fatalf("empty queue returned %v", err)
	}
}

func TestBusPassesSlavesInOrder(t *testing.T) {
	b := NewBus(ring(2)...)

	sent := encode(t,
		datagram(ecfr.APWR, ecfr.PositionalAddress(1, ecad.ConfiguredStationAddress), []byte{0x01, 0x10}),
		datagram(ecfr.BRD, ecfr.BroadcastAddress(ecad.Type), []byte{0}))
	if err := b.Send(sent); err != nil {
		t.Fatal(err)
	}
	rb, err := b.Receive(0)
	if err != nil {
		t.Fatal(err)
	}
	_, f := decode(t, rb)

	if len(f.Datagrams) != 2 || f.Datagrams[0].WorkingCounter != 1 || f.Datagrams[1].WorkingCounter != 2 {
		t.Fatalf("unexpected frame\n%s", f.MultilineSummary())
	}
	b.Sync(func() {
		if got := b.Slaves[1].(*Slave).Station.Address; got != 0x1001 {
			t.Errorf("second slave station address %#04x", got)
		}
	})
}

func TestBusDropAndLinkError(t *testing.T) {
	b := NewBus()
	b.Drop = func(n int) bool { return n == 1 }

	sent := encode(t, datagram(ecfr.BRD, ecfr.BroadcastAddress(0), []byte{0}))
	b.Send(sent)
	if _, err := b.Receive(0); !errors.Is(err, ecmd.ErrNoFrame) {
		t.Fatalf("dropped frame returned, err %v", err)
	}
	b.Send(sent)
	if _, err := b.Receive(0); err != nil {
		t.Fatalf("second frame lost: %v", err)
	}
	if b.Sent() != 2 {
		t.Fatalf("sent %d frames", b.Sent())
	}

	linkErr := errors.New("link down")
	b.LinkErr = linkErr
	if err := b.Send(sent); err != linkErr {
		t.Fatalf("send on broken link returned %v", err)
	}
	if _, err := b.Receive(0); err != linkErr {
		t.Fatalf("receive on broken link returned %v", err)
	}
}

func TestBusTrace(t *testing.T) {
	var sb strings.Builder
	b := NewBus()
	b.Trace = &sb

	b.Send(encode(t, datagram(ecfr.FPRD, ecfr.FixedAddress(0x1000, ecad.ALStatus), []byte{0, 0})))
	if !strings.Contains(sb.String(), "Datagrams") {
		t.Fatalf("trace does not dump the frame:\n%s", sb.String())
	}
}
