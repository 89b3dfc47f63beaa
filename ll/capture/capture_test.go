package capture

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/distributed/ecmaster/ecfr"
	"github.com/distributed/ecmaster/ecmd"
	"github.com/distributed/ecmaster/sim"
)

func TestRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	rec, err := New(sim.NewBus(sim.NewSlave(sim.DeviceInfo{})), &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l := ecmd.New(rec)
	r := ecmd.NewRunner(l, time.Millisecond)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err = ecmd.ExecuteRead(ctx, l, ecfr.PositionalAddress(0, 0x0000), 4, 1); err != nil {
		t.Fatalf("read: %v", err)
	}
	r.Close()

	if rec.Count() < 2 {
		t.Fatalf("recorded %d frames", rec.Count())
	}

	pr, err := pcapgo.NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if pr.LinkType() != layers.LinkTypeEthernet {
		t.Fatalf("link type %v", pr.LinkType())
	}

	var n int
	var eth layers.Ethernet
	for {
		data, _, err := pr.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadPacketData: %v", err)
		}
		if err = eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			t.Fatalf("decode packet %d: %v", n, err)
		}
		if eth.EthernetType != layers.EthernetType(ecfr.EtherType) {
			t.Fatalf("packet %d has ethertype %v", n, eth.EthernetType)
		}
		n++
	}
	if n != rec.Count() {
		t.Fatalf("read %d packets, recorded %d", n, rec.Count())
	}
}

func TestCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.pcap")
	rec, err := Create(sim.NewBus(), path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	frame, err := ecfr.EncodeETHFrame(nil, ecfr.MasterMAC, []byte{0x00, 0x10})
	if err != nil {
		t.Fatal(err)
	}
	if err = rec.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err = rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	// file header plus one record header and frame
	if expected := int64(24 + 16 + len(frame)); fi.Size() != expected {
		t.Fatalf("file has %d bytes, expected %d", fi.Size(), expected)
	}
}
