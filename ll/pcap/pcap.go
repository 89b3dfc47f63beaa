// Package pcap exchanges EtherCAT frames on a raw Ethernet interface
// through libpcap.
package pcap

import (
	"fmt"
	"time"

	gpcap "github.com/google/gopacket/pcap"

	"github.com/distributed/ecmaster/ecfr"
	"github.com/distributed/ecmaster/eclog"
	"github.com/distributed/ecmaster/ecmd"
)

const (
	snaplen = 1600

	// read timeout of the handle; Receive polls in steps of this
	pollTimeout = time.Millisecond

	filter = "ether proto 0x88a4"
)

// Transport implements ecmd.Transport on a pcap handle. Frames the master
// sent itself are skipped on receive.
type Transport struct {
	h *gpcap.Handle
}

var _ ecmd.Transport = (*Transport)(nil)

// Open activates a live capture on iface filtered to EtherCAT frames.
func Open(iface string) (*Transport, error) {
	ih, err := gpcap.NewInactiveHandle(iface)
	if err != nil {
		return nil, fmt.Errorf("pcap: open %s: %w", iface, err)
	}
	defer ih.CleanUp()

	for _, set := range []func() error{
		func() error { return ih.SetSnapLen(snaplen) },
		func() error { return ih.SetPromisc(true) },
		func() error { return ih.SetTimeout(pollTimeout) },
		func() error { return ih.SetImmediateMode(true) },
	} {
		if err = set(); err != nil {
			return nil, fmt.Errorf("pcap: configure %s: %w", iface, err)
		}
	}

	h, err := ih.Activate()
	if err != nil {
		return nil, fmt.Errorf("pcap: activate %s: %w", iface, err)
	}

	if err = h.SetBPFFilter(filter); err != nil {
		h.Close()
		return nil, fmt.Errorf("pcap: set BPF filter: %w", err)
	}
	if err = h.SetDirection(gpcap.DirectionIn); err != nil {
		// not available everywhere, own frames are filtered by address
		eclog.LogDebug(eclog.ComponentLink, "pcap direction filter unavailable", "interface", iface, "error", err)
	}

	eclog.LogInfo(eclog.ComponentLink, "pcap transport open", "interface", iface)
	return &Transport{h: h}, nil
}

func (t *Transport) Send(frame []byte) error {
	return t.h.WritePacketData(frame)
}

func (t *Transport) Receive(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		data, _, err := t.h.ReadPacketData()
		switch {
		case err == nil:
			if returned(data) {
				return data, nil
			}
		case err == gpcap.NextErrorTimeoutExpired:
		default:
			return nil, err
		}

		if !time.Now().Before(deadline) {
			return nil, ecmd.ErrNoFrame
		}
	}
}

// returned reports whether data is an EtherCAT frame that went through
// the ring, as opposed to a copy of one we sent.
func returned(data []byte) bool {
	ef, err := ecfr.DecodeETHFrame(data)
	return err == nil && ef.IsReturned()
}

func (t *Transport) Close() error {
	t.h.Close()
	return nil
}
