package pcap

import (
	"net"
	"testing"

	"github.com/distributed/ecmaster/ecfr"
)

func TestReturned(t *testing.T) {
	payload := []byte{0x0c, 0x10, 0x07, 0x00, 0x00, 0x00, 0x30, 0x01, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00}

	own, err := ecfr.EncodeETHFrame(nil, ecfr.MasterMAC, payload)
	if err != nil {
		t.Fatal(err)
	}
	back, err := ecfr.EncodeETHFrame(nil, net.HardwareAddr{0x12, 0x10, 0x10, 0x10, 0x10, 0x10}, payload)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name  string
		data  []byte
		match bool
	}{
		{"sent by master", own, false},
		{"returned from ring", back, true},
		{"truncated", back[:10], false},
	}
	for _, c := range cases {
		if returned(c.data) != c.match {
			t.Errorf("%s: returned = %v", c.name, !c.match)
		}
	}
}
