package raweni

import (
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
)

const esi = `<?xml version="1.0" encoding="ISO-8859-1"?>
<EtherCATInfo>
  <Vendor>
    <Id>#x00000002</Id>
    <Name>Beckhoff Automation GmbH</Name>
  </Vendor>
  <Descriptions>
    <Groups>
      <Group>
        <Type>AnaIn</Type>
        <Name LcId="1033">Analog Input Terminals</Name>
      </Group>
    </Groups>
    <Devices>
      <Device>
        <Type ProductCode="#x0c1e3052" RevisionNo="#x00100000">EL3102</Type>
        <Name LcId="1031">EL3102 2K. Ana. Eingang +/-10V</Name>
        <Name LcId="1033">EL3102 2Ch. Ana. Input +/-10V</Name>
        <Mailbox>
          <CoE SdoInfo="true"/>
        </Mailbox>
        <Sm MinSize="34" MaxSize="192" DefaultSize="128" StartAddress="#x1000" ControlByte="#x26" Enable="1">MBoxOut</Sm>
        <Sm MinSize="34" MaxSize="192" DefaultSize="128" StartAddress="#x1080" ControlByte="#x22" Enable="1">MBoxIn</Sm>
        <Eeprom>
          <ByteSize>2048</ByteSize>
          <ConfigData>050c03cc0a00</ConfigData>
        </Eeprom>
      </Device>
      <Device>
        <Type ProductCode="#x03ec3052" RevisionNo="#x00100000">EL1004</Type>
        <Name LcId="1033">EL1004 4Ch. Dig. Input 24V, 3ms</Name>
      </Device>
    </Devices>
  </Descriptions>
</EtherCATInfo>
`

func TestReadEtherCATInfo(t *testing.T) {
	eci, err := ReadEtherCATInfo(strings.NewReader(esi))
	if err != nil {
		t.Fatalf("ReadEtherCATInfo: %v", err)
	}

	if eci.Vendor.Id() != 2 {
		t.Errorf("vendor id %#x", eci.Vendor.Id())
	}
	if len(eci.Descriptions.Groups) != 1 || len(eci.Descriptions.Devices) != 2 {
		t.Fatalf("descriptions %s", spew.Sdump(eci.Descriptions))
	}

	d := eci.Descriptions.Devices[0]
	if d.Name() != "EL3102 2Ch. Ana. Input +/-10V" {
		t.Errorf("name %q", d.Name())
	}
	if !d.Mailbox.SupportsCoE() {
		t.Errorf("EL3102 should support CoE")
	}
	if len(d.Sms) != 2 || d.Sms[0].StartAddress() != 0x1000 || d.Sms[1].ControlByte() != 0x22 || d.Sms[0].DefaultSize != 128 {
		t.Errorf("sync managers %s", spew.Sdump(d.Sms))
	}
	if d.Eeprom.ByteSize != 2048 {
		t.Errorf("eeprom size %d", d.Eeprom.ByteSize)
	}

	if eci.Descriptions.Devices[1].Mailbox.SupportsCoE() {
		t.Errorf("EL1004 has no mailbox")
	}
}

func TestFind(t *testing.T) {
	eci, err := ReadEtherCATInfo(strings.NewReader(esi))
	if err != nil {
		t.Fatalf("ReadEtherCATInfo: %v", err)
	}

	cases := []struct {
		vendor, product, revision uint32
		found                     string
	}{
		{2, 0x0c1e3052, 0x00100000, "EL3102"},
		{2, 0x0c1e3052, 0, "EL3102"},
		{2, 0x03ec3052, 0, "EL1004"},
		{2, 0x0c1e3052, 0x00110000, ""},
		{3, 0x0c1e3052, 0, ""},
	}

	for _, c := range cases {
		d, ok := eci.Find(c.vendor, c.product, c.revision)
		if ok != (c.found != "") || ok && d.Type.Name != c.found {
			t.Errorf("Find(%#x, %#x, %#x) = %q, %v; expected %q", c.vendor, c.product, c.revision, d.Type.Name, ok, c.found)
		}
	}
}

func TestBh2i(t *testing.T) {
	cases := map[string]uint64{
		"#x1000": 0x1000,
		"4096":   4096,
		" #x26 ": 0x26,
		"#xzz":   0,
		"":       0,
	}
	for in, expected := range cases {
		if n := bh2i(in); n != expected {
			t.Errorf("bh2i(%q) = %d, expected %d", in, n, expected)
		}
	}
}
