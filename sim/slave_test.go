package sim

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/davecgh/go-spew/spew"

	"github.com/distributed/ecmaster/ecad"
	"github.com/distributed/ecmaster/ecfr"
)

func datagram(ct ecfr.CommandType, addr ecfr.DatagramAddress, data []byte) ecfr.Datagram {
	dg := ecfr.Datagram{Data: append([]byte(nil), data...)}
	dg.Command = ct
	dg.Addr32 = addr.Addr32()
	return dg
}

// pass runs the datagrams once around the slaves and returns them.
func pass(slaves []*Slave, dgs ...ecfr.Datagram) []ecfr.Datagram {
	f := ecfr.Frame{Datagrams: dgs}
	for _, s := range slaves {
		s.ProcessFrame(&f)
	}
	return f.Datagrams
}

func ring(n int) []*Slave {
	var slaves []*Slave
	for i := 0; i < n; i++ {
		slaves = append(slaves, NewSlave(DeviceInfo{VendorID: 2, ProductCode: uint32(i)}))
	}
	return slaves
}

func TestWorkingCounter(t *testing.T) {
	type testCase struct {
		name string
		dg   ecfr.Datagram
		wkc  uint16
	}

	cases := []testCase{
		{"BRD counts every slave", datagram(ecfr.BRD, ecfr.BroadcastAddress(ecad.Type), []byte{0}), 3},
		{"BWR counts every slave", datagram(ecfr.BWR, ecfr.BroadcastAddress(0x0600), []byte{0}), 3},
		{"APRD hits one slave", datagram(ecfr.APRD, ecfr.PositionalAddress(1, ecad.Type), []byte{0}), 1},
		{"APRD past the end", datagram(ecfr.APRD, ecfr.PositionalAddress(3, ecad.Type), []byte{0}), 0},
		{"APRW reads and writes", datagram(ecfr.APRW, ecfr.PositionalAddress(2, 0x0600), []byte{0}), 3},
		{"BRW on every slave", datagram(ecfr.BRW, ecfr.BroadcastAddress(0x0600), []byte{0}), 9},
		{"ARMW reads once writes elsewhere", datagram(ecfr.ARMW, ecfr.PositionalAddress(0, 0x0910), []byte{0, 0}), 3},
		{"FPRD unknown station", datagram(ecfr.FPRD, ecfr.FixedAddress(0x1234, ecad.Type), []byte{0}), 0},
		{"logical is ignored", datagram(ecfr.LRD, ecfr.LogicalAddress(0x10000), []byte{0}), 0},
	}

	for _, c := range cases {
		out := pass(ring(3), c.dg)
		if out[0].WorkingCounter != c.wkc {
			t.Errorf("%s: wkc %d, expected %d\n%s", c.name, out[0].WorkingCounter, c.wkc, spew.Sdump(out[0]))
		}
	}
}

func TestPositionalAddressIncremented(t *testing.T) {
	out := pass(ring(2), datagram(ecfr.APRD, ecfr.PositionalAddress(5, ecad.Type), []byte{0}))
	if got := out[0].Address().PositionOrAddress(); got != 0xfffd {
		t.Fatalf("ADP after two slaves is %#04x", got)
	}
}

func TestStationAddress(t *testing.T) {
	slaves := ring(3)

	for pos := uint16(0); pos < 3; pos++ {
		wb := make([]byte, 2)
		binary.LittleEndian.PutUint16(wb, 0x1000+pos)
		out := pass(slaves, datagram(ecfr.APWR, ecfr.PositionalAddress(pos, ecad.ConfiguredStationAddress), wb))
		if out[0].WorkingCounter != 1 {
			t.Fatalf("APWR at %d wkc %d", pos, out[0].WorkingCounter)
		}
	}

	for pos, s := range slaves {
		if s.Station.Address != 0x1000+uint16(pos) {
			t.Errorf("slave %d has station address %#04x", pos, s.Station.Address)
		}
	}

	out := pass(slaves, datagram(ecfr.FPRD, ecfr.FixedAddress(0x1001, ecad.Type), []byte{0}))
	if out[0].WorkingCounter != 1 || out[0].Data[0] != 0x11 {
		t.Fatalf("FPRD on assigned station: %s", spew.Sdump(out[0]))
	}

	// FRMW: the addressed slave reads, the others take the value
	out = pass(slaves, datagram(ecfr.FRMW, ecfr.FixedAddress(0x1002, 0x0600), []byte{0}))
	if out[0].WorkingCounter != 3 {
		t.Fatalf("FRMW wkc %d", out[0].WorkingCounter)
	}
}

func writeControl(slaves []*Slave, pos uint16, v uint8) ecfr.Datagram {
	return pass(slaves, datagram(ecfr.APWR, ecfr.PositionalAddress(pos, ecad.ALControl), []byte{v, 0}))[0]
}

func readStatus(slaves []*Slave, pos uint16) (status, code uint16) {
	out := pass(slaves, datagram(ecfr.APRD, ecfr.PositionalAddress(pos, ecad.ALStatus), make([]byte, 6)))
	return binary.LittleEndian.Uint16(out[0].Data), binary.LittleEndian.Uint16(out[0].Data[4:])
}

func TestALStateChanges(t *testing.T) {
	slaves := ring(1)

	if st, _ := readStatus(slaves, 0); st != StateInit {
		t.Fatalf("initial status %#04x", st)
	}

	writeControl(slaves, 0, StatePreOp)
	if st, _ := readStatus(slaves, 0); st != StatePreOp {
		t.Fatalf("status after PreOp request %#04x", st)
	}

	// PreOp to Op skips SafeOp
	writeControl(slaves, 0, StateOp)
	st, code := readStatus(slaves, 0)
	if st != StatePreOp|ecad.ALErrorFlag || code != CodeInvalidStateChange {
		t.Fatalf("invalid change: status %#04x code %#04x", st, code)
	}

	// requests without acknowledge are ignored while in error
	writeControl(slaves, 0, StateSafeOp)
	if st, _ := readStatus(slaves, 0); st != StatePreOp|ecad.ALErrorFlag {
		t.Fatalf("unacknowledged request changed status to %#04x", st)
	}

	writeControl(slaves, 0, StateSafeOp|ecad.ALErrorFlag)
	st, code = readStatus(slaves, 0)
	if st != StateSafeOp || code != CodeNoError {
		t.Fatalf("acknowledged request: status %#04x code %#04x", st, code)
	}

	expected := []uint8{StatePreOp, StateSafeOp}
	if !bytes.Equal(slaves[0].ALStatusControl.Transitions, expected) {
		t.Fatalf("transitions %v, expected %v", slaves[0].ALStatusControl.Transitions, expected)
	}
}

func TestALDelay(t *testing.T) {
	slaves := ring(1)
	slaves[0].ALStatusControl.Delay = 2

	writeControl(slaves, 0, StatePreOp)
	if st, _ := readStatus(slaves, 0); st != StateInit {
		t.Fatalf("delayed change visible after one frame, status %#04x", st)
	}
	if st, _ := readStatus(slaves, 0); st != StatePreOp {
		t.Fatalf("delayed change not visible, status %#04x", st)
	}
}

func TestPreOpNeedsMailbox(t *testing.T) {
	slaves := []*Slave{NewSlave(DefaultMailboxInfo(2, 0x1234))}

	writeControl(slaves, 0, StatePreOp)
	st, code := readStatus(slaves, 0)
	if st != StateInit|ecad.ALErrorFlag || code != CodeInvalidMailboxConfig {
		t.Fatalf("PreOp without mailbox: status %#04x code %#04x", st, code)
	}

	setupMailbox(slaves, 0)

	writeControl(slaves, 0, StatePreOp|ecad.ALErrorFlag)
	if st, _ := readStatus(slaves, 0); st != StatePreOp {
		t.Fatalf("PreOp with mailbox: status %#04x", st)
	}
}

func setupMailbox(slaves []*Slave, pos uint16) {
	info := slaves[pos].Info
	for i, w := range []MailboxWindow{info.RxMailbox, info.TxMailbox} {
		b := make([]byte, ecad.SyncManagerChannelLen)
		binary.LittleEndian.PutUint16(b, w.Offset)
		binary.LittleEndian.PutUint16(b[2:], w.Size)
		b[ecad.SyncManagerControlOffset] = ecad.MailboxReadControl
		if i == 0 {
			b[ecad.SyncManagerControlOffset] = ecad.MailboxWriteControl
		}
		b[ecad.SyncManagerActivateOffset] = ecad.SMActivateEnable
		pass(slaves, datagram(ecfr.APWR, ecfr.PositionalAddress(pos, ecad.SyncManager(uint8(i))), b))
	}
}

func TestEEPROMRead(t *testing.T) {
	slaves := []*Slave{NewSlave(DeviceInfo{VendorID: 0x00000002, ProductCode: 0x044c2c52})}
	slaves[0].EEPROM.BusyFrames = 3
	at := func(offs uint16) ecfr.DatagramAddress { return ecfr.PositionalAddress(0, offs) }

	pass(slaves, datagram(ecfr.APWR, at(ecad.EEPROMAddress), []byte{0x0a, 0, 0, 0}))
	out := pass(slaves, datagram(ecfr.APWR, at(ecad.EEPROMControlStatus), []byte{0x00, 0x01}))
	if out[0].WorkingCounter != 1 {
		t.Fatalf("read command wkc %d", out[0].WorkingCounter)
	}

	out = pass(slaves, datagram(ecfr.APRD, at(ecad.EEPROMControlStatus), []byte{0, 0}))
	if binary.LittleEndian.Uint16(out[0].Data)&ecad.EEPROMBusy == 0 {
		t.Fatalf("interface not busy after command")
	}

	// commands are refused while busy
	out = pass(slaves, datagram(ecfr.APWR, at(ecad.EEPROMControlStatus), []byte{0x00, 0x01}))
	if out[0].WorkingCounter != 0 {
		t.Fatalf("command accepted while busy")
	}

	out = pass(slaves, datagram(ecfr.APRD, at(ecad.EEPROMControlStatus), []byte{0, 0}))
	if binary.LittleEndian.Uint16(out[0].Data)&ecad.EEPROMBusy != 0 {
		t.Fatalf("interface still busy")
	}

	out = pass(slaves, datagram(ecfr.APRD, at(ecad.EEPROMData), make([]byte, 4)))
	if !bytes.Equal(out[0].Data, []byte{0x52, 0x2c, 0x4c, 0x04}) {
		t.Fatalf("product code words read as % x", out[0].Data)
	}
}

func TestEEPROMWriteNeedsEnable(t *testing.T) {
	slaves := ring(1)
	at := func(offs uint16) ecfr.DatagramAddress { return ecfr.PositionalAddress(0, offs) }
	ee := slaves[0].EEPROM

	pass(slaves, datagram(ecfr.APWR, at(ecad.EEPROMAddress), []byte{0x40, 0, 0, 0}))
	pass(slaves, datagram(ecfr.APWR, at(ecad.EEPROMData), []byte{0x34, 0x12}))
	pass(slaves, datagram(ecfr.APWR, at(ecad.EEPROMControlStatus), []byte{0x00, 0x02}))
	if !ee.ErrorWriteEnable || ee.Array[0x40] != 0xffff {
		t.Fatalf("write without enable: error %v word %#04x", ee.ErrorWriteEnable, ee.Array[0x40])
	}

	pass(slaves, datagram(ecfr.APWR, at(ecad.EEPROMControlStatus), []byte{0x00, 0x00}))
	pass(slaves, datagram(ecfr.APWR, at(ecad.EEPROMControlStatus), []byte{0x01, 0x02}))
	if ee.Array[0x40] != 0x1234 {
		t.Fatalf("word after write %#04x", ee.Array[0x40])
	}
}

func TestAddressLatchKeepsHighBytes(t *testing.T) {
	ee := NewEEPROM(nil)
	reg := ee.Reg()

	shadow := make([]byte, 16)
	mask := make([]bool, 16)
	shadow[7], mask[7] = 0x01, true
	reg.Latch(shadow, mask)
	if ee.Addr != 0x01000000 {
		t.Fatalf("address %#08x", ee.Addr)
	}

	mask[7] = false
	shadow[4], mask[4] = 0x20, true
	reg.Latch(shadow, mask)
	if ee.Addr != 0x01000020 {
		t.Fatalf("address %#08x", ee.Addr)
	}
}
