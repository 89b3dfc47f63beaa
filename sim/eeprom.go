package sim

import (
	"github.com/distributed/ecmaster/ecad"
)

const eepromWords = 8 * 1024

// EEPROM models the SII EEPROM behind the ESC registers 0x0500 to 0x050f.
type EEPROM struct {
	Array [eepromWords]uint16

	Addr        uint32
	DataScratch [8]byte // already in wire encoding

	PDIControl         bool
	WriteEnable        bool
	ChecksumError      bool
	EENotLoaded        bool
	MissingAcknowledge bool
	ErrorWriteEnable   bool
	Busy               bool

	// BusyFrames is the number of frames a command keeps the interface
	// busy.
	BusyFrames int

	busyIn int
	cmd    uint8
}

// NewEEPROM returns an EEPROM holding words at address 0. The rest reads
// as 0xffff, the erased state.
func NewEEPROM(words []uint16) *EEPROM {
	ee := &EEPROM{BusyFrames: 2}

	for i := range ee.Array {
		ee.Array[i] = 0xffff
	}
	copy(ee.Array[:], words)

	return ee
}

func (ee *EEPROM) Reg() *EEPROMRegisterSet {
	return &EEPROMRegisterSet{ee}
}

type EEPROMRegisterSet struct{ *EEPROM }

func (ee *EEPROMRegisterSet) Read(offs uint16, dp *uint8) bool {
	*dp = 0
	switch offs {
	case 0:
		if ee.PDIControl {
			*dp = 0x01
		}
	case 1:
	case 2:
		if ee.WriteEnable {
			*dp |= 0x01
		}
		*dp |= 0x60 // 8 byte reads, 2 address bytes
	case 3:
		status := uint16(0)
		if ee.ChecksumError {
			status |= ecad.EEPROMChecksumErr
		}
		if ee.EENotLoaded {
			status |= ecad.EEPROMNotLoaded
		}
		if ee.MissingAcknowledge {
			status |= ecad.EEPROMMissingAck
		}
		if ee.ErrorWriteEnable {
			status |= ecad.EEPROMWriteEnErr
		}
		if ee.Busy {
			status |= ecad.EEPROMBusy
		}
		*dp = uint8(status>>8) | ee.cmd
	case 4, 5, 6, 7:
		*dp = uint8(ee.Addr >> (8 * (offs - 4)))
	default:
		if offs >= 8 && offs < 16 {
			*dp = ee.DataScratch[offs-8]
		}
	}

	return true
}

// WriteInteract refuses control and data writes while busy or owned by
// the PDI.
func (ee *EEPROMRegisterSet) WriteInteract(offs uint16) bool {
	if offs < 2 {
		return true
	}
	return !ee.Busy && !ee.PDIControl
}

func (ee *EEPROMRegisterSet) Latch(shadow []byte, mask []bool) {
	if mask[0] {
		ee.PDIControl = shadow[0]&0x01 != 0
	}
	// pdi access state at offset 1 is not modeled

	if ee.Busy || ee.PDIControl {
		return
	}

	if mask[2] {
		ee.WriteEnable = shadow[2]&0x01 != 0
	}

	for offs := 4; offs < 8; offs++ {
		if mask[offs] {
			shift := 8 * uint(offs-4)
			ee.Addr &^= 0xff << shift
			ee.Addr |= uint32(shadow[offs]) << shift
		}
	}

	for offs := 8; offs < 16; offs++ {
		if mask[offs] {
			ee.DataScratch[offs-8] = shadow[offs]
		}
	}

	if mask[3] {
		ee.command(shadow[3] & 0x07)
	}
}

func (ee *EEPROM) command(cmd uint8) {
	switch cmd {
	case 0x00:
		ee.ChecksumError = false
		ee.MissingAcknowledge = false
		ee.ErrorWriteEnable = false
		return
	case 0x01:
		ee.readIntoScratch()
	case 0x02:
		if !ee.WriteEnable {
			ee.ErrorWriteEnable = true
			return
		}
		ee.Array[int(ee.Addr)%len(ee.Array)] = uint16(ee.DataScratch[0]) | uint16(ee.DataScratch[1])<<8
	case 0x04:
		// reload only touches ESC configuration, which is not modeled
	default:
		ee.MissingAcknowledge = true
		return
	}

	ee.WriteEnable = false
	if ee.BusyFrames > 0 {
		ee.Busy = true
		ee.busyIn = ee.BusyFrames
		ee.cmd = cmd
	}
}

func (ee *EEPROM) tick() {
	if !ee.Busy {
		return
	}
	ee.busyIn--
	if ee.busyIn <= 0 {
		ee.Busy = false
		ee.cmd = 0
	}
}

func (ee *EEPROM) readIntoScratch() {
	for i := 0; i < 4; i++ {
		w16 := ee.Array[(int(ee.Addr)+i)%len(ee.Array)]
		ee.DataScratch[i*2] = uint8(w16)
		ee.DataScratch[i*2+1] = uint8(w16 >> 8)
	}
}
