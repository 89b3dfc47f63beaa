package sim

// MailboxWindow is the physical memory area of one mailbox direction.
type MailboxWindow struct {
	Offset uint16
	Size   uint16
}

// DeviceInfo is what the simulated SII describes.
type DeviceInfo struct {
	VendorID     uint32
	ProductCode  uint32
	Revision     uint32
	SerialNumber uint32
	StationAlias uint16

	RxMailbox MailboxWindow // master to slave
	TxMailbox MailboxWindow // slave to master
	Protocols uint16
}

// CoE protocol bit of the SII mailbox protocol word.
const protocolCoE = 0x0004

// DefaultMailboxInfo returns a CoE capable device with 128 byte
// mailboxes at 0x1000 and 0x1080.
func DefaultMailboxInfo(vendor, product uint32) DeviceInfo {
	return DeviceInfo{
		VendorID:    vendor,
		ProductCode: product,
		Revision:    1,
		RxMailbox:   MailboxWindow{0x1000, 128},
		TxMailbox:   MailboxWindow{0x1080, 128},
		Protocols:   protocolCoE,
	}
}

func (di DeviceInfo) HasMailbox() bool {
	return di.RxMailbox.Size != 0 && di.TxMailbox.Size != 0
}

// SII returns the EEPROM words up to the first category header.
func (di DeviceInfo) SII() []uint16 {
	w := make([]uint16, 0x40)

	w[0x04] = di.StationAlias
	dword := func(i int, v uint32) {
		w[i] = uint16(v)
		w[i+1] = uint16(v >> 16)
	}
	dword(0x08, di.VendorID)
	dword(0x0a, di.ProductCode)
	dword(0x0c, di.Revision)
	dword(0x0e, di.SerialNumber)

	w[0x18] = di.RxMailbox.Offset
	w[0x19] = di.RxMailbox.Size
	w[0x1a] = di.TxMailbox.Offset
	w[0x1b] = di.TxMailbox.Size
	w[0x1c] = di.Protocols

	// size in KiBit - 1, version 1
	w[0x3e] = 0x0f
	w[0x3f] = 0x01

	// no categories follow
	return append(w, 0xffff)
}
