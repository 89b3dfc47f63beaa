package ecee

import (
	"context"
	"fmt"
)

// SII word addresses.
const (
	WordPDIControl          = 0x0000
	WordStationAlias        = 0x0004
	WordVendorID            = 0x0008
	WordProductCode         = 0x000a
	WordRevisionNumber      = 0x000c
	WordSerialNumber        = 0x000e
	WordBootRxMailboxOff    = 0x0014
	WordBootRxMailboxSize   = 0x0015
	WordBootTxMailboxOff    = 0x0016
	WordBootTxMailboxSize   = 0x0017
	WordStdRxMailboxOff     = 0x0018
	WordStdRxMailboxSize    = 0x0019
	WordStdTxMailboxOff     = 0x001a
	WordStdTxMailboxSize    = 0x001b
	WordMailboxProtocol     = 0x001c
	WordEEPROMSize          = 0x003e
	WordVersion             = 0x003f
	WordFirstCategoryHeader = 0x0040
)

// Mailbox protocol bits of WordMailboxProtocol.
const (
	ProtocolAoE = 0x0001
	ProtocolEoE = 0x0002
	ProtocolCoE = 0x0004
	ProtocolFoE = 0x0008
	ProtocolSoE = 0x0010
	ProtocolVoE = 0x0020
)

// Identity is the device identification from the SII.
type Identity struct {
	VendorID     uint32
	ProductCode  uint32
	Revision     uint32
	SerialNumber uint32
}

func (id Identity) String() string {
	return fmt.Sprintf("vendor %#08x product %#08x rev %#08x serial %d",
		id.VendorID, id.ProductCode, id.Revision, id.SerialNumber)
}

// MailboxLayout is the standard mailbox configuration from the SII. Sizes
// of zero mean the device has no mailbox.
type MailboxLayout struct {
	RxOffset, RxSize uint16 // master to slave
	TxOffset, TxSize uint16 // slave to master
	Protocols        uint16
}

func (ml MailboxLayout) Present() bool {
	return ml.RxSize != 0 && ml.TxSize != 0
}

func (ml MailboxLayout) SupportsCoE() bool {
	return ml.Present() && ml.Protocols&ProtocolCoE != 0
}

// ReadWords reads n consecutive words starting at addr.
func ReadWords(ctx context.Context, ee EEPROM, addr uint32, n int) ([]uint16, error) {
	words := make([]uint16, n)
	for i := range words {
		w, err := ee.ReadWord(ctx, addr+uint32(i))
		if err != nil {
			return nil, fmt.Errorf("ecee: read word %#04x: %w", addr+uint32(i), err)
		}
		words[i] = w
	}
	return words, nil
}

func ReadIdentity(ctx context.Context, ee EEPROM) (id Identity, err error) {
	words, err := ReadWords(ctx, ee, WordVendorID, 8)
	if err != nil {
		return
	}

	dword := func(i int) uint32 { return uint32(words[i]) | uint32(words[i+1])<<16 }
	id.VendorID = dword(0)
	id.ProductCode = dword(2)
	id.Revision = dword(4)
	id.SerialNumber = dword(6)
	return
}

func ReadMailboxLayout(ctx context.Context, ee EEPROM) (ml MailboxLayout, err error) {
	words, err := ReadWords(ctx, ee, WordStdRxMailboxOff, 5)
	if err != nil {
		return
	}

	ml.RxOffset = words[0]
	ml.RxSize = words[1]
	ml.TxOffset = words[2]
	ml.TxSize = words[3]
	ml.Protocols = words[4]
	return
}
