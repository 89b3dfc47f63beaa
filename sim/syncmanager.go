package sim

import (
	"encoding/binary"

	"github.com/distributed/ecmaster/ecad"
)

// SyncManager is one sync manager channel used as a mailbox buffer.
type SyncManager struct {
	Start   uint16
	Length  uint16
	Control uint8
	Enabled bool

	// Full is the mailbox state: written by the master and not yet
	// taken by the slave for write mailboxes, written by the slave and
	// not yet read by the master for read mailboxes.
	Full bool
}

func (sm *SyncManager) mailbox() bool {
	return sm.Enabled && sm.Length > 0 && sm.Control&0x03 == ecad.SMControlModeMailbox
}

// masterWrites reports whether the master writes the buffer.
func (sm *SyncManager) masterWrites() bool {
	return sm.Control&ecad.SMControlDirectionWrite != 0
}

func (sm *SyncManager) contains(addr uint16) bool {
	return addr >= sm.Start && uint32(addr) < uint32(sm.Start)+uint32(sm.Length)
}

func (sm *SyncManager) last(addr uint16) bool {
	return uint32(addr) == uint32(sm.Start)+uint32(sm.Length)-1
}

// SyncManagerRegisterSet maps the configuration registers of a number of
// channels starting at 0x0800.
type SyncManagerRegisterSet struct {
	Channels []SyncManager
}

func (r *SyncManagerRegisterSet) Read(offs uint16, dp *uint8) bool {
	sm := &r.Channels[offs/ecad.SyncManagerChannelLen]
	var b [ecad.SyncManagerChannelLen]byte
	binary.LittleEndian.PutUint16(b[ecad.SyncManagerPhysStartAddrOffset:], sm.Start)
	binary.LittleEndian.PutUint16(b[ecad.SyncManagerLengthOffset:], sm.Length)
	b[ecad.SyncManagerControlOffset] = sm.Control
	if sm.Full {
		b[ecad.SyncManagerStatusOffset] = ecad.SMStatusMailboxFull
	}
	if sm.Enabled {
		b[ecad.SyncManagerActivateOffset] = ecad.SMActivateEnable
	}
	*dp = b[offs%ecad.SyncManagerChannelLen]
	return true
}

// WriteInteract accepts all writes. Writes to the status byte are
// ignored on latch.
func (r *SyncManagerRegisterSet) WriteInteract(offs uint16) bool { return true }

func (r *SyncManagerRegisterSet) Latch(shadow []byte, mask []bool) {
	for i := range r.Channels {
		sm := &r.Channels[i]
		base := i * ecad.SyncManagerChannelLen
		s := shadow[base : base+ecad.SyncManagerChannelLen]
		m := mask[base : base+ecad.SyncManagerChannelLen]

		if m[0] || m[1] {
			sm.Start = binary.LittleEndian.Uint16(s[ecad.SyncManagerPhysStartAddrOffset:])
		}
		if m[2] || m[3] {
			sm.Length = binary.LittleEndian.Uint16(s[ecad.SyncManagerLengthOffset:])
		}
		if m[ecad.SyncManagerControlOffset] {
			sm.Control = s[ecad.SyncManagerControlOffset]
		}
		if m[ecad.SyncManagerActivateOffset] {
			enabled := s[ecad.SyncManagerActivateOffset]&ecad.SMActivateEnable != 0
			if !enabled {
				sm.Full = false
			}
			sm.Enabled = enabled
		}
	}
}
