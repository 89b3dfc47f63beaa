package sim

import (
	"github.com/distributed/ecmaster/ecad"
	"github.com/distributed/ecmaster/ecfr"
	"github.com/distributed/ecmaster/eclog"
)

const (
	regAreaLength = 0x1000

	// sync manager channels modeled
	syncManagers = 4
)

// FrameProcessor is a device on the ring. It processes the frame in place.
type FrameProcessor interface {
	ProcessFrame(f *ecfr.Frame)
}

// Slave is a simulated EtherCAT slave controller with an optional CoE
// mailbox.
type Slave struct {
	BackingMemory [1 << 16]byte

	registerShadow          [regAreaLength]byte
	registerShadowWriteMask [regAreaLength]bool

	regMappings []mapping

	Station         *StationAddress
	ALStatusControl *ALStatusControl
	EEPROM          *EEPROM
	SyncManagers    *SyncManagerRegisterSet

	// Info is the identity and mailbox layout the SII was built from.
	Info DeviceInfo

	// CoE answers mailbox requests. It is nil for slaves without a
	// mailbox.
	CoE *CoEServer

	// Check is consulted for AL state changes after the built in checks.
	Check func(from, to uint8) uint16

	// MailboxDelay is the number of frames the slave takes to answer a
	// mailbox request.
	MailboxDelay int

	// Offline slaves pass frames on untouched.
	Offline bool

	mbxPendingIn int
	mbxPending   bool
	mbxReply     []byte
	mbxClear     bool
}

// NewSlave returns a slave in Init whose SII describes info. Slaves with
// a mailbox layout get a CoE server.
func NewSlave(info DeviceInfo) *Slave {
	s := &Slave{Info: info, MailboxDelay: 1}

	// ET1100 signature
	copy(s.BackingMemory[:0x10], []byte{0x11, 0x00, 0x02, 0x00, 0x08, 0x08, 0x08, 0x0b, 0xfc})

	s.Station = &StationAddress{}
	s.regMappings = append(s.regMappings, mapping{ecad.ConfiguredStationAddress, 0x02, s.Station})

	s.ALStatusControl = NewALStatusControl()
	s.ALStatusControl.Check = s.checkTransition
	s.regMappings = append(s.regMappings, mapping{ecad.ALControl, 0x02, s.ALStatusControl.ControlReg()})
	s.regMappings = append(s.regMappings, mapping{ecad.ALStatus, 0x06, s.ALStatusControl.StatusReg()})

	s.EEPROM = NewEEPROM(info.SII())
	s.regMappings = append(s.regMappings, mapping{ecad.ESIEEPROMInterface, 0x10, s.EEPROM.Reg()})

	s.SyncManagers = &SyncManagerRegisterSet{Channels: make([]SyncManager, syncManagers)}
	s.regMappings = append(s.regMappings, mapping{ecad.SyncMangerBase, syncManagers * ecad.SyncManagerChannelLen, s.SyncManagers})

	if info.HasMailbox() {
		s.CoE = NewCoEServer()
	}

	return s
}

// Fault makes the slave report an error in state with the given AL
// status code.
func (s *Slave) Fault(state uint8, code uint16) {
	s.ALStatusControl.Fault(state, code)
}

func (s *Slave) State() uint8 { return s.ALStatusControl.State }

func (s *Slave) checkTransition(from, to uint8) uint16 {
	if from == StateInit && to == StatePreOp && s.Info.HasMailbox() && !s.mailboxConfigured() {
		return CodeInvalidMailboxConfig
	}
	if s.Check != nil {
		return s.Check(from, to)
	}
	return CodeNoError
}

func (s *Slave) mailboxConfigured() bool {
	w := s.writeMailbox()
	r := s.readMailbox()
	return w != nil && r != nil &&
		w.Start == s.Info.RxMailbox.Offset && w.Length == s.Info.RxMailbox.Size &&
		r.Start == s.Info.TxMailbox.Offset && r.Length == s.Info.TxMailbox.Size
}

func (s *Slave) writeMailbox() *SyncManager {
	sm := &s.SyncManagers.Channels[0]
	if !sm.mailbox() || !sm.masterWrites() {
		return nil
	}
	return sm
}

func (s *Slave) readMailbox() *SyncManager {
	sm := &s.SyncManagers.Channels[1]
	if !sm.mailbox() || sm.masterWrites() {
		return nil
	}
	return sm
}

// returns true if interaction happened
func (s *Slave) llread8p(addr uint16, dp *uint8) bool {
	if addr < regAreaLength {
		// register access
		if m := s.addrToMapping(addr); m != nil {
			return m.dev.Read(addr-m.start, dp)
		}
	} else if sm := s.readMailbox(); sm != nil && sm.contains(addr) {
		if !sm.Full {
			return false
		}
		if sm.last(addr) {
			s.mbxClear = true
		}
	} else if sm := s.writeMailbox(); sm != nil && sm.contains(addr) {
		// the write buffer is not readable by the master
		return false
	}

	*dp = s.BackingMemory[addr]
	return true
}

// returns true if interaction happened.
func (s *Slave) llwrite8(addr uint16, d uint8) bool {
	if addr < regAreaLength {
		s.registerShadow[addr] = d
		s.registerShadowWriteMask[addr] = true

		if m := s.addrToMapping(addr); m != nil {
			return m.dev.WriteInteract(addr - m.start)
		}
	} else if sm := s.writeMailbox(); sm != nil && sm.contains(addr) {
		if sm.Full {
			return false
		}
		if sm.last(addr) {
			sm.Full = true
			s.mbxPending = true
			s.mbxPendingIn = s.MailboxDelay
		}
	} else if sm := s.readMailbox(); sm != nil && sm.contains(addr) {
		return false
	}

	s.BackingMemory[addr] = d
	return true
}

func (s *Slave) addrToMapping(addr uint16) *mapping {
	for i := range s.regMappings {
		if s.regMappings[i].contains(addr) {
			return &s.regMappings[i]
		}
	}
	return nil
}

func (s *Slave) read(offs uint16, data []byte) bool {
	ok := true
	for i := range data {
		ok = s.llread8p(offs+uint16(i), &data[i]) && ok
	}
	return ok
}

func (s *Slave) write(offs uint16, data []byte) bool {
	ok := true
	for i := range data {
		ok = s.llwrite8(offs+uint16(i), data[i]) && ok
	}
	return ok
}

func (s *Slave) ProcessFrame(f *ecfr.Frame) {
	if s.Offline {
		return
	}

	// delayed work of earlier frames becomes visible
	s.tick()

	for i := range f.Datagrams {
		dg := &f.Datagrams[i]

		dga := dg.Address()
		if !dga.IsPhysical() {
			// no FMMUs, logical datagrams pass untouched
			continue
		}
		addressed := s.isPhysicallyAddressed(dga)
		dga.IncrementSlaveAddr()
		dg.Addr32 = dga.Addr32()

		offs := dga.Offset()
		ct := dg.Command

		switch {
		case ct == ecfr.ARMW || ct == ecfr.FRMW:
			// the addressed slave reads, all others write what it read
			if addressed {
				if s.read(offs, dg.Data) {
					dg.WorkingCounter++
				}
			} else if s.write(offs, dg.Data) {
				dg.WorkingCounter++
			}
		case !addressed:
		case ct.DoesRead() && ct.DoesWrite():
			// read write commands return the old contents
			wdata := append([]byte(nil), dg.Data...)
			if s.read(offs, dg.Data) {
				dg.WorkingCounter++
			}
			if s.write(offs, wdata) {
				dg.WorkingCounter += 2
			}
		case ct.DoesRead():
			if s.read(offs, dg.Data) {
				dg.WorkingCounter++
			}
		case ct.DoesWrite():
			if s.write(offs, dg.Data) {
				dg.WorkingCounter++
			}
		}
	}

	// latch register shadow into registers
	s.latchRegs()
}

func (s *Slave) latchRegs() {
	for _, m := range s.regMappings {
		start := m.start
		end := start + m.length
		m.dev.Latch(s.registerShadow[start:end], s.registerShadowWriteMask[start:end])
		clear(s.registerShadowWriteMask[start:end])
	}
}

// tick advances the slave by one frame.
func (s *Slave) tick() {
	s.ALStatusControl.tick()
	s.EEPROM.tick()

	if s.mbxClear {
		s.mbxClear = false
		if sm := s.readMailbox(); sm != nil {
			sm.Full = false
		}
	}

	if s.mbxPending {
		s.mbxPendingIn--
		if s.mbxPendingIn <= 0 {
			s.mbxPending = false
			s.processMailbox()
		}
	}

	if s.mbxReply != nil {
		if sm := s.readMailbox(); sm != nil && !sm.Full {
			n := copy(s.BackingMemory[sm.Start:uint32(sm.Start)+uint32(sm.Length)], s.mbxReply)
			clear(s.BackingMemory[uint32(sm.Start)+uint32(n) : uint32(sm.Start)+uint32(sm.Length)])
			sm.Full = true
			s.mbxReply = nil
		}
	}
}

// processMailbox takes the request out of the write mailbox and prepares
// the reply.
func (s *Slave) processMailbox() {
	w := s.writeMailbox()
	r := s.readMailbox()
	if w == nil {
		return
	}
	req := append([]byte(nil), s.BackingMemory[w.Start:uint32(w.Start)+uint32(w.Length)]...)
	w.Full = false

	if r == nil || s.CoE == nil {
		eclog.LogDebug(eclog.ComponentSim, "mailbox request without read mailbox or server", "station", s.Station.Address)
		return
	}
	s.mbxReply = s.CoE.Handle(req, int(r.Length))
}

func (s *Slave) isPhysicallyAddressed(addr ecfr.DatagramAddress) bool {
	switch addr.Type() {
	case ecfr.Broadcast:
		return true
	case ecfr.Positional:
		return addr.PositionOrAddress() == 0
	case ecfr.Fixed:
		return addr.PositionOrAddress() == s.Station.Address
	}
	return false
}
