package sim

// RegisterDevice is a block of ESC registers with behavior beyond plain
// memory. Writes are collected in a shadow during a frame and latched into
// the device once the frame has passed.
type RegisterDevice interface {
	// Read stores the register at offs into *dp. It returns false if the
	// access is refused and must not count towards the working counter.
	Read(offs uint16, dp *uint8) bool

	// WriteInteract reports whether a write to offs is accepted.
	WriteInteract(offs uint16) bool

	// Latch applies the written bytes; mask flags the offsets written.
	Latch(shadow []byte, mask []bool)
}

type mapping struct {
	start  uint16
	length uint16
	dev    RegisterDevice
}

func (m mapping) contains(addr uint16) bool {
	return addr >= m.start && addr < m.start+m.length
}

// StationAddress holds the configured station address register.
type StationAddress struct {
	Address uint16
}

func (sa *StationAddress) Read(offs uint16, dp *uint8) bool {
	*dp = uint8(sa.Address >> (8 * offs))
	return true
}

func (sa *StationAddress) WriteInteract(offs uint16) bool { return true }

func (sa *StationAddress) Latch(shadow []byte, mask []bool) {
	if mask[0] {
		sa.Address = sa.Address&0xff00 | uint16(shadow[0])
	}
	if mask[1] {
		sa.Address = sa.Address&0x00ff | uint16(shadow[1])<<8
	}
}
