package ecfr

const (
	FrameHeaderLength = 2

	// TypePDU is the frame type carrying EtherCAT datagrams.
	TypePDU uint8 = 0x01
)

type Header struct {
	Word uint16
}

func NewHeader(length int, typ uint8) Header {
	var h Header
	h.SetFrameLength(length)
	h.SetType(typ)
	return h
}

func (h *Header) Overlay(b []byte) ([]byte, error) {
	if len(b) < FrameHeaderLength {
		return b, malformed("need %d bytes for frame header, have %d", FrameHeaderLength, len(b))
	}

	h.Word, b = getUint16(b)
	return b, nil
}

func (h *Header) Commit(d []byte) ([]byte, error) {
	if len(d) < FrameHeaderLength {
		return d, ErrBufferTooSmall
	}
	return putUint16(d, h.Word), nil
}

// FrameLength is the byte length of the datagrams following the header.
func (h *Header) FrameLength() uint16 {
	return h.Word & lenMask
}

func (h *Header) SetFrameLength(n int) {
	h.Word &^= lenMask
	h.Word |= uint16(n) & lenMask
}

func (h *Header) Type() uint8 {
	return uint8(h.Word>>12) & 0x0f
}

func (h *Header) SetType(t uint8) {
	h.Word &^= 0xf000
	h.Word |= uint16(t&0x0f) << 12
}
