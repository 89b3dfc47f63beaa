package sim

import (
	"encoding/binary"

	"github.com/distributed/ecmaster/eclog"
	"github.com/distributed/ecmaster/ecmb"
)

// Entry is an object dictionary entry of the SDO server.
type Entry struct {
	Value     []byte
	ReadOnly  bool
	WriteOnly bool

	// FixedSize entries refuse downloads of a different length.
	FixedSize bool
}

// Download records a completed SDO download.
type Download struct {
	Object ecmb.Object
	Value  []byte
}

// CoEServer answers SDO requests from an object dictionary.
type CoEServer struct {
	Objects map[ecmb.Object]*Entry

	// OnDownload may refuse a download with an abort code. Zero accepts.
	OnDownload func(obj ecmb.Object, value []byte) ecmb.AbortCode

	// Downloads lists accepted downloads in order.
	Downloads []Download

	// ReplyCounter, if set, picks the mailbox counter of SDO replies from
	// the request counter. Replies echo the request counter otherwise.
	ReplyCounter func(req uint8) uint8

	upload *segmentedUpload
}

type segmentedUpload struct {
	obj    ecmb.Object
	data   []byte
	offs   int
	toggle bool
}

func NewCoEServer() *CoEServer {
	return &CoEServer{Objects: make(map[ecmb.Object]*Entry)}
}

// SetObject adds or replaces a writable entry holding value.
func (c *CoEServer) SetObject(obj ecmb.Object, value []byte) *Entry {
	e := &Entry{Value: append([]byte(nil), value...)}
	c.Objects[obj] = e
	return e
}

// Handle processes a request taken from the write mailbox and returns the
// reply, which is at most limit bytes.
func (c *CoEServer) Handle(req []byte, limit int) []byte {
	var h ecmb.Header
	if _, err := h.Overlay(req); err != nil {
		return mailboxError(h, ecmb.ErrorSyntax)
	}
	if h.Type != ecmb.TypeCoE {
		return mailboxError(h, ecmb.ErrorUnsupportedProtocol)
	}

	var m ecmb.Message
	if err := m.Overlay(req); err != nil {
		return mailboxError(h, ecmb.ErrorInvalidSize)
	}
	if m.CoEHeader.Service != ecmb.ServiceSDORequest {
		return mailboxError(h, ecmb.ErrorServiceNotSupported)
	}

	body := c.serve(m.Body, limit-ecmb.HeaderLength-ecmb.CoEHeaderLength)

	counter := h.Counter
	if c.ReplyCounter != nil {
		counter = c.ReplyCounter(counter)
	}
	reply := ecmb.Message{
		Header:    ecmb.Header{Counter: counter},
		CoEHeader: ecmb.CoEHeader{Service: ecmb.ServiceSDOResponse},
		Body:      body,
	}
	b := make([]byte, reply.ByteLen())
	if _, err := reply.Commit(b); err != nil {
		eclog.LogError(eclog.ComponentSim, "encoding SDO reply", "error", err)
		return nil
	}
	return b
}

// serve returns the SDO reply body to body. room is the space available
// for it.
func (c *CoEServer) serve(body []byte, room int) []byte {
	if body[0]&ecmb.CmdMask == ecmb.CmdUploadSegmentRequest {
		return c.uploadSegment(body[0], room)
	}

	var req ecmb.SDO
	if err := req.Overlay(body); err != nil {
		return abort(ecmb.Object{}, ecmb.AbortInvalidCommand)
	}

	switch req.Command & ecmb.CmdMask {
	case ecmb.CmdDownloadInitRequest:
		return c.download(&req)
	case ecmb.CmdUploadInitRequest:
		return c.uploadInit(req.Object, room)
	}
	return abort(req.Object, ecmb.AbortInvalidCommand)
}

func (c *CoEServer) download(req *ecmb.SDO) []byte {
	var value []byte
	switch {
	case req.Command&ecmb.FlagExpedited != 0:
		n := ecmb.ExpeditedSize(req.Command)
		if len(req.Data) < n {
			return abort(req.Object, ecmb.AbortDataTooShort)
		}
		value = req.Data[:n]
	case req.Command&ecmb.FlagSizeIndicated != 0:
		if len(req.Data) < 4 {
			return abort(req.Object, ecmb.AbortDataTooShort)
		}
		size := int(binary.LittleEndian.Uint32(req.Data))
		if len(req.Data)-4 < size {
			// segmented downloads are not served
			return abort(req.Object, ecmb.AbortUnsupportedAccess)
		}
		value = req.Data[4 : 4+size]
	default:
		return abort(req.Object, ecmb.AbortInvalidCommand)
	}

	e, ok := c.Objects[req.Object]
	if !ok {
		return abort(req.Object, ecmb.AbortNoObject)
	}
	if e.ReadOnly {
		return abort(req.Object, ecmb.AbortReadOnly)
	}
	if e.FixedSize && len(value) != len(e.Value) {
		return abort(req.Object, ecmb.AbortTypeMismatch)
	}
	if c.OnDownload != nil {
		if code := c.OnDownload(req.Object, value); code != 0 {
			return abort(req.Object, code)
		}
	}

	e.Value = append([]byte(nil), value...)
	c.Downloads = append(c.Downloads, Download{req.Object, append([]byte(nil), value...)})

	resp := ecmb.SDO{Command: ecmb.CmdDownloadInitResponse, Object: req.Object, Data: make([]byte, 4)}
	return resp.Bytes()
}

func (c *CoEServer) uploadInit(obj ecmb.Object, room int) []byte {
	c.upload = nil

	e, ok := c.Objects[obj]
	if !ok {
		return abort(obj, ecmb.AbortNoObject)
	}
	if e.WriteOnly {
		return abort(obj, ecmb.AbortWriteOnly)
	}

	resp := ecmb.SDO{Object: obj}
	n := len(e.Value)
	if n > 0 && n <= 4 {
		resp.Command = ecmb.ExpeditedCommand(ecmb.CmdUploadInitResponse, n)
		resp.Data = make([]byte, 4)
		copy(resp.Data, e.Value)
		return resp.Bytes()
	}

	resp.Command = ecmb.CmdUploadInitResponse | ecmb.FlagSizeIndicated
	if ecmb.SDOHeaderLength+4+n <= room {
		resp.Data = make([]byte, 4+n)
		binary.LittleEndian.PutUint32(resp.Data, uint32(n))
		copy(resp.Data[4:], e.Value)
		return resp.Bytes()
	}

	resp.Data = make([]byte, 4)
	binary.LittleEndian.PutUint32(resp.Data, uint32(n))
	c.upload = &segmentedUpload{obj: obj, data: append([]byte(nil), e.Value...)}
	return resp.Bytes()
}

func (c *CoEServer) uploadSegment(cmd uint8, room int) []byte {
	up := c.upload
	if up == nil {
		return abort(ecmb.Object{}, ecmb.AbortInvalidCommand)
	}
	if (cmd&ecmb.FlagToggle != 0) != up.toggle {
		c.upload = nil
		return abort(up.obj, ecmb.AbortToggleBit)
	}

	n := len(up.data) - up.offs
	if n > room-1 {
		n = room - 1
	}
	last := up.offs+n == len(up.data)

	// data shorter than seven bytes is padded
	body := make([]byte, 1+max(n, 7))
	body[0] = ecmb.SegmentCommand(up.toggle, last, n)
	copy(body[1:], up.data[up.offs:up.offs+n])

	up.offs += n
	up.toggle = !up.toggle
	if last {
		c.upload = nil
	}
	return body
}

func abort(obj ecmb.Object, code ecmb.AbortCode) []byte {
	sdo := ecmb.SDO{Command: ecmb.CmdAbort, Object: obj, Data: make([]byte, 4)}
	binary.LittleEndian.PutUint32(sdo.Data, uint32(code))
	return sdo.Bytes()
}

func mailboxError(req ecmb.Header, detail uint16) []byte {
	b := make([]byte, ecmb.HeaderLength+4)
	h := ecmb.Header{Length: 4, Type: ecmb.TypeError, Counter: req.Counter}
	rest, _ := h.Commit(b)
	binary.LittleEndian.PutUint16(rest, 0x0001) // type: mailbox command
	binary.LittleEndian.PutUint16(rest[2:], detail)
	return b
}
