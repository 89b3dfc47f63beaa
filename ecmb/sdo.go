package ecmb

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/distributed/ecmaster/eclog"
)

// ResponseError reports a reply that does not answer the request.
type ResponseError struct {
	Object Object
	Reason string
}

func (e ResponseError) Error() string {
	return fmt.Sprintf("invalid SDO response for %v: %s", e.Object, e.Reason)
}

// CoE runs SDO transfers over a mailbox.
type CoE struct {
	mb *Mailbox
}

func NewCoE(mb *Mailbox) *CoE {
	return &CoE{mb: mb}
}

func (c *CoE) Mailbox() *Mailbox { return c.mb }

// Setup configures the mailbox sync managers.
func (c *CoE) Setup(ctx context.Context) error {
	return c.mb.Setup(ctx)
}

func (c *CoE) exchange(ctx context.Context, obj Object, body []byte) (*Message, error) {
	reply, counter, err := c.mb.Exchange(ctx, func(buf []byte, counter uint8) error {
		m := Message{
			Header:    Header{Counter: counter},
			CoEHeader: CoEHeader{Service: ServiceSDORequest},
			Body:      body,
		}
		if m.ByteLen() > len(buf) {
			return fmt.Errorf("%w: SDO request of %d bytes, mailbox holds %d", ErrTooLong, m.ByteLen(), len(buf))
		}
		_, err := m.Commit(buf)
		return err
	})
	if err != nil {
		return nil, err
	}

	m := new(Message)
	if err = m.Overlay(reply); err != nil {
		return nil, err
	}
	if m.CoEHeader.Service != ServiceSDOResponse && m.CoEHeader.Service != ServiceSDORequest {
		return nil, ResponseError{obj, fmt.Sprintf("CoE service %d", m.CoEHeader.Service)}
	}

	if m.Header.Counter != counter {
		return nil, ResponseError{obj, fmt.Sprintf("counter %d, sent %d", m.Header.Counter, counter)}
	}
	if len(m.Body) == 0 {
		return nil, ResponseError{obj, "empty SDO reply"}
	}

	if m.Body[0]&CmdMask == CmdAbort {
		var sdo SDO
		if err = sdo.Overlay(m.Body); err != nil || len(sdo.Data) < 4 {
			return nil, ResponseError{obj, "short abort"}
		}
		code := AbortCode(binary.LittleEndian.Uint32(sdo.Data))
		eclog.LogWarn(eclog.ComponentMailbox, "SDO aborted", "station", c.mb.station,
			"object", obj.String(), "code", fmt.Sprintf("%#08x", uint32(code)), "reason", code.String())
		return nil, AbortError{sdo.Object, code}
	}

	return m, nil
}

// Write downloads value to obj. Values up to 4 bytes use an expedited
// transfer, larger ones a normal transfer that must fit the mailbox.
func (c *CoE) Write(ctx context.Context, obj Object, value []byte) error {
	if len(value) == 0 {
		return fmt.Errorf("ecmb: empty SDO download to %v", obj)
	}

	sdo := SDO{Object: obj}
	if len(value) <= 4 {
		sdo.Command = ExpeditedCommand(CmdDownloadInitRequest, len(value))
		sdo.Data = make([]byte, 4)
		copy(sdo.Data, value)
	} else {
		sdo.Command = CmdDownloadInitRequest | FlagSizeIndicated
		sdo.Data = make([]byte, 4+len(value))
		binary.LittleEndian.PutUint32(sdo.Data, uint32(len(value)))
		copy(sdo.Data[4:], value)
	}

	m, err := c.exchange(ctx, obj, sdo.Bytes())
	if err != nil {
		return err
	}

	var resp SDO
	if err = resp.Overlay(m.Body); err != nil {
		return err
	}
	if resp.Command&CmdMask != CmdDownloadInitResponse {
		return ResponseError{obj, fmt.Sprintf("command %#02x to download", resp.Command)}
	}
	if resp.Object != obj {
		return ResponseError{obj, "reply for " + resp.Object.String()}
	}
	return nil
}

// Read uploads obj. Expedited, normal and segmented uploads are handled.
func (c *CoE) Read(ctx context.Context, obj Object) ([]byte, error) {
	req := SDO{Command: CmdUploadInitRequest, Object: obj, Data: make([]byte, 4)}
	m, err := c.exchange(ctx, obj, req.Bytes())
	if err != nil {
		return nil, err
	}

	var resp SDO
	if err = resp.Overlay(m.Body); err != nil {
		return nil, err
	}
	if resp.Command&CmdMask != CmdUploadInitResponse {
		return nil, ResponseError{obj, fmt.Sprintf("command %#02x to upload", resp.Command)}
	}
	if resp.Object != obj {
		return nil, ResponseError{obj, "reply for " + resp.Object.String()}
	}

	if resp.Command&FlagExpedited != 0 {
		n := ExpeditedSize(resp.Command)
		if len(resp.Data) < n {
			return nil, ResponseError{obj, "short expedited data"}
		}
		return append([]byte(nil), resp.Data[:n]...), nil
	}

	if len(resp.Data) < 4 {
		return nil, ResponseError{obj, "missing complete size"}
	}
	size := int(binary.LittleEndian.Uint32(resp.Data))
	data := resp.Data[4:]

	// normal upload
	if size <= len(data) {
		return append([]byte(nil), data[:size]...), nil
	}

	return c.readSegments(ctx, obj, size, append([]byte(nil), data...))
}

func (c *CoE) readSegments(ctx context.Context, obj Object, size int, data []byte) ([]byte, error) {
	toggle := false
	for {
		cmd := uint8(CmdUploadSegmentRequest)
		if toggle {
			cmd |= FlagToggle
		}
		// command byte and seven reserved bytes
		body := make([]byte, 8)
		body[0] = cmd

		m, err := c.exchange(ctx, obj, body)
		if err != nil {
			return nil, err
		}

		sc := m.Body[0]
		if sc&CmdMask != CmdUploadSegmentResponse {
			return nil, ResponseError{obj, fmt.Sprintf("command %#02x to upload segment", sc)}
		}
		if (sc&FlagToggle != 0) != toggle {
			return nil, ResponseError{obj, "toggle bit not alternated"}
		}

		chunk := m.Body[1:]
		// segments shorter than seven bytes are padded
		if len(chunk) == 7 {
			chunk = chunk[:7-int(sc>>1&0x07)]
		}
		data = append(data, chunk...)

		if len(data) > size {
			return nil, ResponseError{obj, fmt.Sprintf("%d bytes uploaded, announced %d", len(data), size)}
		}
		if sc&FlagLastSegment != 0 {
			break
		}
		toggle = !toggle
	}

	if len(data) != size {
		return nil, ResponseError{obj, fmt.Sprintf("%d bytes uploaded, announced %d", len(data), size)}
	}
	return data, nil
}
