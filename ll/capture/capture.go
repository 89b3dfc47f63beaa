// Package capture records the frames passing a transport in pcap format,
// for analysis with Wireshark.
package capture

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/distributed/ecmaster/eclog"
	"github.com/distributed/ecmaster/ecmd"
)

const snaplen = 65535

// Recorder is an ecmd.Transport that writes every frame sent and received
// through the wrapped transport.
type Recorder struct {
	t ecmd.Transport

	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	n      int

	// Now timestamps packets.
	Now func() time.Time
}

var _ ecmd.Transport = (*Recorder)(nil)

// New writes the pcap file header to w and returns a recorder around t.
func New(t ecmd.Transport, w io.Writer) (*Recorder, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snaplen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Recorder{t: t, w: pw, Now: time.Now}, nil
}

// Create records to a new file at path.
func Create(t ecmd.Transport, path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap file: %w", err)
	}
	r, err := New(t, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

func (r *Recorder) record(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ci := gopacket.CaptureInfo{
		Timestamp:     r.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := r.w.WritePacket(ci, frame); err != nil {
		eclog.LogWarn(eclog.ComponentLink, "failed to record frame", "error", err)
		return
	}
	r.n++
}

func (r *Recorder) Send(frame []byte) error {
	r.record(frame)
	return r.t.Send(frame)
}

func (r *Recorder) Receive(timeout time.Duration) ([]byte, error) {
	frame, err := r.t.Receive(timeout)
	if err == nil {
		r.record(frame)
	}
	return frame, err
}

// Count returns the number of frames recorded.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Close closes the file opened by Create. The wrapped transport is left
// open.
func (r *Recorder) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
