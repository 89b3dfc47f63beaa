package ecmb_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/distributed/ecmaster/ecad"
	"github.com/distributed/ecmaster/ecfr"
	"github.com/distributed/ecmaster/ecmb"
	"github.com/distributed/ecmaster/ecmd"
	"github.com/distributed/ecmaster/sim"
)

const station = 0x1000

type ring struct {
	bus   *sim.Bus
	slave *sim.Slave
	l     *ecmd.Loop
	coe   *ecmb.CoE
}

// newRing runs one CoE slave with its station address assigned and its
// mailbox set up.
func newRing(t *testing.T, ctx context.Context) *ring {
	t.Helper()

	s := sim.NewSlave(sim.DefaultMailboxInfo(0x00000002, 0x1c213052))
	bus := sim.NewBus(s)
	l := ecmd.New(bus)
	r := ecmd.NewRunner(l, time.Millisecond)
	t.Cleanup(func() { r.Close() })

	err := ecmd.ExecuteWrite(ctx, l, ecfr.PositionalAddress(0, ecad.ConfiguredStationAddress), []byte{0x00, 0x10}, 1)
	if err != nil {
		t.Fatalf("assign station address: %v", err)
	}

	info := s.Info
	mb := ecmb.New(l, station,
		ecmb.Window{Offset: info.RxMailbox.Offset, Size: info.RxMailbox.Size},
		ecmb.Window{Offset: info.TxMailbox.Offset, Size: info.TxMailbox.Size})
	coe := ecmb.NewCoE(mb)
	if err = coe.Setup(ctx); err != nil {
		t.Fatalf("mailbox setup: %v", err)
	}

	return &ring{bus, s, l, coe}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 1)
	}
	return b
}

func TestSDOExpedited(t *testing.T) {
	ctx := testContext(t)
	r := newRing(t, ctx)

	obj := ecmb.Object{Index: 0x6060, SubIndex: 0}
	r.bus.Sync(func() { r.slave.CoE.SetObject(obj, []byte{0x08}) })

	if err := r.coe.Write(ctx, obj, []byte{0x0a}); err != nil {
		t.Fatalf("expedited download: %v", err)
	}

	v, err := r.coe.Read(ctx, obj)
	if err != nil {
		t.Fatalf("expedited upload: %v", err)
	}
	if !bytes.Equal(v, []byte{0x0a}) {
		t.Fatalf("uploaded % x", v)
	}

	r.bus.Sync(func() {
		ds := r.slave.CoE.Downloads
		if len(ds) != 1 || ds[0].Object != obj || !bytes.Equal(ds[0].Value, []byte{0x0a}) {
			t.Errorf("server saw downloads %v", ds)
		}
	})
}

func TestSDONormalTransfers(t *testing.T) {
	ctx := testContext(t)
	r := newRing(t, ctx)

	obj := ecmb.Object{Index: 0x1c12, SubIndex: 0}
	r.bus.Sync(func() { r.slave.CoE.SetObject(obj, nil) })

	value := pattern(50)
	if err := r.coe.Write(ctx, obj, value); err != nil {
		t.Fatalf("normal download: %v", err)
	}
	v, err := r.coe.Read(ctx, obj)
	if err != nil {
		t.Fatalf("normal upload: %v", err)
	}
	if !bytes.Equal(v, value) {
		t.Fatalf("uploaded % x, expected % x", v, value)
	}
}

func TestSDOSegmentedUpload(t *testing.T) {
	ctx := testContext(t)
	r := newRing(t, ctx)

	// two full segments and a padded one
	for _, n := range []int{241, 119 * 2} {
		obj := ecmb.Object{Index: 0x1008, SubIndex: 0}
		value := pattern(n)
		r.bus.Sync(func() { r.slave.CoE.SetObject(obj, value) })

		v, err := r.coe.Read(ctx, obj)
		if err != nil {
			t.Fatalf("segmented upload of %d bytes: %v", n, err)
		}
		if !bytes.Equal(v, value) {
			t.Fatalf("segmented upload of %d bytes returned %d bytes", n, len(v))
		}
	}
}

func TestSDOAbort(t *testing.T) {
	ctx := testContext(t)
	r := newRing(t, ctx)

	_, err := r.coe.Read(ctx, ecmb.Object{Index: 0x2000, SubIndex: 1})
	var ae ecmb.AbortError
	if !errors.As(err, &ae) || ae.Code != ecmb.AbortNoObject {
		t.Fatalf("upload of missing object returned %v", err)
	}
	if !errors.Is(err, ecmb.ErrAborted) {
		t.Fatalf("abort error does not match ErrAborted")
	}

	obj := ecmb.Object{Index: 0x1000, SubIndex: 0}
	r.bus.Sync(func() { r.slave.CoE.SetObject(obj, []byte{0x91, 0x01, 0x00, 0x00}).ReadOnly = true })
	err = r.coe.Write(ctx, obj, []byte{1, 2, 3, 4})
	if !errors.As(err, &ae) || ae.Code != ecmb.AbortReadOnly || ae.Object != obj {
		t.Fatalf("download to read only object returned %v", err)
	}

	// the mailbox stays usable after aborts
	if _, err = r.coe.Read(ctx, obj); err != nil {
		t.Fatalf("upload after abort: %v", err)
	}
}

func TestAbortWithStaleCounter(t *testing.T) {
	ctx := testContext(t)
	r := newRing(t, ctx)

	obj := ecmb.Object{Index: 0x6060, SubIndex: 0}
	r.bus.Sync(func() {
		r.slave.CoE.SetObject(obj, []byte{0})
		r.slave.CoE.OnDownload = func(ecmb.Object, []byte) ecmb.AbortCode { return ecmb.AbortReadOnly }
		r.slave.CoE.ReplyCounter = func(req uint8) uint8 { return ecmb.NextCounter(req) }
	})

	// an abort answering another request is not this request's rejection
	err := r.coe.Write(ctx, obj, []byte{8})
	var re ecmb.ResponseError
	if !errors.As(err, &re) {
		t.Fatalf("download answered with stale abort returned %v", err)
	}
	if errors.Is(err, ecmb.ErrAborted) {
		t.Fatalf("stale abort reported as abort: %v", err)
	}

	r.bus.Sync(func() { r.slave.CoE.ReplyCounter = nil })
	var ae ecmb.AbortError
	if err = r.coe.Write(ctx, obj, []byte{8}); !errors.As(err, &ae) || ae.Code != ecmb.AbortReadOnly {
		t.Fatalf("download returned %v, expected read only abort", err)
	}
}

func TestCounterWraps(t *testing.T) {
	ctx := testContext(t)
	r := newRing(t, ctx)

	obj := ecmb.Object{Index: 0x6040, SubIndex: 0}
	r.bus.Sync(func() { r.slave.CoE.SetObject(obj, []byte{0, 0}) })

	for i := 0; i < 10; i++ {
		if err := r.coe.Write(ctx, obj, []byte{byte(i), 0}); err != nil {
			t.Fatalf("download %d: %v", i, err)
		}
	}
}

func TestStaleReplyCleared(t *testing.T) {
	ctx := testContext(t)
	r := newRing(t, ctx)

	obj := ecmb.Object{Index: 0x6041, SubIndex: 0}
	r.bus.Sync(func() {
		r.slave.CoE.SetObject(obj, []byte{0x37, 0x02})
		// a reply nobody collected
		r.slave.SyncManagers.Channels[1].Full = true
	})

	v, err := r.coe.Read(ctx, obj)
	if err != nil {
		t.Fatalf("upload with stale reply pending: %v", err)
	}
	if !bytes.Equal(v, []byte{0x37, 0x02}) {
		t.Fatalf("uploaded % x", v)
	}
}

func TestMailboxErrorReply(t *testing.T) {
	ctx := testContext(t)
	r := newRing(t, ctx)

	_, _, err := r.coe.Mailbox().Exchange(ctx, func(buf []byte, counter uint8) error {
		h := ecmb.Header{Length: 4, Type: ecmb.TypeFoE, Counter: counter}
		_, err := h.Commit(buf)
		return err
	})

	var er ecmb.ErrorReply
	if !errors.As(err, &er) || er.Detail != ecmb.ErrorUnsupportedProtocol {
		t.Fatalf("FoE request returned %v", err)
	}
}

func TestMailboxBusy(t *testing.T) {
	ctx := testContext(t)
	r := newRing(t, ctx)

	mb := r.coe.Mailbox()
	mb.ResponseTimeout = 50 * time.Millisecond
	mb.PollInterval = 10 * time.Millisecond

	// a request the slave never takes
	r.bus.Sync(func() { r.slave.SyncManagers.Channels[0].Full = true })
	sent := r.bus.Sent()
	if _, err := r.coe.Read(ctx, ecmb.Object{Index: 0x1000}); !errors.Is(err, ecmb.ErrMailboxBusy) {
		t.Fatalf("read with full write mailbox returned %v", err)
	}
	if n := r.bus.Sent() - sent; n > 20 {
		t.Fatalf("%d frames while waiting for the write mailbox", n)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := r.coe.Read(cctx, ecmb.Object{Index: 0x1000}); !errors.Is(err, context.Canceled) {
		t.Fatalf("read with canceled context returned %v", err)
	}
}

func TestNoMailbox(t *testing.T) {
	mb := ecmb.New(ecmd.New(sim.NewBus()), station, ecmb.Window{}, ecmb.Window{})
	if err := mb.Setup(context.Background()); !errors.Is(err, ecmb.ErrNoMailbox) {
		t.Fatalf("setup without mailbox returned %v", err)
	}
	if _, err := ecmb.NewCoE(mb).Read(context.Background(), ecmb.Object{Index: 0x1000}); !errors.Is(err, ecmb.ErrNoMailbox) {
		t.Fatalf("read without mailbox returned %v", err)
	}
}
