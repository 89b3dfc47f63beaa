package ecsm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/distributed/ecmaster/ecad"
	"github.com/distributed/ecmaster/ecee"
	"github.com/distributed/ecmaster/ecfr"
	"github.com/distributed/ecmaster/eclog"
	"github.com/distributed/ecmaster/ecmb"
	"github.com/distributed/ecmaster/ecmd"
)

const DefaultStationBase = 0x1000

var ErrNoDevices = errors.New("no devices on the bus")

type DiscoverOptions struct {
	// StationBase is the station address of the first device. Device n
	// gets StationBase+n.
	StationBase uint16

	// Configure is called for each device before it is returned, e.g. to
	// set timeouts and startup SDOs.
	Configure func(d *Device)

	ExecOptions ecmd.Options
}

// CountDevices returns the number of devices answering a broadcast read.
func CountDevices(ctx context.Context, c ecmd.Commander, opts ecmd.Options) (int, error) {
	resp, err := ecmd.ExecuteCommand(ctx, c, ecfr.BRD, ecfr.BroadcastAddress(ecad.Type), make([]byte, 1), 0, opts)
	var wce ecmd.WorkingCounterError
	switch {
	case errors.As(err, &wce):
		return int(wce.Have), nil
	case err != nil:
		return 0, fmt.Errorf("ecsm: count devices: %w", err)
	}
	return int(resp.WorkingCounter), nil
}

// Discover assigns station addresses to all devices in ring order, resets
// them to Init and reads their identity and mailbox layout from the SII.
// Devices with a CoE mailbox get a Mailbox.
func Discover(ctx context.Context, c ecmd.Commander, opts DiscoverOptions) ([]*Device, error) {
	base := opts.StationBase
	if base == 0 {
		base = DefaultStationBase
	}

	n, err := CountDevices(ctx, c, opts.ExecOptions)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNoDevices
	}
	eclog.LogInfo(eclog.ComponentDevice, "devices found", "count", n)

	for pos := 0; pos < n; pos++ {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, base+uint16(pos))
		addr := ecfr.PositionalAddress(uint16(pos), ecad.ConfiguredStationAddress)
		if err = ecmd.ExecuteWriteOptions(ctx, c, addr, b, 1, opts.ExecOptions); err != nil {
			return nil, fmt.Errorf("ecsm: assign station address to position %d: %w", pos, err)
		}
	}

	// reset everything to Init, acknowledging errors on the way
	ctl := []byte{uint8(Init) | ecad.ALErrorFlag, 0x00}
	if err = ecmd.ExecuteWriteOptions(ctx, c, ecfr.BroadcastAddress(ecad.ALControl), ctl, uint16(n), opts.ExecOptions); err != nil {
		return nil, fmt.Errorf("ecsm: request Init: %w", err)
	}

	devs := make([]*Device, 0, n)
	for pos := 0; pos < n; pos++ {
		d := NewDevice(c, uint16(pos), base+uint16(pos))
		d.ExecOptions = opts.ExecOptions
		if err = d.readSII(ctx); err != nil {
			return nil, err
		}
		if opts.Configure != nil {
			opts.Configure(d)
		}
		eclog.LogDebug(eclog.ComponentSII, "device identity", "station", d.Station, "identity", d.Identity.String(),
			"mailbox", d.MailboxLayout.Present())
		devs = append(devs, d)
	}
	return devs, nil
}

func (d *Device) readSII(ctx context.Context) error {
	ee, err := ecee.New(ctx, d.c, d.addr(0))
	if err != nil {
		return fmt.Errorf("ecsm: %v: %w", d, err)
	}
	defer ee.Close()

	if d.Identity, err = ecee.ReadIdentity(ctx, ee); err != nil {
		return fmt.Errorf("ecsm: %v: %w", d, err)
	}
	if d.MailboxLayout, err = ecee.ReadMailboxLayout(ctx, ee); err != nil {
		return fmt.Errorf("ecsm: %v: %w", d, err)
	}

	ml := d.MailboxLayout
	if ml.SupportsCoE() {
		mb := ecmb.New(d.c, d.Station,
			ecmb.Window{Offset: ml.RxOffset, Size: ml.RxSize},
			ecmb.Window{Offset: ml.TxOffset, Size: ml.TxSize})
		d.Mailbox = ecmb.NewCoE(mb)
	}
	return nil
}
