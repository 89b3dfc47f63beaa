package ecsm

import (
	"context"
	"errors"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/distributed/ecmaster/eclog"
)

const DefaultMonitorInterval = 100 * time.Millisecond

// Monitor polls the status of a set of devices and reports the ones that
// fault. A faulted device is reported once; it is reported again only
// after it was acknowledged and faulted anew.
type Monitor struct {
	devs     []*Device
	interval time.Duration

	faults chan DeviceFaultError
	tomb   tomb.Tomb
}

func NewMonitor(devs []*Device, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}

	m := &Monitor{
		devs:     append([]*Device(nil), devs...),
		interval: interval,
		faults:   make(chan DeviceFaultError, len(devs)),
	}
	m.tomb.Go(m.loop)
	return m
}

func (m *Monitor) loop() error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	ctx := m.tomb.Context(context.Background())
	reported := make([]bool, len(m.devs))

	for {
		select {
		case <-m.tomb.Dying():
			return nil
		case <-ticker.C:
		}

		for i, d := range m.devs {
			before := d.State()
			_, err := d.Poll(ctx)

			var fe DeviceFaultError
			switch {
			case errors.As(err, &fe):
				if before == Error && reported[i] {
					continue
				}
				reported[i] = true
				select {
				case m.faults <- fe:
				case <-m.tomb.Dying():
					return nil
				}
			case err != nil:
				if ctx.Err() != nil {
					return nil
				}
				eclog.LogWarn(eclog.ComponentDevice, "status poll failed", "station", d.Station, "error", err)
			default:
				reported[i] = false
			}
		}
	}
}

// Faults delivers device faults as they are detected.
func (m *Monitor) Faults() <-chan DeviceFaultError { return m.faults }

func (m *Monitor) Close() error {
	m.tomb.Kill(nil)
	return m.tomb.Wait()
}
