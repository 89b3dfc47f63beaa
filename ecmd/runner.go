package ecmd

import (
	"time"

	"gopkg.in/tomb.v2"

	"github.com/distributed/ecmaster/eclog"
)

const DefaultCycleInterval = time.Millisecond

// Runner drives a Loop from its own goroutine. It cycles as soon as
// datagrams are queued and at least every interval, and sweeps expired
// slots after every cycle. Transport errors do not stop it; they are
// published on Errors.
type Runner struct {
	l        *Loop
	interval time.Duration

	errs chan error
	tomb tomb.Tomb
}

func NewRunner(l *Loop, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = DefaultCycleInterval
	}

	r := &Runner{
		l:        l,
		interval: interval,
		errs:     make(chan error, 16),
	}
	r.tomb.Go(r.loop)
	return r
}

func (r *Runner) loop() error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.tomb.Dying():
			return nil
		case <-r.l.Queued():
		case <-ticker.C:
		}

		err := r.l.Cycle()
		r.l.Sweep()
		if err != nil {
			eclog.LogWarn(eclog.ComponentLoop, "cycle failed", "error", err)
			select {
			case r.errs <- err:
			default:
				// nobody listening, drop
			}
		}
	}
}

// Errors delivers transport errors of failed cycles. Errors are dropped
// when the channel is full.
func (r *Runner) Errors() <-chan error { return r.errs }

// Dying is closed when the runner starts shutting down.
func (r *Runner) Dying() <-chan struct{} { return r.tomb.Dying() }

func (r *Runner) Close() error {
	r.tomb.Kill(nil)
	return r.tomb.Wait()
}
