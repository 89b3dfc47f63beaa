package ecmd

import (
	"time"

	"github.com/distributed/ecmaster/ecfr"
)

const (
	MaxSlots = 256

	// DefaultMTU is the Ethernet payload size of a standard frame.
	DefaultMTU = ecfr.FrameOverheadLen + ecfr.MaxDatagramsLen

	DefaultReceiveTimeout = 10 * time.Millisecond
)

// Config holds the loop configuration.
type Config struct {
	// Slots is the size of the transaction table, at most MaxSlots.
	Slots int

	// MTU bounds the EtherCAT part of every frame: frame header plus
	// datagrams.
	MTU int

	// ReceiveTimeout bounds how long a cycle waits for its frames to come
	// back.
	ReceiveTimeout time.Duration

	Clock Clock
}

func defaultConfig() Config {
	return Config{
		Slots:          MaxSlots,
		MTU:            DefaultMTU,
		ReceiveTimeout: DefaultReceiveTimeout,
		Clock:          wallClock{},
	}
}

// Option is a functional option for configuring a Loop.
type Option func(*Config)

func WithSlots(n int) Option {
	return func(c *Config) {
		c.Slots = n
	}
}

func WithMTU(mtu int) Option {
	return func(c *Config) {
		c.MTU = mtu
	}
}

func WithReceiveTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ReceiveTimeout = d
	}
}

// WithClock replaces the wall clock used for deadlines.
func WithClock(clock Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

func (c *Config) normalize() {
	if c.Slots <= 0 || c.Slots > MaxSlots {
		c.Slots = MaxSlots
	}
	minMTU := ecfr.FrameOverheadLen + ecfr.DatagramOverheadLength + 2
	if c.MTU < minMTU {
		c.MTU = minMTU
	}
	if c.MTU > DefaultMTU {
		c.MTU = DefaultMTU
	}
	if c.Clock == nil {
		c.Clock = wallClock{}
	}
}
