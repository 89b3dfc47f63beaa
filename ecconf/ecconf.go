// Package ecconf loads the master configuration: link, loop timing,
// retry policy, logging and the expected devices with their startup
// SDOs.
package ecconf

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/distributed/ecmaster/eclog"
	"github.com/distributed/ecmaster/ecmb"
	"github.com/distributed/ecmaster/ecmd"
	"github.com/distributed/ecmaster/ecsm"
)

const (
	TransportPcap = "pcap"
	TransportUDP  = "udp"
)

// Config is the root of a configuration file.
type Config struct {
	Master  MasterConfig   `yaml:"master"`
	Devices []DeviceConfig `yaml:"devices,omitempty"`
}

type MasterConfig struct {
	Interface string `yaml:"interface"`
	Transport string `yaml:"transport,omitempty"` // "pcap" (default) or "udp"

	MTU   int `yaml:"mtu,omitempty"`
	Slots int `yaml:"slots,omitempty"`

	CycleIntervalMs  int `yaml:"cycle_interval_ms,omitempty"`
	ReceiveTimeoutMs int `yaml:"receive_timeout_ms,omitempty"`
	RequestTimeoutMs int `yaml:"request_timeout_ms,omitempty"`
	StateTimeoutMs   int `yaml:"state_timeout_ms,omitempty"`

	Retry RetryConfig `yaml:"retry,omitempty"`

	LogLevel  string `yaml:"log_level,omitempty"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format,omitempty"` // text or json

	// CaptureFile, if set, records all frames in pcap format.
	CaptureFile string `yaml:"capture_file,omitempty"`

	// ESIFiles are device description files used to name devices.
	ESIFiles []string `yaml:"esi_files,omitempty"`
}

type RetryConfig struct {
	Attempts     int     `yaml:"attempts,omitempty"`
	BackoffMs    int     `yaml:"backoff_ms,omitempty"`
	MaxBackoffMs int     `yaml:"max_backoff_ms,omitempty"`
	Multiplier   float64 `yaml:"multiplier,omitempty"`
}

type DeviceConfig struct {
	Position    uint16      `yaml:"position"`
	Name        string      `yaml:"name"`
	VendorID    uint32      `yaml:"vendor_id"`
	ProductCode uint32      `yaml:"product_code"`
	Revision    uint32      `yaml:"revision,omitempty"`
	StartupSDOs []SDOConfig `yaml:"startup_sdos,omitempty"`
}

type SDOConfig struct {
	Index    uint16 `yaml:"index"`
	SubIndex uint8  `yaml:"subindex"`
	Value    string `yaml:"value"`          // hex bytes in wire order, e.g. "0x0800" or "08 00"
	Size     int    `yaml:"size,omitempty"` // expected length of value in bytes
}

// Load reads a configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	eclog.LogDebug(eclog.ComponentConfig, "config loaded", "path", path, "devices", len(cfg.Devices))
	return cfg, nil
}

// Parse parses configuration YAML data, applies defaults and validates
// the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults sets default values for optional fields.
func (c *Config) ApplyDefaults() {
	m := &c.Master
	if m.Transport == "" {
		m.Transport = TransportPcap
	}
	if m.MTU == 0 {
		m.MTU = ecmd.DefaultMTU
	}
	if m.Slots == 0 {
		m.Slots = ecmd.MaxSlots
	}
	if m.CycleIntervalMs == 0 {
		m.CycleIntervalMs = 1
	}
	if m.ReceiveTimeoutMs == 0 {
		m.ReceiveTimeoutMs = int(ecmd.DefaultReceiveTimeout / time.Millisecond)
	}
	if m.RequestTimeoutMs == 0 {
		m.RequestTimeoutMs = int(ecmd.DefaultTimeout / time.Millisecond)
	}
	if m.StateTimeoutMs == 0 {
		m.StateTimeoutMs = int(ecsm.DefaultStateTimeout / time.Millisecond)
	}

	def := ecsm.DefaultRetryPolicy()
	r := &m.Retry
	if r.Attempts == 0 {
		r.Attempts = def.Attempts
	}
	if r.BackoffMs == 0 {
		r.BackoffMs = int(def.Backoff / time.Millisecond)
	}
	if r.MaxBackoffMs == 0 {
		r.MaxBackoffMs = int(def.MaxBackoff / time.Millisecond)
	}
	if r.Multiplier == 0 {
		r.Multiplier = def.Multiplier
	}

	if m.LogLevel == "" {
		m.LogLevel = "warn"
	}
	if m.LogFormat == "" {
		m.LogFormat = "text"
	}
}

// Validate checks the configuration. All problems are reported.
func (c *Config) Validate() error {
	var errs []error
	m := &c.Master

	if m.Interface == "" {
		errs = append(errs, fmt.Errorf("master.interface is required"))
	}
	switch m.Transport {
	case TransportPcap, TransportUDP:
	default:
		errs = append(errs, fmt.Errorf("master.transport must be %q or %q, got %q", TransportPcap, TransportUDP, m.Transport))
	}
	if m.Slots < 1 || m.Slots > ecmd.MaxSlots {
		errs = append(errs, fmt.Errorf("master.slots must be between 1 and %d, got %d", ecmd.MaxSlots, m.Slots))
	}
	if m.MTU > ecmd.DefaultMTU {
		errs = append(errs, fmt.Errorf("master.mtu must be at most %d, got %d", ecmd.DefaultMTU, m.MTU))
	}
	for name, v := range map[string]int{
		"cycle_interval_ms":  m.CycleIntervalMs,
		"receive_timeout_ms": m.ReceiveTimeoutMs,
		"request_timeout_ms": m.RequestTimeoutMs,
		"state_timeout_ms":   m.StateTimeoutMs,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("master.%s must not be negative", name))
		}
	}
	if m.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("master.retry.attempts must be at least 1"))
	}
	if m.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("master.retry.multiplier must be at least 1"))
	}
	switch m.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("master.log_format must be text or json, got %q", m.LogFormat))
	}

	positions := make(map[uint16]string)
	for i, d := range c.Devices {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: name is required", i))
		}
		if other, dup := positions[d.Position]; dup {
			errs = append(errs, fmt.Errorf("devices[%d]: position %d already used by %s", i, d.Position, other))
		}
		positions[d.Position] = d.Name
		if _, err := d.SDOs(); err != nil {
			errs = append(errs, fmt.Errorf("devices[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (m *MasterConfig) CycleInterval() time.Duration { return ms(m.CycleIntervalMs) }

func (m *MasterConfig) StateTimeout() time.Duration { return ms(m.StateTimeoutMs) }

// LoopOptions returns the options for ecmd.New.
func (m *MasterConfig) LoopOptions() []ecmd.Option {
	return []ecmd.Option{
		ecmd.WithSlots(m.Slots),
		ecmd.WithMTU(m.MTU),
		ecmd.WithReceiveTimeout(ms(m.ReceiveTimeoutMs)),
	}
}

// ExecOptions returns the options for register access by devices.
func (m *MasterConfig) ExecOptions() ecmd.Options {
	return ecmd.Options{Timeout: ms(m.RequestTimeoutMs)}
}

func (m *MasterConfig) RetryPolicy() ecsm.RetryPolicy {
	return ecsm.RetryPolicy{
		Attempts:   m.Retry.Attempts,
		Backoff:    ms(m.Retry.BackoffMs),
		MaxBackoff: ms(m.Retry.MaxBackoffMs),
		Multiplier: m.Retry.Multiplier,
	}
}

// ApplyLogging sets the eclog level and format.
func (m *MasterConfig) ApplyLogging() {
	eclog.SetLogLevel(eclog.ParseLevel(m.LogLevel))
	format := eclog.LogFormatText
	if m.LogFormat == "json" {
		format = eclog.LogFormatJSON
	}
	eclog.SetLogFormat(os.Stderr, format)
}

// SDOs decodes the startup SDOs.
func (d *DeviceConfig) SDOs() ([]ecsm.StartupSDO, error) {
	var sdos []ecsm.StartupSDO
	for _, s := range d.StartupSDOs {
		obj := ecmb.Object{Index: s.Index, SubIndex: s.SubIndex}
		v, err := parseHex(s.Value)
		if err != nil {
			return nil, fmt.Errorf("startup SDO %v: %w", obj, err)
		}
		if len(v) == 0 {
			return nil, fmt.Errorf("startup SDO %v: empty value", obj)
		}
		if s.Size != 0 && s.Size != len(v) {
			return nil, fmt.Errorf("startup SDO %v: value has %d bytes, size is %d", obj, len(v), s.Size)
		}
		sdos = append(sdos, ecsm.StartupSDO{Object: obj, Value: v})
	}
	return sdos, nil
}

func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	s = strings.NewReplacer(" ", "", ":", "", "_", "").Replace(s)
	return hex.DecodeString(s)
}

// Expected returns the configured devices for ecsm.ValidateTopology.
func (c *Config) Expected() []ecsm.Expected {
	var exp []ecsm.Expected
	for _, d := range c.Devices {
		exp = append(exp, ecsm.Expected{
			Position:    d.Position,
			Name:        d.Name,
			VendorID:    d.VendorID,
			ProductCode: d.ProductCode,
			Revision:    d.Revision,
		})
	}
	return exp
}

// Configure applies timeouts, the retry policy and startup SDOs to a
// discovered device. It fits ecsm.DiscoverOptions.Configure.
func (c *Config) Configure(d *ecsm.Device) {
	d.StateTimeout = c.Master.StateTimeout()
	d.Retry = c.Master.RetryPolicy()
	d.ExecOptions = c.Master.ExecOptions()

	for i := range c.Devices {
		dc := &c.Devices[i]
		if dc.Position != d.Position {
			continue
		}
		// validated on load
		d.StartupSDOs, _ = dc.SDOs()
	}
}
