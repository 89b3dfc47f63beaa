package ecsm

import (
	"errors"
	"fmt"

	"github.com/distributed/ecmaster/ecee"
	"github.com/distributed/ecmaster/raweni"
)

// Expected is the device configured at a ring position. A zero Revision
// matches any revision.
type Expected struct {
	Position    uint16
	Name        string
	VendorID    uint32
	ProductCode uint32
	Revision    uint32
}

func (e Expected) matches(id ecee.Identity) bool {
	if e.VendorID != id.VendorID || e.ProductCode != id.ProductCode {
		return false
	}
	return e.Revision == 0 || e.Revision == id.Revision
}

var ErrTopologyMismatch = errors.New("topology mismatch")

// TopologyError describes a position where the ring differs from the
// configuration.
type TopologyError struct {
	Position uint16
	Want     *Expected      // nil for a device that is not configured
	Have     *ecee.Identity // nil for a missing device
}

func (e TopologyError) Error() string {
	switch {
	case e.Have == nil:
		return fmt.Sprintf("position %d: %s missing", e.Position, e.Want.Name)
	case e.Want == nil:
		return fmt.Sprintf("position %d: unexpected device, %v", e.Position, *e.Have)
	}
	return fmt.Sprintf("position %d: expected %s (vendor %#08x product %#08x), found %v",
		e.Position, e.Want.Name, e.Want.VendorID, e.Want.ProductCode, *e.Have)
}

func (e TopologyError) Unwrap() error { return ErrTopologyMismatch }

// ValidateTopology compares the discovered devices with the expected ones.
// All differences are returned joined. Configured names are applied to
// matching devices.
func ValidateTopology(devs []*Device, expected []Expected) error {
	byPos := make(map[uint16]*Device, len(devs))
	for _, d := range devs {
		byPos[d.Position] = d
	}

	var errs []error
	seen := make(map[uint16]bool, len(expected))
	for i := range expected {
		e := &expected[i]
		seen[e.Position] = true

		d, ok := byPos[e.Position]
		if !ok {
			errs = append(errs, TopologyError{Position: e.Position, Want: e})
			continue
		}
		id := d.Identity
		if !e.matches(id) {
			errs = append(errs, TopologyError{e.Position, e, &id})
			continue
		}
		if e.Name != "" {
			d.Name = e.Name
		}
	}

	for _, d := range devs {
		if !seen[d.Position] {
			id := d.Identity
			errs = append(errs, TopologyError{Position: d.Position, Have: &id})
		}
	}

	return errors.Join(errs...)
}

// UnknownDeviceError is returned for a device without an ESI description.
type UnknownDeviceError struct {
	Station  uint16
	Identity ecee.Identity
}

func (e UnknownDeviceError) Error() string {
	return fmt.Sprintf("device %#04x not described: %v", e.Station, e.Identity)
}

// Describe looks up each device in the ESI files. Devices found are named
// after their description unless they already have a name.
func Describe(devs []*Device, infos []raweni.EtherCATInfo) error {
	var errs []error
	for _, d := range devs {
		id := d.Identity
		found := false
		for i := range infos {
			desc, ok := infos[i].Find(id.VendorID, id.ProductCode, id.Revision)
			if !ok {
				continue
			}
			if d.Name == "" {
				d.Name = desc.Type.Name
			}
			found = true
			break
		}
		if !found {
			errs = append(errs, UnknownDeviceError{d.Station, id})
		}
	}
	return errors.Join(errs...)
}
