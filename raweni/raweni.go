// Package raweni reads EtherCAT slave information (ESI) XML files, the
// vendor device descriptions, closely following their raw structure.
package raweni

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"
)

func ReadEtherCATInfoFromFile(filename string) (eci EtherCATInfo, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return
	}
	defer f.Close()

	eci, err = ReadEtherCATInfo(f)
	if err != nil {
		err = fmt.Errorf("raweni: %s: %w", filename, err)
	}
	return
}

// ReadEtherCATInfo decodes an ESI document. ESI files are commonly
// ISO-8859-1 encoded; the encoding declaration is honored.
func ReadEtherCATInfo(r io.Reader) (eci EtherCATInfo, err error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel

	err = dec.Decode(&eci)
	return
}

type EtherCATInfo struct {
	Vendor       Vendor
	Descriptions Descriptions
}

type Vendor struct {
	IdRaw string `xml:"Id"`
	Name  string
}

func (v Vendor) Id() uint32 {
	return uint32(bh2i(v.IdRaw))
}

type Descriptions struct {
	Groups  []Group  `xml:"Groups>Group"`
	Devices []Device `xml:"Devices>Device"`
}

type Group struct {
	Type  string
	Names []GroupName `xml:"Name"`
}

type GroupName struct {
	LcIdentifiedName
}

type LcIdentifiedName struct {
	String string `xml:",chardata"`
	LcId   uint   `xml:",attr"`
}

type Device struct {
	Type    DeviceType
	Names   []LcIdentifiedName `xml:"Name"`
	Mailbox *Mailbox
	Sms     []Sm `xml:"Sm"`
	Eeprom  Eeprom
}

// Name returns the English name, or the first one if there is none.
func (d Device) Name() string {
	for _, n := range d.Names {
		if n.LcId == 1033 {
			return n.String
		}
	}
	if len(d.Names) > 0 {
		return d.Names[0].String
	}
	return d.Type.Name
}

// Matches reports whether d describes a device with the given product
// code and revision. A revision of zero matches any.
func (d Device) Matches(productCode, revision uint32) bool {
	if d.Type.ProductCode() != productCode {
		return false
	}
	return revision == 0 || d.Type.RevisionNo() == revision
}

type DeviceType struct {
	Name           string `xml:",chardata"`
	ProductCodeRaw string `xml:"ProductCode,attr"`
	RevisionNoRaw  string `xml:"RevisionNo,attr"`
}

func (d DeviceType) ProductCode() uint32 {
	return uint32(bh2i(d.ProductCodeRaw))
}

func (d DeviceType) RevisionNo() uint32 {
	return uint32(bh2i(d.RevisionNoRaw))
}

// Mailbox lists the supported mailbox protocols. Elements are present
// for supported protocols.
type Mailbox struct {
	CoE *struct{} `xml:"CoE"`
	FoE *struct{} `xml:"FoE"`
	EoE *struct{} `xml:"EoE"`
}

func (m *Mailbox) SupportsCoE() bool {
	return m != nil && m.CoE != nil
}

type Sm struct {
	Name                          string `xml:",chardata"`
	MinSize, MaxSize, DefaultSize uint   `xml:",attr"`
	StartAddressRaw               string `xml:"StartAddress,attr"`
	ControlByteRaw                string `xml:"ControlByte,attr"`
	Enable                        uint   `xml:",attr"`
}

func (s Sm) StartAddress() uint16 {
	return uint16(bh2i(s.StartAddressRaw))
}

func (s Sm) ControlByte() uint8 {
	return uint8(bh2i(s.ControlByteRaw))
}

type Eeprom struct {
	ByteSize      uint
	ConfigDataRaw string `xml:"ConfigData"`
}

// Find returns the description of a device of this vendor. A revision
// of zero matches the first description of the product.
func (eci *EtherCATInfo) Find(vendor, productCode, revision uint32) (Device, bool) {
	if eci.Vendor.Id() != vendor {
		return Device{}, false
	}
	for _, d := range eci.Descriptions.Devices {
		if d.Matches(productCode, revision) {
			return d, true
		}
	}
	return Device{}, false
}

// beckhoff hex string to integer, 0 on failure
func bh2i(s string) uint64 {
	var (
		n   uint64
		err error
	)

	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "#x") {
		// as s has 2 byte prefix, indexing is OK
		n, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		n, err = strconv.ParseUint(s, 10, 64)
	}

	if err != nil {
		return 0
	}

	return n
}
