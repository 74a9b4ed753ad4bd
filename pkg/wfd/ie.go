// Package wfd decodes Wi-Fi Display information elements.
//
// The WFD IE is a list of subelements: 1 byte ID, 2 bytes big endian length,
// body. The stacks report either the subelements directly (NetworkManager
// WfdIEs, wpa_supplicant wfd_subelems) or wrapped in the vendor specific IE
// header (DD len 50:6F:9A 0A).
package wfd

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Subelement IDs, from the Wi-Fi Display technical specification.
const (
	SubelemDeviceInfo         = 0
	SubelemAssociatedBSSID    = 1
	SubelemCoupledSinkInfo    = 6
	SubelemExtendedCapability = 7
	SubelemLocalIPAddress     = 8
	SubelemSessionInfo        = 9
)

// Default RTSP control port, used when the device info has none.
const DefaultControlPort = 7236

var ErrShort = errors.New("wfd: truncated subelement")

var vendorOUI = []byte{0x50, 0x6f, 0x9a, 0x0a}

// DeviceType is bits 0-1 of the device information bitmap.
type DeviceType int

const (
	Source DeviceType = iota
	PrimarySink
	SecondarySink
	DualRole
)

func (t DeviceType) String() string {
	switch t {
	case Source:
		return "source"
	case PrimarySink:
		return "primary-sink"
	case SecondarySink:
		return "secondary-sink"
	case DualRole:
		return "dual-role"
	}
	return fmt.Sprintf("DeviceType(%d)", int(t))
}

// IsSink returns true if the device can render a stream.
func (t DeviceType) IsSink() bool { return t != Source }

type Subelement struct {
	ID   byte
	Data []byte
}

// DeviceInfo is the decoded Device Information subelement.
type DeviceInfo struct {
	Type        DeviceType
	Available   bool
	ControlPort int
	// Max average throughput, in Mbps.
	Throughput int
}

// Parse splits raw WFD IEs into subelements.
func Parse(b []byte) ([]Subelement, error) {
	b = stripVendorHeader(b)
	res := []Subelement{}
	for len(b) > 0 {
		if len(b) < 3 {
			return res, ErrShort
		}
		l := int(binary.BigEndian.Uint16(b[1:3]))
		if len(b) < 3+l {
			return res, ErrShort
		}
		res = append(res, Subelement{ID: b[0], Data: b[3 : 3+l]})
		b = b[3+l:]
	}
	return res, nil
}

// stripVendorHeader removes one or more vendor specific IE headers, if the
// stack reported the full IE. Other IEs in the list are skipped.
func stripVendorHeader(b []byte) []byte {
	if !isWFDElement(b) {
		return b
	}
	out := []byte{}
	for len(b) >= 2 {
		l := int(b[1])
		if len(b) < 2+l {
			break
		}
		if isWFDElement(b) {
			out = append(out, b[6:2+l]...)
		}
		b = b[2+l:]
	}
	return out
}

func isWFDElement(b []byte) bool {
	return len(b) >= 6 && b[0] == 0xdd && int(b[1]) >= 4 && string(b[2:6]) == string(vendorOUI)
}

// ParseDeviceInfo finds and decodes the Device Information subelement.
func ParseDeviceInfo(b []byte) (*DeviceInfo, error) {
	subs, err := Parse(b)
	if err != nil && len(subs) == 0 {
		return nil, err
	}
	for _, s := range subs {
		if s.ID != SubelemDeviceInfo {
			continue
		}
		if len(s.Data) < 6 {
			return nil, ErrShort
		}
		bits := binary.BigEndian.Uint16(s.Data[0:2])
		di := &DeviceInfo{
			Type:        DeviceType(bits & 0x3),
			Available:   (bits>>4)&0x3 == 1,
			ControlPort: int(binary.BigEndian.Uint16(s.Data[2:4])),
			Throughput:  int(binary.BigEndian.Uint16(s.Data[4:6])),
		}
		if di.ControlPort == 0 {
			di.ControlPort = DefaultControlPort
		}
		return di, nil
	}
	return nil, errors.New("wfd: no device info subelement")
}

// DeviceInfoSubelement encodes a device info body (6 bytes, as reported by
// wpa_supplicant wfd_dev_info) as a full subelement.
func DeviceInfoSubelement(body []byte) []byte {
	res := make([]byte, 3, 3+len(body))
	res[0] = SubelemDeviceInfo
	binary.BigEndian.PutUint16(res[1:3], uint16(len(body)))
	return append(res, body...)
}
