// Package wifi lists the Wi-Fi interfaces of the host using nl80211, and
// their link state using rtnetlink.
package wifi

import (
	"fmt"
	"net"
	"runtime"
	"sort"
)

// errUnimplemented is returned by all functions on platforms that
// do not have package wifi implemented.
var errUnimplemented = fmt.Errorf("package wifi not implemented on %s/%s",
	runtime.GOOS, runtime.GOARCH)

// An InterfaceType is the operating mode of an Interface. The values copy
// the ordering of nl80211's interface type constants.
type InterfaceType int

const (
	InterfaceTypeUnspecified InterfaceType = iota
	InterfaceTypeAdHoc
	InterfaceTypeStation
	InterfaceTypeAP
	InterfaceTypeAPVLAN
	InterfaceTypeWDS
	InterfaceTypeMonitor
	InterfaceTypeMeshPoint
	InterfaceTypeP2PClient
	InterfaceTypeP2PGroupOwner
	InterfaceTypeP2PDevice
	InterfaceTypeOCB
	InterfaceTypeNAN
)

var typeNames = map[InterfaceType]string{
	InterfaceTypeUnspecified:   "unspecified",
	InterfaceTypeAdHoc:         "ad-hoc",
	InterfaceTypeStation:       "station",
	InterfaceTypeAP:            "ap",
	InterfaceTypeAPVLAN:        "ap-vlan",
	InterfaceTypeWDS:           "wds",
	InterfaceTypeMonitor:       "monitor",
	InterfaceTypeMeshPoint:     "mesh-point",
	InterfaceTypeP2PClient:     "p2p-client",
	InterfaceTypeP2PGroupOwner: "p2p-go",
	InterfaceTypeP2PDevice:     "p2p-device",
	InterfaceTypeOCB:           "ocb",
	InterfaceTypeNAN:           "nan",
}

func (t InterfaceType) String() string {
	if s, f := typeNames[t]; f {
		return s
	}
	return fmt.Sprintf("InterfaceType(%d)", int(t))
}

// An Interface is a WiFi network interface.
type Interface struct {
	// The index of the interface, 0 for interfaces without a netdev, like
	// the P2P device.
	Index int

	// The name of the interface.
	Name string

	// The hardware address of the interface.
	HardwareAddr net.HardwareAddr

	// The physical device that this interface belongs to.
	PHY int

	// The virtual device number of this interface within a PHY.
	Device int

	// The operating mode of the interface.
	Type InterfaceType

	// The interface's wireless frequency in MHz.
	Frequency int

	// Operational state from rtnetlink. Always false for interfaces
	// without a netdev.
	Up bool
}

// P2PInterfaces returns the names of the interfaces that can run P2P
// discovery: station interfaces on a PHY that also has a P2P device.
// wpa_supplicant and NetworkManager key the P2P device by these names.
func P2PInterfaces(ifis []*Interface) []string {
	p2p := map[int]bool{}
	for _, ifi := range ifis {
		if ifi.Type == InterfaceTypeP2PDevice {
			p2p[ifi.PHY] = true
		}
	}
	res := []string{}
	for _, ifi := range ifis {
		if ifi.Name == "" || ifi.Type != InterfaceTypeStation || !p2p[ifi.PHY] {
			continue
		}
		res = append(res, ifi.Name)
	}
	sort.Strings(res)
	return res
}
