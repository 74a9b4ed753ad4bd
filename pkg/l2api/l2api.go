package l2api

import (
	"fmt"
	"time"
)

// JSON structures used for reporting Wi-Fi Direct peers, independent of the
// stack that discovered them.

// The information is extracted from NetworkManager (D-Bus) or wpa_supplicant
// (control socket). Safe to copy, to avoid a direct dependency on the adapters.

// PeerEventType tells if a peer was found or lost.
type PeerEventType int

const (
	PeerAdded PeerEventType = iota + 1
	PeerRemoved
)

func (t PeerEventType) String() string {
	switch t {
	case PeerAdded:
		return "added"
	case PeerRemoved:
		return "removed"
	}
	return fmt.Sprintf("PeerEventType(%d)", int(t))
}

// Info about a Wi-Fi Direct peer, as reported by the network stack.
type Peer struct {
	// Opaque identity, used to match removal notifications.
	// D-Bus object path for NetworkManager, P2P device address for wpa_supplicant.
	ID string `json:"id"`

	// Name of the device (interface or NM device) that reported the peer.
	Device string `json:"dev,omitempty"`

	// Name, from the discovery.
	Name string `json:"N,omitempty"`

	// P2P device address of the peer.
	HwAddress string `json:"d,omitempty"`

	// Raw WFD information elements - WFD subelements, as advertised in
	// probe responses. Nil if the peer did not advertise any.
	WFDIEs []byte `json:"wfd,omitempty"`

	// Signal quality, 0-100, if known.
	Strength int `json:"l,omitempty"`

	LastSeen time.Time `json:"lastSeen,omitempty"`
}

func (p *Peer) String() string { return fmt.Sprintf("%s/%s/%d", p.ID, p.Name, len(p.WFDIEs)) }

// PeerEvent is emitted by a P2P device when the set of visible peers changes.
//
// For removals only ID and Device are guaranteed, the peer is usually gone from
// the stack by the time the event is delivered.
type PeerEvent struct {
	Type PeerEventType `json:"t"`
	Peer *Peer         `json:"p"`
}
