package wfdp2p

import (
	"context"

	"github.com/costinm/wfd-sinks/pkg/l2api"
)

// Client is the handle of the network stack owning a Device - the
// NetworkManager connection or the wpa_supplicant control directory.
// Sinks keep it, to set up the P2P group when a stream is started.
type Client interface {
	Name() string
}

// Device is a Wi-Fi P2P capable device, notifying peers as they are found
// and lost.
type Device interface {
	// Name of the device, for example the interface name.
	Name() string

	// StartFind asks the stack to start (or restart) P2P discovery.
	StartFind(ctx context.Context) error

	// Peers returns the peers currently known to the device.
	Peers(ctx context.Context) ([]*l2api.Peer, error)

	// Watch subscribes to peer events. The channel is closed when ctx is done
	// or the device goes away.
	Watch(ctx context.Context) (<-chan l2api.PeerEvent, error)
}

// IsWFDPeer returns true if the peer advertises WFD information elements.
//
// Peers without WFD IEs are not displays; nothing more is validated.
func IsWFDPeer(p *l2api.Peer) bool {
	return p != nil && len(p.WFDIEs) > 0
}
