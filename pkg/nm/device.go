package nm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/costinm/wfd-sinks/pkg/l2api"
)

// Device is a NetworkManager WifiP2P device.
type Device struct {
	client *Client
	path   dbus.ObjectPath
	name   string
	log    *zap.Logger

	m sync.Mutex
	// Peer details by object path. PeerRemoved only carries the path, the
	// peer object is already gone when the signal arrives.
	peers map[dbus.ObjectPath]*l2api.Peer
}

// Name returns the interface name, p2p-dev-IFNAME.
func (d *Device) Name() string { return d.name }

// Path returns the D-Bus object path of the device.
func (d *Device) Path() dbus.ObjectPath { return d.path }

// StartFind starts a P2P find with the NetworkManager default timeout.
func (d *Device) StartFind(ctx context.Context) error {
	opts := map[string]dbus.Variant{}
	call := d.client.conn.Object(busName, d.path).CallWithContext(ctx, ifaceP2P+".StartFind", 0, opts)
	if call.Err != nil {
		return fmt.Errorf("nm: StartFind %s: %w", d.name, call.Err)
	}
	return nil
}

// StopFind stops the current find.
func (d *Device) StopFind(ctx context.Context) error {
	call := d.client.conn.Object(busName, d.path).CallWithContext(ctx, ifaceP2P+".StopFind", 0)
	if call.Err != nil {
		return fmt.Errorf("nm: StopFind %s: %w", d.name, call.Err)
	}
	return nil
}

// Peers returns the peers currently known to the device.
func (d *Device) Peers(ctx context.Context) ([]*l2api.Peer, error) {
	props, err := getAll(ctx, d.client.conn.Object(busName, d.path), ifaceP2P)
	if err != nil {
		return nil, fmt.Errorf("nm: peers of %s: %w", d.name, err)
	}
	paths, _ := props["Peers"].Value().([]dbus.ObjectPath)

	res := []*l2api.Peer{}
	for _, p := range paths {
		peer, err := d.peer(ctx, p)
		if err != nil {
			// Peer went away between the two calls.
			d.log.Debug("Peer properties", zap.String("peer", string(p)), zap.Error(err))
			continue
		}
		res = append(res, peer)
	}
	return res, nil
}

// peer reads the properties of a peer object and caches them.
func (d *Device) peer(ctx context.Context, path dbus.ObjectPath) (*l2api.Peer, error) {
	props, err := getAll(ctx, d.client.conn.Object(busName, path), ifacePeer)
	if err != nil {
		return nil, err
	}
	p := peerFromProps(path, d.name, props)

	d.m.Lock()
	d.peers[path] = p
	d.m.Unlock()

	cp := *p
	return &cp, nil
}

// removed returns the cached details of a removed peer.
func (d *Device) removed(path dbus.ObjectPath) *l2api.Peer {
	d.m.Lock()
	defer d.m.Unlock()
	p, f := d.peers[path]
	if !f {
		return &l2api.Peer{ID: string(path), Device: d.name}
	}
	delete(d.peers, path)
	cp := *p
	return &cp
}

func peerFromProps(path dbus.ObjectPath, dev string, props map[string]dbus.Variant) *l2api.Peer {
	p := &l2api.Peer{
		ID:        string(path),
		Device:    dev,
		Name:      stringProp(props, "Name"),
		HwAddress: stringProp(props, "HwAddress"),
	}
	if ies, ok := props["WfdIEs"].Value().([]byte); ok && len(ies) > 0 {
		p.WFDIEs = ies
	}
	if s, ok := props["Strength"].Value().(byte); ok {
		p.Strength = int(s)
	}
	// LastSeen is in CLOCK_BOOTTIME seconds, -1 if never seen.
	if ls, ok := props["LastSeen"].Value().(int32); ok && ls >= 0 {
		p.LastSeen = time.Now()
	}
	return p
}

// Watch subscribes to the PeerAdded and PeerRemoved signals of the device.
// Added peers are resolved to their properties before being delivered.
func (d *Device) Watch(ctx context.Context) (<-chan l2api.PeerEvent, error) {
	conn := d.client.conn
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(d.path),
		dbus.WithMatchInterface(ifaceP2P),
	}
	if err := conn.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("nm: watching %s: %w", d.name, err)
	}

	sigs := make(chan *dbus.Signal, 32)
	conn.Signal(sigs)

	// Signals are queued before resolving, the D-Bus reader must not wait
	// on the property calls.
	raw := make(chan l2api.PeerEvent)
	go func() {
		defer close(raw)
		defer func() {
			conn.RemoveSignal(sigs)
			if err := conn.RemoveMatchSignal(match...); err != nil {
				d.log.Debug("RemoveMatchSignal", zap.Error(err))
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-sigs:
				if !ok {
					return
				}
				ev, ok := d.signalEvent(s)
				if !ok {
					continue
				}
				select {
				case raw <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	out := make(chan l2api.PeerEvent)
	go func() {
		defer close(out)
		for ev := range l2api.Forward(ctx, raw) {
			path := dbus.ObjectPath(ev.Peer.ID)
			if ev.Type == l2api.PeerAdded {
				p, err := d.peer(ctx, path)
				if err != nil {
					d.log.Debug("Added peer properties", zap.String("peer", ev.Peer.ID), zap.Error(err))
					continue
				}
				ev.Peer = p
			} else {
				ev.Peer = d.removed(path)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// signalEvent converts a WifiP2P signal of this device to a peer event
// carrying only the peer path.
func (d *Device) signalEvent(s *dbus.Signal) (l2api.PeerEvent, bool) {
	if s == nil || s.Path != d.path || len(s.Body) == 0 {
		return l2api.PeerEvent{}, false
	}
	path, ok := s.Body[0].(dbus.ObjectPath)
	if !ok {
		return l2api.PeerEvent{}, false
	}
	ev := l2api.PeerEvent{Peer: &l2api.Peer{ID: string(path), Device: d.name}}
	switch s.Name {
	case ifaceP2P + ".PeerAdded":
		ev.Type = l2api.PeerAdded
	case ifaceP2P + ".PeerRemoved":
		ev.Type = l2api.PeerRemoved
	default:
		return l2api.PeerEvent{}, false
	}
	return ev, true
}
