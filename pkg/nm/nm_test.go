package nm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/costinm/wfd-sinks/pkg/l2api"
	"github.com/costinm/wfd-sinks/pkg/wfdp2p"
)

var (
	_ wfdp2p.Client = (*Client)(nil)
	_ wfdp2p.Device = (*Device)(nil)
)

const (
	wifiPath = dbus.ObjectPath("/org/freedesktop/NetworkManager/Devices/3")
	p2pPath  = dbus.ObjectPath("/org/freedesktop/NetworkManager/Devices/4")
	tvPath   = dbus.ObjectPath("/org/freedesktop/NetworkManager/WifiP2PPeer/1")
	phPath   = dbus.ObjectPath("/org/freedesktop/NetworkManager/WifiP2PPeer/2")
	gonePath = dbus.ObjectPath("/org/freedesktop/NetworkManager/WifiP2PPeer/9")
)

var errUnknownObject = errors.New("org.freedesktop.DBus.Error.UnknownObject")

type call struct {
	path   dbus.ObjectPath
	method string
	args   []interface{}
}

// fakeBus serves NetworkManager objects from memory. Only the methods the
// client uses are implemented.
type fakeBus struct {
	m       sync.Mutex
	props   map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	replies map[string][]interface{}
	calls   []call
	sigs    []chan<- *dbus.Signal
	matches int
	closed  bool
}

type fakeObject struct {
	dbus.BusObject
	bus  *fakeBus
	path dbus.ObjectPath
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		props: map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
			wifiPath: {ifaceDevice: {
				"DeviceType": dbus.MakeVariant(uint32(2)),
				"Interface":  dbus.MakeVariant("wlan0"),
			}},
			p2pPath: {
				ifaceDevice: {
					"DeviceType": dbus.MakeVariant(uint32(DeviceTypeWifiP2P)),
					"Interface":  dbus.MakeVariant("p2p-dev-wlan0"),
				},
				ifaceP2P: {
					"Peers": dbus.MakeVariant([]dbus.ObjectPath{tvPath, phPath, gonePath}),
				},
			},
			tvPath: {ifacePeer: {
				"Name":      dbus.MakeVariant("Living Room TV"),
				"HwAddress": dbus.MakeVariant("DA:50:E6:91:5B:CB"),
				"WfdIEs":    dbus.MakeVariant([]byte{0, 0, 6, 0, 0x11, 0x1c, 0x44, 0, 0x32}),
				"Strength":  dbus.MakeVariant(byte(64)),
				"LastSeen":  dbus.MakeVariant(int32(1234)),
			}},
			phPath: {ifacePeer: {
				"Name":      dbus.MakeVariant("Android_656a"),
				"HwAddress": dbus.MakeVariant("42:4E:36:8E:5D:E1"),
				"WfdIEs":    dbus.MakeVariant([]byte{}),
				"Strength":  dbus.MakeVariant(byte(90)),
				"LastSeen":  dbus.MakeVariant(int32(-1)),
			}},
		},
		replies: map[string][]interface{}{
			busName + ".GetDevices": {[]dbus.ObjectPath{wifiPath, p2pPath}},
		},
	}
}

func (b *fakeBus) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	return &fakeObject{bus: b, path: path}
}

func (b *fakeBus) AddMatchSignal(options ...dbus.MatchOption) error {
	b.m.Lock()
	defer b.m.Unlock()
	b.matches++
	return nil
}

func (b *fakeBus) RemoveMatchSignal(options ...dbus.MatchOption) error {
	b.m.Lock()
	defer b.m.Unlock()
	b.matches--
	return nil
}

func (b *fakeBus) Signal(ch chan<- *dbus.Signal) {
	b.m.Lock()
	defer b.m.Unlock()
	b.sigs = append(b.sigs, ch)
}

func (b *fakeBus) RemoveSignal(ch chan<- *dbus.Signal) {
	b.m.Lock()
	defer b.m.Unlock()
	for i, c := range b.sigs {
		if c == ch {
			b.sigs = append(b.sigs[:i], b.sigs[i+1:]...)
			return
		}
	}
}

func (b *fakeBus) Close() error {
	b.m.Lock()
	defer b.m.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBus) emit(path dbus.ObjectPath, member string, peer dbus.ObjectPath) {
	b.m.Lock()
	sigs := append([]chan<- *dbus.Signal{}, b.sigs...)
	b.m.Unlock()
	s := &dbus.Signal{Path: path, Name: ifaceP2P + "." + member, Body: []interface{}{peer}}
	for _, ch := range sigs {
		ch <- s
	}
}

func (b *fakeBus) watchers() (int, int) {
	b.m.Lock()
	defer b.m.Unlock()
	return len(b.sigs), b.matches
}

func (b *fakeBus) methodCalls(method string) []call {
	b.m.Lock()
	defer b.m.Unlock()
	res := []call{}
	for _, c := range b.calls {
		if c.method == method {
			res = append(res, c)
		}
	}
	return res
}

func (o *fakeObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	b := o.bus
	b.m.Lock()
	defer b.m.Unlock()
	b.calls = append(b.calls, call{path: o.path, method: method, args: args})

	if method == propsGetAll {
		iface, _ := args[0].(string)
		props, f := b.props[o.path][iface]
		if !f {
			return &dbus.Call{Err: errUnknownObject}
		}
		return &dbus.Call{Body: []interface{}{props}}
	}
	if r, f := b.replies[method]; f {
		return &dbus.Call{Body: r}
	}
	return &dbus.Call{}
}

func newTestClient() (*Client, *fakeBus) {
	b := newFakeBus()
	return newClient(b, zap.NewNop()), b
}

func TestWifiP2PDevices(t *testing.T) {
	c, b := newTestClient()
	ctx := context.Background()

	devs, err := c.WifiP2PDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, "p2p-dev-wlan0", devs[0].Name())
	assert.Equal(t, p2pPath, devs[0].Path())

	d, err := c.Device(ctx, "wlan0")
	require.NoError(t, err)
	assert.Equal(t, p2pPath, d.Path())

	d, err = c.Device(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "p2p-dev-wlan0", d.Name())

	_, err = c.Device(ctx, "wlan9")
	assert.ErrorIs(t, err, ErrNoDevice)

	assert.Equal(t, "networkmanager", c.Name())
	require.NoError(t, c.Close())
	assert.True(t, b.closed)
}

func TestStartFind(t *testing.T) {
	c, b := newTestClient()
	d, err := c.Device(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, d.StartFind(context.Background()))
	calls := b.methodCalls(ifaceP2P + ".StartFind")
	require.Len(t, calls, 1)
	assert.Equal(t, p2pPath, calls[0].path)
	assert.Equal(t, []interface{}{map[string]dbus.Variant{}}, calls[0].args)

	require.NoError(t, d.StopFind(context.Background()))
	assert.Len(t, b.methodCalls(ifaceP2P+".StopFind"), 1)
}

func TestPeers(t *testing.T) {
	c, _ := newTestClient()
	d, err := c.Device(context.Background(), "")
	require.NoError(t, err)

	peers, err := d.Peers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 2)

	tv := peers[0]
	assert.Equal(t, string(tvPath), tv.ID)
	assert.Equal(t, "p2p-dev-wlan0", tv.Device)
	assert.Equal(t, "Living Room TV", tv.Name)
	assert.Equal(t, "DA:50:E6:91:5B:CB", tv.HwAddress)
	assert.Equal(t, 64, tv.Strength)
	assert.Len(t, tv.WFDIEs, 9)
	assert.False(t, tv.LastSeen.IsZero())
	assert.True(t, wfdp2p.IsWFDPeer(tv))

	ph := peers[1]
	assert.Nil(t, ph.WFDIEs)
	assert.True(t, ph.LastSeen.IsZero())
	assert.False(t, wfdp2p.IsWFDPeer(ph))
}

func TestWatch(t *testing.T) {
	c, b := newTestClient()
	d, err := c.Device(context.Background(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := d.Watch(ctx)
	require.NoError(t, err)

	next := func() l2api.PeerEvent {
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no event")
		}
		return l2api.PeerEvent{}
	}

	// Other device, ignored.
	b.emit(wifiPath, "PeerAdded", phPath)
	b.emit(p2pPath, "PeerAdded", tvPath)
	ev := next()
	assert.Equal(t, l2api.PeerAdded, ev.Type)
	assert.Equal(t, "Living Room TV", ev.Peer.Name)
	assert.NotEmpty(t, ev.Peer.WFDIEs)

	// The peer object is gone when removed, details come from the cache.
	b.m.Lock()
	delete(b.props, tvPath)
	b.m.Unlock()
	b.emit(p2pPath, "PeerRemoved", tvPath)
	ev = next()
	assert.Equal(t, l2api.PeerRemoved, ev.Type)
	assert.Equal(t, string(tvPath), ev.Peer.ID)
	assert.Equal(t, "Living Room TV", ev.Peer.Name)

	// Unknown peers are still reported, with the path only.
	b.emit(p2pPath, "PeerRemoved", gonePath)
	ev = next()
	assert.Equal(t, string(gonePath), ev.Peer.ID)
	assert.Equal(t, "p2p-dev-wlan0", ev.Peer.Device)

	cancel()
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events not closed")
	}
	assert.Eventually(t, func() bool {
		n, m := b.watchers()
		return n == 0 && m == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSignalEvent(t *testing.T) {
	d := &Device{path: p2pPath, name: "p2p-dev-wlan0"}

	tests := []struct {
		name string
		sig  *dbus.Signal
		ok   bool
		typ  l2api.PeerEventType
	}{
		{"added", &dbus.Signal{Path: p2pPath, Name: ifaceP2P + ".PeerAdded", Body: []interface{}{tvPath}}, true, l2api.PeerAdded},
		{"removed", &dbus.Signal{Path: p2pPath, Name: ifaceP2P + ".PeerRemoved", Body: []interface{}{tvPath}}, true, l2api.PeerRemoved},
		{"other member", &dbus.Signal{Path: p2pPath, Name: ifaceDevice + ".StateChanged", Body: []interface{}{tvPath}}, false, 0},
		{"other path", &dbus.Signal{Path: wifiPath, Name: ifaceP2P + ".PeerAdded", Body: []interface{}{tvPath}}, false, 0},
		{"empty body", &dbus.Signal{Path: p2pPath, Name: ifaceP2P + ".PeerAdded"}, false, 0},
		{"bad body", &dbus.Signal{Path: p2pPath, Name: ifaceP2P + ".PeerAdded", Body: []interface{}{"x"}}, false, 0},
		{"nil", nil, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := d.signalEvent(tt.sig)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.typ, ev.Type)
				assert.Equal(t, string(tvPath), ev.Peer.ID)
			}
		})
	}
}
