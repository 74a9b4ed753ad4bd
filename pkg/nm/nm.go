// Package nm talks to NetworkManager over the system D-Bus, using the
// WifiP2P device API for peer discovery.
package nm

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/costinm/wfd-sinks/internal/logging"
	"github.com/costinm/wfd-sinks/pkg/l2api"
)

const (
	busName  = "org.freedesktop.NetworkManager"
	rootPath = dbus.ObjectPath("/org/freedesktop/NetworkManager")

	ifaceDevice = busName + ".Device"
	ifaceP2P    = busName + ".Device.WifiP2P"
	ifacePeer   = busName + ".WifiP2PPeer"

	propsGetAll = "org.freedesktop.DBus.Properties.GetAll"
)

// DeviceTypeWifiP2P is NM_DEVICE_TYPE_WIFI_P2P.
const DeviceTypeWifiP2P = 30

var ErrNoDevice = errors.New("nm: no Wi-Fi P2P device")

// bus is the subset of *dbus.Conn used by the client.
type bus interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Close() error
}

// Client is a NetworkManager connection.
type Client struct {
	conn bus
	log  *zap.Logger
}

// Dial opens a private system bus connection.
func Dial(log *zap.Logger) (*Client, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("nm: system bus: %w", err)
	}
	return newClient(conn, log), nil
}

func newClient(conn bus, log *zap.Logger) *Client {
	if log == nil {
		log = logging.Named("nm")
	}
	return &Client{conn: conn, log: log}
}

func (c *Client) Name() string { return "networkmanager" }

// Close closes the bus connection. Devices of the client stop working.
func (c *Client) Close() error {
	return c.conn.Close()
}

// WifiP2PDevices returns the devices of type WifiP2P.
func (c *Client) WifiP2PDevices(ctx context.Context) ([]*Device, error) {
	var paths []dbus.ObjectPath
	err := c.conn.Object(busName, rootPath).
		CallWithContext(ctx, busName+".GetDevices", 0).Store(&paths)
	if err != nil {
		return nil, fmt.Errorf("nm: GetDevices: %w", err)
	}

	res := []*Device{}
	for _, p := range paths {
		props, err := getAll(ctx, c.conn.Object(busName, p), ifaceDevice)
		if err != nil {
			c.log.Debug("Device properties", zap.String("path", string(p)), zap.Error(err))
			continue
		}
		if uint32Prop(props, "DeviceType") != DeviceTypeWifiP2P {
			continue
		}
		res = append(res, &Device{
			client: c,
			path:   p,
			name:   stringProp(props, "Interface"),
			log:    c.log.With(zap.String("dev", string(p))),
			peers:  map[dbus.ObjectPath]*l2api.Peer{},
		})
	}
	return res, nil
}

// Device returns the P2P device named ifname, or the first one if ifname is
// empty. NetworkManager names P2P devices p2p-dev-IFNAME; both forms match.
func (c *Client) Device(ctx context.Context, ifname string) (*Device, error) {
	devs, err := c.WifiP2PDevices(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range devs {
		if ifname == "" || d.name == ifname || d.name == "p2p-dev-"+ifname {
			return d, nil
		}
	}
	if ifname == "" {
		return nil, ErrNoDevice
	}
	return nil, fmt.Errorf("%w: %s", ErrNoDevice, ifname)
}

func getAll(ctx context.Context, o dbus.BusObject, iface string) (map[string]dbus.Variant, error) {
	props := map[string]dbus.Variant{}
	if err := o.CallWithContext(ctx, propsGetAll, 0, iface).Store(&props); err != nil {
		return nil, err
	}
	return props, nil
}

func stringProp(props map[string]dbus.Variant, k string) string {
	s, _ := props[k].Value().(string)
	return s
}

func uint32Prop(props map[string]dbus.Variant, k string) uint32 {
	u, _ := props[k].Value().(uint32)
	return u
}
