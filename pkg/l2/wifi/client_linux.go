//go:build linux

package wifi

import (
	"errors"
	"fmt"
	"net"

	"github.com/jsimonetti/rtnetlink"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// Errors which may occur when interacting with generic netlink.
var (
	errInvalidCommand       = errors.New("invalid generic netlink response command")
	errInvalidFamilyVersion = errors.New("invalid generic netlink response family version")
)

const familyName = "nl80211"

// Client is a nl80211 client.
type Client struct {
	c             *genetlink.Conn
	familyID      uint16
	familyVersion uint8
}

// New dials a generic netlink connection and verifies that nl80211
// is available for use by this package.
func New() (*Client, error) {
	c, err := genetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("wifi: genetlink: %w", err)
	}

	family, err := c.GetFamily(familyName)
	if err != nil {
		// Ensure the genl socket is closed on error to avoid leaking file
		// descriptors.
		_ = c.Close()
		return nil, fmt.Errorf("wifi: nl80211: %w", err)
	}

	return &Client{
		c:             c,
		familyID:      family.ID,
		familyVersion: family.Version,
	}, nil
}

// Close releases resources used by a Client.
func (c *Client) Close() error {
	return c.c.Close()
}

// Interfaces requests that nl80211 return a list of all WiFi interfaces present
// on this system. Up is filled in from rtnetlink when available.
func (c *Client) Interfaces() ([]*Interface, error) {
	// Ask nl80211 to dump a list of all WiFi interfaces
	req := genetlink.Message{
		Header: genetlink.Header{
			Command: unix.NL80211_CMD_GET_INTERFACE,
			Version: c.familyVersion,
		},
	}

	flags := netlink.Request | netlink.Dump
	msgs, err := c.c.Execute(req, c.familyID, flags)
	if err != nil {
		return nil, fmt.Errorf("wifi: get interface: %w", err)
	}

	if err := c.checkMessages(msgs, unix.NL80211_CMD_NEW_INTERFACE); err != nil {
		return nil, err
	}

	ifis := make([]*Interface, 0, len(msgs))
	for _, m := range msgs {
		ifi, err := parseInterface(m.Data)
		if err != nil {
			return nil, err
		}
		ifis = append(ifis, ifi)
	}

	// Link state is best effort, nl80211 alone is enough to pick a device.
	if up, err := linkStates(); err == nil {
		for _, ifi := range ifis {
			ifi.Up = up[ifi.Name]
		}
	}

	return ifis, nil
}

// checkMessages verifies that response messages from generic netlink contain
// the command and family version we expect.
func (c *Client) checkMessages(msgs []genetlink.Message, command uint8) error {
	for _, m := range msgs {
		if m.Header.Command != command {
			return errInvalidCommand
		}

		if m.Header.Version != c.familyVersion {
			return errInvalidFamilyVersion
		}
	}

	return nil
}

// parseInterface parses the netlink attributes of a NEW_INTERFACE message.
func parseInterface(b []byte) (*Interface, error) {
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return nil, err
	}

	var ifi Interface
	for ad.Next() {
		switch ad.Type() {
		case unix.NL80211_ATTR_IFINDEX:
			ifi.Index = int(ad.Uint32())
		case unix.NL80211_ATTR_IFNAME:
			ifi.Name = ad.String()
		case unix.NL80211_ATTR_MAC:
			ifi.HardwareAddr = net.HardwareAddr(ad.Bytes())
		case unix.NL80211_ATTR_WIPHY:
			ifi.PHY = int(ad.Uint32())
		case unix.NL80211_ATTR_IFTYPE:
			ifi.Type = InterfaceType(ad.Uint32())
		case unix.NL80211_ATTR_WDEV:
			ifi.Device = int(ad.Uint64())
		case unix.NL80211_ATTR_WIPHY_FREQ:
			ifi.Frequency = int(ad.Uint32())
		}
	}
	if err := ad.Err(); err != nil {
		return nil, fmt.Errorf("wifi: interface attributes: %w", err)
	}
	return &ifi, nil
}

// linkStates returns the operational state of all links, by name.
func linkStates() (map[string]bool, error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	links, err := conn.Link.List()
	if err != nil {
		return nil, err
	}
	res := map[string]bool{}
	for _, l := range links {
		if l.Attributes == nil {
			continue
		}
		res[l.Attributes.Name] = l.Attributes.OperationalState == rtnetlink.OperStateUp
	}
	return res, nil
}
