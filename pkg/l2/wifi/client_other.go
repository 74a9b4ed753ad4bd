//go:build !linux

package wifi

// Client is a nl80211 client, only available on Linux.
type Client struct{}

// New always fails on this platform.
func New() (*Client, error) {
	return nil, errUnimplemented
}

func (c *Client) Close() error {
	return errUnimplemented
}

func (c *Client) Interfaces() ([]*Interface, error) {
	return nil, errUnimplemented
}
