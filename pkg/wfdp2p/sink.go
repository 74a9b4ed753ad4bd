package wfdp2p

import (
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/costinm/wfd-sinks/pkg/l2api"
	"github.com/costinm/wfd-sinks/pkg/screencast"
	"github.com/costinm/wfd-sinks/pkg/wfd"
)

// SinkFactory creates the sink for an accepted peer.
type SinkFactory func(client Client, dev Device, peer *l2api.Peer) screencast.Sink

// Sink is a WFD display reachable over Wi-Fi Direct.
type Sink struct {
	id     string
	client Client
	dev    Device
	peer   *l2api.Peer
	info   *wfd.DeviceInfo

	// Set by the provider goroutine, read by sink holders.
	closed atomic.Bool
}

// NewSink is the default SinkFactory.
func NewSink(client Client, dev Device, peer *l2api.Peer) screencast.Sink {
	s := &Sink{
		id:     uuid.NewString(),
		client: client,
		dev:    dev,
		peer:   peer,
	}
	// Admission only checks for non-empty IEs, the info is best effort.
	s.info, _ = wfd.ParseDeviceInfo(peer.WFDIEs)
	return s
}

func (s *Sink) ID() string { return s.id }

func (s *Sink) DisplayName() string {
	if s.peer.Name != "" {
		return s.peer.Name
	}
	if s.peer.HwAddress != "" {
		return s.peer.HwAddress
	}
	return s.peer.ID
}

func (s *Sink) Matches() []string {
	if s.peer.HwAddress == "" {
		return nil
	}
	return []string{strings.ToLower(s.peer.HwAddress)}
}

// Peer returns the peer the sink was created for.
func (s *Sink) Peer() *l2api.Peer { return s.peer }

// Client returns the client the sink was created with, nil once closed.
func (s *Sink) Client() Client {
	if s.closed.Load() {
		return nil
	}
	return s.client
}

// Device returns the device the sink was created with, nil once closed.
func (s *Sink) Device() Device {
	if s.closed.Load() {
		return nil
	}
	return s.dev
}

// Closed reports whether the provider released the sink.
func (s *Sink) Closed() bool { return s.closed.Load() }

// Info returns the decoded WFD device info, nil if it could not be parsed.
func (s *Sink) Info() *wfd.DeviceInfo { return s.info }

// Close marks the sink released. Client and Device return nil afterwards.
func (s *Sink) Close() error {
	s.closed.Store(true)
	return nil
}
