// Package wfdp2p publishes Wi-Fi Direct peers advertising WFD capability as
// screencast sinks.
//
// A Provider is bound to one P2P device. It keeps one sink per WFD peer,
// following the device peer-added and peer-removed events, and restarts
// discovery periodically so the peer list stays fresh.
package wfdp2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/costinm/wfd-sinks/internal/logging"
	"github.com/costinm/wfd-sinks/pkg/l2api"
	"github.com/costinm/wfd-sinks/pkg/screencast"
)

// DefaultRescanInterval is the period of the P2P find restart.
const DefaultRescanInterval = 20 * time.Second

var (
	ErrNoClient = errors.New("wfdp2p: client is required")
	ErrNoDevice = errors.New("wfdp2p: device is required")
)

// RemovalMatch selects how peer-removed events are matched to sinks.
type RemovalMatch int

const (
	// MatchPeer removes the sink created for the removed peer.
	MatchPeer RemovalMatch = iota

	// MatchDevice removes the oldest sink when the notifying device is the
	// provider device, regardless of the peer. Kept for consumers relying on
	// the historical behavior.
	MatchDevice
)

// ParseRemovalMatch converts the config string ("peer", "device").
func ParseRemovalMatch(s string) (RemovalMatch, error) {
	switch s {
	case "", "peer":
		return MatchPeer, nil
	case "device":
		return MatchDevice, nil
	}
	return MatchPeer, fmt.Errorf("unknown removal match %q", s)
}

// ticker is the rescan timer handle.
type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) ticker { return timeTicker{time.NewTicker(d)} }

type entry struct {
	peer *l2api.Peer
	sink screencast.Sink
}

// Provider implements screencast.Provider for one Wi-Fi P2P device.
type Provider struct {
	client Client
	dev    Device

	interval  time.Duration
	match     RemovalMatch
	newSink   SinkFactory
	newTicker func(time.Duration) ticker
	log       *zap.Logger

	m sync.Mutex
	// Live sinks, oldest first. Only the event goroutine mutates it.
	sinks []entry

	listeners screencast.Listeners

	timer  ticker
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

type Option func(*Provider)

func WithRescanInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithRemovalMatch(m RemovalMatch) Option {
	return func(p *Provider) { p.match = m }
}

func WithSinkFactory(f SinkFactory) Option {
	return func(p *Provider) { p.newSink = f }
}

// WithListener registers l before the initial peers are reconciled, so it
// sees the sinks created at construction.
func WithListener(l screencast.Listener) Option {
	return func(p *Provider) { p.listeners.Add(l) }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// New binds a provider to dev. It subscribes to peer events, starts a find,
// arms the rescan timer and creates sinks for the peers dev already knows.
//
// The returned provider must be closed.
func New(client Client, dev Device, opts ...Option) (*Provider, error) {
	if client == nil {
		return nil, ErrNoClient
	}
	if dev == nil {
		return nil, ErrNoDevice
	}

	p := &Provider{
		client:    client,
		dev:       dev,
		interval:  DefaultRescanInterval,
		newSink:   NewSink,
		newTicker: newTimeTicker,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = logging.Named("wfdp2p")
	}
	p.log = p.log.With(zap.String("device", dev.Name()))

	if err := p.start(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	events, err := p.dev.Watch(ctx)
	if err != nil {
		cancel()
		close(p.done)
		return fmt.Errorf("watching peers on %s: %w", p.dev.Name(), err)
	}

	p.startFind(ctx)
	p.timer = p.newTicker(p.interval)

	peers, err := p.dev.Peers(ctx)
	if err != nil {
		p.log.Debug("Listing peers failed", zap.Error(err))
	}
	for _, peer := range peers {
		p.peerAdded(peer)
	}

	go p.run(ctx, events, p.timer.C())
	return nil
}

// run is the event goroutine: all sink set changes happen here.
func (p *Provider) run(ctx context.Context, events <-chan l2api.PeerEvent, tick <-chan time.Time) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			p.startFind(ctx)
		case ev, ok := <-events:
			if !ok {
				p.log.Debug("Peer events closed")
				events = nil
				continue
			}
			switch ev.Type {
			case l2api.PeerAdded:
				p.peerAdded(ev.Peer)
			case l2api.PeerRemoved:
				p.peerRemoved(ev.Peer)
			}
		}
	}
}

// startFind is best effort, the next tick retries.
func (p *Provider) startFind(ctx context.Context) {
	if err := p.dev.StartFind(ctx); err != nil {
		p.log.Debug("Start find failed", zap.Error(err))
	}
}

func (p *Provider) peerAdded(peer *l2api.Peer) {
	// Assume this is not a WFD peer if there are no WFD IEs set.
	if !IsWFDPeer(peer) {
		return
	}

	p.m.Lock()
	for _, e := range p.sinks {
		if e.peer.ID == peer.ID {
			p.m.Unlock()
			p.log.Debug("Duplicate peer", zap.String("peer", peer.ID))
			return
		}
	}
	p.m.Unlock()

	p.log.Debug("Found a new sink", zap.String("peer", peer.ID), zap.String("name", peer.Name))
	sink := p.newSink(p.client, p.dev, peer)

	p.m.Lock()
	p.sinks = append(p.sinks, entry{peer: peer, sink: sink})
	p.m.Unlock()

	p.listeners.EmitAdded(sink)
}

func (p *Provider) peerRemoved(peer *l2api.Peer) {
	if peer == nil {
		return
	}
	p.log.Debug("Peer removed", zap.Stringer("peer", peer))

	p.m.Lock()
	idx := -1
	for i, e := range p.sinks {
		if p.matches(e, peer) {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.m.Unlock()
		return
	}
	e := p.sinks[idx]
	p.sinks = append(p.sinks[:idx:idx], p.sinks[idx+1:]...)
	p.m.Unlock()

	p.listeners.EmitRemoved(e.sink)
	release(e.sink)
}

func (p *Provider) matches(e entry, peer *l2api.Peer) bool {
	if p.match == MatchDevice {
		return peer.Device == "" || peer.Device == p.dev.Name()
	}
	return e.peer.ID == peer.ID
}

func release(s screencast.Sink) {
	if c, ok := s.(io.Closer); ok {
		_ = c.Close()
	}
}

// Sinks returns the live sinks, newest first. The slice is a copy.
func (p *Provider) Sinks() []screencast.Sink {
	p.m.Lock()
	defer p.m.Unlock()
	res := make([]screencast.Sink, 0, len(p.sinks))
	for i := len(p.sinks) - 1; i >= 0; i-- {
		res = append(res, p.sinks[i].sink)
	}
	return res
}

func (p *Provider) AddListener(l screencast.Listener) func() {
	return p.listeners.Add(l)
}

// Client returns the client the provider was created with, nil after Close.
func (p *Provider) Client() Client {
	p.m.Lock()
	defer p.m.Unlock()
	return p.client
}

// Device returns the device the provider is bound to, nil after Close.
func (p *Provider) Device() Device {
	p.m.Lock()
	defer p.m.Unlock()
	return p.dev
}

// Close stops the rescan timer, then the event goroutine, releases the sinks
// and drops the client and device. No sink-removed events are emitted.
//
// Must not be called from a listener, it waits for the event goroutine.
func (p *Provider) Close() error {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.cancel()
		<-p.done

		p.m.Lock()
		sinks := p.sinks
		p.sinks = nil
		p.m.Unlock()
		for _, e := range sinks {
			release(e.sink)
		}

		p.m.Lock()
		p.client = nil
		p.dev = nil
		p.m.Unlock()
	})
	return nil
}

var _ screencast.Provider = (*Provider)(nil)
