// Package mice discovers Miracast over Infrastructure receivers, which
// advertise _display._tcp over mDNS, and publishes them as screencast sinks.
package mice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/costinm/wfd-sinks/internal/logging"
	"github.com/costinm/wfd-sinks/pkg/screencast"
)

const (
	// ServiceType is the mDNS service type of MICE receivers.
	ServiceType = "_display._tcp"

	// ServiceDomain is the mDNS domain.
	ServiceDomain = "local."

	// DefaultBrowseInterval is the period between two browses.
	DefaultBrowseInterval = 15 * time.Second

	// DefaultBrowseTimeout is how long one browse collects answers.
	DefaultBrowseTimeout = 3 * time.Second

	// maxMissed browses without an answer remove the sink.
	maxMissed = 3
)

// browser is implemented by *zeroconf.Resolver. A resolver shuts down its
// connections when the Browse context ends, so each browse needs a new one.
type browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

func newResolver() (browser, error) {
	return zeroconf.NewResolver(nil)
}

type entry struct {
	sink   *Sink
	missed int
}

// Provider implements screencast.Provider over mDNS.
type Provider struct {
	newBrowser func() (browser, error)
	interval   time.Duration
	timeout    time.Duration
	log        *zap.Logger

	m sync.Mutex
	// Oldest first.
	sinks []*entry

	listeners screencast.Listeners

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

type Option func(*Provider)

func WithBrowseInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithBrowseTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithListener(l screencast.Listener) Option {
	return func(p *Provider) { p.listeners.Add(l) }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) { p.log = l }
}

func withBrowser(f func() (browser, error)) Option {
	return func(p *Provider) { p.newBrowser = f }
}

// New starts browsing in the background. The returned provider must be
// closed.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{
		newBrowser: newResolver,
		interval:   DefaultBrowseInterval,
		timeout:    DefaultBrowseTimeout,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = logging.Named("mice")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx)
	return p, nil
}

func (p *Provider) run(ctx context.Context) {
	defer close(p.done)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		found, err := p.browse(ctx)
		if err != nil {
			p.log.Debug("Browse failed", zap.Error(err))
		} else if ctx.Err() == nil {
			p.reconcile(found)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// browse collects the answers received during one browse timeout.
func (p *Provider) browse(ctx context.Context) ([]*Sink, error) {
	b, err := p.newBrowser()
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	res := make(chan []*Sink, 1)
	go func() {
		sinks := []*Sink{}
		defer func() { res <- sinks }()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-entries:
				if !ok {
					return
				}
				if s := parseServiceEntry(e); s != nil {
					sinks = append(sinks, s)
				}
			}
		}
	}()

	if err := b.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		cancel()
		<-res
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	<-ctx.Done()
	return <-res, nil
}

// reconcile updates the sink set with the result of one browse. Known
// instances are kept, new ones added, and the ones missing from maxMissed
// browses in a row are removed.
func (p *Provider) reconcile(found []*Sink) {
	byName := map[string]*Sink{}
	for _, s := range found {
		if _, f := byName[s.Instance]; !f {
			byName[s.Instance] = s
		}
	}

	var added, removed []*Sink
	p.m.Lock()
	kept := p.sinks[:0:0]
	for _, e := range p.sinks {
		if _, f := byName[e.sink.Instance]; f {
			e.missed = 0
			delete(byName, e.sink.Instance)
			kept = append(kept, e)
			continue
		}
		e.missed++
		if e.missed >= maxMissed {
			removed = append(removed, e.sink)
			continue
		}
		kept = append(kept, e)
	}
	// Keep browse order for the new ones.
	for _, s := range found {
		if _, f := byName[s.Instance]; !f {
			continue
		}
		delete(byName, s.Instance)
		kept = append(kept, &entry{sink: s})
		added = append(added, s)
	}
	p.sinks = kept
	p.m.Unlock()

	for _, s := range removed {
		p.log.Debug("Sink gone", zap.String("instance", s.Instance))
		p.listeners.EmitRemoved(s)
	}
	for _, s := range added {
		p.log.Debug("Found a new sink", zap.String("instance", s.Instance), zap.String("addr", s.Addr()))
		p.listeners.EmitAdded(s)
	}
}

// Sinks returns the live sinks, newest first.
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

// Close stops browsing and drops the sinks, without events.
func (p *Provider) Close() error {
	p.once.Do(func() {
		p.cancel()
		<-p.done
		p.m.Lock()
		p.sinks = nil
		p.m.Unlock()
	})
	return nil
}

var _ screencast.Provider = (*Provider)(nil)
