package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/costinm/wfd-sinks/internal/config"
	"github.com/costinm/wfd-sinks/internal/logging"
	"github.com/costinm/wfd-sinks/pkg/l2"
	"github.com/costinm/wfd-sinks/pkg/l2/wifi"
	"github.com/costinm/wfd-sinks/pkg/mice"
	"github.com/costinm/wfd-sinks/pkg/nm"
	"github.com/costinm/wfd-sinks/pkg/screencast"
	"github.com/costinm/wfd-sinks/pkg/wfdp2p"
)

// sinkSet is the MetaProvider over all configured providers.
type sinkSet struct {
	*screencast.MetaProvider
	closers []func() error
}

func (s *sinkSet) Close() {
	// Providers are closed before the stack they use.
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logging.GetLogger().Debug("Close", zap.Error(err))
		}
	}
}

// openSinks starts the P2P provider for the configured backend, and the MICE
// provider if enabled. listeners see the initial sinks.
func openSinks(ctx context.Context, cfg *config.Config, listeners ...screencast.Listener) (*sinkSet, error) {
	log := logging.GetLogger()
	s := &sinkSet{MetaProvider: screencast.NewMetaProvider()}
	for _, l := range listeners {
		s.AddListener(l)
	}

	client, dev, closeStack, err := openDevice(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, closeStack)

	p, err := wfdp2p.New(client, dev,
		wfdp2p.WithRescanInterval(cfg.RescanInterval),
		wfdp2p.WithRemovalMatch(cfg.Match()),
		wfdp2p.WithLogger(log.Named("wfdp2p")))
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, p.Close)
	s.AddProvider(p)
	log.Info("Watching P2P peers", zap.String("backend", client.Name()), zap.String("device", dev.Name()))

	if cfg.MICE.Enabled {
		mp, err := mice.New(
			mice.WithBrowseInterval(cfg.MICE.BrowseInterval),
			mice.WithLogger(log.Named("mice")))
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, mp.Close)
		s.AddProvider(mp)
	}
	return s, nil
}

func openDevice(ctx context.Context, cfg *config.Config, log *zap.Logger) (wfdp2p.Client, wfdp2p.Device, func() error, error) {
	switch cfg.Backend {
	case config.BackendWPA:
		return openWPA(cfg, log)
	default:
		c, err := nm.Dial(log.Named("nm"))
		if err != nil {
			return nil, nil, nil, err
		}
		d, err := c.Device(ctx, cfg.Interface)
		if err != nil {
			c.Close()
			return nil, nil, nil, err
		}
		return c, d, c.Close, nil
	}
}

// openWPA picks the configured interface, or the first P2P capable one
// reported by nl80211, or the first one with a control socket.
func openWPA(cfg *config.Config, log *zap.Logger) (wfdp2p.Client, wfdp2p.Device, func() error, error) {
	w, err := l2.NewWPA(cfg.WPA.Dir, log.Named("wpa"))
	if err != nil {
		return nil, nil, nil, err
	}

	names := []string{cfg.Interface}
	if cfg.Interface == "" {
		names = p2pInterfaceNames(log)
		if len(names) == 0 {
			names, err = w.InterfaceNames()
			if err != nil {
				return nil, nil, nil, err
			}
		}
	}

	var errs []error
	for _, n := range names {
		wi, err := w.Interface(n)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return w, wi, w.Close, nil
	}
	if len(errs) == 0 {
		return nil, nil, nil, fmt.Errorf("no wpa_supplicant interface in %s", cfg.WPA.Dir)
	}
	return nil, nil, nil, errors.Join(errs...)
}

func p2pInterfaceNames(log *zap.Logger) []string {
	c, err := wifi.New()
	if err != nil {
		log.Debug("nl80211 not available", zap.Error(err))
		return nil
	}
	defer c.Close()
	ifis, err := c.Interfaces()
	if err != nil {
		log.Debug("nl80211 interfaces", zap.Error(err))
		return nil
	}
	return wifi.P2PInterfaces(ifis)
}
