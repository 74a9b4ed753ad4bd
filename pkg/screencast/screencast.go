// Package screencast defines the capabilities shared by all sink discovery
// backends: a Sink is a castable display, a Provider keeps a live set of sinks
// and notifies listeners when it changes.
package screencast

import "sync"

// Sink is a display target found by a Provider.
type Sink interface {
	// ID is unique per sink instance.
	ID() string

	// DisplayName is a human readable name.
	DisplayName() string

	// Matches returns keys identifying the physical device (hardware address,
	// host name). Two sinks sharing a key are the same display found by
	// different providers.
	Matches() []string
}

// Listener receives sink set changes from a Provider.
type Listener interface {
	SinkAdded(s Sink)
	SinkRemoved(s Sink)
}

// Provider is a discovery backend.
type Provider interface {
	// Sinks returns a snapshot of the current sinks, newest first.
	Sinks() []Sink

	// AddListener registers l for sink-added and sink-removed events.
	// The returned function unregisters it.
	AddListener(l Listener) (remove func())
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Added   func(s Sink)
	Removed func(s Sink)
}

func (f ListenerFuncs) SinkAdded(s Sink) {
	if f.Added != nil {
		f.Added(s)
	}
}

func (f ListenerFuncs) SinkRemoved(s Sink) {
	if f.Removed != nil {
		f.Removed(s)
	}
}

// Listeners is a set of listeners, for use by Provider implementations.
// The zero value is ready to use.
type Listeners struct {
	m   sync.Mutex
	all []*Listener
}

// Add registers l, returning the function removing it.
func (ls *Listeners) Add(l Listener) func() {
	e := &l
	ls.m.Lock()
	ls.all = append(ls.all, e)
	ls.m.Unlock()
	return func() {
		ls.m.Lock()
		defer ls.m.Unlock()
		for i, o := range ls.all {
			if o == e {
				ls.all = append(ls.all[:i:i], ls.all[i+1:]...)
				return
			}
		}
	}
}

func (ls *Listeners) snapshot() []Listener {
	ls.m.Lock()
	defer ls.m.Unlock()
	res := make([]Listener, 0, len(ls.all))
	for _, e := range ls.all {
		res = append(res, *e)
	}
	return res
}

// EmitAdded calls SinkAdded on all listeners, in registration order.
// Must not be called with the provider lock held.
func (ls *Listeners) EmitAdded(s Sink) {
	for _, l := range ls.snapshot() {
		l.SinkAdded(s)
	}
}

// EmitRemoved calls SinkRemoved on all listeners, in registration order.
func (ls *Listeners) EmitRemoved(s Sink) {
	for _, l := range ls.snapshot() {
		l.SinkRemoved(s)
	}
}
