package screencast

import "sync"

// MetaProvider merges the sinks of several providers.
//
// When two sinks share a Matches key, only the first one is exposed; the other
// one is kept hidden and exposed when the first one goes away.
type MetaProvider struct {
	m sync.Mutex

	providers map[Provider]func()

	// All sinks from all providers, oldest first.
	all     []owned
	visible map[string]bool

	listeners Listeners
}

type owned struct {
	Sink
	from Provider
}

func NewMetaProvider() *MetaProvider {
	return &MetaProvider{
		providers: map[Provider]func(){},
		visible:   map[string]bool{},
	}
}

// AddProvider starts forwarding the sinks of p. Sinks p already has are
// added right away.
func (mp *MetaProvider) AddProvider(p Provider) {
	mp.m.Lock()
	if _, f := mp.providers[p]; f {
		mp.m.Unlock()
		return
	}
	mp.providers[p] = func() {}
	mp.m.Unlock()

	add := func(s Sink) { mp.add(p, s) }
	remove := p.AddListener(ListenerFuncs{Added: add, Removed: mp.remove})

	mp.m.Lock()
	mp.providers[p] = remove
	mp.m.Unlock()

	existing := p.Sinks()
	for i := len(existing) - 1; i >= 0; i-- {
		mp.add(p, existing[i])
	}
}

// RemoveProvider stops forwarding p, and removes the sinks it added. It may
// be called after p was closed.
func (mp *MetaProvider) RemoveProvider(p Provider) {
	mp.m.Lock()
	remove, f := mp.providers[p]
	delete(mp.providers, p)
	mp.m.Unlock()
	if !f {
		return
	}
	remove()

	mp.m.Lock()
	var sinks []Sink
	for _, o := range mp.all {
		if o.from == p {
			sinks = append(sinks, o.Sink)
		}
	}
	mp.m.Unlock()
	for _, s := range sinks {
		mp.remove(s)
	}
}

// Providers returns the number of providers being merged.
func (mp *MetaProvider) Providers() int {
	mp.m.Lock()
	defer mp.m.Unlock()
	return len(mp.providers)
}

func (mp *MetaProvider) Sinks() []Sink {
	mp.m.Lock()
	defer mp.m.Unlock()
	res := []Sink{}
	for i := len(mp.all) - 1; i >= 0; i-- {
		if mp.visible[mp.all[i].ID()] {
			res = append(res, mp.all[i].Sink)
		}
	}
	return res
}

func (mp *MetaProvider) AddListener(l Listener) func() {
	return mp.listeners.Add(l)
}

// shadowedLocked returns true if a visible sink other than s shares a match key.
func (mp *MetaProvider) shadowedLocked(s Sink) bool {
	keys := map[string]bool{}
	for _, k := range s.Matches() {
		keys[k] = true
	}
	if len(keys) == 0 {
		return false
	}
	for _, o := range mp.all {
		if o.ID() == s.ID() || !mp.visible[o.ID()] {
			continue
		}
		for _, k := range o.Matches() {
			if keys[k] {
				return true
			}
		}
	}
	return false
}

func (mp *MetaProvider) add(from Provider, s Sink) {
	mp.m.Lock()
	for _, o := range mp.all {
		if o.ID() == s.ID() {
			mp.m.Unlock()
			return
		}
	}
	mp.all = append(mp.all, owned{Sink: s, from: from})
	show := !mp.shadowedLocked(s)
	if show {
		mp.visible[s.ID()] = true
	}
	mp.m.Unlock()

	if show {
		mp.listeners.EmitAdded(s)
	}
}

func (mp *MetaProvider) remove(s Sink) {
	mp.m.Lock()
	idx := -1
	for i, o := range mp.all {
		if o.ID() == s.ID() {
			idx = i
			break
		}
	}
	if idx < 0 {
		mp.m.Unlock()
		return
	}
	mp.all = append(mp.all[:idx:idx], mp.all[idx+1:]...)
	wasVisible := mp.visible[s.ID()]
	delete(mp.visible, s.ID())

	var promoted []Sink
	if wasVisible {
		for _, o := range mp.all {
			if mp.visible[o.ID()] || mp.shadowedLocked(o) {
				continue
			}
			mp.visible[o.ID()] = true
			promoted = append(promoted, o.Sink)
		}
	}
	mp.m.Unlock()

	if wasVisible {
		mp.listeners.EmitRemoved(s)
	}
	for _, o := range promoted {
		mp.listeners.EmitAdded(o)
	}
}
