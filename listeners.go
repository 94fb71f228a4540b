package relay

import "sync"

// Listener receives events on the client's event loop goroutine. It must
// not block; start a goroutine for any I/O.
type Listener func(*Event)

type listener struct {
	id     uint64
	filter map[EventType]bool
	fn     Listener
}

func (l *listener) wants(t EventType) bool {
	return len(l.filter) == 0 || l.filter[t]
}

// listenerRegistry holds global and per-channel registrations in
// registration order. It is owned by one Client.
type listenerRegistry struct {
	mu       sync.RWMutex
	next     uint64
	global   []*listener
	channels map[string][]*listener
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{channels: make(map[string][]*listener)}
}

// add registers fn for cid, or globally when cid is empty.
func (r *listenerRegistry) add(cid string, fn Listener, types []EventType) *Subscription {
	l := &listener{fn: fn}
	if len(types) > 0 {
		l.filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			l.filter[t] = true
		}
	}

	r.mu.Lock()
	r.next++
	l.id = r.next
	if cid == "" {
		r.global = append(r.global, l)
	} else {
		r.channels[cid] = append(r.channels[cid], l)
	}
	r.mu.Unlock()

	return &Subscription{registry: r, cid: cid, id: l.id}
}

func (r *listenerRegistry) remove(cid string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cid == "" {
		r.global = without(r.global, id)
		return
	}
	ls := without(r.channels[cid], id)
	if len(ls) == 0 {
		delete(r.channels, cid)
	} else {
		r.channels[cid] = ls
	}
}

// dropChannel forgets every listener registered on cid.
func (r *listenerRegistry) dropChannel(cid string) {
	r.mu.Lock()
	delete(r.channels, cid)
	r.mu.Unlock()
}

// matching returns the listeners to call for ev: global first, then those
// on cid when includeChannel is set.
func (r *listenerRegistry) matching(ev *Event, includeChannel bool) []*listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*listener
	for _, l := range r.global {
		if l.wants(ev.Type) {
			out = append(out, l)
		}
	}
	if includeChannel && ev.CID != "" {
		for _, l := range r.channels[ev.CID] {
			if l.wants(ev.Type) {
				out = append(out, l)
			}
		}
	}
	return out
}

func without(ls []*listener, id uint64) []*listener {
	out := ls[:0:0]
	for _, l := range ls {
		if l.id != id {
			out = append(out, l)
		}
	}
	return out
}

// Subscription is returned by On. Unsubscribe is safe to call more than
// once and from inside a listener.
type Subscription struct {
	registry *listenerRegistry
	cid      string
	id       uint64
	once     sync.Once
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.registry.remove(s.cid, s.id) })
}
