package record

import (
	"sync"

	"gihan9a/recordsync/internal/events"
	"gihan9a/recordsync/pkg/recordproto"
)

// NameChanged is published by a Proxy every time SetName binds a new name.
type NameChanged struct {
	Name string
}

// Ready is published by a Proxy when its current binding has usable data.
type Ready struct {
	Name string
}

type proxySubscription struct {
	id      SubscriptionID
	path    string
	fn      Callback
	bound   SubscriptionID
	removed bool
}

// Proxy is a record whose name can change at runtime. Its subscriptions are
// kept on the proxy and moved to whichever record is currently bound, so
// consumers subscribe once and follow rebinds.
type Proxy struct {
	registry *Registry
	bus      *events.Bus

	mu       sync.Mutex
	name     string
	handle   *Handle
	readyID  SubscriptionID
	gen      uint64
	subs     []*proxySubscription
	nextID   SubscriptionID
	disposed bool
}

// NewProxy creates an unbound proxy backed by r.
func (r *Registry) NewProxy() *Proxy {
	return &Proxy{
		registry: r,
		bus:      events.New(),
	}
}

// Name returns the bound name, or "" before the first SetName.
func (p *Proxy) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// Get reads from the bound record. It reports false when unbound.
func (p *Proxy) Get(path string) (any, bool) {
	h := p.current()
	if h == nil {
		return nil, false
	}
	return h.Get(path)
}

// Set writes through to the bound record.
func (p *Proxy) Set(path string, value any) error {
	p.mu.Lock()
	h, disposed := p.handle, p.disposed
	p.mu.Unlock()

	switch {
	case disposed:
		return ErrDisposed
	case h == nil:
		return ErrUnbound
	}
	return h.Set(path, value)
}

// Subscribe registers fn on the proxy. It survives rebinds and is attached to
// the bound record, if any, right away.
func (p *Proxy) Subscribe(path string, fn Callback) (SubscriptionID, error) {
	if fn == nil {
		return 0, ErrNilCallback
	}
	if _, err := recordproto.ParsePath(path); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return 0, ErrDisposed
	}
	p.nextID++
	s := &proxySubscription{id: p.nextID, path: path, fn: fn}
	if p.handle != nil {
		s.bound, _ = p.handle.Subscribe(path, fn)
	}
	p.subs = append(p.subs, s)
	return s.id, nil
}

// Unsubscribe removes a proxy subscription from the proxy and the bound record.
func (p *Proxy) Unsubscribe(id SubscriptionID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.subs {
		if s.id == id {
			if p.handle != nil {
				p.handle.Unsubscribe(s.bound)
			}
			s.removed = true
			p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
			return true
		}
	}
	return false
}

// OnNameChanged registers fn for NameChanged events.
func (p *Proxy) OnNameChanged(fn func(NameChanged)) events.Token {
	return events.Subscribe(p.bus, fn)
}

// OnReady registers fn for Ready events.
func (p *Proxy) OnReady(fn func(Ready)) events.Token {
	return events.Subscribe(p.bus, fn)
}

// Off removes a lifecycle listener.
func (p *Proxy) Off(token events.Token) bool {
	return p.bus.Unsubscribe(token)
}

// SetName binds the proxy to name. Setting the current name is a no-op.
//
// The old binding is released and NameChanged is published before the new
// record is acquired. Subscriptions then move to the new record. If it
// already has data, the proxy's subscriptions are called with it and Ready is
// published before SetName returns; otherwise Ready follows the record's first
// snapshot. A listener that rebinds the proxy again supersedes this call,
// which then neither replays nor publishes Ready.
func (p *Proxy) SetName(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return ErrDisposed
	}
	if p.name == name {
		p.mu.Unlock()
		return nil
	}
	old := p.unbindLocked()
	p.name = name
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	if old != nil {
		old.Release()
	}

	events.Publish(p.bus, NameChanged{Name: name})

	h, err := p.registry.Get(name)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if !p.boundLocked(gen) {
		p.mu.Unlock()
		h.Release()
		return nil
	}
	p.handle = h
	for _, s := range p.subs {
		s.bound, _ = h.Subscribe(s.path, s.fn)
	}
	ready, readyID := h.whenReady(func() { p.becameReady(h) })
	p.readyID = readyID
	p.mu.Unlock()

	if ready {
		p.replay(h, gen)
	}
	return nil
}

// Dispose releases the bound record and drops every subscription and
// listener. It is safe to call more than once.
func (p *Proxy) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	old := p.unbindLocked()
	p.name = ""
	for _, s := range p.subs {
		s.removed = true
	}
	p.subs = nil
	p.mu.Unlock()

	if old != nil {
		old.Release()
	}

	p.bus.Clear()
}

func (p *Proxy) current() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle
}

// unbindLocked detaches the proxy from its record and returns the handle,
// which the caller releases after unlocking.
func (p *Proxy) unbindLocked() *Handle {
	h := p.handle
	if h == nil {
		return nil
	}
	for _, s := range p.subs {
		p.handle.Unsubscribe(s.bound)
		s.bound = 0
	}
	if p.readyID != 0 {
		p.handle.Unsubscribe(p.readyID)
		p.readyID = 0
	}
	p.handle = nil
	return h
}

// becameReady runs from the one-shot subscription registered on h.
func (p *Proxy) becameReady(h *Handle) {
	p.mu.Lock()
	if p.handle != h {
		p.mu.Unlock()
		return
	}
	p.readyID = 0
	name := p.name
	p.mu.Unlock()

	events.Publish(p.bus, Ready{Name: name})
}

// replay calls every proxy subscription with the current value of h, general
// subscriptions first, then publishes Ready. It stops as soon as the proxy is
// rebound or disposed, and skips subscriptions removed in the meantime.
func (p *Proxy) replay(h *Handle, gen uint64) {
	p.mu.Lock()
	var general, paths []*proxySubscription
	for _, s := range p.subs {
		if recordproto.MustParsePath(s.path).IsRoot() {
			general = append(general, s)
		} else {
			paths = append(paths, s)
		}
	}
	p.mu.Unlock()

	for _, s := range append(general, paths...) {
		p.mu.Lock()
		bound, removed := p.boundLocked(gen), s.removed
		p.mu.Unlock()
		if !bound {
			return
		}
		if removed {
			continue
		}
		value, _ := h.Get(s.path)
		s.fn(value)
	}

	p.mu.Lock()
	bound, name := p.boundLocked(gen), p.name
	p.mu.Unlock()
	if bound {
		events.Publish(p.bus, Ready{Name: name})
	}
}

// boundLocked reports whether the binding made by SetName generation gen is
// still the proxy's current one.
func (p *Proxy) boundLocked(gen uint64) bool {
	return !p.disposed && p.gen == gen
}
