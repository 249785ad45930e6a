// Package eventbus implements the named-source / named-event publish
// mechanism used to broadcast reader-failed, mux-changed, and table-decoded
// notifications to listeners. Grounded on the source's events.c: sources
// register events by name, listeners subscribe at global, source, or
// per-event granularity, and firing runs listeners synchronously on the
// firing thread (they must not block).
package eventbus

import "sync"

// Event identifies one (source, name) pair a Source has registered.
type Event struct {
	Source string
	Name   string
}

// Listener receives a fired event's payload. Implementations must not block
// or call back into the bus; the source goroutine invokes listeners inline.
type Listener func(evt Event, payload any)

// subscription granularity.
type subKey struct {
	source string // "" for global
	event  string // "" for whole-source
}

// Bus is the process-wide (or per-Engine) event dispatcher. The zero value
// is not usable; construct with New.
type Bus struct {
	mu        sync.RWMutex
	listeners map[subKey][]Listener
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{listeners: make(map[subKey][]Listener)}
}

// Source is a named event producer bound to a Bus; it exists so callers
// don't have to repeat the source name on every Fire call, mirroring the
// source's EventSource_t handle.
type Source struct {
	bus  *Bus
	name string
}

// RegisterSource returns a Source handle for name on this bus.
func (b *Bus) RegisterSource(name string) *Source {
	return &Source{bus: b, name: name}
}

// Fire synchronously delivers event name with payload to every listener
// subscribed globally, to this source, or to this exact (source, name).
func (s *Source) Fire(name string, payload any) {
	evt := Event{Source: s.name, Name: name}
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()

	for _, l := range s.bus.listeners[subKey{}] {
		l(evt, payload)
	}
	for _, l := range s.bus.listeners[subKey{source: s.name}] {
		l(evt, payload)
	}
	for _, l := range s.bus.listeners[subKey{source: s.name, event: name}] {
		l(evt, payload)
	}
}

// Subscribe registers fn for every event fired on any source.
func (b *Bus) Subscribe(fn Listener) {
	b.addListener(subKey{}, fn)
}

// SubscribeSource registers fn for every event fired by the named source.
func (b *Bus) SubscribeSource(source string, fn Listener) {
	b.addListener(subKey{source: source}, fn)
}

// SubscribeEvent registers fn for exactly (source, event).
func (b *Bus) SubscribeEvent(source, event string, fn Listener) {
	b.addListener(subKey{source: source, event: event}, fn)
}

func (b *Bus) addListener(key subKey, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[key] = append(b.listeners[key], fn)
}
