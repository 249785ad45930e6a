package filtergroup

import (
	"fmt"
	"sync"

	"github.com/tsbridge/dvbstreamer-go/internal/tspacket"
)

// Registry is the dynamic collection of filter groups the TS reader walks
// on every dispatched packet. It uses reader-writer semantics: dispatch
// reads hold the read lock once per batch (not per packet); Create/Destroy
// hold the write lock.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]*Group

	enabledMu sync.RWMutex
	enabled   bool
}

// New creates an empty, globally-enabled Registry.
func New() *Registry {
	return &Registry{groups: make(map[string]*Group), enabled: true}
}

// Enable globally masks dispatch without affecting any group's own enabled
// flag or stopping anything else; both must be true for a given group to
// receive callbacks (see Group.SetEnabled).
func (r *Registry) Enable(enabled bool) {
	r.enabledMu.Lock()
	defer r.enabledMu.Unlock()
	r.enabled = enabled
}

func (r *Registry) globalEnabled() bool {
	r.enabledMu.RLock()
	defer r.enabledMu.RUnlock()
	return r.enabled
}

// CreateGroup registers a new, uniquely-named filter group of the given
// type. Thread-safe.
func (r *Registry) CreateGroup(name, typ string, userArg any, onEvent EventCallback) (*Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.groups[name]; exists {
		return nil, fmt.Errorf("filtergroup: group %q already exists", name)
	}
	g := newGroup(name, typ, userArg, onEvent)
	r.groups[name] = g
	return g, nil
}

// DestroyGroup removes the named group from every snapshot taken after it
// returns. A batch already dispatching from an earlier snapshot can still
// invoke the group's callbacks; Reader.DestroyFilterGroup waits for such
// batches to finish.
func (r *Registry) DestroyGroup(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups, name)
}

// Group returns the named group, if it exists.
func (r *Registry) Group(name string) (*Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[name]
	return g, ok
}

// snapshot returns the current groups under a single read-lock acquisition,
// matching the reader's "acquire per-batch, not per-packet" contract.
func (r *Registry) snapshot() []*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out
}

// Dispatch delivers p to every enabled group subscribing to p's PID, in
// snapshot order (no cross-group ordering guarantee). Called once per
// packet with a snapshot taken once per batch: callers that dispatch a
// whole batch call Snapshot once and pass its result to every Dispatch, so
// the registry's group-map lock is not re-acquired per packet.
func (r *Registry) Dispatch(groups []*Group, p *tspacket.Packet) {
	if !r.globalEnabled() {
		return
	}
	pid := p.PID()
	for _, g := range groups {
		if !g.Enabled() {
			continue
		}
		g.dispatchPacket(pid, p)
	}
}

// Snapshot exposes the per-batch group list for the reader loop.
func (r *Registry) Snapshot() []*Group {
	return r.snapshot()
}

// NotifyMuxChanged delivers a "mux-changed" event to every group's
// OnEvent callback, once, matching the reader's structural-change signal.
func (r *Registry) NotifyMuxChanged() {
	for _, g := range r.snapshot() {
		if g.OnEvent != nil {
			g.OnEvent(g, "mux-changed")
		}
	}
}
