// Package filtergroup implements the TSFilterGroup/registry: the dynamic
// collection of (name, type, pid→packet-callback, pid→section-reassembler)
// entries the TS reader walks once per dispatched batch.
package filtergroup

import (
	"sync"

	"github.com/tsbridge/dvbstreamer-go/internal/psi"
	"github.com/tsbridge/dvbstreamer-go/internal/tspacket"
)

// PacketCallback receives one packet for a subscribed PID, in arrival order
// relative to every other packet this same (group, pid) pair has seen.
type PacketCallback func(g *Group, p *tspacket.Packet)

// EventCallback receives filter-group-level notifications, currently just
// the mux-changed signal the reader broadcasts once per structural change.
type EventCallback func(g *Group, event string)

// sectionSub bundles a pid's reassembler with the version-count hint the
// source's AddSectionFilter API carried. Preserved verbatim per the Open
// Question in spec.md §9: observed broadcasts treat it as a tracked-subtable
// capacity hint, not a minimum-versions-held requirement, so it is stored
// but never read and never changes reassembly behavior.
type sectionSub struct {
	reassembler     *psi.Reassembler
	trackedVersions int
}

// Group is one named, typed filter-group: a subscriber to PIDs, either at
// the raw packet level or the reassembled-section level.
type Group struct {
	Name     string
	Type     string
	UserArg  any
	OnEvent  EventCallback

	mu          sync.RWMutex
	enabled     bool
	packetSubs  map[uint16][]PacketCallback
	sectionSubs map[uint16]*sectionSub
}

func newGroup(name, typ string, userArg any, onEvent EventCallback) *Group {
	return &Group{
		Name:        name,
		Type:        typ,
		UserArg:     userArg,
		OnEvent:     onEvent,
		enabled:     true,
		packetSubs:  make(map[uint16][]PacketCallback),
		sectionSubs: make(map[uint16]*sectionSub),
	}
}

// AddPacketFilter subscribes fn to pid at the raw packet level.
func (g *Group) AddPacketFilter(pid uint16, fn PacketCallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.packetSubs[pid] = append(g.packetSubs[pid], fn)
}

// RemovePacketFilters removes every packet subscription on pid.
func (g *Group) RemovePacketFilters(pid uint16) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.packetSubs, pid)
}

// AddSectionFilter subscribes to pid at the section level, creating a fresh
// Reassembler for it if none exists yet, and registers fn as the
// reassembler's fallback decoder. trackedVersions is the numeric hint
// described on sectionSub; callers that need per-(table_id, extension)
// tracking should follow up with Reassembler(pid).AddDecoder.
func (g *Group) AddSectionFilter(pid uint16, trackedVersions int, fn psi.DecoderFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sub, ok := g.sectionSubs[pid]
	if !ok {
		sub = &sectionSub{reassembler: psi.NewReassembler(pid)}
		g.sectionSubs[pid] = sub
	}
	sub.trackedVersions = trackedVersions
	sub.reassembler.SetFallback(fn)
}

// Reassembler returns the Reassembler backing pid's section subscription,
// or nil if pid has no section subscription. Used to register
// per-(table_id, extension) decoders beyond the fallback.
func (g *Group) Reassembler(pid uint16) *psi.Reassembler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if sub, ok := g.sectionSubs[pid]; ok {
		return sub.reassembler
	}
	return nil
}

// RemoveSectionFilter removes pid's section subscription entirely.
func (g *Group) RemoveSectionFilter(pid uint16) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sectionSubs, pid)
}

// SetEnabled sets this group's own enabled flag. Dispatch requires both the
// registry's global enable and this per-group flag to be true; toggling the
// global flag never clears per-group state (spec.md §9 open question,
// resolved that way here).
func (g *Group) SetEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = enabled
}

// Enabled reports the per-group enabled flag.
func (g *Group) Enabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enabled
}

// dispatchPacket invokes every packet callback subscribed to p's PID, then
// feeds p into the section reassembler subscribed to that PID, if any.
func (g *Group) dispatchPacket(pid uint16, p *tspacket.Packet) {
	g.mu.RLock()
	callbacks := g.packetSubs[pid]
	sub := g.sectionSubs[pid]
	g.mu.RUnlock()

	for _, cb := range callbacks {
		cb(g, p)
	}
	if sub != nil {
		sub.reassembler.Push(p)
	}
}

// subscribedPIDs returns the set of PIDs this group currently subscribes to
// at either the packet or section level, for the reader's per-batch
// dispatch decision.
func (g *Group) subscribedPIDs() map[uint16]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	pids := make(map[uint16]bool, len(g.packetSubs)+len(g.sectionSubs))
	for pid := range g.packetSubs {
		pids[pid] = true
	}
	for pid := range g.sectionSubs {
		pids[pid] = true
	}
	return pids
}
