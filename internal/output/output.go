// Package output binds one servicefilter.Filter to one delivery.Instance
// through a dedicated filtergroup.Group, turning the abstract "which
// packets belong to this service, and what does its PAT/PMT look like"
// decision into the thing the reader's dispatch loop actually drives:
// matched packets forwarded verbatim, synthesised PAT/PMT sent whenever
// the filter group is told the multiplex structure changed.
package output

import (
	"fmt"
	"sync"
	"time"

	"github.com/tsbridge/dvbstreamer-go/internal/cache"
	"github.com/tsbridge/dvbstreamer-go/internal/delivery"
	"github.com/tsbridge/dvbstreamer-go/internal/filtergroup"
	"github.com/tsbridge/dvbstreamer-go/internal/servicefilter"
	"github.com/tsbridge/dvbstreamer-go/internal/tspacket"
)

// Output is one named destination: a service filter deciding what belongs
// to it, and a delivery instance it forwards matched packets to.
type Output struct {
	Name string
	MRL  string

	registry *filtergroup.Registry
	group    *filtergroup.Group
	instance delivery.Instance

	mu       sync.Mutex
	filter   *servicefilter.Filter
	lastPIDs []uint16

	patInterval time.Duration
	pmtInterval time.Duration
	stopTicking chan struct{}
	tickingDone sync.WaitGroup
}

// New creates an output named name, delivering to mrl, initially filtering
// for svc (carrying its rewritten PAT/PMT on pmtPID). It sends an initial
// PAT immediately, and a PMT too if svc already has ProgramInfo, then
// re-sends each on its own ticker (patInterval/pmtInterval) for the life of
// the output, per spec.md §4.5's resend cadence. An interval of zero or
// less disables periodic resend for that table; PAT/PMT are still sent on
// mux-changed, Select and SetAVSOnly.
func New(name, mrl string, registry *filtergroup.Registry, deliveryRegistry *delivery.Registry, svc *cache.Service, pmtPID, transportStreamID uint16, avsOnly bool, patInterval, pmtInterval time.Duration) (*Output, error) {
	instance, err := deliveryRegistry.Create(mrl)
	if err != nil {
		return nil, fmt.Errorf("output: creating delivery instance for %q: %w", mrl, err)
	}

	svc.Retain()

	o := &Output{
		Name:        name,
		MRL:         mrl,
		registry:    registry,
		instance:    instance,
		filter:      servicefilter.New(svc, pmtPID, transportStreamID, avsOnly),
		patInterval: patInterval,
		pmtInterval: pmtInterval,
		stopTicking: make(chan struct{}),
	}

	group, err := registry.CreateGroup("output."+name, "output", nil, o.onGroupEvent)
	if err != nil {
		svc.Release()
		instance.Destroy()
		return nil, fmt.Errorf("output: registering filter group for %q: %w", name, err)
	}
	o.group = group

	o.mu.Lock()
	o.rebuildLocked()
	o.mu.Unlock()
	o.sendTables()
	o.startPeriodicResend()

	return o, nil
}

// startPeriodicResend launches one ticker goroutine per table, each exiting
// as soon as it is started when its interval is non-positive.
func (o *Output) startPeriodicResend() {
	o.tickingDone.Add(2)
	go o.resendLoop(o.patInterval, o.sendPAT)
	go o.resendLoop(o.pmtInterval, o.sendPMT)
}

func (o *Output) resendLoop(interval time.Duration, send func()) {
	defer o.tickingDone.Done()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			send()
		case <-o.stopTicking:
			return
		}
	}
}

// Select rebinds this output to a different service, resetting the
// synthesised PAT/PMT identity (spec.md §4.5: changing the bound service
// is an identity change, so the PAT version bumps).
func (o *Output) Select(svc *cache.Service, pmtPID, transportStreamID uint16) {
	svc.Retain()

	o.mu.Lock()
	previous := o.filter.Service
	avsOnly := o.filter.AVSOnly
	o.filter = servicefilter.New(svc, pmtPID, transportStreamID, avsOnly)
	o.rebuildLocked()
	o.mu.Unlock()

	previous.Release()
	o.sendTables()
}

// SetAVSOnly toggles audio/video/subtitle-only PMT rewriting and bumps the
// synthesised PMT version so downstream decoders see the new stream list.
func (o *Output) SetAVSOnly(avsOnly bool) {
	o.mu.Lock()
	o.filter.AVSOnly = avsOnly
	o.filter.BumpPMTVersion()
	o.mu.Unlock()
	o.sendTables()
}

// AVSOnly reports whether AVS-only rewriting is currently enabled.
func (o *Output) AVSOnly() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.filter.AVSOnly
}

// Service returns the service this output currently filters for.
func (o *Output) Service() *cache.Service {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.filter.Service
}

// Close stops this output's periodic PAT/PMT resend, releases its bound
// service, and destroys its filter group and delivery instance.
func (o *Output) Close() error {
	close(o.stopTicking)
	o.tickingDone.Wait()
	o.mu.Lock()
	svc := o.filter.Service
	o.mu.Unlock()
	svc.Release()
	o.registry.DestroyGroup(o.group.Name)
	return o.instance.Destroy()
}

// onGroupEvent handles the reader's mux-changed broadcast: the service's
// PMT/PCR/stream PIDs may have shifted, and its identity may have changed,
// so the filter's subscriptions and synthesised tables are rebuilt.
func (o *Output) onGroupEvent(_ *filtergroup.Group, event string) {
	if event != "mux-changed" {
		return
	}
	o.mu.Lock()
	o.filter.NoteIdentityChange()
	o.rebuildLocked()
	o.mu.Unlock()
	o.sendTables()
}

// rebuildLocked re-subscribes the group to exactly the filter's currently
// matched PIDs, dropping subscriptions to PIDs it no longer matches.
func (o *Output) rebuildLocked() {
	for _, pid := range o.lastPIDs {
		o.group.RemovePacketFilters(pid)
	}
	pids := o.filter.MatchedPIDs()
	for _, pid := range pids {
		o.group.AddPacketFilter(pid, o.forwardPacket)
	}
	o.lastPIDs = pids
}

// forwardPacket is the packet-level callback registered for every PID the
// filter currently matches; it forwards the packet's raw bytes verbatim
// except for the synthesised PAT/PMT PIDs, whose upstream content (if any
// happens to share the PID) is never forwarded.
func (o *Output) forwardPacket(_ *filtergroup.Group, p *tspacket.Packet) {
	o.mu.Lock()
	isSynthesisedPID := p.PID() == servicefilter.PATPID || p.PID() == o.filter.PMTPID
	o.mu.Unlock()
	if isSynthesisedPID {
		return
	}
	_ = o.instance.OutputPacket(p.Bytes())
}

// sendTables builds and sends both the current synthesised PAT and PMT, for
// the call sites (construction, Select, SetAVSOnly, mux-changed) where an
// identity or content change means both need refreshing right away rather
// than waiting for their next tick.
func (o *Output) sendTables() {
	o.sendPAT()
	o.sendPMT()
}

// sendPAT builds and sends the current synthesised PAT.
func (o *Output) sendPAT() {
	o.mu.Lock()
	filter := o.filter
	instance := o.instance
	o.mu.Unlock()

	pat, err := filter.BuildPAT()
	if err == nil {
		_ = instance.OutputPacket(pat.Bytes())
	}
}

// sendPMT builds and sends the current synthesised PMT. BuildPMT
// legitimately errors before the bound service has received its first
// upstream PMT (the common case right after Select), so that error is
// dropped rather than treated as a fault.
func (o *Output) sendPMT() {
	o.mu.Lock()
	filter := o.filter
	instance := o.instance
	o.mu.Unlock()

	pmtPackets, err := filter.BuildPMT()
	if err != nil {
		return
	}
	for _, pkt := range pmtPackets {
		_ = instance.OutputPacket(pkt.Bytes())
	}
}
