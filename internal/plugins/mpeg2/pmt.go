package mpeg2

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tsbridge/dvbstreamer-go/internal/cache"
	"github.com/tsbridge/dvbstreamer-go/internal/descriptor"
	"github.com/tsbridge/dvbstreamer-go/internal/filtergroup"
	"github.com/tsbridge/dvbstreamer-go/internal/psi"
)

// TableIDPMT is the Program Map Table's table_id.
const TableIDPMT = 0x02

// MaxTrackedServices bounds the number of per-service PMT section
// subscriptions the processor creates on one mux-changed rebuild, matching
// spec.md §4.4.2's "bounded by an implementation limit; exceeding logs an
// error" and lining up with internal/cache.MaxServices.
const MaxTrackedServices = cache.MaxServices

// PMT is the decoded payload of one PMT section, published on the
// "pmt-decoded" event.
type PMT struct {
	ServiceID uint16
	Version   uint8
	Info      cache.ProgramInfo
}

// PMTProcessor tracks one section subscription per cached service and
// replaces a service's ProgramInfo whenever a new PMT version arrives.
type PMTProcessor struct {
	registry *filtergroup.Registry
	cache    *cache.Cache
	logger   *slog.Logger

	mu      sync.Mutex
	group   *filtergroup.Group
	tracked map[uint16]uint16 // service_id -> subscribed pmt-pid

	// OnEvent, if set, fires with the decoded PMT after each successful
	// decode.
	OnEvent func(PMT)

	// Defer, if set, runs work on the deferred-processing worker instead of
	// inline on the reader's dispatch goroutine (spec.md §5). Nil means run
	// inline, which is what constructing a PMTProcessor directly (outside
	// an Engine) gets.
	Defer func(work func())
}

// NewPMTProcessor registers the PMT processor as a filter group and
// performs an initial subscription rebuild against the cache's current
// service set.
func NewPMTProcessor(registry *filtergroup.Registry, c *cache.Cache, logger *slog.Logger) (*PMTProcessor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PMTProcessor{registry: registry, cache: c, logger: logger, tracked: make(map[uint16]uint16)}

	group, err := registry.CreateGroup("mpeg2.pmt", "processor", nil, p.onGroupEvent)
	if err != nil {
		return nil, fmt.Errorf("mpeg2: creating PMT filter group: %w", err)
	}
	p.group = group
	p.Rebuild()
	return p, nil
}

func (p *PMTProcessor) onGroupEvent(_ *filtergroup.Group, event string) {
	if event == "mux-changed" {
		p.Rebuild()
	}
}

// Rebuild replaces the set of per-service PMT section subscriptions with
// one per cached service, per spec.md §4.4.2. Called on mux-changed and
// once at construction.
func (p *PMTProcessor) Rebuild() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pid := range p.tracked {
		p.group.RemoveSectionFilter(pid)
	}
	p.tracked = make(map[uint16]uint16)

	services := p.cache.Services()
	if len(services) > MaxTrackedServices {
		p.logger.Error("more services than PMT tracking supports; extras omitted",
			slog.Int("service_count", len(services)), slog.Int("limit", MaxTrackedServices))
		services = services[:MaxTrackedServices]
	}

	for _, svc := range services {
		if svc.PMTPID == 0 {
			continue // no pmt-pid known yet (PAT hasn't located it)
		}
		sid := svc.ServiceID
		p.group.AddSectionFilter(svc.PMTPID, 1, func(s psi.Section) { p.onSection(sid, s) })
		p.tracked[sid] = svc.PMTPID
	}
}

func (p *PMTProcessor) onSection(serviceID uint16, s psi.Section) {
	if s.TableID != TableIDPMT || s.Extension != serviceID {
		return
	}
	p.runDeferred(func() { p.decodeAndApply(serviceID, s) })
}

// runDeferred hands work to Defer when set, otherwise runs it inline.
func (p *PMTProcessor) runDeferred(work func()) {
	if p.Defer != nil {
		p.Defer(work)
		return
	}
	work()
}

// decodeAndApply parses one PMT section's payload and applies it to the
// cache; this is the cache-mutation work the reader's dispatch goroutine
// must not run inline.
func (p *PMTProcessor) decodeAndApply(serviceID uint16, s psi.Section) {
	info, err := parsePMTPayload(s.Payload)
	if err != nil {
		p.logger.Warn("dropping malformed PMT section", slog.Int("service_id", int(serviceID)), slog.Any("error", err))
		return
	}

	svc, ok := p.cache.FindByID(serviceID)
	if !ok {
		return // service vanished between subscribe and decode
	}
	p.cache.UpdateProgramInfo(svc, int(s.Version), info)

	if p.OnEvent != nil {
		p.OnEvent(PMT{ServiceID: serviceID, Version: s.Version, Info: info})
	}
}

// parsePMTPayload decodes a PMT section's payload into a ProgramInfo:
// PCR PID, program-level descriptors (copied verbatim), and the ordered
// elementary stream list.
func parsePMTPayload(payload []byte) (cache.ProgramInfo, error) {
	if len(payload) < 4 {
		return cache.ProgramInfo{}, fmt.Errorf("mpeg2: PMT payload too short (%d bytes)", len(payload))
	}
	pcrPID := binary.BigEndian.Uint16(payload[0:2]) & 0x1FFF
	programInfoLen := int(binary.BigEndian.Uint16(payload[2:4]) & 0x0FFF)
	off := 4
	if off+programInfoLen > len(payload) {
		return cache.ProgramInfo{}, fmt.Errorf("mpeg2: PMT program_info_length %d exceeds payload", programInfoLen)
	}
	programDescs, err := descriptor.Parse(payload[off : off+programInfoLen])
	if err != nil {
		return cache.ProgramInfo{}, fmt.Errorf("mpeg2: PMT program descriptors: %w", err)
	}
	off += programInfoLen

	var streams []cache.Stream
	for off+5 <= len(payload) {
		streamType := payload[off]
		pid := binary.BigEndian.Uint16(payload[off+1:off+3]) & 0x1FFF
		esInfoLen := int(binary.BigEndian.Uint16(payload[off+3:off+5]) & 0x0FFF)
		off += 5
		if off+esInfoLen > len(payload) {
			return cache.ProgramInfo{}, fmt.Errorf("mpeg2: PMT ES_info_length %d exceeds payload", esInfoLen)
		}
		streamDescs, err := descriptor.Parse(payload[off : off+esInfoLen])
		if err != nil {
			return cache.ProgramInfo{}, fmt.Errorf("mpeg2: PMT stream descriptors: %w", err)
		}
		off += esInfoLen
		streams = append(streams, cache.Stream{PID: pid, StreamType: streamType, Descriptors: streamDescs})
	}

	return cache.ProgramInfo{PCRPID: pcrPID, Descriptors: programDescs, Streams: streams}, nil
}
