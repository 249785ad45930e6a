// Package dvb implements the DVB-specific standard plug-ins: the Service
// Description Table processor (spec.md §4.4.3) and the Time/Date and Time
// Offset Table processor (spec.md §4.4.4).
package dvb

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tsbridge/dvbstreamer-go/internal/cache"
	"github.com/tsbridge/dvbstreamer-go/internal/filtergroup"
	"github.com/tsbridge/dvbstreamer-go/internal/psi"
)

// SDTPID is the fixed PID the Service Description Table is carried on.
const SDTPID = 0x11

// Table IDs distinguishing the SDT describing this transport stream from
// an SDT describing another one carried in the same multiplex's NIT.
const (
	TableIDSDTActual = 0x42
	TableIDSDTOther  = 0x46
)

// serviceDescriptorTag is the descriptor tag carrying name/provider/type.
const serviceDescriptorTag = 0x48

// Descriptor tags dvb also understands for the other per-service fields.
const (
	defaultAuthorityDescriptorTag = 0x73
	caIdentifierDescriptorTag     = 0x53
)

// SDT is the decoded payload of one SDT-actual section.
type SDT struct {
	TransportStreamID uint16
	OriginalNetworkID uint16
	Version           uint8
	Services          []SDTServiceEntry
}

// SDTServiceEntry is one service's metadata as decoded from the SDT.
type SDTServiceEntry struct {
	ServiceID         uint16
	Name              string
	Provider          string
	Type              cache.ServiceType
	ConditionalAccess bool
	DefaultAuthority  string
}

// SDTProcessor subscribes to PID 0x11 and tracks the SDT-actual sub-table,
// pushing per-service metadata updates into the cache and maintaining the
// SDT-seen half of the delete-after-miss interlock.
type SDTProcessor struct {
	cache  *cache.Cache
	group  *filtergroup.Group
	logger *slog.Logger

	// OnEvent, if set, fires with the decoded SDT after each successful
	// decode.
	OnEvent func(SDT)

	// Defer, if set, runs work on the deferred-processing worker instead of
	// inline on the reader's dispatch goroutine (spec.md §5). Nil means run
	// inline, which is what constructing an SDTProcessor directly (outside
	// an Engine) gets.
	Defer func(work func())
}

// NewSDTProcessor registers the SDT processor as a filter group and
// subscribes to the SDT-actual sub-table on PID 0x11.
func NewSDTProcessor(registry *filtergroup.Registry, c *cache.Cache, logger *slog.Logger) (*SDTProcessor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &SDTProcessor{cache: c, logger: logger}

	group, err := registry.CreateGroup("dvb.sdt", "processor", nil, func(*filtergroup.Group, string) {})
	if err != nil {
		return nil, fmt.Errorf("dvb: creating SDT filter group: %w", err)
	}
	p.group = group
	group.AddSectionFilter(SDTPID, 1, p.onSection)
	return p, nil
}

func (p *SDTProcessor) onSection(s psi.Section) {
	if s.TableID != TableIDSDTActual {
		return // SDT-other describes a different transport stream; not tracked here.
	}
	p.runDeferred(func() { p.decodeAndApply(s) })
}

// runDeferred hands work to Defer when set, otherwise runs it inline.
func (p *SDTProcessor) runDeferred(work func()) {
	if p.Defer != nil {
		p.Defer(work)
		return
	}
	work()
}

// decodeAndApply parses one SDT-actual section's payload and applies it to
// the cache; this is the cache-mutation work the reader's dispatch
// goroutine must not run inline.
func (p *SDTProcessor) decodeAndApply(s psi.Section) {
	entries, netid, err := parseSDTPayload(s.Payload)
	if err != nil {
		p.logger.Warn("dropping malformed SDT section", slog.Any("error", err))
		return
	}

	present := make(map[uint16]bool, len(entries))
	for _, e := range entries {
		svc, ok := p.cache.FindByID(e.ServiceID)
		if !ok {
			continue // not yet seen in PAT; SDT alone never creates a service.
		}
		p.cache.UpdateServiceName(svc, e.Name)
		p.cache.UpdateServiceProvider(svc, e.Provider)
		p.cache.UpdateServiceType(svc, e.Type)
		p.cache.UpdateServiceCA(svc, e.ConditionalAccess)
		p.cache.UpdateServiceDefaultAuthority(svc, e.DefaultAuthority)
		p.cache.Seen(svc, true, false)
		present[e.ServiceID] = true
	}

	for _, svc := range p.cache.Services() {
		if !present[svc.ServiceID] {
			p.cache.Seen(svc, false, false)
		}
	}

	if p.OnEvent != nil {
		p.OnEvent(SDT{TransportStreamID: s.Extension, OriginalNetworkID: netid, Version: s.Version, Services: entries})
	}
}

// parseSDTPayload decodes the original_network_id header field and the
// per-service loop of an SDT section's payload.
func parseSDTPayload(payload []byte) ([]SDTServiceEntry, uint16, error) {
	if len(payload) < 3 {
		return nil, 0, fmt.Errorf("dvb: SDT payload too short (%d bytes)", len(payload))
	}
	netid := binary.BigEndian.Uint16(payload[0:2])
	off := 3 // 2 bytes original_network_id + 1 reserved_future_use byte

	var entries []SDTServiceEntry
	for off+5 <= len(payload) {
		serviceID := binary.BigEndian.Uint16(payload[off : off+2])
		caFlag := payload[off+2]&0x10 != 0
		descLoopLen := int(binary.BigEndian.Uint16(payload[off+3:off+5]) & 0x0FFF)
		off += 5
		if off+descLoopLen > len(payload) {
			return nil, 0, fmt.Errorf("dvb: SDT descriptor loop length %d exceeds payload", descLoopLen)
		}
		entry := SDTServiceEntry{ServiceID: serviceID, ConditionalAccess: caFlag}
		decodeSDTDescriptors(payload[off:off+descLoopLen], &entry)
		entries = append(entries, entry)
		off += descLoopLen
	}
	return entries, netid, nil
}

func decodeSDTDescriptors(loop []byte, entry *SDTServiceEntry) {
	for len(loop) >= 2 {
		tag := loop[0]
		length := int(loop[1])
		if len(loop) < 2+length {
			return
		}
		body := loop[2 : 2+length]
		switch tag {
		case serviceDescriptorTag:
			decodeServiceDescriptor(body, entry)
		case defaultAuthorityDescriptorTag:
			entry.DefaultAuthority = string(body)
		}
		loop = loop[2+length:]
	}
}

// decodeServiceDescriptor decodes tag 0x48: service_type, then two
// length-prefixed strings (provider, then service name).
func decodeServiceDescriptor(body []byte, entry *SDTServiceEntry) {
	if len(body) < 2 {
		return
	}
	entry.Type = serviceTypeFromDVB(body[0])
	providerLen := int(body[1])
	off := 2
	if off+providerLen > len(body) {
		return
	}
	entry.Provider = string(body[off : off+providerLen])
	off += providerLen
	if off >= len(body) {
		return
	}
	nameLen := int(body[off])
	off++
	if off+nameLen > len(body) {
		return
	}
	entry.Name = string(body[off : off+nameLen])
}

// serviceTypeFromDVB maps the ETSI EN 300 468 service_type byte onto the
// coarse TV/Radio/Data/Unknown classification spec.md's data model uses.
func serviceTypeFromDVB(b byte) cache.ServiceType {
	switch {
	case b == 0x01 || b == 0x11 || b == 0x16 || b == 0x19:
		return cache.ServiceTypeTV
	case b == 0x02 || b == 0x0A:
		return cache.ServiceTypeRadio
	case b == 0x0C || b == 0x0D:
		return cache.ServiceTypeData
	default:
		return cache.ServiceTypeUnknown
	}
}
