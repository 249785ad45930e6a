// Package mpeg2 implements the MPEG-2 system-layer standard plug-ins: the
// PAT and PMT table processors that mutate the service cache (spec.md
// §4.4.1, §4.4.2). Each processor is itself a filter group whose
// mux-changed callback rebuilds its section subscriptions and whose
// section callbacks mutate internal/cache.
package mpeg2

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tsbridge/dvbstreamer-go/internal/cache"
	"github.com/tsbridge/dvbstreamer-go/internal/filtergroup"
	"github.com/tsbridge/dvbstreamer-go/internal/psi"
)

// PATPID is the fixed PID the Program Association Table is always carried
// on.
const PATPID = 0x00

// TableIDPAT is the PAT's table_id.
const TableIDPAT = 0x00

// PATEntry is one (program_number, pid) pair decoded from a PAT section;
// program_number 0 names the Network Information Table PID, not a service.
type PATEntry struct {
	ProgramNumber uint16
	PID           uint16
}

// PAT is the decoded payload of one PAT section, published on the
// "pat-decoded" event.
type PAT struct {
	TransportStreamID uint16
	Version           uint8
	Entries           []PATEntry
}

// PATProcessor subscribes to PID 0 and maintains each cached Service's
// pmt-pid from the most recently decoded PAT.
type PATProcessor struct {
	cache  *cache.Cache
	group  *filtergroup.Group
	logger *slog.Logger

	mu          sync.Mutex
	lastVersion int

	// OnEvent, if set, is fired with the decoded PAT after each successful
	// decode (the event-bus wiring lives in internal/engine, which injects a
	// closure here rather than coupling this package to eventbus directly).
	OnEvent func(PAT)

	// OnFirstReceipt, if set, runs after the first PAT this processor
	// decodes, and after any PAT decoded while the bound multiplex still has
	// no PAT version recorded (PATVersion -1) — spec.md §4.4.1's "flags
	// structural change so other groups rebuild their PID subscriptions".
	OnFirstReceipt func()
}

// NewPATProcessor registers the PAT processor as a filter group on
// registry and subscribes to PID 0.
func NewPATProcessor(registry *filtergroup.Registry, c *cache.Cache, logger *slog.Logger) (*PATProcessor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PATProcessor{cache: c, logger: logger, lastVersion: -1}

	group, err := registry.CreateGroup("mpeg2.pat", "processor", nil, p.onGroupEvent)
	if err != nil {
		return nil, fmt.Errorf("mpeg2: creating PAT filter group: %w", err)
	}
	p.group = group
	group.AddSectionFilter(PATPID, 1, p.onSection)
	return p, nil
}

func (p *PATProcessor) onGroupEvent(_ *filtergroup.Group, _ string) {
	// PAT's subscription never changes across mux-changed: it is always PID
	// 0. Present for symmetry with the other standard plug-ins.
}

func (p *PATProcessor) onSection(s psi.Section) {
	if s.TableID != TableIDPAT {
		return
	}
	entries, err := parsePATPayload(s.Payload)
	if err != nil {
		p.logger.Warn("dropping malformed PAT section", slog.Any("error", err))
		return
	}

	present := make(map[uint16]bool, len(entries))
	for _, e := range entries {
		if e.ProgramNumber == 0 {
			continue // Network Information Table PID, not a service.
		}
		svc, ok := p.cache.FindByID(e.ProgramNumber)
		if !ok {
			var addErr error
			svc, addErr = p.cache.Add(e.ProgramNumber, 0)
			if addErr != nil {
				p.logger.Error("cannot track service from PAT", slog.Int("program_number", int(e.ProgramNumber)), slog.Any("error", addErr))
				continue
			}
		}
		p.cache.UpdateServicePMTPID(svc, e.PID)
		p.cache.Seen(svc, true, true)
		present[e.ProgramNumber] = true
	}

	for _, svc := range p.cache.Services() {
		if !present[svc.ServiceID] {
			p.cache.Seen(svc, false, true)
		}
	}

	netid := uint16(0)
	priorVersion := -1
	if mux := p.cache.CurrentMultiplex(); mux != nil {
		netid = mux.OriginalNetworkID
		priorVersion = mux.PATVersion
	}
	p.cache.UpdateMultiplex(int(s.Version), s.Extension, netid)

	p.mu.Lock()
	firstReceipt := p.lastVersion == -1 || priorVersion == -1
	p.lastVersion = int(s.Version)
	p.mu.Unlock()

	if p.OnEvent != nil {
		p.OnEvent(PAT{TransportStreamID: s.Extension, Version: s.Version, Entries: entries})
	}
	if firstReceipt && p.OnFirstReceipt != nil {
		p.OnFirstReceipt()
	}
}

// parsePATPayload decodes the program_number/pid pairs from a PAT
// section's payload (everything after the 8-byte long-form header, before
// the CRC, as psi.Section already isolates).
func parsePATPayload(payload []byte) ([]PATEntry, error) {
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("mpeg2: PAT payload length %d not a multiple of 4", len(payload))
	}
	entries := make([]PATEntry, 0, len(payload)/4)
	for off := 0; off+4 <= len(payload); off += 4 {
		programNumber := binary.BigEndian.Uint16(payload[off : off+2])
		pid := binary.BigEndian.Uint16(payload[off+2:off+4]) & 0x1FFF
		entries = append(entries, PATEntry{ProgramNumber: programNumber, PID: pid})
	}
	return entries, nil
}
