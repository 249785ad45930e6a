// Package atsc implements the ATSC PSIP standard plug-in (spec.md §2 item
// 8, §GLOSSARY "MGT/VCT/STT"): the Master Guide Table names the PIDs
// carrying each Virtual Channel Table sub-table, the VCT carries
// per-channel metadata analogous to DVB's SDT, and the System Time Table
// publishes wall-clock time analogous to DVB's TDT.
package atsc

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tsbridge/dvbstreamer-go/internal/cache"
	"github.com/tsbridge/dvbstreamer-go/internal/filtergroup"
	"github.com/tsbridge/dvbstreamer-go/internal/psi"
)

// BasePID is the fixed PID carrying PSIP's base tables: MGT, the
// terrestrial/cable VCT, and STT all begin here (ATSC A/65).
const BasePID = 0x1FFB

// Table IDs this processor tracks.
const (
	TableIDMGT     = 0xC7
	TableIDTVCT    = 0xC8 // terrestrial VCT
	TableIDCVCT    = 0xC9 // cable VCT
	TableIDSTT     = 0xCD
)

// MGT is the decoded Master Guide Table: the set of (table_type, pid)
// entries naming where every other PSIP sub-table lives.
type MGT struct {
	Version uint8
	Tables  []MGTEntry
}

// MGTEntry is one table_type/PID pair from the MGT.
type MGTEntry struct {
	TableType uint16
	PID       uint16
}

// VCT is the decoded payload of one Virtual Channel Table section.
type VCT struct {
	Version  uint8
	Channels []VCTChannelEntry
}

// VCTChannelEntry is one virtual channel's metadata as decoded from the
// VCT, addressed by ATSC source_id rather than an MPEG program_number.
type VCTChannelEntry struct {
	SourceID uint16
	Name     string
}

// Processor subscribes to the PSIP base PID, decodes the MGT to discover
// sub-table PIDs, follows the VCT chain for per-channel metadata, and
// decodes the STT for wall-clock time.
type Processor struct {
	cache  *cache.Cache
	group  *filtergroup.Group
	logger *slog.Logger

	// OnMGT, OnVCT, OnSTT, if set, fire after each successful decode.
	OnMGT func(MGT)
	OnVCT func(VCT)
	OnSTT func(epochSeconds int64)
}

// NewProcessor registers the PSIP processor as a filter group and
// subscribes to the base PID for the MGT and STT; VCT sub-table PIDs are
// subscribed as the MGT names them.
func NewProcessor(registry *filtergroup.Registry, c *cache.Cache, logger *slog.Logger) (*Processor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{cache: c, logger: logger}

	group, err := registry.CreateGroup("atsc.psip", "processor", nil, func(*filtergroup.Group, string) {})
	if err != nil {
		return nil, fmt.Errorf("atsc: creating PSIP filter group: %w", err)
	}
	p.group = group
	group.AddSectionFilter(BasePID, 1, p.onBaseSection)
	return p, nil
}

func (p *Processor) onBaseSection(s psi.Section) {
	switch s.TableID {
	case TableIDMGT:
		p.onMGTSection(s)
	case TableIDSTT:
		p.onSTTSection(s)
	case TableIDTVCT, TableIDCVCT:
		p.onVCTSection(s)
	}
}

func (p *Processor) onMGTSection(s psi.Section) {
	entries, err := parseMGTPayload(s.Payload)
	if err != nil {
		p.logger.Warn("dropping malformed MGT section", slog.Any("error", err))
		return
	}
	for _, e := range entries {
		if e.PID != BasePID {
			p.group.AddSectionFilter(e.PID, 1, p.onVCTSection)
		}
	}
	if p.OnMGT != nil {
		p.OnMGT(MGT{Version: s.Version, Tables: entries})
	}
}

func (p *Processor) onVCTSection(s psi.Section) {
	if s.TableID != TableIDTVCT && s.TableID != TableIDCVCT {
		return
	}
	channels, err := parseVCTPayload(s.Payload)
	if err != nil {
		p.logger.Warn("dropping malformed VCT section", slog.Any("error", err))
		return
	}
	for _, ch := range channels {
		svc, ok := p.findBySourceID(ch.SourceID)
		if !ok {
			continue // not yet seen in PAT; VCT alone never creates a service.
		}
		p.cache.UpdateServiceName(svc, ch.Name)
	}
	if p.OnVCT != nil {
		p.OnVCT(VCT{Version: s.Version, Channels: channels})
	}
}

func (p *Processor) findBySourceID(sourceID uint16) (*cache.Service, bool) {
	for _, svc := range p.cache.Services() {
		if svc.SourceID == sourceID {
			return svc, true
		}
	}
	return nil, false
}

func (p *Processor) onSTTSection(s psi.Section) {
	if len(s.Payload) < 4 {
		p.logger.Warn("dropping malformed STT section", slog.Int("length", len(s.Payload)))
		return
	}
	// system_time is GPS seconds since the 1980-01-06 epoch, 0x12D53D80
	// (315,964,800s) ahead of the Unix epoch. ATSC STT does not carry leap
	// second count; leap seconds are ignored, matching dvbstreamer's source.
	const gpsToUnixEpochOffset = 315964800
	gpsSeconds := binary.BigEndian.Uint32(s.Payload[0:4])
	if p.OnSTT != nil {
		p.OnSTT(int64(gpsSeconds) + gpsToUnixEpochOffset)
	}
}

func parseMGTPayload(payload []byte) ([]MGTEntry, error) {
	if len(payload) < 3 {
		return nil, fmt.Errorf("atsc: MGT payload too short (%d bytes)", len(payload))
	}
	count := int(binary.BigEndian.Uint16(payload[0:2]))
	off := 2
	entries := make([]MGTEntry, 0, count)
	for i := 0; i < count; i++ {
		if off+11 > len(payload) {
			return nil, fmt.Errorf("atsc: MGT truncated at entry %d", i)
		}
		tableType := binary.BigEndian.Uint16(payload[off : off+2])
		pid := binary.BigEndian.Uint16(payload[off+2:off+4]) & 0x1FFF
		descLen := int(binary.BigEndian.Uint16(payload[off+9:off+11]) & 0x0FFF)
		off += 11 + descLen
		entries = append(entries, MGTEntry{TableType: tableType, PID: pid})
	}
	return entries, nil
}

func parseVCTPayload(payload []byte) ([]VCTChannelEntry, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("atsc: VCT payload too short (%d bytes)", len(payload))
	}
	count := int(payload[1])
	off := 2
	entries := make([]VCTChannelEntry, 0, count)
	for i := 0; i < count; i++ {
		if off+32 > len(payload) {
			return nil, fmt.Errorf("atsc: VCT truncated at channel %d", i)
		}
		name := decodeUTF16ChannelName(payload[off : off+14])
		sourceID := binary.BigEndian.Uint16(payload[off+24 : off+26])
		descLen := int(binary.BigEndian.Uint16(payload[off+30:off+32]) & 0x03FF)
		off += 32 + descLen
		entries = append(entries, VCTChannelEntry{SourceID: sourceID, Name: name})
	}
	return entries, nil
}

// decodeUTF16ChannelName decodes the fixed 7-code-unit big-endian UTF-16
// short_name field ATSC A/65 uses for channel names, stopping at the first
// NUL code unit.
func decodeUTF16ChannelName(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u := binary.BigEndian.Uint16(b[i : i+2])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	runes := make([]rune, 0, len(units))
	for _, u := range units {
		runes = append(runes, rune(u))
	}
	return string(runes)
}
