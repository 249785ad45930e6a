package dvb

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tsbridge/dvbstreamer-go/internal/filtergroup"
	"github.com/tsbridge/dvbstreamer-go/internal/psi"
)

// TDTPID is the fixed PID the Time and Date Table / Time Offset Table are
// carried on.
const TDTPID = 0x14

// Table IDs for the two sections this processor tracks.
const (
	TableIDTDT = 0x70
	TableIDTOT = 0x73
)

// TDTProcessor subscribes to PID 0x14, decodes MJD+UTC timestamps, and
// fires a time-received event. It is stateless apart from the published
// event, per spec.md §4.4.4.
type TDTProcessor struct {
	logger *slog.Logger

	// OnEvent, if set, fires with seconds-since-epoch on each decode.
	OnEvent func(epochSeconds int64)
}

// NewTDTProcessor registers the TDT/TOT processor as a filter group.
func NewTDTProcessor(registry *filtergroup.Registry, logger *slog.Logger) (*TDTProcessor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &TDTProcessor{logger: logger}

	group, err := registry.CreateGroup("dvb.tdt", "processor", nil, func(*filtergroup.Group, string) {})
	if err != nil {
		return nil, fmt.Errorf("dvb: creating TDT filter group: %w", err)
	}
	group.AddSectionFilter(TDTPID, 1, p.onSection)
	return p, nil
}

func (p *TDTProcessor) onSection(s psi.Section) {
	if s.TableID != TableIDTDT && s.TableID != TableIDTOT {
		return
	}
	if len(s.Payload) < 5 {
		p.logger.Warn("dropping malformed TDT/TOT section", slog.Int("length", len(s.Payload)))
		return
	}
	t, err := decodeMJDUTC(s.Payload[0:5])
	if err != nil {
		p.logger.Warn("dropping malformed TDT/TOT timestamp", slog.Any("error", err))
		return
	}
	if p.OnEvent != nil {
		p.OnEvent(t.Unix())
	}
}

// decodeMJDUTC decodes the 16-bit Modified Julian Date plus 24-bit BCD
// UTC time (ETSI EN 300 468 annex C) into a time.Time.
func decodeMJDUTC(b []byte) (time.Time, error) {
	if len(b) < 5 {
		return time.Time{}, fmt.Errorf("dvb: need 5 bytes for MJD+UTC, got %d", len(b))
	}
	mjd := int(b[0])<<8 | int(b[1])

	// ETSI EN 300 468 annex C's MJD-to-Gregorian conversion.
	yy := int((float64(mjd) - 15078.2) / 365.25)
	mm := int((float64(mjd) - 14956.1 - float64(int(float64(yy)*365.25))) / 30.6001)
	day := mjd - 14956 - int(float64(yy)*365.25) - int(float64(mm)*30.6001)
	k := 0
	if mm == 14 || mm == 15 {
		k = 1
	}
	year := yy + k + 1900
	month := mm - 1 - k*12

	hour := bcdToInt(b[2])
	minute := bcdToInt(b[3])
	second := bcdToInt(b[4])

	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC), nil
}

func bcdToInt(b byte) int {
	return int(b>>4)*10 + int(b&0x0F)
}
