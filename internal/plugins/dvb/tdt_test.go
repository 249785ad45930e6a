package dvb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsbridge/dvbstreamer-go/internal/filtergroup"
	"github.com/tsbridge/dvbstreamer-go/internal/psi"
)

func TestTDTProcessor_DecodesMJDUTC(t *testing.T) {
	registry := filtergroup.New()
	p, err := NewTDTProcessor(registry, nil)
	require.NoError(t, err)

	want := time.Date(2026, time.July, 31, 12, 30, 0, 0, time.UTC)
	payload := encodeMJDUTC(want)

	var got int64
	p.OnEvent = func(epochSeconds int64) { got = epochSeconds }

	p.onSection(psi.Section{TableID: TableIDTDT, Payload: payload})

	assert.Equal(t, want.Unix(), got)
}

func TestTDTProcessor_IgnoresOtherTables(t *testing.T) {
	registry := filtergroup.New()
	p, err := NewTDTProcessor(registry, nil)
	require.NoError(t, err)

	called := false
	p.OnEvent = func(int64) { called = true }
	p.onSection(psi.Section{TableID: 0x99, Payload: encodeMJDUTC(time.Now())})

	assert.False(t, called)
}

// encodeMJDUTC is the inverse of decodeMJDUTC, used only to build test
// fixtures.
func encodeMJDUTC(t time.Time) []byte {
	t = t.UTC()
	// Julian day number, then Modified Julian Date (JD - 2400000.5).
	y, m, d := t.Date()
	a := (14 - int(m)) / 12
	y2 := y + 4800 - a
	m2 := int(m) + 12*a - 3
	jdn := d + (153*m2+2)/5 + 365*y2 + y2/4 - y2/100 + y2/400 - 32045
	mjd := jdn - 2400001

	toBCD := func(v int) byte { return byte((v/10)<<4 | (v % 10)) }
	return []byte{
		byte(mjd >> 8), byte(mjd),
		toBCD(t.Hour()), toBCD(t.Minute()), toBCD(t.Second()),
	}
}
