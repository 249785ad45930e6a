package servicefilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsbridge/dvbstreamer-go/internal/cache"
	"github.com/tsbridge/dvbstreamer-go/internal/psi"
)

func testService() *cache.Service {
	return &cache.Service{
		ServiceID: 101,
		PMTPID:    0x200,
		PCRPID:    0x201,
		Program: &cache.ProgramInfo{
			PCRPID: 0x201,
			Streams: []cache.Stream{
				{PID: 0x201, StreamType: 0x02}, // video
				{PID: 0x202, StreamType: 0x02}, // second video, dropped in AVS-only
				{PID: 0x203, StreamType: 0x03}, // audio
				{PID: 0x204, StreamType: 0x04}, // second audio, dropped in AVS-only
				{PID: 0x205, StreamType: 0x06}, // subtitle
				{PID: 0x206, StreamType: 0x86}, // teletext-ish, dropped in AVS-only
			},
		},
	}
}

func TestFilter_PacketMatches(t *testing.T) {
	svc := testService()
	f := New(svc, 0x200, 1, false)

	assert.True(t, f.PacketMatches(PATPID))
	assert.True(t, f.PacketMatches(0x200)) // pmt-pid
	assert.True(t, f.PacketMatches(0x201)) // pcr-pid (also first stream)
	assert.True(t, f.PacketMatches(0x206)) // any listed stream
	assert.False(t, f.PacketMatches(0x999))
}

func TestFilter_BuildPATFitsOnePacketAndRoundTrips(t *testing.T) {
	svc := testService()
	f := New(svc, 0x200, 7, false)

	p, err := f.BuildPAT()
	require.NoError(t, err)
	assert.Equal(t, uint16(PATPID), p.PID())

	r := psi.NewReassembler(PATPID)
	var got psi.Section
	r.AddDecoder(patTableID, 7, func(s psi.Section) { got = s })
	r.Push(&p)

	require.Equal(t, uint8(patTableID), got.TableID)
	require.Len(t, got.Payload, 4)
	assert.Equal(t, uint16(101), uint16(got.Payload[0])<<8|uint16(got.Payload[1]))
	assert.Equal(t, uint16(0x200), uint16(got.Payload[2]&0x1F)<<8|uint16(got.Payload[3]))
}

func TestFilter_NoteIdentityChangeBumpsPATVersionOnce(t *testing.T) {
	svc := testService()
	f := New(svc, 0x200, 1, false)

	f.NoteIdentityChange() // no change yet: identity fixed at construction
	assert.Equal(t, uint8(0), f.patVersion)

	f.PMTPID = 0x300
	f.NoteIdentityChange()
	assert.Equal(t, uint8(1), f.patVersion)

	f.NoteIdentityChange() // idempotent once captured
	assert.Equal(t, uint8(1), f.patVersion)
}

func TestFilter_BuildPMTFullStreamList(t *testing.T) {
	svc := testService()
	f := New(svc, 0x200, 1, false)

	packets, err := f.BuildPMT()
	require.NoError(t, err)

	r := psi.NewReassembler(0x200)
	var got psi.Section
	r.AddDecoder(pmtTableID, 101, func(s psi.Section) { got = s })
	for i := range packets {
		r.Push(&packets[i])
	}
	require.NotNil(t, got.Payload)

	info, err := decodePMTBody(got.Payload)
	require.NoError(t, err)
	assert.Len(t, info.Streams, 6)
}

func TestFilter_BuildPMTAVSOnlyKeepsFirstOfEach(t *testing.T) {
	svc := testService()
	f := New(svc, 0x200, 1, true)

	packets, err := f.BuildPMT()
	require.NoError(t, err)

	r := psi.NewReassembler(0x200)
	var got psi.Section
	r.AddDecoder(pmtTableID, 101, func(s psi.Section) { got = s })
	for i := range packets {
		r.Push(&packets[i])
	}

	info, err := decodePMTBody(got.Payload)
	require.NoError(t, err)
	require.Len(t, info.Streams, 3)
	assert.Equal(t, uint16(0x201), info.Streams[0].PID)
	assert.Equal(t, uint16(0x203), info.Streams[1].PID)
	assert.Equal(t, uint16(0x205), info.Streams[2].PID)
}

// decodePMTBody is a minimal, test-only PMT payload decoder mirroring
// internal/plugins/mpeg2's parsePMTPayload, used here to assert on what
// BuildPMT actually produced.
func decodePMTBody(payload []byte) (cache.ProgramInfo, error) {
	info := cache.ProgramInfo{}
	info.PCRPID = uint16(payload[0]&0x1F)<<8 | uint16(payload[1])
	progLen := int(uint16(payload[2]&0x0F)<<8 | uint16(payload[3]))
	off := 4 + progLen
	for off+5 <= len(payload) {
		streamType := payload[off]
		pid := uint16(payload[off+1]&0x1F)<<8 | uint16(payload[off+2])
		esLen := int(uint16(payload[off+3]&0x0F)<<8 | uint16(payload[off+4]))
		off += 5 + esLen
		info.Streams = append(info.Streams, cache.Stream{PID: pid, StreamType: streamType})
	}
	return info, nil
}
