package psi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsbridge/dvbstreamer-go/internal/tspacket"
)

// buildSection constructs a long-form section (table_id, table_id_extension,
// version, current_next, section_number, last_section_number, body) with a
// correct trailing CRC32.
func buildSection(tableID uint8, ext uint16, version uint8, body []byte) []byte {
	head := []byte{
		tableID,
		0, 0, // section_length placeholder, section_syntax_indicator set below
		byte(ext >> 8), byte(ext),
		0xC0 | (version << 1) | 0x01, // reserved bits + version + current_next=1
		0,                            // section_number
		0,                            // last_section_number
	}
	sectionLen := len(head) - 3 + len(body) + 4 // bytes after length field + CRC
	head[1] = 0x80 | byte((sectionLen>>8)&0x0F)
	head[2] = byte(sectionLen)

	buf := append(head, body...)
	crc := CRC32(buf)
	buf = append(buf, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
	return buf
}

// packetize splits a section into 188-byte TS packets on the given PID,
// pointer-field handling included, starting CC at startCC.
func packetize(pid uint16, section []byte, startCC uint8) []tspacket.Packet {
	var pkts []tspacket.Packet
	cc := startCC
	first := true
	for len(section) > 0 || first {
		raw := make([]byte, tspacket.Size)
		raw[0] = tspacket.SyncByte
		b1 := byte((pid >> 8) & 0x1F)
		payloadStart := 4
		if first {
			b1 |= 0x40
			raw[payloadStart] = 0 // pointer field = 0
			payloadStart++
		}
		raw[1] = b1
		raw[2] = byte(pid)
		raw[3] = 0x10 | (cc & 0x0F)

		avail := tspacket.Size - payloadStart
		n := avail
		if n > len(section) {
			n = len(section)
		}
		copy(raw[payloadStart:], section[:n])
		for i := payloadStart + n; i < tspacket.Size; i++ {
			raw[i] = 0xFF
		}
		section = section[n:]

		p, err := tspacket.FromBytes(raw)
		if err != nil {
			panic(err)
		}
		pkts = append(pkts, p)
		cc++
		first = false
		if len(section) == 0 {
			break
		}
	}
	return pkts
}

func TestReassembler_SinglePacketSection(t *testing.T) {
	section := buildSection(0x00, 1, 0, []byte{0x00, 0x01, 0xE0, 0x00})
	pkts := packetize(0, section, 0)
	require.Len(t, pkts, 1)

	r := NewReassembler(0)
	var got []Section
	r.SetFallback(func(s Section) { got = append(got, s) })

	out := r.Push(&pkts[0])
	assert.Len(t, out, 1)
	assert.Len(t, got, 1)
	assert.Equal(t, uint8(0x00), got[0].TableID)
	assert.Equal(t, uint16(1), got[0].Extension)
	assert.Equal(t, 0, r.CRCErrors)
}

func TestReassembler_MultiPacketSection(t *testing.T) {
	body := make([]byte, 500)
	for i := range body {
		body[i] = byte(i)
	}
	section := buildSection(0x02, 7, 3, body)
	pkts := packetize(0x20, section, 5)
	require.Greater(t, len(pkts), 1)

	r := NewReassembler(0x20)
	var got []Section
	r.SetFallback(func(s Section) { got = append(got, s) })

	for i := range pkts {
		r.Push(&pkts[i])
	}
	require.Len(t, got, 1)
	assert.Equal(t, uint8(3), got[0].Version)
	assert.Equal(t, body, got[0].Payload)
}

func TestReassembler_DiscardsOnCRCMismatch(t *testing.T) {
	section := buildSection(0x00, 1, 0, []byte{0xAA, 0xBB})
	section[len(section)-1] ^= 0xFF // corrupt CRC
	pkts := packetize(0, section, 0)

	r := NewReassembler(0)
	called := false
	r.SetFallback(func(s Section) { called = true })

	out := r.Push(&pkts[0])
	assert.False(t, called)
	assert.Empty(t, out)
	assert.Equal(t, 1, r.CRCErrors)
}

func TestReassembler_DiscontinuityDropsPartialSection(t *testing.T) {
	body := make([]byte, 500)
	section := buildSection(0x02, 1, 0, body)
	pkts := packetize(0x20, section, 0)
	require.Greater(t, len(pkts), 1)

	r := NewReassembler(0x20)
	called := false
	r.SetFallback(func(s Section) { called = true })

	r.Push(&pkts[0])
	// Corrupt the continuity counter on the second packet to simulate a gap.
	raw := pkts[1].Bytes()
	raw[3] = (raw[3] & 0xF0) | ((raw[3] + 5) & 0x0F)
	corrupted, err := tspacket.FromBytes(raw)
	require.NoError(t, err)
	r.Push(&corrupted)
	for i := 2; i < len(pkts); i++ {
		r.Push(&pkts[i])
	}

	assert.False(t, called)
	// The corrupted packet breaks the sequence (1 expected, 6 seen), and so
	// does the genuine packet after it (7 expected, 2 seen).
	assert.Equal(t, 2, r.Discontinuities)
}

func TestReassembler_PerSubtableDecoders(t *testing.T) {
	sA := buildSection(0x42, 0x1001, 0, []byte{1})
	sB := buildSection(0x42, 0x1002, 0, []byte{2})

	r := NewReassembler(0x12)
	var gotA, gotB int
	r.AddDecoder(0x42, 0x1001, func(s Section) { gotA++ })
	r.AddDecoder(0x42, 0x1002, func(s Section) { gotB++ })

	for _, pkts := range [][]tspacket.Packet{packetize(0x12, sA, 0), packetize(0x12, sB, 1)} {
		for i := range pkts {
			r.Push(&pkts[i])
		}
	}

	assert.Equal(t, 1, gotA)
	assert.Equal(t, 1, gotB)
}
