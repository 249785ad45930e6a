package servicefilter

import (
	"fmt"

	"github.com/tsbridge/dvbstreamer-go/internal/psi"
	"github.com/tsbridge/dvbstreamer-go/internal/tspacket"
)

// encodeSection builds a PSI section (header, payload, trailing CRC32) for
// the given table id / extension / version, then splits it across as many
// 188-byte TS packets as required, starting each run with
// payload-unit-start set and a pointer-field byte of 0.
func encodeSection(pid uint16, tableID uint8, extension uint16, version uint8, payload []byte, cc *uint8) ([]tspacket.Packet, error) {
	// 8-byte section header: table_id, flags+length(2), table_id_extension(2),
	// version+current_next(1), section_number, last_section_number.
	body := make([]byte, 8, 8+len(payload)+4)
	body[0] = tableID
	body[3] = byte(extension >> 8)
	body[4] = byte(extension)
	body[5] = 0xC0 | (version << 1 & 0x3E) | 0x01 // reserved=11, version_number, current_next_indicator=1
	body[6] = 0x00                                // section_number
	body[7] = 0x00                                // last_section_number
	body = append(body, payload...)

	sectionLength := len(body) - 3 + 4 // everything after the 3-byte header, plus trailing CRC32
	if sectionLength > 0x0FFF {
		return nil, fmt.Errorf("servicefilter: section too large (%d bytes) for a 12-bit length", sectionLength)
	}
	body[1] = 0x80 | 0x30 | byte(sectionLength>>8&0x0F) // section_syntax_indicator=1, reserved bits=11
	body[2] = byte(sectionLength)

	crc := psi.CRC32(body)
	body = append(body, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))

	return packetizeSection(pid, body, cc)
}

// packetizeSection splits a complete section (with CRC already appended)
// across 188-byte TS packets, emitting a pointer-field byte of 0 at the
// start of the first packet and padding the final packet with 0xFF.
func packetizeSection(pid uint16, section []byte, cc *uint8) ([]tspacket.Packet, error) {
	var packets []tspacket.Packet
	remaining := section

	for first := true; first || len(remaining) > 0; first = false {
		buf := make([]byte, 188)
		buf[0] = 0x47
		var pusi byte
		if first {
			pusi = 0x40
		}
		buf[1] = pusi | byte(pid>>8&0x1F)
		buf[2] = byte(pid)
		buf[3] = 0x10 | (*cc & 0x0F)
		*cc = (*cc + 1) & 0x0F

		payloadStart := 4
		if first {
			buf[4] = 0x00 // pointer_field
			payloadStart = 5
		}

		avail := 188 - payloadStart
		n := min(len(remaining), avail)
		copy(buf[payloadStart:], remaining[:n])
		for i := payloadStart + n; i < 188; i++ {
			buf[i] = 0xFF
		}
		remaining = remaining[n:]

		p, err := tspacket.FromBytes(buf)
		if err != nil {
			return nil, fmt.Errorf("servicefilter: building synthesised packet: %w", err)
		}
		packets = append(packets, p)
	}
	return packets, nil
}
