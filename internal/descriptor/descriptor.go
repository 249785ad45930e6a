// Package descriptor handles the TLV (tag, length, value) descriptor lists
// carried in PSI/SI sections. Descriptors are preserved verbatim by the
// table processors; this package only knows how to split a raw descriptor
// loop into individual entries and roll them back up for storage.
package descriptor

import "fmt"

// Descriptor is one opaque tag-length-value entry, kept byte-for-byte as
// received so unknown or vendor-specific tags are never silently dropped.
type Descriptor struct {
	Tag  uint8
	Data []byte // the descriptor's payload, i.e. everything after the length byte
}

// Parse splits a raw descriptor loop into its constituent entries.
func Parse(buf []byte) ([]Descriptor, error) {
	var out []Descriptor
	for len(buf) > 0 {
		if len(buf) < 2 {
			return nil, fmt.Errorf("descriptor: truncated header in %d trailing bytes", len(buf))
		}
		tag := buf[0]
		length := int(buf[1])
		if len(buf) < 2+length {
			return nil, fmt.Errorf("descriptor: tag 0x%02x declares length %d but only %d bytes remain", tag, length, len(buf)-2)
		}
		data := make([]byte, length)
		copy(data, buf[2:2+length])
		out = append(out, Descriptor{Tag: tag, Data: data})
		buf = buf[2+length:]
	}
	return out, nil
}

// RollUp serialises a descriptor list back into a single TLV byte blob, the
// form persisted in the PIDs table's descriptors column. RollUp(Parse(b))
// reproduces b exactly for any well-formed b (the round-trip law in
// spec.md §8).
func RollUp(list []Descriptor) []byte {
	var out []byte
	for _, d := range list {
		out = append(out, d.Tag, byte(len(d.Data)))
		out = append(out, d.Data...)
	}
	return out
}

// Find returns the first descriptor with the given tag, if present.
func Find(list []Descriptor, tag uint8) (Descriptor, bool) {
	for _, d := range list {
		if d.Tag == tag {
			return d, true
		}
	}
	return Descriptor{}, false
}

// FilterOut returns a copy of list with every descriptor whose tag is in
// drop removed, used by the AVS-only PMT rewriter to strip component
// descriptors that no longer apply once ancillary streams are dropped.
func FilterOut(list []Descriptor, drop map[uint8]bool) []Descriptor {
	out := make([]Descriptor, 0, len(list))
	for _, d := range list {
		if drop[d.Tag] {
			continue
		}
		out = append(out, d)
	}
	return out
}
