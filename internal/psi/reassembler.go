// Package psi reassembles MPEG-2 Transport Stream packets carrying a single
// PID into complete, CRC-validated Program Specific Information / Service
// Information sections, and dispatches them to per-(table_id, extension)
// decoder callbacks.
package psi

import "github.com/tsbridge/dvbstreamer-go/internal/tspacket"

// DecoderFunc receives a complete, CRC-valid section. The reassembler keeps
// no version state; the decoder decides whether to skip reprocessing an
// unchanged version.
type DecoderFunc func(s Section)

// decoderKey identifies a registered per-subtable decoder.
type decoderKey struct {
	tableID   uint8
	extension uint16
}

// Reassembler holds the incremental state for one subscribed (group, pid)
// pair: the pointer-field handling across packet boundaries, the partial
// section buffer, the last seen continuity counter, and any registered
// per-subtable decoders.
type Reassembler struct {
	pid uint16

	haveCC  bool
	lastCC  uint8
	partial []byte // accumulated bytes of the section currently being assembled
	want    int    // total bytes wanted for the current section (3 + section_length), 0 if unknown

	decoders map[decoderKey]DecoderFunc
	fallback DecoderFunc // invoked for sections with no specific decoder registered

	// Stats, exposed for diagnostics; protocol-benign errors never propagate.
	CRCErrors  int
	Discontinuities int
	SectionsOK int
}

// NewReassembler creates a reassembler for the given PID.
func NewReassembler(pid uint16) *Reassembler {
	return &Reassembler{
		pid:      pid,
		decoders: make(map[decoderKey]DecoderFunc),
	}
}

// SetFallback registers a decoder invoked for sections whose (table_id,
// extension) has no specific registration. Used by processors that track a
// single table_id with no extension discrimination (e.g. PAT).
func (r *Reassembler) SetFallback(fn DecoderFunc) {
	r.fallback = fn
}

// AddDecoder registers fn for sections with the given table_id and
// extension. Per-(table_id, extension) tracking lets callers follow
// independent sub-tables (e.g. distinct EIT services) with independent
// version state, which lives in the caller's decoder closure, not here.
func (r *Reassembler) AddDecoder(tableID uint8, extension uint16, fn DecoderFunc) {
	r.decoders[decoderKey{tableID, extension}] = fn
}

// RemoveDecoder unregisters a previously added decoder.
func (r *Reassembler) RemoveDecoder(tableID uint8, extension uint16) {
	delete(r.decoders, decoderKey{tableID, extension})
}

// reset discards any partially assembled section, e.g. on a continuity
// discontinuity.
func (r *Reassembler) reset() {
	r.partial = r.partial[:0]
	r.want = 0
}

// Push feeds one packet's payload bytes for this PID into the reassembler.
// On each complete, CRC-valid section it invokes the matching decoder (or
// the fallback) and returns the decoded sections for introspection/testing.
func (r *Reassembler) Push(p *tspacket.Packet) []Section {
	if !p.HasPayload() {
		return nil
	}

	cc := p.ContinuityCounter()
	if r.haveCC {
		expected := (r.lastCC + 1) & 0x0F
		if cc != expected && cc != r.lastCC {
			// Gap (not a benign duplicate retransmission): discard the
			// partial section per spec.md's continuity-counter invariant.
			r.Discontinuities++
			r.reset()
		}
	}
	r.haveCC = true
	r.lastCC = cc

	payload := p.Payload()
	var out []Section

	if p.PayloadUnitStart() {
		if len(payload) == 0 {
			return out
		}
		pointer := int(payload[0])
		rest := payload[1:]
		if pointer > len(rest) {
			r.reset()
			return out
		}

		// Trailing bytes of a previous section, if one was in progress,
		// precede the new section's first byte in this same packet.
		if r.want > 0 && pointer > 0 {
			r.appendAndMaybeEmit(rest[:pointer], &out)
		}
		r.reset()
		r.appendAndMaybeEmit(rest[pointer:], &out)
		return out
	}

	if r.want == 0 && len(r.partial) == 0 {
		// No section in progress and this packet doesn't start one: nothing
		// to do with it.
		return out
	}
	r.appendAndMaybeEmit(payload, &out)
	return out
}

// appendAndMaybeEmit appends data to the in-progress buffer, determining
// section length once the first three bytes are available, and emits any
// sections that become complete (a single payload chunk can complete one
// section and begin carrying bytes of the next, though in practice each
// packet's payload is consumed by at most the sections it can complete).
func (r *Reassembler) appendAndMaybeEmit(data []byte, out *[]Section) {
	for len(data) > 0 {
		if r.want == 0 {
			need := 3 - len(r.partial)
			if need > 0 {
				n := need
				if n > len(data) {
					n = len(data)
				}
				r.partial = append(r.partial, data[:n]...)
				data = data[n:]
				if len(r.partial) < 3 {
					return
				}
			}
			r.want = 3 + sectionLength(r.partial[:3])
		}

		remaining := r.want - len(r.partial)
		if remaining <= 0 {
			// Shouldn't happen, but guard against a zero/negative want.
			r.reset()
			continue
		}
		n := remaining
		if n > len(data) {
			n = len(data)
		}
		r.partial = append(r.partial, data[:n]...)
		data = data[n:]

		if len(r.partial) == r.want {
			buf := r.partial
			r.reset()
			section, err := parseSection(r.pid, buf)
			if err != nil {
				if err == ErrCRCMismatch {
					r.CRCErrors++
				}
				continue
			}
			r.SectionsOK++
			*out = append(*out, section)
			r.dispatch(section)
		}
	}
}

func (r *Reassembler) dispatch(s Section) {
	if fn, ok := r.decoders[decoderKey{s.TableID, s.Extension}]; ok {
		fn(s)
		return
	}
	if r.fallback != nil {
		r.fallback(s)
	}
}
