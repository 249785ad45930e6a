// Package servicefilter implements the per-output packet filter and
// synthesised PAT/PMT rewriter (spec.md §4.5): given an output bound to a
// Service, it decides which incoming packets belong to that output and
// periodically mints replacement PAT/PMT packets so a downstream decoder
// sees a self-consistent single-program transport stream.
package servicefilter

import (
	"fmt"

	"github.com/tsbridge/dvbstreamer-go/internal/cache"
	"github.com/tsbridge/dvbstreamer-go/internal/descriptor"
	"github.com/tsbridge/dvbstreamer-go/internal/tspacket"
)

// Synthesised PAT/PMT are always carried on these fixed PIDs, per spec.md
// §4.5 ("synthesised PAT and PMT packets on PIDs 0x00 and the configured
// pmt-pid").
const PATPID = 0x00

const (
	patTableID = 0x00
	pmtTableID = 0x02
)

// componentDescriptorTag identifies the descriptor ATSC/DVB use to mark a stream's
// role (video/audio/subtitle); AVS-only rewriting strips descriptors whose
// meaning no longer applies once a stream is dropped.
const componentDescriptorTag = 0x50 // ISO 639 / component descriptor family start

// Filter decides which packets belong to a single Service-bound output and
// synthesises replacement PAT/PMT sections for it.
type Filter struct {
	Service *cache.Service
	PMTPID  uint16
	AVSOnly bool

	transportStreamID uint16

	patVersion uint8
	pmtVersion uint8

	lastIdentity struct {
		serviceID uint16
		pmtPID    uint16
		valid     bool
	}

	patCC uint8
	pmtCC uint8
}

// New builds a Filter bound to svc, synthesising PAT/PMT on pmtPID (which
// need not equal svc.PMTPID — the operator may relocate it) and tagging
// the synthesised PAT with the multiplex's transport_stream_id.
func New(svc *cache.Service, pmtPID uint16, transportStreamID uint16, avsOnly bool) *Filter {
	f := &Filter{
		Service:           svc,
		PMTPID:            pmtPID,
		AVSOnly:           avsOnly,
		transportStreamID: transportStreamID,
	}
	f.lastIdentity.serviceID = svc.ServiceID
	f.lastIdentity.pmtPID = pmtPID
	f.lastIdentity.valid = true
	return f
}

// PacketMatches reports whether a packet on pid belongs to this output: its
// synthesised PAT/PMT PIDs, the service's pcr-pid, or any stream currently
// listed in the service's ProgramInfo.
func (f *Filter) PacketMatches(pid uint16) bool {
	if pid == PATPID || pid == f.PMTPID {
		return true
	}
	if f.Service.PCRPID != 0 && pid == f.Service.PCRPID {
		return true
	}
	if f.Service.Program == nil {
		return false
	}
	for _, s := range f.Service.Program.Streams {
		if s.PID == pid {
			return true
		}
	}
	return false
}

// MatchedPIDs lists every PID PacketMatches currently accepts, for a
// subscriber that needs to register interest in each one up front rather
// than testing every dispatched packet.
func (f *Filter) MatchedPIDs() []uint16 {
	pids := []uint16{PATPID, f.PMTPID}
	if f.Service.PCRPID != 0 {
		pids = append(pids, f.Service.PCRPID)
	}
	if f.Service.Program != nil {
		for _, s := range f.Service.Program.Streams {
			pids = append(pids, s.PID)
		}
	}
	return pids
}

// NoteIdentityChange bumps the synthesised PAT's version whenever the
// service's identity (service_id) or configured pmt-pid changes, per
// spec.md §3's PAT-version invariant. Call after any update that might
// change either.
func (f *Filter) NoteIdentityChange() {
	if f.lastIdentity.valid &&
		f.lastIdentity.serviceID == f.Service.ServiceID &&
		f.lastIdentity.pmtPID == f.PMTPID {
		return
	}
	f.patVersion = (f.patVersion + 1) & 0x1F
	f.lastIdentity.serviceID = f.Service.ServiceID
	f.lastIdentity.pmtPID = f.PMTPID
	f.lastIdentity.valid = true
}

// BuildPAT synthesises a single-program PAT naming this service's pmt-pid.
// It must fit in one TS packet; BuildPAT returns an error when it does not.
func (f *Filter) BuildPAT() (tspacket.Packet, error) {
	payload := make([]byte, 0, 4)
	payload = append(payload,
		byte(f.Service.ServiceID>>8), byte(f.Service.ServiceID),
		0xE0|byte(f.PMTPID>>8), byte(f.PMTPID),
	)
	packets, err := encodeSection(PATPID, patTableID, f.transportStreamID, f.patVersion, payload, &f.patCC)
	if err != nil {
		return tspacket.Packet{}, fmt.Errorf("servicefilter: synthesising PAT: %w", err)
	}
	if len(packets) != 1 {
		return tspacket.Packet{}, fmt.Errorf("servicefilter: synthesised PAT spans %d packets, must fit in one", len(packets))
	}
	return packets[0], nil
}

// BuildPMT synthesises the PMT for this service's current ProgramInfo,
// applying the AVS-only stream restriction when enabled.
func (f *Filter) BuildPMT() ([]tspacket.Packet, error) {
	if f.Service.Program == nil {
		return nil, fmt.Errorf("servicefilter: service %d has no ProgramInfo yet", f.Service.ServiceID)
	}
	streams := f.Service.Program.Streams
	if f.AVSOnly {
		streams = avsOnlyStreams(streams)
	}

	payload := make([]byte, 0, 4+len(f.Service.Program.Descriptors))
	pcrPID := f.Service.Program.PCRPID
	payload = append(payload, 0xE0|byte(pcrPID>>8), byte(pcrPID))

	progDescs := descriptor.RollUp(f.Service.Program.Descriptors)
	payload = append(payload, 0xF0|byte(len(progDescs)>>8), byte(len(progDescs)))
	payload = append(payload, progDescs...)

	for _, s := range streams {
		streamDescs := descriptor.RollUp(s.Descriptors)
		payload = append(payload, s.StreamType, 0xE0|byte(s.PID>>8), byte(s.PID))
		payload = append(payload, 0xF0|byte(len(streamDescs)>>8), byte(len(streamDescs)))
		payload = append(payload, streamDescs...)
	}

	packets, err := encodeSection(f.PMTPID, pmtTableID, f.Service.ServiceID, f.pmtVersion, payload, &f.pmtCC)
	if err != nil {
		return nil, fmt.Errorf("servicefilter: synthesising PMT: %w", err)
	}
	return packets, nil
}

// BumpPMTVersion advances the synthesised PMT's version, called whenever
// the rewritten stream list changes (a new upstream PMT version, or the
// AVS-only flag is toggled).
func (f *Filter) BumpPMTVersion() {
	f.pmtVersion = (f.pmtVersion + 1) & 0x1F
}

// avsOnlyStreams keeps the first video stream, the first audio stream and
// the first subtitle stream, in that order, classified by stream_type alone
// (audio descriptors, such as a hearing-impaired audio_type, are not
// examined), and strips descriptors tagged as component descriptors since
// they no longer describe an adjacent stream that still exists.
func avsOnlyStreams(streams []cache.Stream) []cache.Stream {
	var video, audio, subtitle *cache.Stream
	for i := range streams {
		s := &streams[i]
		switch {
		case video == nil && isVideoStreamType(s.StreamType):
			video = s
		case audio == nil && isAudioStreamType(s.StreamType):
			audio = s
		case subtitle == nil && isSubtitleStreamType(s.StreamType):
			subtitle = s
		}
	}

	kept := make([]cache.Stream, 0, 3)
	for _, s := range []*cache.Stream{video, audio, subtitle} {
		if s == nil {
			continue
		}
		stripped := *s
		stripped.Descriptors = descriptor.FilterOut(s.Descriptors, map[uint8]bool{componentDescriptorTag: true})
		kept = append(kept, stripped)
	}
	return kept
}

// MPEG-2/H.222.0 Table 2-34 stream_type values this filter recognises for
// AVS classification; vendor-private and unrecognised types are dropped in
// AVS-only mode since they can't be classified as any of the three.
func isVideoStreamType(t uint8) bool {
	switch t {
	case 0x01, 0x02, 0x1B, 0x24: // MPEG-1/2, H.264, H.265
		return true
	}
	return false
}

func isAudioStreamType(t uint8) bool {
	switch t {
	case 0x03, 0x04, 0x0F, 0x11, 0x81: // MPEG audio, AAC (ADTS/LATM), AC-3
		return true
	}
	return false
}

func isSubtitleStreamType(t uint8) bool {
	return t == 0x06 // DVB subtitles are carried as private data with a descriptor, approximated here by stream_type 0x06
}
