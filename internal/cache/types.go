// Package cache maintains the in-RAM authoritative snapshot of the current
// multiplex's services, PIDs, and PMT versions, and coordinates write-back
// to the persistent store.
package cache

import (
	"github.com/tsbridge/dvbstreamer-go/internal/descriptor"
	"github.com/tsbridge/dvbstreamer-go/internal/refcount"
)

// ServiceType mirrors the DVB/ATSC service type classification.
type ServiceType int

const (
	ServiceTypeUnknown ServiceType = iota
	ServiceTypeTV
	ServiceTypeRadio
	ServiceTypeData
)

// Multiplex is one transport stream on one carrier.
type Multiplex struct {
	UID              string
	TuningParams      map[string]string
	DeliverySystem    string
	Frequency         uint32
	TransportStreamID uint16
	OriginalNetworkID uint16
	PATVersion        int // -1 means "no PAT received yet"

	dirty bool
}

// Stream is one elementary stream entry within a ProgramInfo.
type Stream struct {
	PID         uint16
	StreamType  uint8
	Descriptors []descriptor.Descriptor
}

// ProgramInfo is the decoded payload of the most recent successfully
// decoded PMT for a service: its PCR PID, program-level descriptors, and
// its ordered stream list.
type ProgramInfo struct {
	PCRPID      uint16
	Descriptors []descriptor.Descriptor
	Streams     []Stream
}

// dirtyBits tracks which fields of a Service have changed since the last
// write-back, per spec.md §4.3.
type dirtyBits struct {
	added            bool
	pmtPID           bool
	pids             bool
	name             bool
	provider         bool
	serviceType      bool
	conditionalAccess bool
	defaultAuthority bool
}

func (d dirtyBits) any() bool {
	return d.added || d.pmtPID || d.pids || d.name || d.provider ||
		d.serviceType || d.conditionalAccess || d.defaultAuthority
}

// Service is the in-RAM record for one service (channel) on the current
// multiplex.
type Service struct {
	UID            string
	MultiplexUID   string // weak back-reference: uid + cache lookup, never an owning pointer
	ServiceID      uint16 // program_number / service_id within its multiplex
	SourceID       uint16 // ATSC source_id, 0 if not applicable
	Name           string
	Provider       string
	DefaultAuthority string
	Type           ServiceType
	ConditionalAccess bool
	PMTPID         uint16
	PMTVersion     int // -1 if no PMT decoded yet
	PCRPID         uint16
	Program        *ProgramInfo

	// Two independent seen-flags drive the delete-after-miss policy: a
	// service is eligible for delete only once BOTH its PAT and SDT
	// observations miss it in the same table cycle (spec.md §9 Open
	// Question, resolved in DESIGN.md).
	patSeen bool
	sdtSeen bool

	dirty dirtyBits

	// ref backs Retain/Release: a service is shared by the cache's own
	// live index and, transiently, any output currently bound to it, per
	// spec.md §9 ("shared by multiple holders; lifetime = longest
	// holder"). Nil for a Service not part of that live index (a
	// store-only name-lookup result, or one built by hand in a test), in
	// which case Retain/Release are no-ops.
	ref *refcount.Ref[*Service]
}

// Retain adds a holder to svc's reference count, keeping it and its
// ProgramInfo alive for that holder's use even if the cache later evicts it
// from its live index (e.g. a service dropped from the multiplex while an
// output is still streaming it). Safe to call on a Service with no backing
// Ref; a no-op in that case.
func (s *Service) Retain() {
	if s.ref != nil {
		s.ref.Retain()
	}
}

// Release drops a holder's reference, per Retain. The cache's own index
// holds one implicit reference from creation; once every holder (including
// the cache) has released, the Cache's configured OnServiceReleased runs.
func (s *Service) Release() {
	if s.ref != nil {
		s.ref.Release()
	}
}

// Clone returns a shallow copy of the Service: Program and the other
// pointer fields are shared with the original. Program itself is treated
// as immutable once published by update_program_info, so sharing the
// pointer is sufficient and this exists mainly for test clarity.
func (s *Service) Clone() Service {
	clone := *s
	return clone
}
