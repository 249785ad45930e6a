package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tsbridge/dvbstreamer-go/internal/refcount"
)

// MaxServices is the per-multiplex service limit spec.md §7 names as a
// resource-exhaustion condition: extra services are logged and omitted
// from monitoring, but the cache stays consistent with the first
// MaxServices it saw.
const MaxServices = 256

// ErrTooManyServices is returned by Add once MaxServices is reached.
var ErrTooManyServices = errors.New("cache: multiplex already has the maximum number of monitored services")

// ErrNotLoaded is returned by operations that require a bound multiplex
// before one has been loaded.
var ErrNotLoaded = errors.New("cache: no multiplex loaded")

// IDGenerator produces a new surrogate UID for a created record.
type IDGenerator func() string

// Cache is the serialised single-writer in-RAM snapshot of the current
// multiplex's services. A single mutex guards the whole cache; readers
// iterate the slice Services returns, and a holder that keeps a Service
// beyond the cache's own index pairs Service.Retain with Service.Release.
type Cache struct {
	mu    sync.Mutex
	store Store
	newID IDGenerator

	current     *Multiplex
	services    map[string]*Service // by UID
	byServiceID map[uint16]*Service // by service_id, current multiplex only
	deleted     []*Service

	// OnServiceReleased, if set, runs once a service's reference count
	// reaches zero: the cache's own index has dropped it and every other
	// holder (e.g. an output that retained it) has released it too.
	OnServiceReleased func(*Service)
}

// New creates an empty Cache backed by store, using newID to mint surrogate
// keys for newly created records.
func New(store Store, newID IDGenerator) *Cache {
	return &Cache{
		store:       store,
		newID:       newID,
		services:    make(map[string]*Service),
		byServiceID: make(map[uint16]*Service),
	}
}

// Load reads services and ProgramInfo for multiplex m from the store,
// replacing any prior state. Idempotent for the same multiplex absent
// concurrent mutation: calling Load(m) twice in a row with nothing else
// happening in between leaves the cache in the same observable state.
func (c *Cache) Load(m *Multiplex) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	loaded, services, err := c.store.LoadMultiplex(m.UID)
	if err != nil {
		return fmt.Errorf("cache: loading multiplex %s: %w", m.UID, err)
	}
	if loaded == nil {
		loaded = m
	}

	c.current = loaded
	c.services = make(map[string]*Service, len(services))
	c.byServiceID = make(map[uint16]*Service, len(services))
	c.deleted = nil

	for _, svc := range services {
		svc.ref = refcount.New(svc, c.destroyService)
		c.services[svc.UID] = svc
		c.byServiceID[svc.ServiceID] = svc
	}
	return nil
}

// destroyService is the Ref destructor for every Service this cache
// creates, running once the cache's own index and every other holder has
// released it.
func (c *Cache) destroyService(svc *Service) {
	if c.OnServiceReleased != nil {
		c.OnServiceReleased(svc)
	}
}

// CurrentMultiplex returns the bound multiplex, or nil if none is loaded.
func (c *Cache) CurrentMultiplex() *Multiplex {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// FindByID returns the service with the given service_id on the current
// multiplex.
func (c *Cache) FindByID(serviceID uint16) (*Service, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	svc, ok := c.byServiceID[serviceID]
	return svc, ok
}

// FindByName returns the service with the given name, checking the current
// multiplex first and falling back to the store on a miss.
func (c *Cache) FindByName(name string) (*Service, bool) {
	c.mu.Lock()
	for _, svc := range c.services {
		if svc.Name == name {
			c.mu.Unlock()
			return svc, true
		}
	}
	c.mu.Unlock()

	svc, ok, err := c.store.FindServiceByName(name)
	if err != nil || !ok {
		return nil, false
	}
	return svc, true
}

// Add creates a new service record marked Added. Returns ErrTooManyServices
// once the current multiplex already holds MaxServices services; the
// caller (a table processor) should log and continue without propagating
// this as a hard failure, per spec.md §7's resource-exhaustion handling.
func (c *Cache) Add(serviceID, sourceID uint16) (*Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return nil, ErrNotLoaded
	}
	if len(c.services) >= MaxServices {
		return nil, ErrTooManyServices
	}

	svc := &Service{
		UID:          c.newID(),
		MultiplexUID: c.current.UID,
		ServiceID:    serviceID,
		SourceID:     sourceID,
		PMTVersion:   -1,
		dirty:        dirtyBits{added: true},
	}
	svc.ref = refcount.New(svc, c.destroyService)
	c.services[svc.UID] = svc
	c.byServiceID[serviceID] = svc
	return svc, nil
}

// Delete moves svc to the pending-deletes list; write-back removes both its
// service row and its PID rows.
func (c *Cache) Delete(svc *Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(svc)
}

func (c *Cache) deleteLocked(svc *Service) {
	if _, ok := c.services[svc.UID]; !ok {
		return
	}
	delete(c.services, svc.UID)
	if c.byServiceID[svc.ServiceID] == svc {
		delete(c.byServiceID, svc.ServiceID)
	}
	c.deleted = append(c.deleted, svc)
	// The cache's own index no longer holds svc; any other holder (e.g. an
	// output still streaming it) keeps it alive until it releases too.
	svc.Release()
}

// Seen records whether svc was present in the table cycle just processed
// (isPAT selects which of the two independent seen-flags to update) and
// reports whether svc is still considered alive. A service becomes
// eligible for delete only once BOTH its PAT and SDT flags are false in
// the same check — a PAT-only or SDT-only gap never wrongly deletes it
// (spec.md §9 Open Question; see DESIGN.md for the cross-table interlock
// this resolves to).
func (c *Cache) Seen(svc *Service, presentInTable bool, isPAT bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if isPAT {
		svc.patSeen = presentInTable
	} else {
		svc.sdtSeen = presentInTable
	}

	if !svc.patSeen && !svc.sdtSeen {
		c.deleteLocked(svc)
		return false
	}
	return true
}

// UpdateMultiplex marks the current multiplex dirty with a new PAT version,
// transport stream ID, and original network ID. A no-op if nothing changed.
func (c *Cache) UpdateMultiplex(patVersion int, tsid, netid uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return
	}
	if c.current.PATVersion == patVersion && c.current.TransportStreamID == tsid && c.current.OriginalNetworkID == netid {
		return
	}
	c.current.PATVersion = patVersion
	c.current.TransportStreamID = tsid
	c.current.OriginalNetworkID = netid
	c.current.dirty = true
}

// UpdateServicePMTPID sets svc's PMT PID if it changed.
func (c *Cache) UpdateServicePMTPID(svc *Service, pmtPID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if svc.PMTPID == pmtPID {
		return
	}
	svc.PMTPID = pmtPID
	svc.dirty.pmtPID = true
}

// UpdateServiceName sets svc's name if it changed.
func (c *Cache) UpdateServiceName(svc *Service, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if svc.Name == name {
		return
	}
	svc.Name = name
	svc.dirty.name = true
}

// UpdateServiceProvider sets svc's provider if it changed.
func (c *Cache) UpdateServiceProvider(svc *Service, provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if svc.Provider == provider {
		return
	}
	svc.Provider = provider
	svc.dirty.provider = true
}

// UpdateServiceType sets svc's type if it changed.
func (c *Cache) UpdateServiceType(svc *Service, t ServiceType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if svc.Type == t {
		return
	}
	svc.Type = t
	svc.dirty.serviceType = true
}

// UpdateServiceCA sets svc's conditional-access flag if it changed.
func (c *Cache) UpdateServiceCA(svc *Service, ca bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if svc.ConditionalAccess == ca {
		return
	}
	svc.ConditionalAccess = ca
	svc.dirty.conditionalAccess = true
}

// UpdateServiceDefaultAuthority sets svc's default-authority URI if changed.
func (c *Cache) UpdateServiceDefaultAuthority(svc *Service, authority string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if svc.DefaultAuthority == authority {
		return
	}
	svc.DefaultAuthority = authority
	svc.dirty.defaultAuthority = true
}

// UpdateProgramInfo atomically replaces svc's ProgramInfo and PCR PID and
// sets its PMT version to version, marking the service dirty in PIDs.
func (c *Cache) UpdateProgramInfo(svc *Service, version int, info ProgramInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	svc.Program = &info
	svc.PCRPID = info.PCRPID
	svc.PMTVersion = version
	svc.dirty.pids = true
}

// WriteBack persists every dirty service, the dirty multiplex, and every
// pending delete within a single store transaction, then clears dirty bits
// and the deleted list. On error, the cache's dirty state is left
// unchanged so the next WriteBack call retries (spec.md §7 Persistence
// error handling).
func (c *Cache) WriteBack() error {
	c.mu.Lock()

	wb := WriteBack{Deletes: append([]*Service(nil), c.deleted...)}
	if c.current != nil && c.current.dirty {
		wb.Multiplex = c.current
	}
	for _, svc := range c.services {
		if svc.dirty.any() {
			wb.Upserts = append(wb.Upserts, svc)
		}
	}
	c.mu.Unlock()

	if wb.Multiplex == nil && len(wb.Upserts) == 0 && len(wb.Deletes) == 0 {
		return nil
	}

	if err := c.store.WriteBack(wb); err != nil {
		return fmt.Errorf("cache: write-back failed, dirty state retained for retry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.dirty = false
	}
	for _, svc := range wb.Upserts {
		svc.dirty = dirtyBits{}
	}
	c.deleted = nil
	return nil
}

// Services returns a snapshot slice of every currently cached service, for
// iteration by table processors and the shell. The snapshot is a copy of
// the slice header only; Service records themselves are shared, matching
// the cache's single-mutex, shared-pointer design.
func (c *Cache) Services() []*Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Service, 0, len(c.services))
	for _, svc := range c.services {
		out = append(out, svc)
	}
	return out
}
