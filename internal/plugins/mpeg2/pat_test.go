package mpeg2

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsbridge/dvbstreamer-go/internal/cache"
	"github.com/tsbridge/dvbstreamer-go/internal/filtergroup"
	"github.com/tsbridge/dvbstreamer-go/internal/psi"
)

// memStore is a minimal in-memory cache.Store for plug-in tests.
type memStore struct{}

func (memStore) LoadMultiplex(string) (*cache.Multiplex, []*cache.Service, error) { return nil, nil, nil }
func (memStore) FindServiceByName(string) (*cache.Service, bool, error)           { return nil, false, nil }
func (memStore) WriteBack(cache.WriteBack) error                                  { return nil }

func seqIDGen() cache.IDGenerator {
	var n int64
	return func() string { return fmt.Sprintf("id-%d", atomic.AddInt64(&n, 1)) }
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New(memStore{}, seqIDGen())
	require.NoError(t, c.Load(&cache.Multiplex{UID: "mux1", PATVersion: -1}))
	return c
}

func TestPATProcessor_TwoServices(t *testing.T) {
	c := newTestCache(t)
	registry := filtergroup.New()
	p, err := NewPATProcessor(registry, c, nil)
	require.NoError(t, err)

	var fired PAT
	p.OnEvent = func(pat PAT) { fired = pat }

	p.onSection(psi.Section{
		TableID:   TableIDPAT,
		Extension: 0x1234,
		Version:   0,
		Payload:   encodePAT([]PATEntry{{ProgramNumber: 1, PID: 0x100}, {ProgramNumber: 2, PID: 0x200}}),
	})

	svc1, ok := c.FindByID(1)
	require.True(t, ok)
	assert.Equal(t, uint16(0x100), svc1.PMTPID)
	svc2, ok := c.FindByID(2)
	require.True(t, ok)
	assert.Equal(t, uint16(0x200), svc2.PMTPID)

	mux := c.CurrentMultiplex()
	assert.Equal(t, 0, mux.PATVersion)
	assert.Equal(t, uint16(0x1234), mux.TransportStreamID)
	assert.Len(t, fired.Entries, 2)
}

func TestPATProcessor_FiresFirstReceiptOnlyOnce(t *testing.T) {
	c := newTestCache(t)
	registry := filtergroup.New()
	p, err := NewPATProcessor(registry, c, nil)
	require.NoError(t, err)

	var firstReceipts int
	p.OnFirstReceipt = func() { firstReceipts++ }

	section := psi.Section{TableID: TableIDPAT, Extension: 1, Version: 0, Payload: encodePAT([]PATEntry{{ProgramNumber: 1, PID: 0x100}})}
	p.onSection(section)
	section.Version = 1
	p.onSection(section)

	assert.Equal(t, 1, firstReceipts)
}

func TestPATProcessor_ServiceRemovedWhenOmittedFromPAT(t *testing.T) {
	c := newTestCache(t)
	registry := filtergroup.New()
	p, err := NewPATProcessor(registry, c, nil)
	require.NoError(t, err)

	p.onSection(psi.Section{TableID: TableIDPAT, Extension: 1, Version: 0,
		Payload: encodePAT([]PATEntry{{ProgramNumber: 1, PID: 0x100}, {ProgramNumber: 2, PID: 0x200}})})

	// Mark service 2 as already also SDT-seen so PAT-only omission doesn't
	// immediately delete it (cache's cross-table interlock).
	svc2, _ := c.FindByID(2)
	c.Seen(svc2, true, false)

	p.onSection(psi.Section{TableID: TableIDPAT, Extension: 1, Version: 1,
		Payload: encodePAT([]PATEntry{{ProgramNumber: 1, PID: 0x100}})})

	_, ok := c.FindByID(2)
	assert.True(t, ok, "SDT still reports it present, so PAT omission alone must not delete it")
}

// encodePAT builds a PAT payload (the part parsePATPayload consumes) from
// entries, for test fixtures.
func encodePAT(entries []PATEntry) []byte {
	buf := make([]byte, 0, 4*len(entries))
	for _, e := range entries {
		buf = append(buf, byte(e.ProgramNumber>>8), byte(e.ProgramNumber))
		buf = append(buf, byte(0xE0|(e.PID>>8)), byte(e.PID))
	}
	return buf
}
