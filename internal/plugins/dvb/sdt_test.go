package dvb

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

func TestSDTProcessor_UpdatesExistingService(t *testing.T) {
	c := newTestCache(t)
	svc, err := c.Add(1, 0)
	require.NoError(t, err)

	registry := filtergroup.New()
	p, err := NewSDTProcessor(registry, c, nil)
	require.NoError(t, err)

	var fired SDT
	p.OnEvent = func(s SDT) { fired = s }

	p.onSection(psi.Section{
		TableID:   TableIDSDTActual,
		Extension: 0x1234,
		Version:   0,
		Payload:   encodeSDT(7, []SDTServiceEntry{{ServiceID: 1, Name: "BBC One", Provider: "BBC", Type: cache.ServiceTypeTV}}),
	})

	assert.Equal(t, "BBC One", svc.Name)
	assert.Equal(t, "BBC", svc.Provider)
	assert.Equal(t, cache.ServiceTypeTV, svc.Type)
	assert.Equal(t, uint16(7), fired.OriginalNetworkID)
}

func TestSDTProcessor_IgnoresServiceUnknownToPAT(t *testing.T) {
	c := newTestCache(t)
	registry := filtergroup.New()
	p, err := NewSDTProcessor(registry, c, nil)
	require.NoError(t, err)

	p.onSection(psi.Section{TableID: TableIDSDTActual, Extension: 1, Version: 0,
		Payload: encodeSDT(1, []SDTServiceEntry{{ServiceID: 99, Name: "Ghost"}})})

	_, ok := c.FindByID(99)
	assert.False(t, ok, "SDT alone must never create a service")
}

func TestSDTProcessor_IgnoresOtherTransportStreamSubtable(t *testing.T) {
	c := newTestCache(t)
	svc, err := c.Add(1, 0)
	require.NoError(t, err)
	registry := filtergroup.New()
	p, err := NewSDTProcessor(registry, c, nil)
	require.NoError(t, err)

	p.onSection(psi.Section{TableID: TableIDSDTOther, Extension: 1, Version: 0,
		Payload: encodeSDT(1, []SDTServiceEntry{{ServiceID: 1, Name: "Should not apply"}})})

	assert.Empty(t, svc.Name)
}

func encodeSDT(netid uint16, entries []SDTServiceEntry) []byte {
	buf := []byte{byte(netid >> 8), byte(netid), 0xFF}
	for _, e := range entries {
		var ca byte
		if e.ConditionalAccess {
			ca = 0x10
		}
		svcDesc := []byte{byte(e.Type), byte(len(e.Provider))}
		svcDesc = append(svcDesc, []byte(e.Provider)...)
		svcDesc = append(svcDesc, byte(len(e.Name)))
		svcDesc = append(svcDesc, []byte(e.Name)...)

		loop := append([]byte{serviceDescriptorTag, byte(len(svcDesc))}, svcDesc...)

		buf = append(buf, byte(e.ServiceID>>8), byte(e.ServiceID), 0x00|ca,
			byte(0xF0|(len(loop)>>8)), byte(len(loop)))
		buf = append(buf, loop...)
	}
	return buf
}
