package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsbridge/dvbstreamer-go/internal/cache"
	"github.com/tsbridge/dvbstreamer-go/internal/config"
	"github.com/tsbridge/dvbstreamer-go/internal/descriptor"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.Config{
		Adapter: config.AdapterConfig{Number: 0, DeliverySystem: "DVB-T"},
		Store: config.StoreConfig{
			DataDir:      t.TempDir(),
			MaxOpenConns: 1,
			MaxIdleConns: 1,
			LogLevel:     "silent",
		},
	}
	s, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_WriteBackThenLoadRoundTrips(t *testing.T) {
	s := newTestStore(t)

	mux := &cache.Multiplex{
		UID:               "mux1",
		DeliverySystem:    "DVB-T",
		TransportStreamID: 0x1234,
		OriginalNetworkID: 1,
		PATVersion:        0,
	}
	svc := &cache.Service{
		UID:          "mux1:1",
		MultiplexUID: "mux1",
		ServiceID:    1,
		Name:         "BBC One",
		Provider:     "BBC",
		PMTPID:       0x100,
		PMTVersion:   0,
		PCRPID:       0x101,
		Program: &cache.ProgramInfo{
			PCRPID: 0x101,
			Descriptors: []descriptor.Descriptor{{Tag: 0x40, Data: []byte("BBC One")}},
			Streams: []cache.Stream{
				{PID: 0x101, StreamType: 2},
				{PID: 0x102, StreamType: 4, Descriptors: []descriptor.Descriptor{{Tag: 0x0A, Data: []byte("eng")}}},
			},
		},
	}

	require.NoError(t, s.WriteBack(cache.WriteBack{Multiplex: mux, Upserts: []*cache.Service{svc}}))

	loadedMux, loadedServices, err := s.LoadMultiplex("mux1")
	require.NoError(t, err)
	require.NotNil(t, loadedMux)
	assert.Equal(t, uint16(0x1234), loadedMux.TransportStreamID)

	require.Len(t, loadedServices, 1)
	got := loadedServices[0]
	assert.Equal(t, "BBC One", got.Name)
	assert.Equal(t, uint16(0x100), got.PMTPID)
	require.NotNil(t, got.Program)
	assert.Equal(t, uint16(0x101), got.Program.PCRPID)
	require.Len(t, got.Program.Streams, 2)
	assert.Equal(t, uint16(0x102), got.Program.Streams[1].PID)
	require.Len(t, got.Program.Streams[1].Descriptors, 1)
	assert.Equal(t, "eng", string(got.Program.Streams[1].Descriptors[0].Data))
}

func TestStore_WriteBackDeletesServiceAndPIDs(t *testing.T) {
	s := newTestStore(t)

	mux := &cache.Multiplex{UID: "mux1"}
	svc := &cache.Service{
		UID: "mux1:1", MultiplexUID: "mux1", ServiceID: 1, Name: "Channel",
		Program: &cache.ProgramInfo{Streams: []cache.Stream{{PID: 0x200, StreamType: 2}}},
	}
	require.NoError(t, s.WriteBack(cache.WriteBack{Multiplex: mux, Upserts: []*cache.Service{svc}}))

	require.NoError(t, s.WriteBack(cache.WriteBack{Deletes: []*cache.Service{svc}}))

	_, loadedServices, err := s.LoadMultiplex("mux1")
	require.NoError(t, err)
	assert.Empty(t, loadedServices)
}

func TestStore_FindServiceByNameFallsBackAcrossMultiplexes(t *testing.T) {
	s := newTestStore(t)

	mux := &cache.Multiplex{UID: "muxA"}
	svc := &cache.Service{UID: "muxA:5", MultiplexUID: "muxA", ServiceID: 5, Name: "Archived"}
	require.NoError(t, s.WriteBack(cache.WriteBack{Multiplex: mux, Upserts: []*cache.Service{svc}}))

	found, ok, err := s.FindServiceByName("Archived")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint16(5), found.ServiceID)

	_, ok, err = s.FindServiceByName("Nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}
