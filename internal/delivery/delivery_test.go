package delivery

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_PicksFirstHandlerThatAccepts(t *testing.T) {
	r := NewRegistry()
	inst, err := r.Create("null://discard")
	require.NoError(t, err)
	defer inst.Destroy()

	assert.NoError(t, inst.OutputPacket(make([]byte, 188)))
}

func TestRegistry_UnknownSchemeErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("rtmp://example.com/live")
	assert.Error(t, err)
}

func TestPacketsPerDatagram_ConservativeMTU(t *testing.T) {
	assert.Equal(t, 7, packetsPerDatagram(DefaultMTU))
}

func TestFileHandler_WritesPacketsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ts")
	h := FileHandler{}
	inst, err := h.CreateInstance("file://" + path)
	require.NoError(t, err)

	require.NoError(t, inst.OutputPacket([]byte{0x47, 0x00}))
	require.NoError(t, inst.OutputPacket([]byte{0x47, 0x01}))
	require.NoError(t, inst.Destroy())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x47, 0x00, 0x47, 0x01}, got)
}

func TestUDPInstance_BatchesSevenPacketsPerDatagram(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	h := UDPHandler{}
	inst, err := h.CreateInstance("udp://" + pc.LocalAddr().String())
	require.NoError(t, err)
	defer inst.Destroy()

	packet := make([]byte, 188)
	recv := make(chan []byte, 16)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, _, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			cp := make([]byte, n)
			copy(cp, buf[:n])
			recv <- cp
		}
	}()

	// spec.md seed scenario: 100 packets -> 14 full 1316-byte datagrams
	// (7 packets * 188) plus one partial 376-byte (2 packet) datagram.
	for i := 0; i < 100; i++ {
		require.NoError(t, inst.OutputPacket(packet))
	}
	require.NoError(t, inst.Destroy())

	var datagrams [][]byte
	for len(datagrams) < 15 {
		datagrams = append(datagrams, <-recv)
	}

	for i := 0; i < 14; i++ {
		assert.Len(t, datagrams[i], 7*188, "datagram %d", i)
	}
	assert.Len(t, datagrams[14], 2*188)
}
