package dvbdevice

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsbridge/dvbstreamer-go/internal/tspacket"
)

func TestFileSource_ReadsWholePackets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.ts")

	data := make([]byte, tspacket.Size*3+10) // 3 whole packets + partial trailing bytes
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0o600))

	src := NewFileSource(path)
	require.NoError(t, src.Tune(context.Background(), TuningParams{}))
	defer src.Close()

	buf := make([]byte, tspacket.Size*2)
	n, err := src.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, tspacket.Size*2, n)

	n, err = src.Read(buf)
	// Only one whole packet plus 10 stray bytes remain; io.ReadFull fails
	// short, surfaced here as ErrTimeout with the partial whole-packet count.
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, tspacket.Size, n)
}

func TestMemorySource_ExhaustsThenTimesOut(t *testing.T) {
	p1 := make([]byte, tspacket.Size)
	p2 := make([]byte, tspacket.Size)
	src := NewMemorySource([][]byte{p1, p2})
	require.NoError(t, src.Tune(context.Background(), TuningParams{}))

	buf := make([]byte, tspacket.Size*5)
	n, err := src.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, tspacket.Size*2, n)

	_, err = src.Read(buf)
	assert.ErrorIs(t, err, ErrTimeout)
}
