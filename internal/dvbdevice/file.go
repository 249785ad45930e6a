package dvbdevice

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/tsbridge/dvbstreamer-go/internal/tspacket"
)

// FileSource is a PacketSource backed by a plain file or FIFO of
// concatenated 188-byte packets: a recorded capture, a named pipe fed by an
// external tuning helper, or (on Linux) the dvr device node itself opened
// by path. Tune opens the path on first use and otherwise only records the
// requested parameters, since this source has no frontend of its own to
// configure.
type FileSource struct {
	path   string
	file   *os.File
	tuning TuningParams
}

// NewFileSource records path without opening it; the first Tune call opens
// it, so a FIFO that a separate tuning process creates need not exist yet.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Tune opens the device path if not already open and records params.
func (s *FileSource) Tune(_ context.Context, params TuningParams) error {
	s.tuning = params
	if s.file != nil {
		return nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("dvbdevice: opening %s: %w", s.path, err)
	}
	s.file = f
	return nil
}

// Read fills buf with whole packets read from the file, rounding down to a
// multiple of tspacket.Size. io.EOF is reported as ErrTimeout so a live FIFO
// reader can retry without the reader loop treating end-of-capture as
// hardware-fatal; callers replaying a fixed capture should Close once done.
func (s *FileSource) Read(buf []byte) (int, error) {
	if s.file == nil {
		return 0, fmt.Errorf("dvbdevice: Read called before Tune")
	}
	usable := len(buf) - (len(buf) % tspacket.Size)
	n, err := io.ReadFull(s.file, buf[:usable])
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return n - (n % tspacket.Size), ErrTimeout
		}
		return 0, fmt.Errorf("dvbdevice: reading %s: %w", s.path, err)
	}
	return n, nil
}

// Close releases the underlying file handle.
func (s *FileSource) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
