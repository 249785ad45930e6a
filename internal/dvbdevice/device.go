// Package dvbdevice abstracts the local DVB receiver hardware behind a
// PacketSource interface, so the TS reader (internal/reader) never depends
// on adapter ioctl details. No kernel DVB ioctls are issued here:
// FileSource reads a capture, a FIFO or a /dev/dvb/adapterN dvr node by
// path, and MemorySource replays packets held in memory. Everything above
// this interface is hardware-agnostic.
package dvbdevice

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by PacketSource.Read when no data arrived within
// the bounded timeout the reader loop requires (spec.md §5: "Reader thread
// blocks on the device read (bounded timeout, ≤ 100 ms)").
var ErrTimeout = errors.New("dvbdevice: read timeout")

// TuningParams carries delivery-system-specific tuning parameters. Its
// shape mirrors the Multiplex.tuning-parameter blob in spec.md §3: opaque
// to everything except the concrete device and the channels.conf importer.
type TuningParams struct {
	DeliverySystem string // "DVB-S", "DVB-C", "DVB-T", "ATSC", ...
	Frequency      uint32 // Hz
	Params         map[string]string
}

// PacketSource is the interface the TS reader depends on. A batch read
// returns between 1 and len(buf)/188 packets' worth of bytes; a benign,
// transient condition (no data yet) returns ErrTimeout so the reader can
// retry, while any other error is treated as hardware-fatal.
type PacketSource interface {
	// Tune configures the frontend and demux for params. Must be called
	// before the first Read.
	Tune(ctx context.Context, params TuningParams) error

	// Read fills buf (a multiple of 188 bytes) with as many whole packets
	// as are currently available, blocking up to the source's own internal
	// timeout, and returns the byte count actually filled (always a
	// multiple of 188). Returns ErrTimeout, not an error, when no data was
	// available within that bound.
	Read(buf []byte) (n int, err error)

	// Close releases the device.
	Close() error
}

// DefaultReadTimeout is the bounded device-read timeout spec.md requires
// (≤ 100 ms) for implementations built on top of a raw file descriptor via
// poll/select rather than a kernel-enforced read timeout.
const DefaultReadTimeout = 100 * time.Millisecond
