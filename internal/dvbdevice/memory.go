package dvbdevice

import (
	"context"
	"sync"

	"github.com/tsbridge/dvbstreamer-go/internal/tspacket"
)

// MemorySource is an in-memory PacketSource used by tests to feed a fixed
// sequence of packets through the reader without real hardware.
type MemorySource struct {
	mu      sync.Mutex
	packets [][]byte
	pos     int
	tuned   bool
	tuning  TuningParams
}

// NewMemorySource creates a source that will yield packets in order, then
// report ErrTimeout forever once exhausted.
func NewMemorySource(packets [][]byte) *MemorySource {
	return &MemorySource{packets: packets}
}

// Tune marks the source ready and records params.
func (s *MemorySource) Tune(_ context.Context, params TuningParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tuned = true
	s.tuning = params
	return nil
}

// Read copies as many whole packets as fit in buf from the remaining
// sequence, or returns ErrTimeout once the sequence is exhausted.
func (s *MemorySource) Read(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxPackets := len(buf) / tspacket.Size
	n := 0
	for n < maxPackets && s.pos < len(s.packets) {
		copy(buf[n*tspacket.Size:], s.packets[s.pos])
		s.pos++
		n++
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return n * tspacket.Size, nil
}

// Close is a no-op for MemorySource.
func (s *MemorySource) Close() error { return nil }

// Remaining reports how many packets have not yet been read, for tests.
func (s *MemorySource) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets) - s.pos
}
