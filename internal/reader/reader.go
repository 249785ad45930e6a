// Package reader implements the TS reader: the thread that owns the DVB
// device handle, pulls packets in bulk, and dispatches each one to every
// enabled filter group subscribing to its PID.
package reader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tsbridge/dvbstreamer-go/internal/dvbdevice"
	"github.com/tsbridge/dvbstreamer-go/internal/eventbus"
	"github.com/tsbridge/dvbstreamer-go/internal/filtergroup"
	"github.com/tsbridge/dvbstreamer-go/internal/tspacket"
)

// batchPackets is how many packets the reader reads per device call before
// re-acquiring the registry's read lock, per spec.md §4.1: "acquire the
// registry read-lock (per-batch, not per-packet)".
const batchPackets = 64

// Reader owns a DVB device handle and drives per-packet filter-group
// dispatch on its own goroutine.
type Reader struct {
	source   dvbdevice.PacketSource
	registry *filtergroup.Registry
	events   *eventbus.Source
	logger   *slog.Logger

	structureChanged atomic.Bool

	mu               sync.Mutex
	cond             *sync.Cond
	batchesStarted   uint64
	batchesCompleted uint64

	cancel context.CancelFunc
	done   chan struct{}

	// PIDDiscontinuities counts continuity-counter gaps observed per PID,
	// a protocol-benign stat that never propagates as an error.
	statsMu             sync.Mutex
	pidDiscontinuities  map[uint16]int
	lastContinuityByPID map[uint16]uint8
	haveContinuity      map[uint16]bool
}

// New creates a Reader bound to source, dispatching through registry and
// broadcasting lifecycle events through events.
func New(source dvbdevice.PacketSource, registry *filtergroup.Registry, events *eventbus.Source, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reader{
		source:              source,
		registry:            registry,
		events:              events,
		logger:              logger,
		pidDiscontinuities:  make(map[uint16]int),
		lastContinuityByPID: make(map[uint16]uint8),
		haveContinuity:      make(map[uint16]bool),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Open tunes the device and starts the reader thread. A reader thread left
// running by an earlier Open is stopped, and waited for, first, so at most
// one reader thread runs at a time.
func (r *Reader) Open(ctx context.Context, params dvbdevice.TuningParams) error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	if err := r.source.Tune(ctx, params); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx)
	return nil
}

// Enable globally masks dispatch without stopping the reader thread.
func (r *Reader) Enable(enabled bool) {
	r.registry.Enable(enabled)
}

// CreateFilterGroup registers a new filter group. Thread-safe.
func (r *Reader) CreateFilterGroup(name, typ string, userArg any, onEvent filtergroup.EventCallback) (*filtergroup.Group, error) {
	return r.registry.CreateGroup(name, typ, userArg, onEvent)
}

// DestroyFilterGroup removes the named group and blocks until the reader
// thread has observed the removal, so no in-flight callback for this group
// can run after this call returns. It does so by waiting for two full
// batch-dispatch cycles to complete after the removal: the first may still
// be using a snapshot taken before removal, but causally the second cannot
// be, since the reader loop is single-threaded and takes its snapshot fresh
// at the start of every batch.
func (r *Reader) DestroyFilterGroup(name string) {
	r.registry.DestroyGroup(name)
	r.waitForBatches(2)
}

func (r *Reader) waitForBatches(count uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target := r.batchesCompleted + count
	for r.batchesCompleted < target && r.done != nil {
		select {
		case <-r.done:
			return
		default:
		}
		r.cond.Wait()
	}
}

// MarkStructureChanged flags that the cache's service set changed between
// PAT/SDT versions; the reader delivers a single mux-changed event to every
// group on the next batch, then clears the flag.
func (r *Reader) MarkStructureChanged() {
	r.structureChanged.Store(true)
}

// Close signals the reader loop to stop, joins it, and releases the device.
func (r *Reader) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
	return r.source.Close()
}

func (r *Reader) loop(ctx context.Context) {
	defer close(r.done)
	buf := make([]byte, batchPackets*tspacket.Size)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := r.source.Read(buf)
		if err != nil {
			if errors.Is(err, dvbdevice.ErrTimeout) {
				// Fall through: process the partial batch we did get, even
				// an empty one, so an idle cycle still counts as a completed
				// batch for DestroyFilterGroup's wait.
			} else {
				r.logger.Error("DVB device read failed, terminating reader", slog.Any("error", err))
				if r.events != nil {
					r.events.Fire("reader-failed", err)
				}
				return
			}
		}

		r.dispatchBatch(buf[:n])

		r.mu.Lock()
		r.batchesCompleted++
		r.cond.Broadcast()
		r.mu.Unlock()
	}
}

func (r *Reader) dispatchBatch(buf []byte) {
	r.mu.Lock()
	r.batchesStarted++
	r.mu.Unlock()

	groups := r.registry.Snapshot()

	if r.structureChanged.CompareAndSwap(true, false) {
		for _, g := range groups {
			if g.OnEvent != nil {
				g.OnEvent(g, "mux-changed")
			}
		}
	}

	for off := 0; off+tspacket.Size <= len(buf); off += tspacket.Size {
		p, err := tspacket.FromBytes(buf[off : off+tspacket.Size])
		if err != nil {
			continue
		}
		if !p.SyncOK() {
			continue
		}
		r.trackContinuity(&p)
		r.registry.Dispatch(groups, &p)
	}
}

func (r *Reader) trackContinuity(p *tspacket.Packet) {
	pid := p.PID()
	if !p.HasPayload() {
		return
	}
	cc := p.ContinuityCounter()

	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	if r.haveContinuity[pid] {
		expected := (r.lastContinuityByPID[pid] + 1) & 0x0F
		if cc != expected && cc != r.lastContinuityByPID[pid] {
			r.pidDiscontinuities[pid]++
		}
	}
	r.haveContinuity[pid] = true
	r.lastContinuityByPID[pid] = cc
}

// Discontinuities returns the number of continuity-counter gaps observed on
// pid since Open, a protocol-benign stat (spec.md §7).
func (r *Reader) Discontinuities(pid uint16) int {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.pidDiscontinuities[pid]
}
