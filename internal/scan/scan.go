// Package scan drives the channel-scan workflow: tune to a multiplex, wait
// for its PAT, every service's PMT, and its SDT (or, on ATSC, VCT) to
// arrive or for a timeout to elapse, then report what was found
// (grounded on original_source/src/commands/cmd_scanning.c's CommandScan /
// ScanMultiplex). It talks to the engine only through the table
// processors' OnEvent/OnFirstReceipt hooks and internal/cache's public
// read operations — it never reaches into packet dispatch directly.
package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tsbridge/dvbstreamer-go/internal/cache"
	"github.com/tsbridge/dvbstreamer-go/internal/dvbdevice"
	"github.com/tsbridge/dvbstreamer-go/internal/engine"
	"github.com/tsbridge/dvbstreamer-go/internal/plugins/atsc"
	"github.com/tsbridge/dvbstreamer-go/internal/plugins/dvb"
	"github.com/tsbridge/dvbstreamer-go/internal/plugins/mpeg2"
)

// DefaultTimeout matches the original implementation's fixed 5-second wait
// per multiplex.
const DefaultTimeout = 5 * time.Second

// Target names one multiplex to scan: how to tune to it and the UID to
// bind the cache to while scanning.
type Target struct {
	MultiplexUID string
	Params       dvbdevice.TuningParams
}

// Result reports what a single multiplex scan observed.
type Result struct {
	MultiplexUID   string
	PATReceived    bool
	AllPMTReceived bool
	SDTReceived    bool // SDT on DVB multiplexes, VCT on ATSC ones
	Services       []*cache.Service
}

// isATSC reports whether a TuningParams.DeliverySystem value is one that uses
// PSIP/VCT instead of SDT for per-service naming, matching the original
// implementation's MainIsDVB() branch.
func isATSC(deliverySystem string) bool {
	return deliverySystem == "ATSC" || deliverySystem == "atsc"
}

// state tracks what has arrived for the multiplex currently being scanned.
// A single scan runs at a time (the fields mirror the original
// implementation's process-wide scanning globals), guarded by mu.
type state struct {
	mu             sync.Mutex
	expectedPMT    map[uint16]bool
	pat            bool
	allPMT         bool
	sdt            bool
	patCh          chan struct{}
	allPMTCh       chan struct{}
	sdtCh          chan struct{}
	patClosed      bool
	allPMTClosed   bool
	sdtClosed      bool
}

func newState() *state {
	return &state{
		expectedPMT: make(map[uint16]bool),
		patCh:       make(chan struct{}),
		allPMTCh:    make(chan struct{}),
		sdtCh:       make(chan struct{}),
	}
}

func (s *state) onPAT(p mpeg2.PAT) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pat {
		return
	}
	for _, e := range p.Entries {
		if e.ProgramNumber != 0 {
			s.expectedPMT[e.ProgramNumber] = false
		}
	}
	s.pat = true
	s.closePAT()
	s.checkAllPMTLocked()
}

func (s *state) onPMT(p mpeg2.PMT) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, expected := s.expectedPMT[p.ServiceID]; expected {
		s.expectedPMT[p.ServiceID] = true
	}
	s.checkAllPMTLocked()
}

func (s *state) checkAllPMTLocked() {
	if s.allPMT || !s.pat {
		return
	}
	for _, received := range s.expectedPMT {
		if !received {
			return
		}
	}
	s.allPMT = true
	s.closeAllPMT()
}

func (s *state) onSDT(dvb.SDT) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markSDTLocked()
}

func (s *state) onVCT(atsc.VCT) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markSDTLocked()
}

func (s *state) markSDTLocked() {
	if s.sdt {
		return
	}
	s.sdt = true
	s.closeSDT()
}

func (s *state) closePAT() {
	if !s.patClosed {
		s.patClosed = true
		close(s.patCh)
	}
}

func (s *state) closeAllPMT() {
	if !s.allPMTClosed {
		s.allPMTClosed = true
		close(s.allPMTCh)
	}
}

func (s *state) closeSDT() {
	if !s.sdtClosed {
		s.sdtClosed = true
		close(s.sdtCh)
	}
}

// Multiplex tunes e to target, waits up to timeout for PAT, every service's
// PMT, and SDT/VCT to arrive, then restores the table processors' prior
// callbacks and returns what was observed. It does not change the engine's
// currently selected service.
func Multiplex(ctx context.Context, e *engine.Engine, source dvbdevice.PacketSource, target Target, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	s := newState()

	prevPAT := e.PAT.OnEvent
	prevPMT := e.PMT.OnEvent
	prevSDT := e.SDT.OnEvent
	prevVCT := e.PSIP.OnVCT
	defer func() {
		e.PAT.OnEvent = prevPAT
		e.PMT.OnEvent = prevPMT
		e.SDT.OnEvent = prevSDT
		e.PSIP.OnVCT = prevVCT
	}()

	e.PAT.OnEvent = s.onPAT
	e.PMT.OnEvent = s.onPMT
	if isATSC(target.Params.DeliverySystem) {
		e.PSIP.OnVCT = s.onVCT
	} else {
		e.SDT.OnEvent = s.onSDT
	}

	tuneCtx, cancelTune := context.WithTimeout(ctx, timeout)
	defer cancelTune()
	if err := e.Tune(tuneCtx, source, target.Params, target.MultiplexUID); err != nil {
		return Result{}, fmt.Errorf("scan: tuning to %s: %w", target.MultiplexUID, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	result := Result{MultiplexUID: target.MultiplexUID}
	patCh, allPMTCh, sdtCh := s.patCh, s.allPMTCh, s.sdtCh
	for !(result.PATReceived && result.AllPMTReceived && result.SDTReceived) {
		select {
		case <-patCh:
			result.PATReceived = true
			patCh = nil // already observed; exclude from future selects
		case <-allPMTCh:
			result.AllPMTReceived = true
			allPMTCh = nil
		case <-sdtCh:
			result.SDTReceived = true
			sdtCh = nil
		case <-deadline.C:
			result.Services = e.Cache.Services()
			return result, nil
		case <-ctx.Done():
			result.Services = e.Cache.Services()
			return result, ctx.Err()
		}
	}

	result.Services = e.Cache.Services()
	return result, nil
}

// All scans each target in order, stopping early if ctx is cancelled.
func All(ctx context.Context, e *engine.Engine, source dvbdevice.PacketSource, targets []Target, timeout time.Duration) ([]Result, error) {
	results := make([]Result, 0, len(targets))
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r, err := Multiplex(ctx, e, source, target, timeout)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}
