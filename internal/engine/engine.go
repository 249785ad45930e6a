// Package engine wires every core component into a single explicit context
// struct: the TS reader, filter-group registry, service cache, persistent
// store, event bus, deferred-processing worker, and the standard table
// plug-ins. Per DESIGN NOTES §9, this struct is the replacement for the
// original implementation's global mutable state — every collaborator is
// constructed once, here, and handed down by reference rather than reached
// for through package-level variables.
package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tsbridge/dvbstreamer-go/internal/cache"
	"github.com/tsbridge/dvbstreamer-go/internal/config"
	"github.com/tsbridge/dvbstreamer-go/internal/delivery"
	"github.com/tsbridge/dvbstreamer-go/internal/dvbdevice"
	"github.com/tsbridge/dvbstreamer-go/internal/eventbus"
	"github.com/tsbridge/dvbstreamer-go/internal/filtergroup"
	"github.com/tsbridge/dvbstreamer-go/internal/msgq"
	"github.com/tsbridge/dvbstreamer-go/internal/plugins/atsc"
	"github.com/tsbridge/dvbstreamer-go/internal/plugins/dvb"
	"github.com/tsbridge/dvbstreamer-go/internal/plugins/mpeg2"
	"github.com/tsbridge/dvbstreamer-go/internal/reader"
	"github.com/tsbridge/dvbstreamer-go/internal/store"
)

// Event bus source/event names fired by the engine itself (distinct from
// those fired by individual plug-ins on their own sources).
const (
	EventSourceEngine = "engine"
	EventMuxTuned     = "mux-tuned"
)

// Engine owns every long-lived collaborator for one adapter and exposes the
// narrow set of operations the shell and scan workflows need.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	Store    *store.Store
	Cache    *cache.Cache
	Registry *filtergroup.Registry
	Reader   *reader.Reader
	Bus      *eventbus.Bus
	Worker   *msgq.Worker
	Delivery *delivery.Registry

	PAT  *mpeg2.PATProcessor
	PMT  *mpeg2.PMTProcessor
	SDT  *dvb.SDTProcessor
	TDT  *dvb.TDTProcessor
	PSIP *atsc.Processor

	queue        *msgq.Queue
	readerEvents *eventbus.Source
}

// New constructs an Engine from configuration but does not open the tuner
// device or start the reader; call Tune for that.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: opening store: %w", err)
	}

	bus := eventbus.New()
	readerEvents := bus.RegisterSource(EventSourceEngine)
	registry := filtergroup.New()
	registry.Enable(true)

	c := cache.New(st, ulidIDGenerator)
	c.OnServiceReleased = func(svc *cache.Service) {
		logger.Debug("service released", slog.Int("service_id", int(svc.ServiceID)))
	}

	pollInterval := cfg.Engine.WorkerPollInterval
	if pollInterval <= 0 {
		pollInterval = config.DefaultWorkerPollInterval
	}
	queue := msgq.New()
	worker := msgq.NewWorker(queue, pollInterval)

	e := &Engine{
		cfg:          cfg,
		logger:       logger,
		Store:        st,
		Cache:        c,
		Registry:     registry,
		Bus:          bus,
		Worker:       worker,
		Delivery:     delivery.NewRegistry(),
		queue:        queue,
		readerEvents: readerEvents,
	}

	if e.PAT, err = mpeg2.NewPATProcessor(registry, c, logger); err != nil {
		return nil, fmt.Errorf("engine: building PAT processor: %w", err)
	}
	if e.PMT, err = mpeg2.NewPMTProcessor(registry, c, logger); err != nil {
		return nil, fmt.Errorf("engine: building PMT processor: %w", err)
	}
	if e.SDT, err = dvb.NewSDTProcessor(registry, c, logger); err != nil {
		return nil, fmt.Errorf("engine: building SDT processor: %w", err)
	}
	if e.TDT, err = dvb.NewTDTProcessor(registry, logger); err != nil {
		return nil, fmt.Errorf("engine: building TDT processor: %w", err)
	}
	if e.PSIP, err = atsc.NewProcessor(registry, c, logger); err != nil {
		return nil, fmt.Errorf("engine: building PSIP processor: %w", err)
	}

	e.PAT.OnFirstReceipt = func() { registry.NotifyMuxChanged() }

	// Route the heaviest table work (PMT/SDT cache mutation, per spec.md
	// §5's own example) off the reader's dispatch goroutine and onto the
	// deferred-processing worker instead of running it inline.
	e.PMT.Defer = func(work func()) { e.Defer(msgq.Job{Process: work}) }
	e.SDT.Defer = func(work func()) { e.Defer(msgq.Job{Process: work}) }

	return e, nil
}

// Config returns the configuration this engine was built from, for
// collaborators (the shell, cmd/dvbstreamerd) that need to read settings
// after construction rather than threading them through separately.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Tune opens (or re-opens) the device on the given tuning parameters, loads
// the matching multiplex into the cache, and starts the reader dispatch
// loop.
func (e *Engine) Tune(ctx context.Context, source dvbdevice.PacketSource, params dvbdevice.TuningParams, multiplexUID string) error {
	seed := &cache.Multiplex{
		UID:            multiplexUID,
		PATVersion:     -1,
		TuningParams:   params.Params,
		DeliverySystem: params.DeliverySystem,
		Frequency:      params.Frequency,
	}
	if err := e.Cache.Load(seed); err != nil {
		return fmt.Errorf("engine: loading cache for multiplex %s: %w", multiplexUID, err)
	}

	if e.Reader == nil {
		e.Reader = reader.New(source, e.Registry, e.readerEvents, e.logger)
	}
	if err := e.Reader.Open(ctx, params); err != nil {
		return fmt.Errorf("engine: opening reader: %w", err)
	}

	e.readerEvents.Fire(EventMuxTuned, multiplexUID)
	return nil
}

// Defer hands job to the deferred-processing worker instead of running it
// inline on the reader's dispatch thread, per spec.md §5's separation
// between packet dispatch and heavier table processing.
func (e *Engine) Defer(job msgq.Job) {
	e.queue.Send(job)
}

// Close tears down the reader, stops the deferred worker, and closes the
// store. Safe to call even if Tune was never called.
func (e *Engine) Close() error {
	var firstErr error
	if e.Reader != nil {
		if err := e.Reader.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("engine: closing reader: %w", err)
		}
	}
	e.queue.SetQuit()
	e.Worker.Stop()
	if err := e.Cache.WriteBack(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("engine: final cache write-back: %w", err)
	}
	if err := e.Store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("engine: closing store: %w", err)
	}
	return firstErr
}

// ulidIDGenerator mints surrogate UIDs for newly created Multiplex/Service
// records, matching the teacher's ULID-based primary keys.
func ulidIDGenerator() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
