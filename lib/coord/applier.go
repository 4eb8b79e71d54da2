package coord

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/airlock-lab/airlock/lib/storage"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("coord")

var (
	metricApplied = metrics.NewCounter("airlock_writer_applied_total")
	metricDropped = metrics.NewCounter("airlock_writer_dropped_total")
	metricGCRuns  = metrics.NewCounter("airlock_writer_gc_total")
)

// DefaultGCInterval is how many applied requests trigger a collection pass
// when the caller does not choose an interval.
const DefaultGCInterval = 100

// errorPause keeps a stream of poisoned items from spinning the writer hot.
const errorPause = 10 * time.Millisecond

// Applier is the single-owner write loop core shared by the queue writer,
// the pipe writer and the reference store: it owns a storage service
// exclusively, keeps the right resource open, flushes after every applied
// request and survives bad items.
//
// Thread-safety: an Applier belongs to exactly one goroutine.
type Applier struct {
	service    storage.Service
	gcInterval int

	resource string        // resource currently open on the service
	applied  atomic.Uint64 // readable from other goroutines for progress checks
}

// NewApplier wraps a storage service. A gcInterval of zero picks the
// default, a negative one disables collection passes.
func NewApplier(service storage.Service, gcInterval int) *Applier {
	if gcInterval == 0 {
		gcInterval = DefaultGCInterval
	}
	return &Applier{
		service:    service,
		gcInterval: gcInterval,
	}
}

// Apply runs one request against the service. Failures are logged and the
// item is dropped: one bad payload must never stop the pipeline.
func (a *Applier) Apply(req *storage.Request) {
	if err := a.applyOnce(req); err != nil {
		metricDropped.Inc()
		Logger.Errorf("Dropping %s request for resource %q: %v", req.Kind, req.Resource, err)
		time.Sleep(errorPause)
	}
}

// Finish closes whatever resource is still open. Called once when the owning
// loop shuts down.
func (a *Applier) Finish() {
	if a.service.IsOpen() {
		if err := a.service.Close(); err != nil {
			Logger.Warningf("Failed to close resource %q on shutdown: %v", a.resource, err)
		}
	}
	a.resource = ""
}

// Applied returns the number of successfully applied requests.
func (a *Applier) Applied() uint64 {
	return a.applied.Load()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (a *Applier) applyOnce(req *storage.Request) error {
	if req.Kind != storage.KindStore {
		return storage.NewError(storage.RetCInvalidOperation,
			"writer can only apply store requests, got "+req.Kind.String())
	}

	if err := a.ensureResource(req.Resource); err != nil {
		return err
	}
	if err := a.service.Store(req); err != nil {
		return err
	}
	a.flush()

	applied := a.applied.Add(1)
	metricApplied.Inc()
	if a.gcInterval > 0 && applied%uint64(a.gcInterval) == 0 {
		// Large deserialized payload graphs accumulate in a long-running
		// writer, reclaim them on a fixed cadence.
		runtime.GC()
		metricGCRuns.Inc()
		Logger.Debugf("Collection pass after %d applied requests", applied)
	}
	return nil
}

// ensureResource lazily switches the open resource: closing happens only
// when the next request targets a different one.
func (a *Applier) ensureResource(resource string) error {
	if a.service.IsOpen() && a.resource == resource {
		return nil
	}

	if a.service.IsOpen() {
		if err := a.service.Close(); err != nil {
			Logger.Warningf("Failed to close resource %q: %v", a.resource, err)
		}
	}
	if err := a.service.Open(resource); err != nil {
		return err
	}

	Logger.Debugf("Switched writer to resource %q", resource)
	a.resource = resource
	return nil
}

// flush pushes the stored data down if the service supports it. A failed
// flush is only a warning, the data itself was accepted.
func (a *Applier) flush() {
	flusher, ok := a.service.(storage.Flusher)
	if !ok {
		return
	}
	if err := flusher.Flush(); err != nil {
		Logger.Warningf("Flush of resource %q failed: %v", a.resource, err)
	}
}
