package coord

import (
	"sync"

	"github.com/airlock-lab/airlock/lib/storage"
)

// ReferenceWrapper is the deferred-write façade: Store only appends a copy
// of the request to an in-memory per-resource list, nothing reaches the
// storage service until a ReferenceStore drains the wrapper explicitly.
// Suited for runs that produce many small results and want to hand them over
// in one batch at the end.
//
// Thread-safety: safe for concurrent use.
type ReferenceWrapper struct {
	resourceStamp

	mu    sync.Mutex
	refs  map[string][]*storage.Request
	order []string // resources in first-seen order, for a deterministic drain
}

var _ storage.Service = (*ReferenceWrapper)(nil)

// NewReferenceWrapper creates an empty wrapper.
func NewReferenceWrapper() *ReferenceWrapper {
	return &ReferenceWrapper{
		refs: make(map[string][]*storage.Request),
	}
}

// Store remembers a copy of the request under its resource. The storage
// service is not touched.
func (w *ReferenceWrapper) Store(req *storage.Request) error {
	if req == nil || req.Kind != storage.KindStore {
		return storage.NewError(storage.RetCInvalidOperation, "wrapper only accepts store requests")
	}
	if err := w.stamp(req); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, seen := w.refs[req.Resource]; !seen {
		w.order = append(w.order, req.Resource)
	}
	w.refs[req.Resource] = append(w.refs[req.Resource], req.Clone())
	return nil
}

// Load is not available: deferred writes have nothing to answer from.
func (w *ReferenceWrapper) Load(*storage.Request) ([]byte, error) {
	return nil, storage.NewError(storage.RetCUnsupportedOperation,
		"load is not supported on a reference wrapper")
}

// Pending returns how many requests sit unwritten in the wrapper.
func (w *ReferenceWrapper) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	for _, refs := range w.refs {
		total += len(refs)
	}
	return total
}

// take removes and returns everything collected so far.
func (w *ReferenceWrapper) take() (map[string][]*storage.Request, []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	refs, order := w.refs, w.order
	w.refs = make(map[string][]*storage.Request)
	w.order = nil
	return refs, order
}

// --------------------------------------------------------------------------
// Reference Store
// --------------------------------------------------------------------------

// ReferenceStore drains reference wrappers into the storage service it owns,
// resource by resource, with the writer semantics of the queue and pipe
// loops (lazy open/close, flush, collection cadence, poison tolerance).
type ReferenceStore struct {
	applier *Applier
}

// NewReferenceStore wraps the service. gcInterval is handed to the applier.
func NewReferenceStore(service storage.Service, gcInterval int) *ReferenceStore {
	return &ReferenceStore{
		applier: NewApplier(service, gcInterval),
	}
}

// StoreReferences writes everything the wrapper collected and empties it.
// Requests drain per resource in collection order, so each resource is
// opened exactly once per drain.
func (s *ReferenceStore) StoreReferences(w *ReferenceWrapper) {
	refs, order := w.take()

	total := 0
	for _, resource := range order {
		for _, req := range refs[resource] {
			s.applier.Apply(req)
			total++
		}
	}
	s.applier.Finish()

	Logger.Infof("Drained %d deferred requests across %d resources", total, len(order))
}

// Applied returns the number of requests drained into the service so far.
func (s *ReferenceStore) Applied() uint64 {
	return s.applier.Applied()
}
