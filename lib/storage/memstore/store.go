// Package memstore provides an in-memory reference implementation of the
// storage.Service façade. It keeps an append-only record log per resource and
// exists for two jobs: as the default sink behind the queue endpoint binary
// and as the service under test for the coordination wrappers.
package memstore

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/airlock-lab/airlock/lib/storage"
	"github.com/puzpuzpuz/xsync/v3"
)

// Record is one applied write, in apply order (Seq is strictly increasing
// across all resources).
type Record struct {
	Seq     uint64
	Op      string
	Args    []string
	Kwargs  map[string]string
	Payload []byte
}

type resourceLog struct {
	mu      sync.Mutex
	records []Record
}

// Store is the in-memory service. Like every storage.Service it expects at
// most one in-flight call; the internal locking only makes the test
// accessors (Records, TotalStored, ...) safe to call from other goroutines.
type Store struct {
	resources *xsync.MapOf[string, *resourceLog]
	open      string
	seq       atomic.Uint64
	stored    atomic.Uint64
	flushes   atomic.Uint64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		resources: xsync.NewMapOf[string, *resourceLog](),
	}
}

var _ storage.Service = (*Store)(nil)
var _ storage.Flusher = (*Store)(nil)

func (s *Store) log(resource string) *resourceLog {
	l, _ := s.resources.LoadOrCompute(resource, func() *resourceLog {
		return &resourceLog{}
	})
	return l
}

func (s *Store) apply(req *storage.Request) error {
	l := s.log(req.Resource)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, Record{
		Seq:     s.seq.Add(1),
		Op:      req.Op,
		Args:    req.Args,
		Kwargs:  req.Kwargs,
		Payload: req.Payload,
	})
	s.stored.Add(1)
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see storage/interface.go)
// --------------------------------------------------------------------------

func (s *Store) Open(resource string) error {
	if resource == "" {
		return storage.NewError(storage.RetCInvalidOperation, "cannot open empty resource")
	}
	if s.open != "" {
		return storage.NewError(storage.RetCInvalidOperation,
			fmt.Sprintf("service already open (resource %q)", s.open))
	}
	s.open = resource
	return nil
}

func (s *Store) Close() error {
	if s.open == "" {
		return storage.NewError(storage.RetCInvalidOperation, "service not open")
	}
	s.open = ""
	return nil
}

func (s *Store) IsOpen() bool {
	return s.open != ""
}

// Store applies a write request. When the service was opened explicitly the
// request must target the open resource; without a prior Open the call is
// self-contained and leaves the service closed.
func (s *Store) Store(req *storage.Request) error {
	if req == nil {
		return storage.NewError(storage.RetCInvalidOperation, "nil request")
	}
	if req.Kind != storage.KindStore {
		return storage.NewError(storage.RetCInvalidOperation,
			fmt.Sprintf("store called with %v request", req.Kind))
	}
	if req.Resource == "" {
		return storage.NewError(storage.RetCInvalidOperation, "request without resource")
	}
	if s.open != "" && req.Resource != s.open {
		return storage.NewError(storage.RetCInvalidOperation,
			fmt.Sprintf("request for resource %q but %q is open", req.Resource, s.open))
	}
	return s.apply(req)
}

// Load returns the payload of the most recent record matching the request's
// operation (and, when given, its args).
func (s *Store) Load(req *storage.Request) ([]byte, error) {
	if req == nil {
		return nil, storage.NewError(storage.RetCInvalidOperation, "nil request")
	}
	if req.Kind != storage.KindLoad {
		return nil, storage.NewError(storage.RetCInvalidOperation,
			fmt.Sprintf("load called with %v request", req.Kind))
	}
	l, ok := s.resources.Load(req.Resource)
	if !ok {
		return nil, storage.NewError(storage.RetCNotFound,
			fmt.Sprintf("no records for resource %q", req.Resource))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.records) - 1; i >= 0; i-- {
		r := l.records[i]
		if r.Op != req.Op {
			continue
		}
		if len(req.Args) > 0 && !equalArgs(r.Args, req.Args) {
			continue
		}
		return r.Payload, nil
	}
	return nil, storage.NewError(storage.RetCNotFound,
		fmt.Sprintf("no record for op %q on resource %q", req.Op, req.Resource))
}

// Flush implements storage.Flusher. The store has no write-behind buffer, so
// it only counts the call for the tests that assert flush cadence.
func (s *Store) Flush() error {
	s.flushes.Add(1)
	return nil
}

// --------------------------------------------------------------------------
// Introspection (test and operational accessors)
// --------------------------------------------------------------------------

// Records returns a snapshot of all records applied to the given resource.
func (s *Store) Records(resource string) []Record {
	l, ok := s.resources.Load(resource)
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Resources returns the names of all resources that received at least one record.
func (s *Store) Resources() []string {
	var names []string
	s.resources.Range(func(name string, _ *resourceLog) bool {
		names = append(names, name)
		return true
	})
	return names
}

// TotalStored returns the number of records applied across all resources.
func (s *Store) TotalStored() uint64 {
	return s.stored.Load()
}

// Flushes returns the number of Flush calls the store received.
func (s *Store) Flushes() uint64 {
	return s.flushes.Load()
}

func equalArgs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
