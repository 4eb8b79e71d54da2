package testing

import (
	"sync/atomic"

	"github.com/airlock-lab/airlock/lib/storage"
)

// InstrumentedService wraps a storage.Service and records how it is driven:
// how many calls arrived, and above all how many were in flight at the same
// time. The coordination wrappers promise a watermark of one; the tests
// assert it through this type.
//
// BeforeStore (optional) runs inside the instrumented window and may block
// (to widen race windows or model a slow service) or return an error (to
// model poison requests). It must be set before the service is shared.
type InstrumentedService struct {
	Inner       storage.Service
	BeforeStore func(req *storage.Request) error

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	stores      atomic.Uint64
	loads       atomic.Uint64
}

var _ storage.Service = (*InstrumentedService)(nil)

func (s *InstrumentedService) enter() {
	cur := s.inFlight.Add(1)
	for {
		max := s.maxInFlight.Load()
		if cur <= max || s.maxInFlight.CompareAndSwap(max, cur) {
			return
		}
	}
}

func (s *InstrumentedService) exit() {
	s.inFlight.Add(-1)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see storage/interface.go)
// --------------------------------------------------------------------------

func (s *InstrumentedService) Open(resource string) error {
	s.enter()
	defer s.exit()
	return s.Inner.Open(resource)
}

func (s *InstrumentedService) Close() error {
	s.enter()
	defer s.exit()
	return s.Inner.Close()
}

func (s *InstrumentedService) IsOpen() bool {
	return s.Inner.IsOpen()
}

func (s *InstrumentedService) Store(req *storage.Request) error {
	s.enter()
	defer s.exit()
	s.stores.Add(1)
	if s.BeforeStore != nil {
		if err := s.BeforeStore(req); err != nil {
			return err
		}
	}
	return s.Inner.Store(req)
}

func (s *InstrumentedService) Load(req *storage.Request) ([]byte, error) {
	s.enter()
	defer s.exit()
	s.loads.Add(1)
	return s.Inner.Load(req)
}

// Flush forwards to the inner service when it buffers writes.
func (s *InstrumentedService) Flush() error {
	if f, ok := s.Inner.(storage.Flusher); ok {
		return f.Flush()
	}
	return nil
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// MaxInFlight returns the highest number of calls that were ever active at
// the same time.
func (s *InstrumentedService) MaxInFlight() int64 {
	return s.maxInFlight.Load()
}

// Stores returns the number of Store calls received.
func (s *InstrumentedService) Stores() uint64 {
	return s.stores.Load()
}

// Loads returns the number of Load calls received.
func (s *InstrumentedService) Loads() uint64 {
	return s.loads.Load()
}
