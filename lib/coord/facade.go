package coord

import (
	"sync"

	"github.com/airlock-lab/airlock/lib/storage"
)

// resourceStamp is the open/close bookkeeping shared by the sender façades.
// Senders do not own a real resource, they only remember a default name to
// stamp onto requests that do not carry one; opening the actual resource is
// the writer's business.
type resourceStamp struct {
	mu       sync.Mutex
	resource string
	open     bool
}

// Open records the default resource for requests that do not name one.
func (s *resourceStamp) Open(resource string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return storage.NewError(storage.RetCInvalidOperation,
			"sender already has resource "+s.resource+" open")
	}
	s.resource = resource
	s.open = true
	return nil
}

// Close clears the default resource.
func (s *resourceStamp) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return storage.NewError(storage.RetCInvalidOperation, "sender has no open resource")
	}
	s.resource = ""
	s.open = false
	return nil
}

// IsOpen reports whether a default resource is set.
func (s *resourceStamp) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// stamp fills the request's resource from the default when it names none.
func (s *resourceStamp) stamp(req *storage.Request) error {
	if req.Resource != "" {
		return nil
	}

	s.mu.Lock()
	resource := s.resource
	s.mu.Unlock()

	if resource == "" {
		return storage.NewError(storage.RetCInvalidOperation,
			"request names no resource and none is open")
	}
	req.Resource = resource
	return nil
}
