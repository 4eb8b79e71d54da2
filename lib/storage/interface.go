// Package storage defines the storage-service façade that every coordination
// wrapper in this repo guards. The concrete service (an experiment store, a
// file-backed archive, ...) is supplied by the caller; this package only pins
// down the contract the wrappers rely on: a service is opened for one resource
// at a time, receives one request at a time, and is never safe for concurrent
// calls.
package storage

import (
	"fmt"
)

// --------------------------------------------------------------------------
// Request Model
// --------------------------------------------------------------------------

// RequestKind selects what a Request asks of the service.
type RequestKind uint8

const (
	KindStore RequestKind = iota // 0: write operation
	KindLoad                     // 1: read operation
	KindDone                     // 2: control sentinel, never applied to a service
)

// String implements the fmt.Stringer interface for RequestKind.
func (k RequestKind) String() string {
	switch k {
	case KindStore:
		return "STORE"
	case KindLoad:
		return "LOAD"
	case KindDone:
		return "DONE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// Request is one unit of work for a Service. Op names the service operation,
// Resource names the data set the operation touches, and Payload carries the
// already-encoded value (this layer never interprets it). Args and Kwargs
// carry positional and named operation parameters.
//
// A Request is created once, handed to exactly one consumer and not mutated
// afterwards. Wrappers that must retain a request keep a Clone.
type Request struct {
	Kind     RequestKind
	Op       string
	Resource string
	Payload  []byte
	Args     []string
	Kwargs   map[string]string
}

// NewStoreRequest creates a write request for the given operation and resource.
func NewStoreRequest(op, resource string, payload []byte, args []string, kwargs map[string]string) *Request {
	return &Request{
		Kind:     KindStore,
		Op:       op,
		Resource: resource,
		Payload:  payload,
		Args:     args,
		Kwargs:   kwargs,
	}
}

// NewLoadRequest creates a read request for the given operation and resource.
func NewLoadRequest(op, resource string, args []string, kwargs map[string]string) *Request {
	return &Request{
		Kind:     KindLoad,
		Op:       op,
		Resource: resource,
		Args:     args,
		Kwargs:   kwargs,
	}
}

// NewDoneRequest creates the control sentinel that tells a queue or pipe
// consumer to finish pending work and stop. It is never applied to a service.
func NewDoneRequest() *Request {
	return &Request{Kind: KindDone}
}

// Clone returns a shallow copy of the request. Payload, Args and Kwargs are
// shared with the original, matching the hand-off-once ownership model.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Service is the façade every coordination wrapper presents and guards.
// Implementations are NOT required to be safe for concurrent use; the
// wrappers in lib/coord exist to guarantee at most one in-flight call.
//
// All write operations return only an error (nil on success), read operations
// return the requested data along with an error (nil on success).
type Service interface {
	// Open prepares the service for requests against the given resource.
	// Opening an already open service is an error.
	Open(resource string) error
	// Close releases the currently open resource. Closing a closed service
	// is an error.
	Close() error
	// IsOpen reports whether the service currently holds an open resource.
	IsOpen() bool
	// Store applies a write request. The service may require Open first;
	// self-contained implementations may open and close per call.
	Store(req *Request) error
	// Load executes a read request and returns the stored, still encoded
	// payload. Wrappers that only ever forward writes return
	// RetCUnsupportedOperation here.
	Load(req *Request) ([]byte, error)
}

// Flusher is implemented by services that buffer writes and can force them
// out. Consumers check for it after every applied request.
type Flusher interface {
	Flush() error
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	errorCode := ""
	switch e.Code {
	case RetCInternalError:
		errorCode = "InternalError"
	case RetCUnsupportedOperation:
		errorCode = "UnsupportedOperation"
	case RetCInvalidOperation:
		errorCode = "InvalidOperation"
	case RetCNotFound:
		errorCode = "NotFound"
	default:
		errorCode = "Unknown"
	}

	return fmt.Sprintf("StorageError (code %s): %s", errorCode, e.Msg)
}

// NewError creates a new StorageError with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Request executed successfully.
	RetCInternalError                       // 1: Request failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by this service or wrapper.
	RetCInvalidOperation                    // 3: Invalid operation (e.g. store on a closed service).
	RetCNotFound                            // 4: Load matched no stored record.
)
