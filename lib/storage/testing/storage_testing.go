package testing

import (
	"bytes"
	"errors"
	"testing"

	"github.com/airlock-lab/airlock/lib/storage"
)

// ServiceFactory is a function that creates a fresh instance of a
// storage.Service implementation.
type ServiceFactory func() storage.Service

// RunServiceTests runs a conformance test suite for a storage.Service
// implementation. Every service used behind the coordination wrappers should
// pass it.
func RunServiceTests(t *testing.T, name string, factory ServiceFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("OpenClose", func(t *testing.T) {
			testOpenClose(t, factory())
		})

		t.Run("StoreRoundTrip", func(t *testing.T) {
			testStoreRoundTrip(t, factory())
		})

		t.Run("SelfContainedStore", func(t *testing.T) {
			testSelfContainedStore(t, factory())
		})

		t.Run("ResourceMismatch", func(t *testing.T) {
			testResourceMismatch(t, factory())
		})

		t.Run("KindValidation", func(t *testing.T) {
			testKindValidation(t, factory())
		})

		t.Run("LoadMiss", func(t *testing.T) {
			testLoadMiss(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// retCode extracts the storage return code from an error, RetCSuccess if the
// error is nil or not a *storage.Error.
func retCode(err error) storage.RetCode {
	var sErr *storage.Error
	if errors.As(err, &sErr) {
		return sErr.Code
	}
	return storage.RetCSuccess
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testOpenClose(t *testing.T, svc storage.Service) {
	if svc.IsOpen() {
		t.Errorf("fresh service reports open")
	}
	if err := svc.Open("run.results"); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !svc.IsOpen() {
		t.Errorf("service not open after Open")
	}
	if err := svc.Open("other"); err == nil {
		t.Errorf("double open succeeded, want error")
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if svc.IsOpen() {
		t.Errorf("service still open after Close")
	}
	if err := svc.Close(); err == nil {
		t.Errorf("double close succeeded, want error")
	}
}

func testStoreRoundTrip(t *testing.T, svc storage.Service) {
	payload := []byte("encoded result 42")
	if err := svc.Open("run.results"); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	req := storage.NewStoreRequest("result", "run.results", payload,
		[]string{"trial-7"}, map[string]string{"overwrite": "true"})
	if err := svc.Store(req); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	got, err := svc.Load(storage.NewLoadRequest("result", "run.results", []string{"trial-7"}, nil))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("load returned %q, want %q", got, payload)
	}
}

func testSelfContainedStore(t *testing.T, svc storage.Service) {
	req := storage.NewStoreRequest("result", "run.results", []byte("x"), nil, nil)
	err := svc.Store(req)
	if retCode(err) == storage.RetCInvalidOperation {
		// Implementation requires an explicit Open, that is allowed too.
		t.Skip()
	}
	if err != nil {
		t.Fatalf("self-contained store failed: %v", err)
	}
	if svc.IsOpen() {
		t.Errorf("self-contained store left service open")
	}
}

func testResourceMismatch(t *testing.T, svc storage.Service) {
	if err := svc.Open("run.results"); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer svc.Close()
	req := storage.NewStoreRequest("result", "other.resource", []byte("x"), nil, nil)
	if err := svc.Store(req); err == nil {
		t.Errorf("store for closed resource succeeded, want error")
	}
}

func testKindValidation(t *testing.T, svc storage.Service) {
	if err := svc.Store(storage.NewLoadRequest("result", "run.results", nil, nil)); err == nil {
		t.Errorf("Store accepted a LOAD request")
	}
	if _, err := svc.Load(storage.NewStoreRequest("result", "run.results", nil, nil, nil)); err == nil {
		t.Errorf("Load accepted a STORE request")
	}
	if err := svc.Store(storage.NewDoneRequest()); err == nil {
		t.Errorf("Store accepted the DONE sentinel")
	}
}

func testLoadMiss(t *testing.T, svc storage.Service) {
	_, err := svc.Load(storage.NewLoadRequest("result", "never.stored", nil, nil))
	if err == nil {
		t.Fatalf("load of unknown resource succeeded")
	}
	if code := retCode(err); code != storage.RetCNotFound {
		t.Errorf("load miss returned code %d, want RetCNotFound", code)
	}
}
