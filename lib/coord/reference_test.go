package coord

import (
	"fmt"
	"testing"

	"github.com/airlock-lab/airlock/lib/storage"
	"github.com/airlock-lab/airlock/lib/storage/memstore"
	stesting "github.com/airlock-lab/airlock/lib/storage/testing"
)

func TestReferenceDeferredUntilDrain(t *testing.T) {
	store := memstore.New()
	wrapper := NewReferenceWrapper()

	for i := 0; i < 3; i++ {
		req := storage.NewStoreRequest("log", "trajectory",
			[]byte(fmt.Sprintf("entry-%d", i)), nil, nil)
		if err := wrapper.Store(req); err != nil {
			t.Fatalf("Store %d failed: %v", i, err)
		}
	}

	if got := store.TotalStored(); got != 0 {
		t.Fatalf("Nothing should reach the service before the drain, got %d records", got)
	}
	if got := wrapper.Pending(); got != 3 {
		t.Fatalf("Expected 3 pending requests, got %d", got)
	}

	refStore := NewReferenceStore(store, 0)
	refStore.StoreReferences(wrapper)

	if got := wrapper.Pending(); got != 0 {
		t.Errorf("Expected an empty wrapper after the drain, got %d pending", got)
	}
	records := store.Records("trajectory")
	if len(records) != 3 {
		t.Fatalf("Expected 3 records after the drain, got %d", len(records))
	}
	for i, rec := range records {
		if want := fmt.Sprintf("entry-%d", i); string(rec.Payload) != want {
			t.Errorf("Record %d: expected payload %q, got %q", i, want, rec.Payload)
		}
	}
}

// TestReferenceDrainBatchesPerResource: interleaved writes drain grouped by
// resource, each resource opened once.
func TestReferenceDrainBatchesPerResource(t *testing.T) {
	counting := &countingService{inner: memstore.New()}
	wrapper := NewReferenceWrapper()

	for i, resource := range []string{"alpha", "beta", "alpha", "beta"} {
		req := storage.NewStoreRequest("log", resource,
			[]byte(fmt.Sprintf("entry-%d", i)), nil, nil)
		if err := wrapper.Store(req); err != nil {
			t.Fatalf("Store %d failed: %v", i, err)
		}
	}

	NewReferenceStore(counting, 0).StoreReferences(wrapper)

	if got := counting.opens.Load(); got != 2 {
		t.Errorf("Expected each resource opened once, got %d opens", got)
	}

	// alpha was seen first, so its records must drain before beta's
	inner := counting.inner.(*memstore.Store)
	alpha, beta := inner.Records("alpha"), inner.Records("beta")
	if len(alpha) != 2 || len(beta) != 2 {
		t.Fatalf("Expected 2 records per resource, got %d and %d", len(alpha), len(beta))
	}
	if alpha[1].Seq > beta[0].Seq {
		t.Error("Resources drained interleaved instead of batched")
	}
}

func TestReferenceStoreCopies(t *testing.T) {
	store := memstore.New()
	wrapper := NewReferenceWrapper()

	req := storage.NewStoreRequest("original", "trajectory", []byte("x"), nil, nil)
	if err := wrapper.Store(req); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// mutations after the hand-off must not leak into the deferred copy
	req.Op = "mutated"
	req.Resource = "elsewhere"

	NewReferenceStore(store, 0).StoreReferences(wrapper)

	records := store.Records("trajectory")
	if len(records) != 1 {
		t.Fatalf("Expected 1 record on the original resource, got %d", len(records))
	}
	if records[0].Op != "original" {
		t.Errorf("Expected the copied op %q, got %q", "original", records[0].Op)
	}
}

func TestReferenceWrapperValidation(t *testing.T) {
	wrapper := NewReferenceWrapper()

	if err := wrapper.Store(nil); err == nil {
		t.Error("Expected an error for a nil request")
	}
	if err := wrapper.Store(storage.NewLoadRequest("log", "trajectory", nil, nil)); err == nil {
		t.Error("Expected an error for a load request")
	}
	if err := wrapper.Store(storage.NewStoreRequest("log", "", []byte("x"), nil, nil)); err == nil {
		t.Error("Expected an error for a request without a resource")
	}
	if _, err := wrapper.Load(storage.NewLoadRequest("log", "trajectory", nil, nil)); err == nil {
		t.Error("Expected load to be unsupported")
	}
}

func TestReferenceWrapperStampsDefaultResource(t *testing.T) {
	store := memstore.New()
	wrapper := NewReferenceWrapper()

	if err := wrapper.Open("trajectory"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := wrapper.Store(storage.NewStoreRequest("log", "", []byte("x"), nil, nil)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := wrapper.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	NewReferenceStore(store, 0).StoreReferences(wrapper)

	if len(store.Records("trajectory")) != 1 {
		t.Error("Expected the request to land on the opened resource")
	}
}

func TestReferenceDrainTwice(t *testing.T) {
	store := memstore.New()
	wrapper := NewReferenceWrapper()
	refStore := NewReferenceStore(store, 0)

	if err := wrapper.Store(storage.NewStoreRequest("log", "trajectory", []byte("x"), nil, nil)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	refStore.StoreReferences(wrapper)
	refStore.StoreReferences(wrapper) // empty second drain is a no-op

	if got := refStore.Applied(); got != 1 {
		t.Errorf("Expected 1 applied request, got %d", got)
	}
	if got := store.TotalStored(); got != 1 {
		t.Errorf("Expected 1 stored record, got %d", got)
	}
}

// TestReferenceDrainSkipsPoison: a rejected request is dropped, the rest of
// the batch still drains.
func TestReferenceDrainSkipsPoison(t *testing.T) {
	store := memstore.New()
	instr := &stesting.InstrumentedService{
		Inner: store,
		BeforeStore: func(req *storage.Request) error {
			if string(req.Payload) == "poison" {
				return fmt.Errorf("service rejects this payload")
			}
			return nil
		},
	}
	wrapper := NewReferenceWrapper()

	for _, p := range []string{"good-1", "poison", "good-2"} {
		if err := wrapper.Store(storage.NewStoreRequest("log", "trajectory", []byte(p), nil, nil)); err != nil {
			t.Fatalf("Store %q failed: %v", p, err)
		}
	}

	refStore := NewReferenceStore(instr, 0)
	refStore.StoreReferences(wrapper)

	if got := refStore.Applied(); got != 2 {
		t.Errorf("Expected 2 applied requests, got %d", got)
	}
	records := store.Records("trajectory")
	if len(records) != 2 {
		t.Fatalf("Expected 2 surviving records, got %d", len(records))
	}
}
