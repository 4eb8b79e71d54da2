package memstore

import (
	"fmt"
	"testing"

	"github.com/airlock-lab/airlock/lib/storage"
	storagetesting "github.com/airlock-lab/airlock/lib/storage/testing"
)

func TestMemStoreInterface(t *testing.T) {
	storagetesting.RunServiceTests(t, "MemStore", func() storage.Service {
		return New()
	})
}

func TestMemStoreRecordOrder(t *testing.T) {
	s := New()
	if err := s.Open("run.results"); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		req := storage.NewStoreRequest("result", "run.results",
			[]byte(fmt.Sprintf("value-%d", i)), nil, nil)
		if err := s.Store(req); err != nil {
			t.Fatalf("store %d failed: %v", i, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	records := s.Records("run.results")
	if len(records) != 10 {
		t.Fatalf("got %d records, want 10", len(records))
	}
	for i, r := range records {
		if want := fmt.Sprintf("value-%d", i); string(r.Payload) != want {
			t.Errorf("record %d payload = %q, want %q", i, r.Payload, want)
		}
		if i > 0 && records[i-1].Seq >= r.Seq {
			t.Errorf("record %d seq %d not increasing (prev %d)", i, r.Seq, records[i-1].Seq)
		}
	}
	if got := s.TotalStored(); got != 10 {
		t.Errorf("TotalStored = %d, want 10", got)
	}
}

func TestMemStoreFlushCounter(t *testing.T) {
	s := New()
	var f storage.Flusher = s
	for i := 0; i < 3; i++ {
		if err := f.Flush(); err != nil {
			t.Fatalf("flush failed: %v", err)
		}
	}
	if got := s.Flushes(); got != 3 {
		t.Errorf("Flushes = %d, want 3", got)
	}
}

func TestMemStoreLoadLatestMatch(t *testing.T) {
	s := New()
	store := func(args []string, payload string) {
		t.Helper()
		req := storage.NewStoreRequest("result", "run.results", []byte(payload), args, nil)
		if err := s.Store(req); err != nil {
			t.Fatalf("store failed: %v", err)
		}
	}
	store([]string{"trial-1"}, "first")
	store([]string{"trial-2"}, "second")
	store([]string{"trial-1"}, "third")

	got, err := s.Load(storage.NewLoadRequest("result", "run.results", []string{"trial-1"}, nil))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if string(got) != "third" {
		t.Errorf("load returned %q, want most recent match %q", got, "third")
	}

	got, err = s.Load(storage.NewLoadRequest("result", "run.results", nil, nil))
	if err != nil {
		t.Fatalf("unfiltered load failed: %v", err)
	}
	if string(got) != "third" {
		t.Errorf("unfiltered load returned %q, want latest record %q", got, "third")
	}
}
