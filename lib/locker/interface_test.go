package locker

import (
	"sync"
	"testing"
	"time"
)

// TestMutexLockerMutualExclusion verifies that only one holder exists at a time
func TestMutexLockerMutualExclusion(t *testing.T) {
	l := NewMutexLocker()

	const workers = 8
	const rounds = 200

	var holders int
	var maxHolders int
	var mu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if err := l.Acquire(); err != nil {
					t.Errorf("acquire failed: %v", err)
					return
				}

				mu.Lock()
				holders++
				if holders > maxHolders {
					maxHolders = holders
				}
				mu.Unlock()

				mu.Lock()
				holders--
				mu.Unlock()

				if err := l.Release(); err != nil {
					t.Errorf("release failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if maxHolders != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxHolders)
	}
}

// TestMutexLockerDoubleRelease verifies the error instead of a crash
func TestMutexLockerDoubleRelease(t *testing.T) {
	l := NewMutexLocker()

	if err := l.Acquire(); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := l.Release(); err == nil {
		t.Error("second release succeeded, want error")
	}
}

// TestMutexLockerBlocksWhileHeld verifies that a second acquire waits
func TestMutexLockerBlocksWhileHeld(t *testing.T) {
	l := NewMutexLocker()

	if err := l.Acquire(); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		l.Acquire()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while lock held")
	case <-time.After(50 * time.Millisecond):
	}

	if err := l.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}
