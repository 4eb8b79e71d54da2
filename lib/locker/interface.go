// Package locker defines the mutual-exclusion contract the lock coordinator
// wraps. The in-process implementation lives here; the network implementation
// is the lock client in rpc/lockclient.
package locker

import (
	"fmt"
)

// ILocker is the minimal lock interface: acquire blocks until the lock is
// held, release gives it back. Both return an error instead of panicking so
// wrappers can downgrade release failures to log lines.
type ILocker interface {
	// Acquire blocks until the lock is held by the caller.
	Acquire() error

	// Release gives the lock back. Releasing a lock that is not held is an
	// error, not a panic.
	Release() error
}

// --------------------------------------------------------------------------
// In-process implementation
// --------------------------------------------------------------------------

// MutexLocker is the in-process ILocker for single-process deployments where
// workers are goroutines. Built on a one-slot channel instead of sync.Mutex
// so that a release without a matching acquire reports an error instead of
// crashing the worker.
type MutexLocker struct {
	slot chan struct{}
}

// NewMutexLocker creates an unlocked in-process lock.
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{
		slot: make(chan struct{}, 1),
	}
}

var _ ILocker = (*MutexLocker)(nil)

func (l *MutexLocker) Acquire() error {
	l.slot <- struct{}{}
	return nil
}

func (l *MutexLocker) Release() error {
	select {
	case <-l.slot:
		return nil
	default:
		return fmt.Errorf("release of a lock that is not held")
	}
}
