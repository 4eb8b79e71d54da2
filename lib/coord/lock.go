package coord

import (
	"fmt"
	"sync"
	"time"

	"github.com/airlock-lab/airlock/lib/locker"
	"github.com/airlock-lab/airlock/lib/retry"
	"github.com/airlock-lab/airlock/lib/storage"
)

// LockCoordinator guards a storage service with a lock so several workers
// can share it: every store and load acquires first and releases on every
// exit path. It is the only coordination variant that keeps the synchronous
// request/reply contract, so it is also the only one whose Load works.
//
// The lock is any locker.ILocker: a MutexLocker when the workers are
// goroutines, a lock client when they are processes on one or many machines.
//
// Thread-safety: one coordinator belongs to one worker. Acquire is a no-op
// while the lock is already held, so sharing a coordinator between
// goroutines would let them into the critical section together. Finalize may
// be called from a different goroutine during teardown.
type LockCoordinator struct {
	service storage.Service
	lock    locker.ILocker
	policy  *retry.Policy

	mu     sync.Mutex
	locked bool
}

var _ storage.Service = (*LockCoordinator)(nil)

// NewLockCoordinator wraps the service with the given lock and the default
// retry policy for acquire and release.
func NewLockCoordinator(service storage.Service, lock locker.ILocker) *LockCoordinator {
	return NewLockCoordinatorWithRetry(service, lock, retry.New(3, 10*time.Millisecond, nil))
}

// NewLockCoordinatorWithRetry wraps the service with an explicit retry
// policy.
func NewLockCoordinatorWithRetry(service storage.Service, lock locker.ILocker, policy *retry.Policy) *LockCoordinator {
	return &LockCoordinator{
		service: service,
		lock:    lock,
		policy:  policy,
	}
}

// --------------------------------------------------------------------------
// Lock State
// --------------------------------------------------------------------------

// AcquireLock takes the lock unless this coordinator already holds it.
func (c *LockCoordinator) AcquireLock() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.locked {
		return nil
	}
	if err := c.policy.Do("lock acquire", c.lock.Acquire); err != nil {
		return err
	}
	c.locked = true
	return nil
}

// ReleaseLock gives the lock back, unless the coordinator does not hold it
// or the service still has a resource open (then the lock is retained so the
// resource stays exclusively ours across several calls). Release failures
// are logged, never propagated: the worst they can mean is that the lock was
// already gone.
func (c *LockCoordinator) ReleaseLock() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.locked || c.service.IsOpen() {
		return
	}
	c.release()
}

// Finalize forcibly releases the lock regardless of the open state. Teardown
// safety net: a worker that dies between acquire and release must not leave
// the lock stuck if it gets the chance to clean up.
func (c *LockCoordinator) Finalize() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.locked {
		c.release()
	}
}

// release clears the state and returns the lock. The caller holds c.mu.
func (c *LockCoordinator) release() {
	if err := c.policy.Do("lock release", c.lock.Release); err != nil {
		Logger.Errorf("Failed to release lock, continuing: %v", err)
	}
	c.locked = false
}

// --------------------------------------------------------------------------
// Interface Methods (docu see storage.Service)
// --------------------------------------------------------------------------

// Open acquires the lock and opens the resource. The lock stays held until
// Close, so a sequence of calls against the open resource is one exclusive
// session.
func (c *LockCoordinator) Open(resource string) error {
	if err := c.AcquireLock(); err != nil {
		return fmt.Errorf("failed to acquire lock for resource %q: %v", resource, err)
	}
	if err := c.service.Open(resource); err != nil {
		c.ReleaseLock()
		return err
	}
	return nil
}

// Close closes the resource and then releases the lock held since Open.
func (c *LockCoordinator) Close() error {
	err := c.service.Close()
	c.ReleaseLock()
	return err
}

// IsOpen reports whether the underlying service has a resource open.
func (c *LockCoordinator) IsOpen() bool {
	return c.service.IsOpen()
}

// Store runs the request under the lock, releasing whatever the outcome.
func (c *LockCoordinator) Store(req *storage.Request) error {
	if err := c.AcquireLock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %v", err)
	}
	defer c.ReleaseLock()

	return c.service.Store(req)
}

// Load runs the request under the lock, releasing whatever the outcome.
func (c *LockCoordinator) Load(req *storage.Request) ([]byte, error) {
	if err := c.AcquireLock(); err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %v", err)
	}
	defer c.ReleaseLock()

	return c.service.Load(req)
}
