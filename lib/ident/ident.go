// Package ident derives the process identity the lock protocol embeds in
// client IDs. The identity pins (hostname, pid); a worker that was forked
// inherits its parent's sockets and cached IDs but gets its own pid, so
// comparing the current pid against the cached one is the fork detector the
// lock client relies on.
package ident

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Identity identifies one OS process.
type Identity struct {
	Host string
	PID  int
}

// String renders the identity the way it is embedded in wire client IDs.
func (id Identity) String() string {
	return fmt.Sprintf("%s__%d", id.Host, id.PID)
}

// IProvider yields the current process identity. Injected everywhere an
// identity is needed so tests can simulate forks.
type IProvider interface {
	// Current returns the identity of the calling process. The pid is read
	// fresh on every call, it is the fork signal.
	Current() Identity
}

// --------------------------------------------------------------------------
// System provider
// --------------------------------------------------------------------------

type systemProvider struct {
	once sync.Once
	host string
}

// System returns the provider backed by the OS. The hostname is resolved
// once and cached (it cannot change under a running worker), the pid is
// re-read per call.
func System() IProvider {
	return &systemProvider{}
}

func (p *systemProvider) Current() Identity {
	p.once.Do(func() {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		p.host = sanitizeHost(host)
	})
	return Identity{Host: p.host, PID: os.Getpid()}
}

// sanitizeHost strips characters that collide with the lock protocol framing.
func sanitizeHost(host string) string {
	host = strings.ReplaceAll(host, ":::", "-")
	host = strings.ReplaceAll(host, "\n", "-")
	return strings.ReplaceAll(host, "\r", "-")
}

// --------------------------------------------------------------------------
// Manual provider (tests)
// --------------------------------------------------------------------------

// Manual is a provider with a settable pid, used to simulate forks.
type Manual struct {
	Host string
	pid  atomic.Int64
}

// NewManual creates a manual provider starting at the given pid.
func NewManual(host string, pid int) *Manual {
	m := &Manual{Host: host}
	m.pid.Store(int64(pid))
	return m
}

func (m *Manual) Current() Identity {
	return Identity{Host: m.Host, PID: int(m.pid.Load())}
}

// SetPID moves the provider to a new pid, as a fork would.
func (m *Manual) SetPID(pid int) {
	m.pid.Store(int64(pid))
}
