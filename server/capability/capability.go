// Package capability models device resources (microphone, geolocation) that
// are acquired from the user's client and must be released on every exit path.
package capability

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPermissionDenied is returned when the user or their client refused access
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnavailable is returned when no client answered the request in time
	ErrUnavailable = errors.New("capability unavailable")
)

// Position is a geolocation fix reported by the user's device
type Position struct {
	Latitude  float64
	Longitude float64
	// Accuracy in meters, zero when unknown
	Accuracy float64
}

// Lease is a held capability. Release must be safe to call more than once.
type Lease interface {
	Release()
}

// Use acquires a lease, runs fn with it and releases it when fn returns,
// including when fn panics.
func Use[L Lease](ctx context.Context, acquire func(context.Context) (L, error), fn func(L) error) error {
	lease, err := acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	return fn(lease)
}

// OnceLease runs a release function at most once.
type OnceLease struct {
	once     sync.Once
	release  func()
	mu       sync.Mutex
	released bool
}

// NewLease wraps release so that it runs exactly once
func NewLease(release func()) *OnceLease {
	return &OnceLease{release: release}
}

// Release runs the release function the first time it is called
func (l *OnceLease) Release() {
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
		l.mu.Lock()
		l.released = true
		l.mu.Unlock()
	})
}

// Released reports whether Release has completed
func (l *OnceLease) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// Slot holds at most one lease on behalf of a long-running owner. Once the
// slot is released, any lease put into it is released immediately, so an
// acquisition that completes after its owner gave up never leaks.
type Slot struct {
	mu     sync.Mutex
	lease  Lease
	closed bool
}

// Put stores the lease. It returns false, after releasing the lease, if the
// slot was already released.
func (s *Slot) Put(lease Lease) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		lease.Release()
		return false
	}
	prev := s.lease
	s.lease = lease
	s.mu.Unlock()

	if prev != nil {
		prev.Release()
	}
	return true
}

// Release releases the held lease, if any, before returning and closes the slot
func (s *Slot) Release() {
	s.mu.Lock()
	lease := s.lease
	s.lease = nil
	s.closed = true
	s.mu.Unlock()

	if lease != nil {
		lease.Release()
	}
}

// Closed reports whether the slot was released
func (s *Slot) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
