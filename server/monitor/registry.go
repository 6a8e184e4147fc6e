package monitor

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrNotRegistered is returned when no monitor exists for a user
var ErrNotRegistered = errors.New("monitor not registered")

// Registry manages the running monitors, keyed by Mattermost user ID.
// It provides thread-safe operations for registering, retrieving, and stopping monitors.
type Registry struct {
	mu       sync.RWMutex
	monitors map[string]*Monitor
}

// NewRegistry creates a new monitor registry.
func NewRegistry() *Registry {
	return &Registry{
		monitors: make(map[string]*Monitor),
	}
}

// Register adds a monitor to the registry.
// Returns an error if a monitor for the same user already exists.
func (r *Registry) Register(m *Monitor) error {
	if m == nil {
		return fmt.Errorf("cannot register nil monitor")
	}

	id := m.UserID()
	if id == "" {
		return fmt.Errorf("monitor user ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.monitors[id]; exists {
		return fmt.Errorf("monitor for user %s already registered", id)
	}

	r.monitors[id] = m
	return nil
}

// Unregister removes a monitor from the registry and stops it.
// The monitor is always removed, even if Stop fails.
func (r *Registry) Unregister(userID string) error {
	r.mu.Lock()
	m, exists := r.monitors[userID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("monitor for user %s: %w", userID, ErrNotRegistered)
	}
	delete(r.monitors, userID)
	r.mu.Unlock()

	// Stop outside the lock, it waits for in-flight work
	if err := m.Stop(); err != nil {
		return fmt.Errorf("failed to stop monitor for user %s: %w", userID, err)
	}

	return nil
}

// Get retrieves the monitor for userID, or nil.
func (r *Registry) Get(userID string) *Monitor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.monitors[userID]
}

// List returns all registered monitors.
func (r *Registry) List() []*Monitor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	monitors := make([]*Monitor, 0, len(r.monitors))
	for _, m := range r.monitors {
		monitors = append(monitors, m)
	}

	return monitors
}

// UnregisterAll stops every monitor concurrently.
// Returns the first error encountered; every monitor is still stopped.
func (r *Registry) UnregisterAll() error {
	r.mu.Lock()
	monitors := make([]*Monitor, 0, len(r.monitors))
	for id, m := range r.monitors {
		monitors = append(monitors, m)
		delete(r.monitors, id)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, m := range monitors {
		g.Go(func() error {
			if err := m.Stop(); err != nil {
				return fmt.Errorf("failed to stop monitor for user %s: %w", m.UserID(), err)
			}
			return nil
		})
	}

	return g.Wait()
}

// Count returns the number of registered monitors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.monitors)
}
