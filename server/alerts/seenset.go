package alerts

import (
	"sync"
	"time"

	"github.com/mattermost/mattermost-plugin-safety/server/logging"
)

const (
	// DefaultSeenRetention is how long an alert id is remembered. It is far
	// longer than any response deadline the backend assigns to an alert.
	DefaultSeenRetention = 24 * time.Hour

	// seenCleanupInterval is how often expired ids are pruned
	seenCleanupInterval = 30 * time.Minute
)

// SeenSet remembers the alert ids already surfaced to a user. Ids are only
// forgotten wholesale by Clear or once the backend has not listed them as
// active for longer than the retention window.
type SeenSet struct {
	retention time.Duration
	logger    logging.Logger
	now       func() time.Time

	mu   sync.Mutex
	seen map[int64]time.Time

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	stopOnce    sync.Once
}

// NewSeenSet creates a seen-set and starts its cleanup loop.
func NewSeenSet(retention time.Duration, logger logging.Logger) *SeenSet {
	if retention <= 0 {
		retention = DefaultSeenRetention
	}

	s := &SeenSet{
		retention:   retention,
		logger:      logger,
		now:         time.Now,
		seen:        make(map[int64]time.Time),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// Record marks the alert as seen. It returns true if the alert was not seen
// before, in which case the caller owns surfacing it.
func (s *SeenSet) Record(alertID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.seen[alertID]; exists {
		return false
	}

	s.seen[alertID] = s.now()
	return true
}

// Refresh restarts the retention window of the given ids that are already
// remembered. Ids still reported active are never pruned.
func (s *SeenSet) Refresh(alertIDs []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, alertID := range alertIDs {
		if _, exists := s.seen[alertID]; exists {
			s.seen[alertID] = now
		}
	}
}

// Contains reports whether the alert was already seen
func (s *SeenSet) Contains(alertID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.seen[alertID]
	return exists
}

// Len returns the number of remembered alert ids
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Clear forgets every alert id at once
func (s *SeenSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[int64]time.Time)
}

func (s *SeenSet) cleanupLoop() {
	ticker := time.NewTicker(seenCleanupInterval)
	defer ticker.Stop()
	defer close(s.cleanupDone)

	for {
		select {
		case <-ticker.C:
			s.prune()
		case <-s.stopCleanup:
			return
		}
	}
}

// prune removes ids not refreshed within the retention window
func (s *SeenSet) prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expired := 0

	for alertID, seenAt := range s.seen {
		if now.Sub(seenAt) > s.retention {
			delete(s.seen, alertID)
			expired++
		}
	}

	if expired > 0 {
		s.logger.Debug("Pruned expired alert ids from seen-set",
			"expired", expired,
			"remaining", len(s.seen))
	}

	return expired
}

// Stop stops the cleanup goroutine and waits for it to finish.
// It is safe to call more than once.
func (s *SeenSet) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
	<-s.cleanupDone
}
