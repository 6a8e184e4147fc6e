package risk

import (
	"sync"
	"time"

	"github.com/mattermost/mattermost-plugin-safety/server/logging"
)

// Outcome is how the user answered a surfaced alert.
type Outcome string

const (
	// OutcomeSafe means the user confirmed they are safe
	OutcomeSafe Outcome = "safe"
	// OutcomeEmergency means the user escalated to their emergency contacts
	OutcomeEmergency Outcome = "emergency"
)

// Resolution records a user decision on an alert.
type Resolution struct {
	AlertID int64
	Outcome Outcome
	At      time.Time
}

// State is what the holder publishes to its subscribers.
type State struct {
	Level          float64
	Category       Category
	UpdatedAt      time.Time
	Snapshot       Snapshot
	LastResolution *Resolution
}

// Subscriber receives every published state on the publisher's goroutine.
type Subscriber func(State)

type subscription struct {
	id int
	fn Subscriber
}

// Holder keeps the latest risk state of one user and republishes it to
// the views that depend on it.
type Holder struct {
	thresholds Thresholds
	logger     logging.Logger
	now        func() time.Time

	mu          sync.Mutex
	state       State
	hasState    bool
	nextID      int
	subscribers []subscription

	// publishMu serializes fan-out so subscribers observe states in update order
	publishMu sync.Mutex
}

// NewHolder creates a holder with the given category thresholds.
func NewHolder(thresholds Thresholds, logger logging.Logger) *Holder {
	return &Holder{
		thresholds: thresholds,
		logger:     logger,
		now:        time.Now,
	}
}

// Subscribe registers fn and returns a function that removes it.
func (h *Holder) Subscribe(fn Subscriber) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.subscribers = append(h.subscribers, subscription{id: id, fn: fn})

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.subscribers {
			if s.id == id {
				h.subscribers = append(h.subscribers[:i:i], h.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Update derives the category of a snapshot and publishes the new state.
// Malformed snapshots are dropped and the previous state is kept.
func (h *Holder) Update(snapshot Snapshot) {
	if err := snapshot.Validate(); err != nil {
		h.logger.Warn("Dropping malformed risk snapshot", "error", err.Error())
		return
	}

	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = h.now()
	}

	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.Lock()
	h.state = State{
		Level:          snapshot.TotalRisk,
		Category:       h.thresholds.Categorize(snapshot.TotalRisk),
		UpdatedAt:      h.now(),
		Snapshot:       snapshot,
		LastResolution: h.state.LastResolution,
	}
	h.hasState = true
	state := h.state
	subscribers := h.snapshotSubscribers()
	h.mu.Unlock()

	publish(subscribers, state)
}

// RecordResolution stores the user's decision on an alert and republishes
// the current state so views can reflect it.
func (h *Holder) RecordResolution(res Resolution) {
	if res.At.IsZero() {
		res.At = h.now()
	}

	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.Lock()
	h.state.LastResolution = &res
	if !h.hasState {
		h.mu.Unlock()
		return
	}
	state := h.state
	subscribers := h.snapshotSubscribers()
	h.mu.Unlock()

	publish(subscribers, state)
}

// Current returns the latest state and whether any snapshot was accepted yet.
func (h *Holder) Current() (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.hasState
}

// Thresholds returns the category boundaries in use.
func (h *Holder) Thresholds() Thresholds {
	return h.thresholds
}

func (h *Holder) snapshotSubscribers() []Subscriber {
	fns := make([]Subscriber, len(h.subscribers))
	for i, s := range h.subscribers {
		fns[i] = s.fn
	}
	return fns
}

func publish(subscribers []Subscriber, state State) {
	for _, fn := range subscribers {
		fn(state)
	}
}
