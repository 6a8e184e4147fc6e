// Package lifecycle drives a surfaced safety alert from the moment it is shown
// to the user until they answer it or dismiss it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattermost/mattermost-plugin-safety/server/capability"
	"github.com/mattermost/mattermost-plugin-safety/server/logging"
	"github.com/mattermost/mattermost-plugin-safety/server/risk"
	"github.com/mattermost/mattermost-plugin-safety/server/safetyapi"
)

// DefaultGeolocationTimeout bounds the wait for a location before a
// confirmation is sent without one
const DefaultGeolocationTimeout = 5 * time.Second

var (
	// ErrResponseInFlight is returned while a confirmation request is pending
	ErrResponseInFlight = errors.New("a response is already being submitted")

	// ErrConfirmationRequired is returned when an emergency is confirmed
	// without being requested first
	ErrConfirmationRequired = errors.New("emergency must be requested before it is confirmed")

	// ErrNoAlert is returned when an action needs a shown alert and none is
	ErrNoAlert = errors.New("no alert is shown")
)

// Phase is the lifecycle phase of the alert prompt
type Phase int

const (
	Hidden Phase = iota
	Shown
	Responding
	Closed
)

func (p Phase) String() string {
	switch p {
	case Hidden:
		return "Hidden"
	case Shown:
		return "Shown"
	case Responding:
		return "Responding"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Screen is what the view must display after a transition
type Screen struct {
	Phase Phase

	// Alert is nil for an SOS raised without a surfaced alert
	Alert *safetyapi.Alert

	// Armed is true while the emergency guard waits for confirmation
	Armed bool

	Outcome   risk.Outcome
	Response  *safetyapi.ConfirmResponse
	Err       error
	Dismissed bool

	// Replaced is set on the closing screen of an alert that a newer alert
	// took the place of
	Replaced bool

	// LocationErr is set when a confirmation was sent without a location
	LocationErr error
}

// View renders screens. Render is called with the machine locked and must
// not call back into it.
type View interface {
	Render(screen Screen)
}

// Confirmer submits answers to the backend
type Confirmer interface {
	ConfirmAlert(ctx context.Context, req safetyapi.ConfirmRequest) (*safetyapi.ConfirmResponse, error)
}

// Locator reports the device position
type Locator interface {
	Locate(ctx context.Context) (capability.Position, error)
}

// LocatorFunc adapts a function to Locator
type LocatorFunc func(ctx context.Context) (capability.Position, error)

// Locate calls f
func (f LocatorFunc) Locate(ctx context.Context) (capability.Position, error) {
	return f(ctx)
}

// Resolver is told how alerts were answered. *risk.Holder satisfies it.
type Resolver interface {
	RecordResolution(res risk.Resolution)
}

// Config holds the machine settings
type Config struct {
	GeolocationTimeout time.Duration
}

// Snapshot describes the machine for status displays
type Snapshot struct {
	Phase  Phase
	Alert  *safetyapi.Alert
	Armed  bool
	Queued *safetyapi.Alert
}

// Machine is the alert prompt state machine of one user
type Machine struct {
	confirmer  Confirmer
	locator    Locator
	resolver   Resolver
	view       View
	logger     logging.Logger
	geoTimeout time.Duration
	now        func() time.Time

	mu      sync.Mutex
	phase   Phase
	current *safetyapi.Alert
	armed   bool
	queued  *safetyapi.Alert
}

// NewMachine creates a machine in Hidden. locator may be nil, in which case
// confirmations never carry a location.
func NewMachine(cfg Config, confirmer Confirmer, locator Locator, resolver Resolver, view View, logger logging.Logger) *Machine {
	if cfg.GeolocationTimeout <= 0 {
		cfg.GeolocationTimeout = DefaultGeolocationTimeout
	}
	return &Machine{
		confirmer:  confirmer,
		locator:    locator,
		resolver:   resolver,
		view:       view,
		logger:     logger,
		geoTimeout: cfg.GeolocationTimeout,
		now:        time.Now,
	}
}

// Show surfaces an alert. A shown alert is replaced and its prompt closed;
// while a response is in flight the alert is queued and shown once the
// response resolves.
func (m *Machine) Show(alert safetyapi.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == Responding {
		m.queued = &alert
		m.logger.Debug("Alert queued behind pending response", "alertID", alert.ID)
		return
	}
	m.showLocked(&alert)
}

func (m *Machine) showLocked(alert *safetyapi.Alert) {
	switch {
	case m.phase == Shown && m.current != nil && m.current.ID != alert.ID:
		m.view.Render(Screen{Phase: Closed, Alert: m.current, Replaced: true})
	case m.phase != Shown && m.armed:
		// the pending SOS guard is dropped along with its prompt
		m.view.Render(Screen{Phase: m.phase})
	}

	m.phase = Shown
	m.current = alert
	m.armed = false
	m.view.Render(Screen{Phase: Shown, Alert: alert})
}

// ConfirmSafe tells the backend the user is safe. It attaches the device
// location if one arrives within the geolocation timeout.
func (m *Machine) ConfirmSafe(ctx context.Context, userContext string) (*safetyapi.ConfirmResponse, error) {
	m.mu.Lock()
	if m.phase == Responding {
		m.mu.Unlock()
		return nil, ErrResponseInFlight
	}
	if m.phase != Shown || m.current == nil {
		m.mu.Unlock()
		return nil, ErrNoAlert
	}
	alert := m.current
	resume := m.phase
	m.enterRespondingLocked(alert, risk.OutcomeSafe)
	m.mu.Unlock()

	return m.submit(ctx, alert, resume, risk.OutcomeSafe, userContext)
}

// RequestEmergency arms the emergency guard. Without a shown alert this
// raises an SOS that is not tied to any alert.
func (m *Machine) RequestEmergency() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == Responding {
		return ErrResponseInFlight
	}

	alert := m.current
	if m.phase != Shown {
		alert = nil
	}
	m.armed = true
	m.view.Render(Screen{Phase: m.phase, Alert: alert, Armed: true})
	return nil
}

// CancelEmergency disarms the guard
func (m *Machine) CancelEmergency() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == Responding {
		return ErrResponseInFlight
	}
	if !m.armed {
		return nil
	}

	m.armed = false
	alert := m.current
	if m.phase != Shown {
		alert = nil
	}
	m.view.Render(Screen{Phase: m.phase, Alert: alert})
	return nil
}

// ConfirmEmergency escalates to the user's emergency contacts. It fails with
// ErrConfirmationRequired unless RequestEmergency armed the guard.
func (m *Machine) ConfirmEmergency(ctx context.Context, userContext string) (*safetyapi.ConfirmResponse, error) {
	m.mu.Lock()
	if m.phase == Responding {
		m.mu.Unlock()
		return nil, ErrResponseInFlight
	}
	if !m.armed {
		m.mu.Unlock()
		return nil, ErrConfirmationRequired
	}

	var alert *safetyapi.Alert
	if m.phase == Shown {
		alert = m.current
	}
	resume := m.phase
	m.enterRespondingLocked(alert, risk.OutcomeEmergency)
	m.mu.Unlock()

	return m.submit(ctx, alert, resume, risk.OutcomeEmergency, userContext)
}

// Dismiss hides the shown alert without telling the backend
func (m *Machine) Dismiss() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case Responding:
		return ErrResponseInFlight
	case Shown:
	default:
		return ErrNoAlert
	}

	alert := m.current
	m.phase = Closed
	m.current = nil
	m.armed = false
	m.view.Render(Screen{Phase: Closed, Alert: alert, Dismissed: true})
	return nil
}

// Snapshot returns the machine state
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{Phase: m.phase, Alert: m.current, Armed: m.armed, Queued: m.queued}
}

func (m *Machine) enterRespondingLocked(alert *safetyapi.Alert, outcome risk.Outcome) {
	m.phase = Responding
	m.armed = false
	m.view.Render(Screen{Phase: Responding, Alert: alert, Outcome: outcome})
}

func (m *Machine) submit(ctx context.Context, alert *safetyapi.Alert, resume Phase, outcome risk.Outcome, userContext string) (*safetyapi.ConfirmResponse, error) {
	req := safetyapi.ConfirmRequest{
		IsSafe:  outcome == risk.OutcomeSafe,
		Context: userContext,
	}
	if alert != nil {
		id := alert.ID
		req.AlertID = &id
	}

	locErr := m.locate(ctx, &req)

	resp, err := m.confirmer.ConfirmAlert(ctx, req)

	m.mu.Lock()
	if err != nil {
		m.phase = resume
		// An emergency stays armed so the user can retry with one click
		m.armed = outcome == risk.OutcomeEmergency
		m.view.Render(Screen{Phase: resume, Alert: alert, Armed: m.armed, Outcome: outcome, Err: err, LocationErr: locErr})
		m.mu.Unlock()

		m.logger.Warn("Failed to submit alert response", "outcome", string(outcome), "error", err.Error())
		return nil, err
	}

	m.phase = Closed
	m.current = nil
	m.view.Render(Screen{Phase: Closed, Alert: alert, Outcome: outcome, Response: resp, LocationErr: locErr})

	if next := m.queued; next != nil {
		m.queued = nil
		m.showLocked(next)
	}
	m.mu.Unlock()

	res := risk.Resolution{Outcome: outcome, At: m.now()}
	if alert != nil {
		res.AlertID = alert.ID
	}
	if m.resolver != nil {
		m.resolver.RecordResolution(res)
	}

	m.logger.Info("Alert response submitted", "outcome", string(outcome), "alertID", res.AlertID, "contactsNotified", resp.Notified())
	return resp, nil
}

// locate fills the request coordinates, leaving them nil when no location
// arrives within the geolocation timeout
func (m *Machine) locate(ctx context.Context, req *safetyapi.ConfirmRequest) error {
	if m.locator == nil {
		return capability.ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, m.geoTimeout)
	defer cancel()

	type result struct {
		pos capability.Position
		err error
	}
	done := make(chan result, 1)
	go func() {
		pos, err := m.locator.Locate(ctx)
		done <- result{pos, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = fmt.Errorf("%w: %v", capability.ErrUnavailable, ctx.Err())
	}

	if r.err != nil {
		m.logger.Debug("Sending confirmation without location", "error", r.err.Error())
		return r.err
	}

	lat, lon := r.pos.Latitude, r.pos.Longitude
	req.Latitude = &lat
	req.Longitude = &lon
	return nil
}
