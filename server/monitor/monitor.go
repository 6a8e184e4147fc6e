// Package monitor composes the per-user safety components: risk state, alert
// polling, the alert prompt, the audio monitor and location tracking.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattermost/mattermost-plugin-safety/server/alerts"
	"github.com/mattermost/mattermost-plugin-safety/server/audio"
	"github.com/mattermost/mattermost-plugin-safety/server/capability"
	"github.com/mattermost/mattermost-plugin-safety/server/lifecycle"
	"github.com/mattermost/mattermost-plugin-safety/server/logging"
	"github.com/mattermost/mattermost-plugin-safety/server/risk"
	"github.com/mattermost/mattermost-plugin-safety/server/safetyapi"
	"github.com/mattermost/mattermost-plugin-safety/server/tracking"
)

const (
	// lastFixMaxAge is how old a tracked fix may be to stand in for a device
	// location that did not arrive
	lastFixMaxAge = 10 * time.Minute

	// deviceLocateShare is the part of the geolocation timeout the device
	// gets, in percent. The rest is left for the tracked fix fallback.
	deviceLocateShare = 80
)

// Notifier delivers monitor events to the user
type Notifier interface {
	audio.Reporter
	RiskChanged(state risk.State)
}

// Config holds the monitor settings
type Config struct {
	PollInterval        time.Duration
	SeenRetention       time.Duration
	Thresholds          risk.Thresholds
	Audio               audio.Config
	AudioEnabled        bool
	GeolocationTimeout  time.Duration
	SimulationPeriod    time.Duration
	SimulationLatitude  float64
	SimulationLongitude float64
}

// Deps are the collaborators a monitor is built from
type Deps struct {
	API        safetyapi.API
	Scheduler  alerts.JobScheduler
	StateStore *alerts.StateStore
	View       lifecycle.View
	Notifier   Notifier
	Microphone audio.Microphone
	Locator    lifecycle.Locator
	// OnAuthLost is called once when the backend session can no longer be used
	OnAuthLost func(userID string, err error)
	Logger     logging.Logger
}

// Status is a point-in-time view of a monitor
type Status struct {
	UserID      string        `json:"user_id"`
	Running     bool          `json:"running"`
	Risk        *RiskStatus   `json:"risk,omitempty"`
	Poll        alerts.Status `json:"poll"`
	Alert       AlertStatus   `json:"alert"`
	Audio       string        `json:"audio"`
	AudioDenied bool          `json:"audio_denied"`
	SeenAlerts  int           `json:"seen_alerts"`
	Simulating  bool          `json:"simulating"`
	LastFix     *tracking.Fix `json:"last_fix,omitempty"`
}

// RiskStatus is the published risk state
type RiskStatus struct {
	Level     float64   `json:"level"`
	Category  string    `json:"category"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AlertStatus is the alert prompt state
type AlertStatus struct {
	Phase   string `json:"phase"`
	AlertID int64  `json:"alert_id,omitempty"`
	Armed   bool   `json:"armed"`
}

// Monitor runs the safety components of one user
type Monitor struct {
	userID string
	cfg    Config
	deps   Deps
	logger logging.Logger

	holder    *risk.Holder
	processor *alerts.Processor
	poller    *alerts.Poller
	machine   *lifecycle.Machine
	gate      *audio.Gate
	tracker   *tracking.Tracker

	mu           sync.Mutex
	running      bool
	stopped      bool
	stopPolling  func()
	unsubscribe  []func()
	simulator    *tracking.Simulator
	lastCategory *risk.Category
}

// New builds a stopped monitor for userID
func New(userID string, cfg Config, deps Deps) (*Monitor, error) {
	if userID == "" {
		return nil, errors.New("user ID is required")
	}
	if deps.API == nil || deps.Scheduler == nil || deps.View == nil || deps.Notifier == nil {
		return nil, errors.New("monitor is missing a dependency")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if cfg.Thresholds == (risk.Thresholds{}) {
		cfg.Thresholds = risk.DefaultThresholds()
	}

	m := &Monitor{
		userID: userID,
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
	}

	m.holder = risk.NewHolder(cfg.Thresholds, m.logger)
	m.tracker = tracking.NewTracker(deps.API, m.holder, m.logger)
	m.machine = lifecycle.NewMachine(
		lifecycle.Config{GeolocationTimeout: cfg.GeolocationTimeout},
		deps.API,
		lifecycle.LocatorFunc(m.locate),
		m.holder,
		deps.View,
		m.logger,
	)
	m.processor = alerts.NewProcessor(
		alerts.NewSeenSet(cfg.SeenRetention, m.logger),
		alerts.SurfacerFunc(m.machine.Show),
		m.logger,
	)

	pollerOpts := []alerts.PollerOption{alerts.WithAuthLostCallback(m.authLost)}
	if deps.StateStore != nil {
		pollerOpts = append(pollerOpts, alerts.WithStateStore(deps.StateStore))
	}
	m.poller = alerts.NewPoller(userID, cfg.PollInterval, deps.API, deps.Scheduler, m.logger, pollerOpts...)

	if deps.Microphone != nil {
		m.gate = audio.NewGate(cfg.Audio, deps.Microphone, deps.API, deps.Notifier, m.logger)
		m.gate.SetEnabled(cfg.AudioEnabled)
	}

	return m, nil
}

// UserID returns the Mattermost user the monitor runs for
func (m *Monitor) UserID() string {
	return m.userID
}

// Start subscribes the risk views and starts alert polling
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor for user %s already running", m.userID)
	}
	if m.stopped {
		return fmt.Errorf("monitor for user %s was stopped", m.userID)
	}

	m.unsubscribe = append(m.unsubscribe, m.holder.Subscribe(m.notifyRiskChange))
	if m.gate != nil {
		m.unsubscribe = append(m.unsubscribe, m.holder.Subscribe(func(s risk.State) {
			m.gate.SetRiskLevel(s.Level)
		}))
	}

	stop, err := m.poller.Start(func(resp *safetyapi.ActiveAlertsResponse) {
		m.processor.HandleBatch(resp)
	})
	if err != nil {
		m.unsubscribeLocked()
		return fmt.Errorf("failed to start alert polling: %w", err)
	}

	m.stopPolling = stop
	m.running = true
	m.logger.Info("Safety monitor started", "userID", m.userID)
	return nil
}

// Stop ends polling, simulation and audio monitoring. A stopped monitor
// cannot be restarted.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	stopPolling := m.stopPolling
	simulator := m.simulator
	m.stopPolling = nil
	m.simulator = nil
	m.running = false
	m.stopped = true
	m.unsubscribeLocked()
	m.mu.Unlock()

	if stopPolling != nil {
		stopPolling()
	}
	if simulator != nil {
		simulator.Stop()
	}
	if m.gate != nil {
		m.gate.Close()
	}
	m.processor.Stop()

	m.logger.Info("Safety monitor stopped", "userID", m.userID)
	return nil
}

func (m *Monitor) unsubscribeLocked() {
	for _, unsubscribe := range m.unsubscribe {
		unsubscribe()
	}
	m.unsubscribe = nil
}

// Machine returns the alert prompt state machine
func (m *Monitor) Machine() *lifecycle.Machine {
	return m.machine
}

// Tracker returns the location tracker
func (m *Monitor) Tracker() *tracking.Tracker {
	return m.tracker
}

// Holder returns the risk state holder
func (m *Monitor) Holder() *risk.Holder {
	return m.holder
}

// API returns the user's safety API client
func (m *Monitor) API() safetyapi.API {
	return m.deps.API
}

// SetAudioEnabled turns the audio monitor on or off
func (m *Monitor) SetAudioEnabled(enabled bool) {
	if m.gate != nil {
		m.gate.SetEnabled(enabled)
	}
}

// Simulator returns the GPS simulator, creating it on first use
func (m *Monitor) Simulator() *tracking.Simulator {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.simulator == nil {
		lat, lon := m.cfg.SimulationLatitude, m.cfg.SimulationLongitude
		if fix, ok := m.tracker.LastFix(); ok {
			lat, lon = fix.Latitude, fix.Longitude
		}
		m.simulator = tracking.NewSimulator(m.tracker, lat, lon, m.cfg.SimulationPeriod, m.logger)
	}
	return m.simulator
}

// Status reports the state of every component
func (m *Monitor) Status() Status {
	m.mu.Lock()
	running := m.running
	simulating := m.simulator != nil && m.simulator.Running()
	m.mu.Unlock()

	status := Status{
		UserID:     m.userID,
		Running:    running,
		Poll:       m.poller.Status(),
		SeenAlerts: m.processor.Seen().Len(),
		Simulating: simulating,
		Audio:      "Disabled",
	}

	if state, ok := m.holder.Current(); ok {
		status.Risk = &RiskStatus{
			Level:     state.Level,
			Category:  state.Category.Label(),
			Reason:    state.Snapshot.Reason,
			UpdatedAt: state.UpdatedAt,
		}
	}

	snap := m.machine.Snapshot()
	status.Alert = AlertStatus{Phase: snap.Phase.String(), Armed: snap.Armed}
	if snap.Alert != nil {
		status.Alert.AlertID = snap.Alert.ID
	}

	if m.gate != nil {
		status.Audio = m.gate.State().String()
		status.AudioDenied = m.gate.Denied()
	}

	if fix, ok := m.tracker.LastFix(); ok {
		status.LastFix = &fix
	}

	return status
}

// notifyRiskChange tells the user when the risk category changes
func (m *Monitor) notifyRiskChange(state risk.State) {
	m.mu.Lock()
	changed := m.lastCategory == nil || *m.lastCategory != state.Category
	category := state.Category
	m.lastCategory = &category
	m.mu.Unlock()

	if changed {
		m.deps.Notifier.RiskChanged(state)
	}
}

// locate asks the device for its position and falls back to a recent
// tracked fix. The device only gets part of the geolocation timeout so the
// fallback still answers before the machine gives up.
func (m *Monitor) locate(ctx context.Context) (capability.Position, error) {
	var err error = capability.ErrUnavailable
	if m.deps.Locator != nil {
		deviceCtx, cancel := context.WithTimeout(ctx, m.deviceLocateTimeout())
		var pos capability.Position
		pos, err = m.deps.Locator.Locate(deviceCtx)
		cancel()
		if err == nil {
			return pos, nil
		}
	}

	if fix, ok := m.tracker.LastFix(); ok && time.Since(fix.At) <= lastFixMaxAge {
		m.logger.Debug("Using last tracked fix as location", "userID", m.userID, "error", err.Error())
		return capability.Position{Latitude: fix.Latitude, Longitude: fix.Longitude}, nil
	}
	return capability.Position{}, err
}

func (m *Monitor) deviceLocateTimeout() time.Duration {
	timeout := m.cfg.GeolocationTimeout
	if timeout <= 0 {
		timeout = lifecycle.DefaultGeolocationTimeout
	}
	return timeout * deviceLocateShare / 100
}

func (m *Monitor) authLost(err error) {
	m.logger.Warn("Safety session lost", "userID", m.userID, "error", err.Error())
	if m.deps.OnAuthLost != nil {
		m.deps.OnAuthLost(m.userID, err)
		return
	}
	if stopErr := m.Stop(); stopErr != nil {
		m.logger.Error("Failed to stop monitor", "userID", m.userID, "error", stopErr.Error())
	}
}
