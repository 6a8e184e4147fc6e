package tracking

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mattermost/mattermost-plugin-safety/server/logging"
)

const (
	// DefaultSimulationPeriod is the interval between simulated fixes
	DefaultSimulationPeriod = 5 * time.Second

	// Walking speeds picked by Walk, in km/h
	minWalkSpeed = 10
	maxWalkSpeed = 25
)

// FixHandler consumes location fixes. *Tracker satisfies it.
type FixHandler interface {
	HandleFix(ctx context.Context, fix Fix) error
}

// Simulator emits fixes for a virtual device at a fixed period. The position
// only changes on Teleport.
type Simulator struct {
	handler FixHandler
	period  time.Duration
	logger  logging.Logger

	mu        sync.Mutex
	latitude  float64
	longitude float64
	speed     float64

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSimulator creates a stopped simulator at the given position
func NewSimulator(handler FixHandler, latitude, longitude float64, period time.Duration, logger logging.Logger) *Simulator {
	if period <= 0 {
		period = DefaultSimulationPeriod
	}
	return &Simulator{
		handler:   handler,
		period:    period,
		logger:    logger,
		latitude:  latitude,
		longitude: longitude,
		kick:      make(chan struct{}, 1),
	}
}

// Start emits a fix immediately and then every period. Starting a running
// simulator is a no-op.
func (s *Simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop halts the simulator and waits for an in-flight fix
func (s *Simulator) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the simulator is emitting fixes
func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Teleport moves the device and emits a fix right away
func (s *Simulator) Teleport(latitude, longitude float64) {
	s.mu.Lock()
	s.latitude, s.longitude = latitude, longitude
	s.mu.Unlock()
	s.trigger()
}

// SetSpeed changes the device speed in km/h
func (s *Simulator) SetSpeed(kmh float64) {
	if kmh < 0 {
		kmh = 0
	}
	s.mu.Lock()
	s.speed = kmh
	s.mu.Unlock()
	s.trigger()
}

// Walk picks a random walking speed and returns it
func (s *Simulator) Walk() float64 {
	kmh := float64(minWalkSpeed + rand.IntN(maxWalkSpeed-minWalkSpeed+1))
	s.SetSpeed(kmh)
	return kmh
}

// Halt sets the speed to zero, simulating a sudden stop
func (s *Simulator) Halt() {
	s.SetSpeed(0)
}

// Position returns the current simulated position and speed
func (s *Simulator) Position() (latitude, longitude, speed float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latitude, s.longitude, s.speed
}

func (s *Simulator) trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Simulator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.emit(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.emit(ctx)
	}
}

func (s *Simulator) emit(ctx context.Context) {
	lat, lon, speed := s.Position()
	fix := Fix{Latitude: lat, Longitude: lon, SpeedKmh: speed, At: time.Now()}

	if err := s.handler.HandleFix(ctx, fix); err != nil && ctx.Err() == nil {
		s.logger.Debug("Simulated fix not processed", "error", err.Error())
	}
}
