// Package tracking turns location fixes into risk updates.
package tracking

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mattermost/mattermost-plugin-safety/server/logging"
	"github.com/mattermost/mattermost-plugin-safety/server/risk"
	"github.com/mattermost/mattermost-plugin-safety/server/safetyapi"
)

// fixTimeout bounds the backend calls for one fix
const fixTimeout = 20 * time.Second

// Client is the part of the safety API a tracker needs
type Client interface {
	SendLocation(ctx context.Context, loc safetyapi.Location) error
	CalculateRisk(ctx context.Context, latitude, longitude, speed float64) (*safetyapi.RiskPayload, error)
}

// Fix is one location sample
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	SpeedKmh  float64   `json:"speed"`
	Battery   *float64  `json:"battery_level,omitempty"`
	At        time.Time `json:"-"`
}

// Validate rejects coordinates outside the WGS84 range
func (f Fix) Validate() error {
	switch {
	case math.IsNaN(f.Latitude) || f.Latitude < -90 || f.Latitude > 90:
		return fmt.Errorf("latitude %v out of range", f.Latitude)
	case math.IsNaN(f.Longitude) || f.Longitude < -180 || f.Longitude > 180:
		return fmt.Errorf("longitude %v out of range", f.Longitude)
	case math.IsNaN(f.SpeedKmh) || f.SpeedKmh < 0:
		return fmt.Errorf("speed %v out of range", f.SpeedKmh)
	}
	return nil
}

// Tracker reports fixes to the backend and feeds the resulting risk into a holder
type Tracker struct {
	client Client
	holder *risk.Holder
	logger logging.Logger

	mu      sync.Mutex
	last    Fix
	hasLast bool
}

// NewTracker creates a Tracker
func NewTracker(client Client, holder *risk.Holder, logger logging.Logger) *Tracker {
	return &Tracker{
		client: client,
		holder: holder,
		logger: logger,
	}
}

// HandleFix records the fix, sends it to the backend and recalculates risk.
// Sending the location is best effort; a failed risk calculation leaves the
// previous risk state in place.
func (t *Tracker) HandleFix(ctx context.Context, fix Fix) error {
	if err := fix.Validate(); err != nil {
		return err
	}
	if fix.At.IsZero() {
		fix.At = time.Now()
	}

	t.mu.Lock()
	t.last = fix
	t.hasLast = true
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, fixTimeout)
	defer cancel()

	err := t.client.SendLocation(ctx, safetyapi.Location{
		Latitude:     fix.Latitude,
		Longitude:    fix.Longitude,
		Speed:        fix.SpeedKmh,
		BatteryLevel: fix.Battery,
	})
	if err != nil {
		t.logger.Warn("Failed to send location", "error", err.Error())
	}

	payload, err := t.client.CalculateRisk(ctx, fix.Latitude, fix.Longitude, fix.SpeedKmh)
	if err != nil {
		t.logger.Warn("Failed to calculate risk", "error", err.Error())
		return fmt.Errorf("failed to calculate risk: %w", err)
	}

	snapshot, ok := payload.Snapshot(fix.At)
	if !ok {
		t.logger.Warn("Risk payload has no score, keeping previous risk state")
		return nil
	}

	t.holder.Update(snapshot)
	return nil
}

// LastFix returns the most recent fix, if any
func (t *Tracker) LastFix() (Fix, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.hasLast
}
