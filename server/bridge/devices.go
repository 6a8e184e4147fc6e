package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattermost/mattermost-plugin-safety/server/audio"
	"github.com/mattermost/mattermost-plugin-safety/server/capability"
)

const (
	// DefaultPermissionTimeout bounds how long the user has to answer a
	// microphone permission prompt
	DefaultPermissionTimeout = 30 * time.Second

	// DefaultGeolocationTimeout bounds a geolocation request
	DefaultGeolocationTimeout = 5 * time.Second

	// uploadGrace is added to a recording's duration to allow for the upload
	uploadGrace = 15 * time.Second
)

// Microphone opens the microphone of a user's client
type Microphone struct {
	broker  *Broker
	userID  string
	timeout time.Duration
}

// NewMicrophone creates a Microphone for userID
func NewMicrophone(broker *Broker, userID string, permissionTimeout time.Duration) *Microphone {
	if permissionTimeout <= 0 {
		permissionTimeout = DefaultPermissionTimeout
	}
	return &Microphone{broker: broker, userID: userID, timeout: permissionTimeout}
}

// Open asks the client for the microphone
func (m *Microphone) Open(ctx context.Context) (audio.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	reply, err := m.broker.Request(ctx, m.userID, EventMicAcquire, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire microphone: %w", err)
	}
	if !reply.Granted {
		return nil, reply.Denied()
	}

	sessionID := reply.RequestID
	return &stream{
		OnceLease: capability.NewLease(func() {
			m.broker.Notify(m.userID, EventMicRelease, map[string]any{"session_id": sessionID})
		}),
		broker:    m.broker,
		userID:    m.userID,
		sessionID: sessionID,
	}, nil
}

// stream is an open microphone on the client. Releasing it tells the client
// to stop its media tracks.
type stream struct {
	*capability.OnceLease
	broker    *Broker
	userID    string
	sessionID string
}

// Record asks the client for a sample of duration d and waits for the upload
func (s *stream) Record(ctx context.Context, d time.Duration) ([]byte, error) {
	if s.Released() {
		return nil, errors.New("microphone stream released")
	}

	ctx, cancel := context.WithTimeout(ctx, d+uploadGrace)
	defer cancel()

	reply, err := s.broker.Request(ctx, s.userID, EventMicRecord, map[string]any{
		"session_id":  s.sessionID,
		"duration_ms": d.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("client failed to record: %s", reply.Error)
	}
	if len(reply.Audio) == 0 {
		return nil, errors.New("client uploaded an empty recording")
	}
	return reply.Audio, nil
}

// Locator asks a user's client for its current position
type Locator struct {
	broker  *Broker
	userID  string
	timeout time.Duration
}

// NewLocator creates a Locator for userID
func NewLocator(broker *Broker, userID string, timeout time.Duration) *Locator {
	if timeout <= 0 {
		timeout = DefaultGeolocationTimeout
	}
	return &Locator{broker: broker, userID: userID, timeout: timeout}
}

// Locate returns the client's position within the locator timeout
func (l *Locator) Locate(ctx context.Context) (capability.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var pos capability.Position
	err := capability.Use(ctx,
		func(ctx context.Context) (*Pending, error) {
			return l.broker.Open(ctx, l.userID, EventGeolocationRequest, map[string]any{
				"timeout_ms": l.timeout.Milliseconds(),
			})
		},
		func(p *Pending) error {
			reply, err := p.Wait(ctx)
			if err != nil {
				return err
			}
			if !reply.Granted {
				return reply.Denied()
			}
			if reply.Latitude == nil || reply.Longitude == nil {
				return fmt.Errorf("%w: reply without coordinates", capability.ErrUnavailable)
			}
			pos = capability.Position{
				Latitude:  *reply.Latitude,
				Longitude: *reply.Longitude,
				Accuracy:  reply.Accuracy,
			}
			return nil
		})
	return pos, err
}
