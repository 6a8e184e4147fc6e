package alerts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattermost/mattermost/server/public/plugin"
)

// Status describes the health of a user's alert polling
type Status struct {
	LastPoll            time.Time     `json:"last_poll"`
	LastSuccess         time.Time     `json:"last_success"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	NextInterval        time.Duration `json:"next_interval"`
}

// Healthy reports whether the most recent poll succeeded
func (s Status) Healthy() bool {
	return s.ConsecutiveFailures == 0 && !s.LastSuccess.IsZero()
}

// StateStore persists poll status and the user's audio monitor choice in
// the Mattermost KV store. All keys are scoped to one Mattermost user.
type StateStore struct {
	api    plugin.API
	userID string
}

// NewStateStore creates a state store for one user
func NewStateStore(api plugin.API, userID string) *StateStore {
	return &StateStore{
		api:    api,
		userID: userID,
	}
}

func (s *StateStore) statusKey() string {
	return fmt.Sprintf("alerts_%s_poll_status", s.userID)
}

func (s *StateStore) audioKey() string {
	return fmt.Sprintf("alerts_%s_audio_enabled", s.userID)
}

// SaveAudioEnabled remembers the user's audio monitor choice so it survives
// monitor restarts
func (s *StateStore) SaveAudioEnabled(enabled bool) error {
	data, err := json.Marshal(enabled)
	if err != nil {
		return fmt.Errorf("failed to marshal audio preference: %w", err)
	}

	if appErr := s.api.KVSet(s.audioKey(), data); appErr != nil {
		return fmt.Errorf("failed to save audio preference: %w", appErr)
	}
	return nil
}

// GetAudioEnabled returns the stored audio monitor choice. ok is false when
// the user never made one.
func (s *StateStore) GetAudioEnabled() (enabled, ok bool, err error) {
	data, appErr := s.api.KVGet(s.audioKey())
	if appErr != nil {
		return false, false, fmt.Errorf("failed to get audio preference: %w", appErr)
	}
	if data == nil {
		return false, false, nil
	}

	if err := json.Unmarshal(data, &enabled); err != nil {
		return false, false, fmt.Errorf("failed to unmarshal audio preference: %w", err)
	}
	return enabled, true, nil
}

// SaveStatus stores the latest poll status
func (s *StateStore) SaveStatus(status Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal poll status: %w", err)
	}

	if appErr := s.api.KVSet(s.statusKey(), data); appErr != nil {
		return fmt.Errorf("failed to save poll status: %w", appErr)
	}

	return nil
}

// GetStatus retrieves the stored poll status.
// Returns a zero Status if nothing is stored.
func (s *StateStore) GetStatus() (Status, error) {
	data, appErr := s.api.KVGet(s.statusKey())
	if appErr != nil {
		return Status{}, fmt.Errorf("failed to get poll status: %w", appErr)
	}

	if data == nil {
		return Status{}, nil
	}

	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return Status{}, fmt.Errorf("failed to unmarshal poll status: %w", err)
	}

	return status, nil
}

// Delete removes the stored poll status
func (s *StateStore) Delete() error {
	if appErr := s.api.KVDelete(s.statusKey()); appErr != nil {
		return fmt.Errorf("failed to delete poll status: %w", appErr)
	}
	return nil
}
