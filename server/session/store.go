package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/plugin"
)

const (
	// keyPrefix scopes session entries in the plugin KV store
	keyPrefix = "session_user_"

	listPageSize = 100
)

// Store persists sessions in the Mattermost KV store, one entry per
// Mattermost user, sealed with the installation's session key.
type Store struct {
	api plugin.API
	key *[KeySize]byte
}

// NewStore creates a session store using the given encryption key.
func NewStore(api plugin.API, key *[KeySize]byte) *Store {
	return &Store{
		api: api,
		key: key,
	}
}

func sessionKey(userID string) string {
	return keyPrefix + userID
}

// Save stores the session for a Mattermost user, replacing any previous one.
func (s *Store) Save(userID string, sess *Session) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if !sess.Valid() {
		return fmt.Errorf("session has no access token")
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	box, err := seal(s.key, data)
	if err != nil {
		return err
	}

	if appErr := s.api.KVSet(sessionKey(userID), box); appErr != nil {
		return fmt.Errorf("failed to save session: %w", appErr)
	}

	return nil
}

// Get retrieves the session for a Mattermost user.
// Returns nil and no error if the user has no session.
func (s *Store) Get(userID string) (*Session, error) {
	box, appErr := s.api.KVGet(sessionKey(userID))
	if appErr != nil {
		return nil, fmt.Errorf("failed to get session: %w", appErr)
	}

	if box == nil {
		return nil, nil
	}

	data, err := open(s.key, box)
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &sess, nil
}

// UpdateAccessToken replaces the access token of an existing session.
func (s *Store) UpdateAccessToken(userID, accessToken string) error {
	sess, err := s.Get(userID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("no session for user %s", userID)
	}

	sess.AccessToken = accessToken
	return s.Save(userID, sess)
}

// Delete destroys the session for a Mattermost user.
func (s *Store) Delete(userID string) error {
	if appErr := s.api.KVDelete(sessionKey(userID)); appErr != nil {
		return fmt.Errorf("failed to delete session: %w", appErr)
	}
	return nil
}

// IsAuthenticated reports whether the user has a usable session.
// Lookup failures are treated as unauthenticated.
func (s *Store) IsAuthenticated(userID string) bool {
	sess, err := s.Get(userID)
	if err != nil {
		return false
	}
	return sess.Valid()
}

// ListUserIDs returns the Mattermost user IDs that have a stored session.
func (s *Store) ListUserIDs() ([]string, error) {
	var userIDs []string

	for page := 0; ; page++ {
		keys, appErr := s.api.KVList(page, listPageSize)
		if appErr != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", appErr)
		}

		for _, key := range keys {
			if strings.HasPrefix(key, keyPrefix) {
				userIDs = append(userIDs, strings.TrimPrefix(key, keyPrefix))
			}
		}

		if len(keys) < listPageSize {
			break
		}
	}

	return userIDs, nil
}
