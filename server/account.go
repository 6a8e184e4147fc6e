package main

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"github.com/mattermost/mattermost-plugin-safety/server/alerts"
	"github.com/mattermost/mattermost-plugin-safety/server/safetyapi"
)

var errNotConfigured = errors.New("safety service URL is not configured")

// connect signs userID in to the safety backend, stores the session and
// (re)starts the user's monitor. It returns the backend display name.
func (p *Plugin) connect(ctx context.Context, userID, email, password string) (string, error) {
	if p.getConfiguration().SafetyAPIURL == "" {
		return "", errNotConfigured
	}

	sess, err := p.safetyClient().Login(ctx, email, password)
	if err != nil {
		return "", errors.Wrap(err, "failed to log in")
	}

	if err := p.sessions.Save(userID, sess); err != nil {
		return "", errors.Wrap(err, "failed to save session")
	}

	p.stopMonitor(userID, "reconnected")
	if err := p.startMonitor(userID); err != nil {
		return "", errors.Wrap(err, "failed to start monitoring")
	}

	p.API.LogInfo("User connected to safety service", "userID", userID)
	return sess.User.DisplayName(), nil
}

// disconnect stops the user's monitor and forgets their session
func (p *Plugin) disconnect(userID string) error {
	p.stopMonitor(userID, "disconnected")

	if err := p.sessions.Delete(userID); err != nil {
		return errors.Wrap(err, "failed to delete session")
	}
	if err := alerts.NewStateStore(p.API, userID).Delete(); err != nil {
		p.API.LogWarn("Failed to delete poll status", "userID", userID, "error", err.Error())
	}

	p.API.LogInfo("User disconnected from safety service", "userID", userID)
	return nil
}

// connectErrorText turns a connect failure into a message for the user
func connectErrorText(err error) string {
	switch {
	case errors.Is(err, errNotConfigured):
		return "The safety service is not configured yet. Please contact your system administrator."
	case safetyapi.IsStatus(err, http.StatusUnauthorized), safetyapi.IsStatus(err, http.StatusBadRequest):
		return "Invalid email or password."
	default:
		return "Could not reach the safety service. Please try again later."
	}
}
