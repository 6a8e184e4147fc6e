package safetyapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mattermost/mattermost-plugin-safety/server/session"
)

// Login exchanges credentials for a new session. The session is not stored;
// the caller decides which Mattermost user it belongs to.
func (c *Client) Login(ctx context.Context, email, password string) (*session.Session, error) {
	r, err := jsonRequest(http.MethodPost, "/auth/login/", LoginRequest{
		Email:    email,
		Password: password,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, r, "")
	if err != nil {
		return nil, err
	}

	var loginResp LoginResponse
	if err := decode(resp, r.path, &loginResp); err != nil {
		return nil, err
	}

	if loginResp.Access == "" {
		return nil, fmt.Errorf("login response missing access token")
	}

	c.logger.Info("Signed in to safety backend", "backendUserId", loginResp.User.ID)

	return &session.Session{
		AccessToken:  loginResp.Access,
		RefreshToken: loginResp.Refresh,
		User: session.User{
			ID:        loginResp.User.ID,
			Email:     loginResp.User.Email,
			FirstName: loginResp.User.FirstName,
			LastName:  loginResp.User.LastName,
		},
		CreatedAt: time.Now().UTC(),
	}, nil
}

// refresh obtains a new access token for the user. Concurrent callers that
// hit a 401 share one refresh request. If the stored token already differs
// from the one that was rejected, another caller refreshed it and the stored
// token is returned without contacting the backend.
func (c *Client) refresh(ctx context.Context, userID, rejectedToken string) (string, error) {
	v, err, _ := c.refreshes.Do(userID, func() (any, error) {
		sess, err := c.sessions.Get(userID)
		if err != nil {
			return "", fmt.Errorf("failed to load session: %w", err)
		}
		if !sess.Valid() || sess.RefreshToken == "" {
			return "", ErrNotAuthenticated
		}
		if sess.AccessToken != rejectedToken {
			return sess.AccessToken, nil
		}

		token, err := c.requestRefresh(ctx, sess.RefreshToken)
		if err != nil {
			return "", err
		}

		if err := c.sessions.UpdateAccessToken(userID, token); err != nil {
			return "", fmt.Errorf("failed to store refreshed token: %w", err)
		}

		c.logger.Debug("Refreshed access token", "userId", userID)
		return token, nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

func (c *Client) requestRefresh(ctx context.Context, refreshToken string) (string, error) {
	r, err := jsonRequest(http.MethodPost, "/auth/refresh/", refreshRequest{Refresh: refreshToken})
	if err != nil {
		return "", err
	}

	resp, err := c.send(ctx, r, "")
	if err != nil {
		return "", err
	}

	var refreshResp refreshResponse
	if err := decode(resp, r.path, &refreshResp); err != nil {
		return "", err
	}

	if refreshResp.Access == "" {
		return "", &APIError{StatusCode: http.StatusUnauthorized, Detail: "refresh response missing access token"}
	}

	return refreshResp.Access, nil
}
