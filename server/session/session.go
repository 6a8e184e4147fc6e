package session

import "time"

// User is the safety backend account linked to a Mattermost user.
type User struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// DisplayName returns the user's full name, falling back to the email address.
func (u User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return u.Email
	}
}

// Session holds the safety backend credentials of one Mattermost user.
// A session is created on login and destroyed on logout or when the
// backend rejects both the access token and its refresh.
type Session struct {
	// AccessToken is sent as a Bearer token on every authenticated call
	AccessToken string `json:"access_token"`

	// RefreshToken is exchanged for a new access token after a 401
	RefreshToken string `json:"refresh_token"`

	// User is the backend account the tokens belong to
	User User `json:"user"`

	// CreatedAt is when the user linked their account
	CreatedAt time.Time `json:"created_at"`
}

// Valid reports whether the session carries the tokens required to make calls.
func (s *Session) Valid() bool {
	return s != nil && s.AccessToken != ""
}
