package safetyapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	// ErrNotAuthenticated is returned when the user has no stored session.
	// No request is sent to the backend in that case.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrSessionExpired is returned when the backend rejected the session and
	// a token refresh could not recover it. The session has been deleted.
	ErrSessionExpired = errors.New("session expired")
)

// maxErrorBody caps how much of an error response is read
const maxErrorBody = 64 << 10

// APIError is a non-2xx response from the safety backend.
type APIError struct {
	StatusCode int
	Detail     string
}

// Error implements the error interface for APIError
func (e *APIError) Error() string {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return fmt.Sprintf("bad request (HTTP 400): %s", e.Detail)
	case http.StatusUnauthorized:
		return fmt.Sprintf("authentication error (HTTP 401): %s", e.Detail)
	case http.StatusForbidden:
		return fmt.Sprintf("forbidden (HTTP 403): %s", e.Detail)
	case http.StatusNotFound:
		return fmt.Sprintf("not found (HTTP 404): %s", e.Detail)
	case http.StatusTooManyRequests:
		return fmt.Sprintf("rate limit exceeded (HTTP 429): %s", e.Detail)
	default:
		if e.StatusCode >= 500 {
			return fmt.Sprintf("server error (HTTP %d): %s", e.StatusCode, e.Detail)
		}
		return fmt.Sprintf("unexpected HTTP status %d: %s", e.StatusCode, e.Detail)
	}
}

// errorBody covers the error shapes returned by the backend:
// {"detail": "..."}, {"error": "..."} and {"message": "..."}.
type errorBody struct {
	Detail  string `json:"detail"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// newAPIError reads the body of a failed response and builds an APIError.
func newAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil {
		switch {
		case body.Detail != "":
			apiErr.Detail = body.Detail
		case body.Error != "":
			apiErr.Detail = body.Error
		case body.Message != "":
			apiErr.Detail = body.Message
		}
	}

	if apiErr.Detail == "" {
		apiErr.Detail = defaultDetail(resp.StatusCode)
	}

	return apiErr
}

func defaultDetail(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid request parameters"
	case http.StatusUnauthorized:
		return "token invalid or expired"
	case http.StatusTooManyRequests:
		return "too many requests"
	case http.StatusInternalServerError:
		return "safety backend internal error"
	default:
		return http.StatusText(status)
	}
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == status
	}
	return false
}
