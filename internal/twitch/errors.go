package twitch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrChannelNotFound means a login could not be resolved to a user id.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrVideoNotFound means the videos endpoint returned no record for an id.
	ErrVideoNotFound = errors.New("video not found")
)

// APIError is a non-2xx Helix response after retries and, when applicable,
// one re-authorization attempt.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("twitch api: status %d", e.Status)
	}
	return fmt.Sprintf("twitch api: status %d: %s", e.Status, e.Message)
}

// Temporary reports whether retrying later could succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Message string `json:"message"`
	}
	// Helix error bodies are {"error","status","message"}; anything else is
	// reported verbatim.
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return &APIError{Status: status, Message: payload.Message}
	}
	const maxLen = 200
	msg := string(body)
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return &APIError{Status: status, Message: msg}
}
