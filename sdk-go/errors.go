package keyguard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrNoDevice is returned by signed calls on a client without a device.
var ErrNoDevice = errors.New("keyguard: client has no device; call WithDevice")

// Error represents an API error response.
type Error struct {
	// StatusCode is the HTTP status code.
	StatusCode int `json:"-"`
	// Code is the error code (e.g., "unauthorized", "enrollment.invalid_code").
	Code string `json:"code"`
	// Message is a human-readable error message.
	Message string `json:"message"`
	// Details contains additional error details.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// IsUnauthorized returns true if the gateway rejected the request signature.
func (e *Error) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsRateLimited returns true if the error is a rate limit error.
func (e *Error) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Code == "rate_limited"
}

// IsConflict returns true if an enrollment collided with an existing device.
func (e *Error) IsConflict() bool {
	return e.StatusCode == http.StatusConflict
}

// parseError parses an error response from the gateway.
func parseError(statusCode int, body []byte) error {
	var apiError struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details,omitempty"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &apiError); err == nil && apiError.Error.Code != "" {
		return &Error{
			StatusCode: statusCode,
			Code:       apiError.Error.Code,
			Message:    apiError.Error.Message,
			Details:    apiError.Error.Details,
		}
	}

	return &Error{
		StatusCode: statusCode,
		Code:       "unknown_error",
		Message:    fmt.Sprintf("HTTP %d: %s", statusCode, http.StatusText(statusCode)),
	}
}
