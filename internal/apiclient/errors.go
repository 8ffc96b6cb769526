package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Client-side error codes. Server codes are passed through verbatim.
const (
	CodeParseError   = "PARSE_ERROR"
	CodeNetworkError = "NETWORK_ERROR"
	CodeTimeout      = "TIMEOUT"
	CodeRateLimited  = "RATE_LIMITED"
	CodeAgentRevoked = "AGENT_REVOKED"
)

// Error is returned for every failed control-plane request.
type Error struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *Error) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("control plane error %s (status %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("control plane error %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RateLimited reports whether the control plane asked the agent to slow down.
func (e *Error) RateLimited() bool {
	return e.Code == CodeRateLimited || e.HTTPStatus == http.StatusTooManyRequests
}

// Revoked reports whether the agent's credentials were revoked.
func (e *Error) Revoked() bool {
	return e.Code == CodeAgentRevoked || e.HTTPStatus == http.StatusForbidden
}

// IsRateLimited reports whether err carries a rate-limit signal.
func IsRateLimited(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.RateLimited()
}

// IsRevoked reports whether err means the agent has been revoked.
func IsRevoked(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Revoked()
}

// IsTimeout reports whether err is a client-side timeout.
func IsTimeout(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == CodeTimeout
}
