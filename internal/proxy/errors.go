package proxy

import (
	"errors"
	"fmt"
	"net/http"

	apierrors "github.com/HailBahafi/KeyGuard-sub002/internal/pkg/errors"
)

// Reason classifies a failed proxied call. None of them are retried here.
type Reason string

const (
	ReasonUnknownProvider       Reason = "unknown_provider"
	ReasonCredentialUnavailable Reason = "credential_unavailable"
	ReasonUpstreamUnreachable   Reason = "upstream_unreachable"
	ReasonUpstreamTimeout       Reason = "upstream_timeout"
	ReasonUpstreamRejected      Reason = "upstream_rejected"
	ReasonStreamAborted         Reason = "upstream_stream_aborted"
	ReasonClientCancelled       Reason = "client_cancelled"
)

// Error is a proxied call that did not produce a usable upstream response.
type Error struct {
	Reason   Reason
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("proxy %s: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("proxy %s: %s", e.Provider, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

// APIError is the response sent to the caller. Proxy failures carry enough
// detail to debug an integration since no secret is at stake.
func (e *Error) APIError() *apierrors.APIError {
	switch e.Reason {
	case ReasonUnknownProvider:
		return apierrors.NewNotFoundError("Provider").WithDetails(map[string]any{"provider": e.Provider})
	case ReasonCredentialUnavailable:
		return apierrors.ErrServiceUnavailable.WithMessage("Provider credential is not configured").
			WithDetails(map[string]any{"provider": e.Provider})
	case ReasonUpstreamTimeout:
		return apierrors.ErrGatewayTimeout.WithDetails(map[string]any{"provider": e.Provider})
	case ReasonClientCancelled:
		return apierrors.New(499, "client_cancelled", "Client closed the request")
	default:
		details := map[string]any{"provider": e.Provider}
		if e.Err != nil {
			details["error"] = e.Err.Error()
		}
		return apierrors.ErrBadGateway.WithDetails(details)
	}
}

var (
	ErrUnknownProvider       = &Error{Reason: ReasonUnknownProvider}
	ErrCredentialUnavailable = &Error{Reason: ReasonCredentialUnavailable}
	ErrUpstreamUnreachable   = &Error{Reason: ReasonUpstreamUnreachable}
	ErrUpstreamTimeout       = &Error{Reason: ReasonUpstreamTimeout}
	ErrClientCancelled       = &Error{Reason: ReasonClientCancelled}
)

// ReasonOf extracts the reason from err, defaulting to unreachable.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonUpstreamUnreachable
}

// RejectedStatus reports whether an upstream status is a provider rejection.
func RejectedStatus(status int) bool {
	return status >= http.StatusBadRequest
}
