package signature

import (
	"errors"
	"fmt"
)

// Reason identifies which verification step rejected a request. Reasons are
// recorded in audit events and logs; callers only ever see a generic 401.
type Reason string

const (
	ReasonMalformedEnvelope    Reason = "malformed_envelope"
	ReasonUnknownKey           Reason = "unknown_key"
	ReasonDeviceNotActive      Reason = "device_not_active"
	ReasonStaleTimestamp       Reason = "stale_timestamp"
	ReasonBodyTampered         Reason = "body_tampered"
	ReasonNonceReplayed        Reason = "nonce_replayed"
	ReasonInvalidSignature     Reason = "invalid_signature"
	ReasonUnsupportedAlgorithm Reason = "unsupported_algorithm"
	// ReasonInternal means a backing store failed; the request is refused.
	ReasonInternal Reason = "internal_error"
)

// Error is a verification failure.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signature: %s: %v", e.Reason, e.Err)
	}
	return "signature: " + string(e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

// Internal reports whether the failure came from a backing store rather than
// from the request itself.
func (e *Error) Internal() bool {
	return e.Reason == ReasonInternal
}

var (
	ErrMalformedEnvelope    = &Error{Reason: ReasonMalformedEnvelope}
	ErrUnknownKey           = &Error{Reason: ReasonUnknownKey}
	ErrDeviceNotActive      = &Error{Reason: ReasonDeviceNotActive}
	ErrStaleTimestamp       = &Error{Reason: ReasonStaleTimestamp}
	ErrBodyTampered         = &Error{Reason: ReasonBodyTampered}
	ErrNonceReplayed        = &Error{Reason: ReasonNonceReplayed}
	ErrInvalidSignature     = &Error{Reason: ReasonInvalidSignature}
	ErrUnsupportedAlgorithm = &Error{Reason: ReasonUnsupportedAlgorithm}
	ErrInternal             = &Error{Reason: ReasonInternal}
)

func fail(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// ReasonOf extracts the reason from err. Errors that are not *Error map to
// ReasonInternal.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonInternal
}
