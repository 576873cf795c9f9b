package enrollment

import (
	"errors"
	"fmt"
)

// Reason identifies why an enrollment or status change was refused.
type Reason string

const (
	ReasonInvalidCode          Reason = "invalid_code"
	ReasonExpiredCode          Reason = "expired_code"
	ReasonCodeAlreadyUsed      Reason = "code_already_used"
	ReasonDuplicateFingerprint Reason = "duplicate_fingerprint"
	ReasonKeyIDConflict        Reason = "key_id_conflict"
	ReasonInvalidPublicKey     Reason = "invalid_public_key"
	ReasonDeviceNotFound       Reason = "device_not_found"
	ReasonInvalidTransition    Reason = "invalid_transition"
)

// Error is a refused enrollment or device transition. It is always the
// caller's fault and never fatal.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("enrollment: %s: %v", e.Reason, e.Err)
	}
	return "enrollment: " + string(e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

var (
	ErrInvalidCode          = &Error{Reason: ReasonInvalidCode}
	ErrExpiredCode          = &Error{Reason: ReasonExpiredCode}
	ErrCodeAlreadyUsed      = &Error{Reason: ReasonCodeAlreadyUsed}
	ErrDuplicateFingerprint = &Error{Reason: ReasonDuplicateFingerprint}
	ErrKeyIDConflict        = &Error{Reason: ReasonKeyIDConflict}
	ErrInvalidPublicKey     = &Error{Reason: ReasonInvalidPublicKey}
	ErrDeviceNotFound       = &Error{Reason: ReasonDeviceNotFound}
	ErrInvalidTransition    = &Error{Reason: ReasonInvalidTransition}
)

func refuse(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// ReasonOf returns the reason carried by err, or "" when err is not an *Error.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
