package handler

import (
	"errors"
	"net/http"

	"github.com/HailBahafi/KeyGuard-sub002/internal/enrollment"
	apierrors "github.com/HailBahafi/KeyGuard-sub002/internal/pkg/errors"
)

var enrollmentErrors = map[enrollment.Reason]*apierrors.APIError{
	enrollment.ReasonInvalidCode: apierrors.New(http.StatusUnauthorized,
		"enrollment.invalid_code", "Enrollment code is not valid"),
	enrollment.ReasonExpiredCode: apierrors.New(http.StatusUnauthorized,
		"enrollment.expired_code", "Enrollment code has expired"),
	enrollment.ReasonCodeAlreadyUsed: apierrors.New(http.StatusUnauthorized,
		"enrollment.code_already_used", "Enrollment code has already been used"),
	enrollment.ReasonDuplicateFingerprint: apierrors.New(http.StatusConflict,
		"enrollment.duplicate_fingerprint", "A device with this fingerprint is already enrolled"),
	enrollment.ReasonKeyIDConflict: apierrors.New(http.StatusConflict,
		"enrollment.key_id_conflict", "Key id is already registered"),
	enrollment.ReasonInvalidPublicKey: apierrors.New(http.StatusBadRequest,
		"enrollment.invalid_public_key", "Public key does not parse for the key type"),
	enrollment.ReasonDeviceNotFound: apierrors.NewNotFoundError("Device"),
	enrollment.ReasonInvalidTransition: apierrors.New(http.StatusConflict,
		"device.invalid_transition", "Device status does not allow this action"),
}

// mapError converts service errors to API errors. Anything unrecognised is
// reported as an internal error.
func mapError(err error) *apierrors.APIError {
	var apiErr *apierrors.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if mapped, ok := enrollmentErrors[enrollment.ReasonOf(err)]; ok {
		return mapped
	}
	return apierrors.ErrInternal
}
