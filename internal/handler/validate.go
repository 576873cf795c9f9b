// Package handler provides HTTP handlers for the gateway API.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	apierrors "github.com/HailBahafi/KeyGuard-sub002/internal/pkg/errors"
)

// maxJSONBody caps administrative and enrollment request bodies.
const maxJSONBody = 64 << 10

var keyIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("keyid", func(fl validator.FieldLevel) bool {
		return keyIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// decodeJSON reads a size-limited JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) *apierrors.APIError {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apierrors.ErrPayloadTooLarge
		}
		return apierrors.ErrBadRequest.WithMessage("Invalid request body")
	}
	return nil
}

// validationError converts validator failures to the API error envelope.
func validationError(err error) *apierrors.APIError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apierrors.ErrBadRequest.WithMessage(err.Error())
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describe(fe)
	}
	return apierrors.NewValidationErrors(fields)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return "must be one of: " + fe.Param()
	case "keyid":
		return "may only contain letters, digits, '.', '_', ':' and '-'"
	case "uuid":
		return "must be a UUID"
	case "base64":
		return "must be standard base64"
	default:
		return "is invalid"
	}
}
