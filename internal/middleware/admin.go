package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	apierrors "github.com/HailBahafi/KeyGuard-sub002/internal/pkg/errors"
	"github.com/HailBahafi/KeyGuard-sub002/internal/pkg/response"
)

// AdminToken guards the administrative API with a static bearer token. An
// empty token disables the API entirely.
func AdminToken(token string) func(next http.Handler) http.Handler {
	want := sha256.Sum256([]byte(token))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				response.Error(w, apierrors.ErrForbidden.WithMessage("Admin API is disabled"))
				return
			}

			presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}
			got := sha256.Sum256([]byte(strings.TrimSpace(presented)))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
