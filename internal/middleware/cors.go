// Package middleware provides HTTP middleware for the gateway.
package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS returns a configured CORS middleware handler. Browser SDKs send the
// signed-request headers, so they are allowed explicitly.
func CORS(origins []string) func(next http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Content-Type", "X-Request-ID",
			"X-KeyGuard-Key-Id", "X-KeyGuard-Timestamp", "X-KeyGuard-Nonce",
			"X-KeyGuard-Body-SHA256", "X-KeyGuard-Algorithm", "X-KeyGuard-Signature",
			"X-KeyGuard-API-Key", "Anthropic-Version", "OpenAI-Organization",
		},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	})
}
