package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/HailBahafi/KeyGuard-sub002/internal/audit"
	"github.com/HailBahafi/KeyGuard-sub002/internal/metrics"
	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
	apierrors "github.com/HailBahafi/KeyGuard-sub002/internal/pkg/errors"
	"github.com/HailBahafi/KeyGuard-sub002/internal/pkg/response"
	"github.com/HailBahafi/KeyGuard-sub002/internal/signature"
)

// DefaultMaxBodyBytes caps signed request bodies.
const DefaultMaxBodyBytes = 10 << 20

const rawBodyKey contextKey = "raw_body"

// Verifier authenticates a signed envelope against the raw body.
type Verifier interface {
	Verify(ctx context.Context, env *signature.Envelope, body []byte) (*models.Device, error)
}

// SignatureConfig configures the signature gate.
type SignatureConfig struct {
	MaxBodyBytes int64
	Audit        audit.Recorder
	Logger       *slog.Logger
}

// Signature rejects every request that is not signed by an active device.
// Callers only ever see a generic 401, or 503 when a backing store failed;
// the specific reason goes to the log and the audit trail.
func Signature(v Verifier, cfg SignatureConfig) func(next http.Handler) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					response.Error(w, apierrors.ErrPayloadTooLarge)
					return
				}
				response.BadRequest(w, "Could not read request body")
				return
			}

			env, err := signature.ParseEnvelope(r)
			if err == nil {
				var dev *models.Device
				dev, err = v.Verify(r.Context(), env, body)
				if err == nil {
					metrics.VerificationsTotal.WithLabelValues("ok").Inc()

					ctx := WithDevice(r.Context(), dev)
					ctx = context.WithValue(ctx, rawBodyKey, body)
					r = r.WithContext(ctx)
					r.Body = io.NopCloser(bytes.NewReader(body))
					r.ContentLength = int64(len(body))
					next.ServeHTTP(w, r)
					return
				}
			}

			reason := signature.ReasonOf(err)
			metrics.VerificationsTotal.WithLabelValues(string(reason)).Inc()

			claimed := r.Header.Get(signature.HeaderKeyID)
			ev := audit.NewEvent(models.AuditEventProxyDenied, models.AuditOutcomeDenied, nil)
			ev.ActorDeviceID = claimed
			ev.ReasonCode = string(reason)
			ev.Metadata["method"] = r.Method
			ev.Metadata["path"] = r.URL.Path
			ev.Metadata["remote_addr"] = r.RemoteAddr
			cfg.Audit.Emit(ev)

			cfg.Logger.Warn("request signature rejected",
				slog.String("key_id", claimed),
				slog.String("reason", string(reason)),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)

			if reason == signature.ReasonInternal {
				response.Error(w, apierrors.ErrServiceUnavailable)
				return
			}
			response.Error(w, apierrors.ErrUnauthorized)
		})
	}
}

// RawBody returns the exact body bytes the signature was checked against.
func RawBody(ctx context.Context) []byte {
	b, _ := ctx.Value(rawBodyKey).([]byte)
	return b
}
