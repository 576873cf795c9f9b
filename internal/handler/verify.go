package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/HailBahafi/KeyGuard-sub002/internal/metrics"
	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
	apierrors "github.com/HailBahafi/KeyGuard-sub002/internal/pkg/errors"
	"github.com/HailBahafi/KeyGuard-sub002/internal/pkg/response"
	"github.com/HailBahafi/KeyGuard-sub002/internal/signature"
)

// Checker verifies an envelope without recording its nonce.
type Checker interface {
	Check(ctx context.Context, env *signature.Envelope, body []byte) (*models.Device, error)
}

// VerifyConfig configures the diagnostic verify endpoint.
type VerifyConfig struct {
	MaxBodyBytes int64
	// ExposeReasons reports the failing verification step to the caller.
	// Off in production; the SDK self-test uses it during development.
	ExposeReasons bool
	Logger        *slog.Logger
}

// VerifyHandler serves POST /v1/verify.
type VerifyHandler struct {
	checker Checker
	cfg     VerifyConfig
}

// NewVerifyHandler creates a new verify handler.
func NewVerifyHandler(checker Checker, cfg VerifyConfig) *VerifyHandler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &VerifyHandler{checker: checker, cfg: cfg}
}

// VerifyResult is the body returned by the verify endpoint.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	DeviceID string `json:"deviceId,omitempty"`
	KeyID    string `json:"keyId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ServeHTTP runs every verification step against the request and reports the
// outcome. It never consumes the nonce.
func (h *VerifyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
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
	var dev *models.Device
	if err == nil {
		dev, err = h.checker.Check(r.Context(), env, body)
	}
	if err == nil {
		metrics.VerificationsTotal.WithLabelValues("ok").Inc()
		response.Raw(w, http.StatusOK, VerifyResult{
			Valid:    true,
			DeviceID: dev.ID.String(),
			KeyID:    dev.KeyID,
		})
		return
	}

	reason := signature.ReasonOf(err)
	metrics.VerificationsTotal.WithLabelValues(string(reason)).Inc()
	h.cfg.Logger.Info("verify check failed",
		slog.String("key_id", r.Header.Get(signature.HeaderKeyID)),
		slog.String("reason", string(reason)),
	)

	result := VerifyResult{Error: apierrors.ErrUnauthorized.Code}
	if h.cfg.ExposeReasons {
		result.Error = string(reason)
	}
	status := http.StatusUnauthorized
	if reason == signature.ReasonInternal {
		status = http.StatusServiceUnavailable
		result.Error = apierrors.ErrServiceUnavailable.Code
	}
	response.Raw(w, status, result)
}
