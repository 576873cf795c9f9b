package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/HailBahafi/KeyGuard-sub002/internal/enrollment"
	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
	apierrors "github.com/HailBahafi/KeyGuard-sub002/internal/pkg/errors"
	"github.com/HailBahafi/KeyGuard-sub002/internal/pkg/response"
)

// HeaderAPIKey names the owning API key on codeless enrollment.
const HeaderAPIKey = "X-KeyGuard-API-Key"

// EnrollmentService is the device registration and lifecycle surface.
type EnrollmentService interface {
	Enroll(ctx context.Context, req enrollment.Request) (*models.Device, error)
	IssueCode(ctx context.Context, apiKeyID uuid.UUID, label string, ttl time.Duration) (*enrollment.IssuedCode, error)
	Apply(ctx context.Context, id uuid.UUID, action enrollment.Action) (*models.Device, error)
	ListDevices(ctx context.Context, apiKeyID uuid.UUID) ([]*models.Device, error)
}

// EnrollmentHandler handles device enrollment.
type EnrollmentHandler struct {
	svc      EnrollmentService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewEnrollmentHandler creates a new enrollment handler.
func NewEnrollmentHandler(svc EnrollmentService, logger *slog.Logger) *EnrollmentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EnrollmentHandler{
		svc:      svc,
		validate: newValidator(),
		logger:   logger,
	}
}

// Routes returns a chi router with the enrollment routes.
func (h *EnrollmentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/enroll", h.Enroll)
	return r
}

// EnrollHTTPRequest is the body of POST /v1/devices/enroll.
type EnrollHTTPRequest struct {
	PublicKey      string          `json:"publicKey" validate:"required,base64"`
	KeyID          string          `json:"keyId" validate:"required,min=3,max=128,keyid"`
	Fingerprint    string          `json:"deviceFingerprint" validate:"required,min=8,max=256"`
	Label          string          `json:"label" validate:"max=100"`
	KeyType        string          `json:"keyType" validate:"omitempty,oneof=p256 ed25519 secp256k1"`
	EnrollmentCode string          `json:"enrollmentCode" validate:"max=256"`
	UserAgent      string          `json:"userAgent" validate:"max=512"`
	Metadata       json.RawMessage `json:"metadata"`
}

// EnrollHTTPResponse is returned on successful enrollment.
type EnrollHTTPResponse struct {
	ID        uuid.UUID           `json:"id"`
	KeyID     string              `json:"keyId"`
	Status    models.DeviceStatus `json:"status"`
	CreatedAt time.Time           `json:"createdAt"`
}

// Enroll handles POST /v1/devices/enroll
func (h *EnrollmentHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollHTTPRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, validationError(err))
		return
	}
	if !metadataIsObject(req.Metadata) {
		response.Error(w, apierrors.NewValidationError("metadata", "must be a JSON object"))
		return
	}
	if string(req.Metadata) == "null" {
		req.Metadata = nil
	}

	pub, _ := base64.StdEncoding.DecodeString(req.PublicKey)
	keyType := models.KeyType(req.KeyType)
	if keyType == "" {
		keyType = models.KeyTypeP256
	}
	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = r.UserAgent()
	}

	in := enrollment.Request{
		Code:        req.EnrollmentCode,
		PublicKey:   pub,
		KeyType:     keyType,
		KeyID:       req.KeyID,
		Fingerprint: req.Fingerprint,
		Label:       req.Label,
		UserAgent:   userAgent,
		Metadata:    req.Metadata,
	}
	if req.EnrollmentCode == "" {
		if raw := r.Header.Get(HeaderAPIKey); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				response.Error(w, apierrors.NewValidationError(HeaderAPIKey, "must be a UUID"))
				return
			}
			in.APIKeyID = id
		}
	}

	dev, err := h.svc.Enroll(r.Context(), in)
	if err != nil {
		apiErr := mapError(err)
		if apiErr.StatusCode >= http.StatusInternalServerError {
			h.logger.Error("enrollment failed", "key_id", req.KeyID, "error", err)
		}
		response.Error(w, apiErr)
		return
	}

	response.Created(w, EnrollHTTPResponse{
		ID:        dev.ID,
		KeyID:     dev.KeyID,
		Status:    dev.Status,
		CreatedAt: dev.CreatedAt,
	})
}

func metadataIsObject(raw json.RawMessage) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return true
	}
	var obj map[string]any
	return json.Unmarshal(raw, &obj) == nil
}
