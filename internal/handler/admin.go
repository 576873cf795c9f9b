package handler

import (
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

// AdminHandler serves the token-protected administrative API.
type AdminHandler struct {
	svc      EnrollmentService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(svc EnrollmentService, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		svc:      svc,
		validate: newValidator(),
		logger:   logger,
	}
}

// Routes returns a chi router with the admin routes.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/enrollment-codes", h.IssueCode)
	r.Get("/devices", h.ListDevices)
	r.Post("/devices/{id}/{action}", h.Transition)
	return r
}

// IssueCodeHTTPRequest is the body of POST /v1/admin/enrollment-codes.
type IssueCodeHTTPRequest struct {
	APIKeyID string `json:"apiKeyId" validate:"required,uuid"`
	Label    string `json:"label" validate:"max=100"`
	// TTL is a Go duration string; empty uses the configured default.
	TTL string `json:"ttl"`
}

// IssueCodeHTTPResponse carries the plaintext code. It is never shown again.
type IssueCodeHTTPResponse struct {
	ID        uuid.UUID `json:"id"`
	Code      string    `json:"code"`
	APIKeyID  uuid.UUID `json:"apiKeyId"`
	Label     string    `json:"label,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DeviceHTTPResponse is the administrative view of a device.
type DeviceHTTPResponse struct {
	ID          uuid.UUID           `json:"id"`
	APIKeyID    uuid.UUID           `json:"apiKeyId"`
	KeyID       string              `json:"keyId"`
	KeyType     models.KeyType      `json:"keyType"`
	Fingerprint string              `json:"deviceFingerprint"`
	Label       string              `json:"label,omitempty"`
	Status      models.DeviceStatus `json:"status"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
	RevokedAt   *time.Time          `json:"revokedAt,omitempty"`
}

func toDeviceResponse(d *models.Device) DeviceHTTPResponse {
	return DeviceHTTPResponse{
		ID:          d.ID,
		APIKeyID:    d.APIKeyID,
		KeyID:       d.KeyID,
		KeyType:     d.KeyType,
		Fingerprint: d.Fingerprint,
		Label:       d.Label,
		Status:      d.Status,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		RevokedAt:   d.RevokedAt,
	}
}

// IssueCode handles POST /v1/admin/enrollment-codes
func (h *AdminHandler) IssueCode(w http.ResponseWriter, r *http.Request) {
	var req IssueCodeHTTPRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, validationError(err))
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			response.Error(w, apierrors.NewValidationError("ttl", "must be a positive duration such as 24h"))
			return
		}
		ttl = d
	}

	issued, err := h.svc.IssueCode(r.Context(), uuid.MustParse(req.APIKeyID), req.Label, ttl)
	if err != nil {
		h.logger.Error("failed to issue enrollment code", "api_key_id", req.APIKeyID, "error", err)
		response.Error(w, mapError(err))
		return
	}

	response.Created(w, IssueCodeHTTPResponse{
		ID:        issued.ID,
		Code:      issued.Code,
		APIKeyID:  issued.APIKeyID,
		Label:     issued.Label,
		ExpiresAt: issued.ExpiresAt,
	})
}

// ListDevices handles GET /v1/admin/devices?apiKeyId=
func (h *AdminHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	apiKeyID, err := uuid.Parse(r.URL.Query().Get("apiKeyId"))
	if err != nil {
		response.Error(w, apierrors.NewValidationError("apiKeyId", "must be a UUID"))
		return
	}

	devices, err := h.svc.ListDevices(r.Context(), apiKeyID)
	if err != nil {
		h.logger.Error("failed to list devices", "api_key_id", apiKeyID, "error", err)
		response.Error(w, mapError(err))
		return
	}

	out := make([]DeviceHTTPResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, toDeviceResponse(d))
	}
	response.OK(w, out)
}

// Transition handles POST /v1/admin/devices/{id}/{action}
func (h *AdminHandler) Transition(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid device ID")
		return
	}
	action, ok := enrollment.ParseAction(chi.URLParam(r, "action"))
	if !ok {
		response.NotFound(w, "Action")
		return
	}

	dev, err := h.svc.Apply(r.Context(), id, action)
	if err != nil {
		apiErr := mapError(err)
		if apiErr.StatusCode >= http.StatusInternalServerError {
			h.logger.Error("device transition failed", "device_id", id, "action", action, "error", err)
		}
		response.Error(w, apiErr)
		return
	}
	response.OK(w, toDeviceResponse(dev))
}
