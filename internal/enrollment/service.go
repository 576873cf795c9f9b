// Package enrollment registers device keys against one-time enrollment codes
// and drives the device status lifecycle.
package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/HailBahafi/KeyGuard-sub002/internal/audit"
	"github.com/HailBahafi/KeyGuard-sub002/internal/metrics"
	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
	"github.com/HailBahafi/KeyGuard-sub002/internal/repository"
	"github.com/HailBahafi/KeyGuard-sub002/internal/signature"
)

// DefaultCodeTTL is used when IssueCode is called without a ttl.
const DefaultCodeTTL = 24 * time.Hour

// Invalidator drops cached directory entries after a device changes.
type Invalidator interface {
	Invalidate(ctx context.Context, keyID string)
}

// Config is the enrollment policy.
type Config struct {
	CodeTTL       time.Duration
	AutoActivate  bool
	Fingerprint   repository.FingerprintPolicy
	AllowCodeless bool
}

// Request is one device registration.
type Request struct {
	Code        string
	PublicKey   []byte
	KeyType     models.KeyType
	KeyID       string
	Fingerprint string
	Label       string
	UserAgent   string
	Metadata    json.RawMessage
	// APIKeyID owns the device on codeless enrollment. It is ignored when a
	// code is presented; the code decides the owner.
	APIKeyID uuid.UUID
}

// IssuedCode is a freshly created code. Plaintext is returned exactly once.
type IssuedCode struct {
	Code string
	*models.EnrollmentCode
}

// Action is an administrative device transition.
type Action string

const (
	ActionApprove    Action = "approve"
	ActionSuspend    Action = "suspend"
	ActionReactivate Action = "reactivate"
	ActionRevoke     Action = "revoke"
)

type transition struct {
	from  []models.DeviceStatus
	to    models.DeviceStatus
	event models.AuditEventType
}

var transitions = map[Action]transition{
	ActionApprove: {
		from:  []models.DeviceStatus{models.DeviceStatusPending},
		to:    models.DeviceStatusActive,
		event: models.AuditEventDeviceApproved,
	},
	ActionSuspend: {
		from:  []models.DeviceStatus{models.DeviceStatusActive},
		to:    models.DeviceStatusSuspended,
		event: models.AuditEventDeviceSuspended,
	},
	ActionReactivate: {
		from:  []models.DeviceStatus{models.DeviceStatusSuspended},
		to:    models.DeviceStatusActive,
		event: models.AuditEventDeviceReactivated,
	},
	ActionRevoke: {
		from:  []models.DeviceStatus{models.DeviceStatusPending, models.DeviceStatusActive, models.DeviceStatusSuspended},
		to:    models.DeviceStatusRevoked,
		event: models.AuditEventDeviceRevoked,
	},
}

// ParseAction validates an action name.
func ParseAction(s string) (Action, bool) {
	a := Action(s)
	_, ok := transitions[a]
	return a, ok
}

// Service implements enrollment and the device lifecycle.
type Service struct {
	codes   repository.EnrollmentRepository
	devices repository.DeviceRepository
	dir     Invalidator
	audit   audit.Recorder
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a Service. A nil recorder discards audit events.
func NewService(
	codes repository.EnrollmentRepository,
	devices repository.DeviceRepository,
	dir Invalidator,
	rec audit.Recorder,
	cfg Config,
	opts ...Option,
) *Service {
	if rec == nil {
		rec = audit.Discard
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	s := &Service{
		codes:   codes,
		devices: devices,
		dir:     dir,
		audit:   rec,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enroll registers a device. Code consumption and device creation happen in
// one repository transaction, so of two enrollments racing on the same code
// exactly one succeeds.
func (s *Service) Enroll(ctx context.Context, req Request) (*models.Device, error) {
	start := s.now()
	dev, superseded, err := s.enroll(ctx, req)

	reason := ReasonOf(err)
	var ev *models.AuditEvent
	switch {
	case err == nil:
		ev = audit.NewEvent(models.AuditEventEnrollmentSuccess, models.AuditOutcomeSuccess, dev)
		ev.Metadata["status"] = string(dev.Status)
		if len(superseded) > 0 {
			ids := make([]string, len(superseded))
			for i, d := range superseded {
				ids[i] = d.KeyID
			}
			ev.Metadata["superseded"] = ids
		}
		metrics.EnrollmentsTotal.WithLabelValues("ok").Inc()
	case reason != "":
		ev = audit.NewEvent(models.AuditEventEnrollmentFailure, models.AuditOutcomeFailure, nil)
		ev.ActorDeviceID = req.KeyID
		ev.ReasonCode = string(reason)
		metrics.EnrollmentsTotal.WithLabelValues(string(reason)).Inc()
	default:
		ev = audit.NewEvent(models.AuditEventEnrollmentFailure, models.AuditOutcomeFailure, nil)
		ev.ActorDeviceID = req.KeyID
		ev.ReasonCode = "internal_error"
		metrics.EnrollmentsTotal.WithLabelValues("internal_error").Inc()
	}
	ev.Metadata["key_type"] = string(req.KeyType)
	ev.Metadata["latency_ms"] = s.now().Sub(start).Milliseconds()
	s.audit.Emit(ev)

	if err != nil {
		return nil, err
	}

	for _, d := range superseded {
		s.dir.Invalidate(ctx, d.KeyID)
		rev := audit.NewEvent(models.AuditEventDeviceRevoked, models.AuditOutcomeSuccess, d)
		rev.ReasonCode = "superseded"
		rev.Metadata["superseded_by"] = dev.KeyID
		s.audit.Emit(rev)
	}
	// A failed lookup for this key id may have been cached as absent.
	s.dir.Invalidate(ctx, dev.KeyID)

	s.logger.Info("device enrolled",
		slog.String("device_id", dev.ID.String()),
		slog.String("key_id", dev.KeyID),
		slog.String("status", string(dev.Status)),
	)
	return dev, nil
}

func (s *Service) enroll(ctx context.Context, req Request) (*models.Device, []*models.Device, error) {
	if req.KeyType == "" {
		req.KeyType = models.KeyTypeP256
	}
	if !req.KeyType.Valid() {
		return nil, nil, refuse(ReasonInvalidPublicKey, fmt.Errorf("key type %q", req.KeyType))
	}
	if err := signature.ValidatePublicKey(req.KeyType, req.PublicKey); err != nil {
		return nil, nil, refuse(ReasonInvalidPublicKey, err)
	}

	status := models.DeviceStatusPending
	if s.cfg.AutoActivate {
		status = models.DeviceStatusActive
	}

	dev := &models.Device{
		KeyID:       req.KeyID,
		PublicKey:   req.PublicKey,
		KeyType:     req.KeyType,
		Fingerprint: req.Fingerprint,
		Label:       req.Label,
		UserAgent:   req.UserAgent,
		Metadata:    req.Metadata,
	}
	params := repository.EnrollParams{
		Device: dev,
		Policy: s.cfg.Fingerprint,
		Now:    s.now().UTC(),
	}

	if req.Code == "" {
		if !s.cfg.AllowCodeless || req.APIKeyID == uuid.Nil {
			return nil, nil, refuse(ReasonInvalidCode, errors.New("enrollment code required"))
		}
		// Codeless devices always wait for approval.
		status = models.DeviceStatusPending
		dev.APIKeyID = req.APIKeyID
	} else {
		params.CodeHash = HashCode(req.Code)
	}
	dev.Status = status

	res, err := s.codes.Enroll(ctx, params)
	switch {
	case err == nil:
		return res.Device, res.Superseded, nil
	case errors.Is(err, repository.ErrCodeNotFound):
		return nil, nil, ErrInvalidCode
	case errors.Is(err, repository.ErrCodeExpired):
		return nil, nil, ErrExpiredCode
	case errors.Is(err, repository.ErrCodeConsumed):
		return nil, nil, ErrCodeAlreadyUsed
	case errors.Is(err, repository.ErrDuplicateFingerprint):
		return nil, nil, ErrDuplicateFingerprint
	case errors.Is(err, repository.ErrKeyIDConflict):
		return nil, nil, ErrKeyIDConflict
	default:
		return nil, nil, fmt.Errorf("enroll device: %w", err)
	}
}

// IssueCode creates an enrollment code for apiKeyID. A zero ttl uses the
// configured default.
func (s *Service) IssueCode(ctx context.Context, apiKeyID uuid.UUID, label string, ttl time.Duration) (*IssuedCode, error) {
	if ttl <= 0 {
		ttl = s.cfg.CodeTTL
	}
	plain, err := GenerateCode()
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}

	code := &models.EnrollmentCode{
		ID:        uuid.New(),
		APIKeyID:  apiKeyID,
		CodeHash:  HashCode(plain),
		Label:     label,
		ExpiresAt: s.now().UTC().Add(ttl),
	}
	if err := s.codes.CreateCode(ctx, code); err != nil {
		return nil, fmt.Errorf("store code: %w", err)
	}

	ev := audit.NewEvent(models.AuditEventCodeIssued, models.AuditOutcomeSuccess, nil)
	ev.APIKeyID = &code.APIKeyID
	ev.Metadata["code_id"] = code.ID.String()
	ev.Metadata["expires_at"] = code.ExpiresAt.Format(time.RFC3339)
	s.audit.Emit(ev)

	return &IssuedCode{Code: plain, EnrollmentCode: code}, nil
}

// Apply performs an administrative transition on the device with id.
func (s *Service) Apply(ctx context.Context, id uuid.UUID, action Action) (*models.Device, error) {
	t, ok := transitions[action]
	if !ok {
		return nil, refuse(ReasonInvalidTransition, fmt.Errorf("unknown action %q", action))
	}

	current, err := s.devices.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	if current == nil {
		return nil, ErrDeviceNotFound
	}
	if !slices.Contains(t.from, current.Status) {
		return nil, refuse(ReasonInvalidTransition, fmt.Errorf("cannot %s a %s device", action, current.Status))
	}

	dev, err := s.devices.UpdateStatus(ctx, id, t.to)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, ErrDeviceNotFound
	case errors.Is(err, repository.ErrInvalidTransition):
		return nil, refuse(ReasonInvalidTransition, err)
	case errors.Is(err, repository.ErrDuplicateFingerprint):
		return nil, refuse(ReasonDuplicateFingerprint, err)
	case err != nil:
		return nil, fmt.Errorf("update device status: %w", err)
	}

	s.dir.Invalidate(ctx, dev.KeyID)

	ev := audit.NewEvent(t.event, models.AuditOutcomeSuccess, dev)
	ev.Metadata["from"] = string(current.Status)
	ev.Metadata["to"] = string(dev.Status)
	s.audit.Emit(ev)

	s.logger.Info("device status changed",
		slog.String("device_id", dev.ID.String()),
		slog.String("key_id", dev.KeyID),
		slog.String("from", string(current.Status)),
		slog.String("to", string(dev.Status)),
	)
	return dev, nil
}

// ListDevices returns every device owned by apiKeyID.
func (s *Service) ListDevices(ctx context.Context, apiKeyID uuid.UUID) ([]*models.Device, error) {
	return s.devices.ListByAPIKey(ctx, apiKeyID)
}
