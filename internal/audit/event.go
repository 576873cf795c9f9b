package audit

import (
	"github.com/google/uuid"

	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
)

// NewEvent builds an event attributed to dev. A nil dev leaves the actor
// fields empty; callers may set ActorDeviceID to the claimed key id.
func NewEvent(event models.AuditEventType, outcome models.AuditOutcome, dev *models.Device) *models.AuditEvent {
	ev := &models.AuditEvent{
		Event:    event,
		Outcome:  outcome,
		Metadata: map[string]any{},
	}
	if dev != nil {
		ev.ActorDeviceID = dev.KeyID
		ev.Metadata["device_id"] = dev.ID.String()
		if dev.APIKeyID != uuid.Nil {
			apiKeyID := dev.APIKeyID
			ev.APIKeyID = &apiKeyID
		}
	}
	return ev
}

// Outcome maps a failure reason to an outcome. An empty reason is a success.
func Outcome(reason string, denied bool) models.AuditOutcome {
	switch {
	case reason == "":
		return models.AuditOutcomeSuccess
	case denied:
		return models.AuditOutcomeDenied
	default:
		return models.AuditOutcomeFailure
	}
}
