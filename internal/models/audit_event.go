package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditEventType is the name of an audited operation.
type AuditEventType string

const (
	AuditEventEnrollmentSuccess AuditEventType = "enrollment.success"
	AuditEventEnrollmentFailure AuditEventType = "enrollment.failure"

	AuditEventProxySuccess AuditEventType = "proxy.success"
	AuditEventProxyFailure AuditEventType = "proxy.failure"
	// AuditEventProxyDenied is emitted when the signature gate rejects a call.
	AuditEventProxyDenied AuditEventType = "proxy.denied"

	AuditEventDeviceApproved    AuditEventType = "device.approved"
	AuditEventDeviceSuspended   AuditEventType = "device.suspended"
	AuditEventDeviceReactivated AuditEventType = "device.reactivated"
	AuditEventDeviceRevoked     AuditEventType = "device.revoked"

	AuditEventCodeIssued AuditEventType = "enrollment_code.issued"
)

// AuditOutcome summarizes how an audited operation ended.
type AuditOutcome string

const (
	AuditOutcomeSuccess AuditOutcome = "success"
	AuditOutcomeFailure AuditOutcome = "failure"
	AuditOutcomeDenied  AuditOutcome = "denied"
)

// AuditEvent is a write-only record handed to the audit store.
type AuditEvent struct {
	ID            string         `json:"id" db:"id"`
	Event         AuditEventType `json:"event" db:"event"`
	Outcome       AuditOutcome   `json:"outcome" db:"outcome"`
	ActorDeviceID string         `json:"actorDeviceId,omitempty" db:"actor_device_id"`
	APIKeyID      *uuid.UUID     `json:"apiKeyId,omitempty" db:"api_key_id"`
	ReasonCode    string         `json:"reasonCode,omitempty" db:"reason_code"`
	Timestamp     time.Time      `json:"timestamp" db:"occurred_at"`
	Metadata      map[string]any `json:"metadata,omitempty" db:"metadata"`
}
