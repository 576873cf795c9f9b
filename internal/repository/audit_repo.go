package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
)

// AuditRepository persists audit events.
type AuditRepository interface {
	Insert(ctx context.Context, event *models.AuditEvent) error
}

type auditRepo struct {
	db DB
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db DB) AuditRepository {
	return &auditRepo{db: db}
}

// Insert writes one event. Re-delivery of the same event id is a no-op.
func (r *auditRepo) Insert(ctx context.Context, event *models.AuditEvent) error {
	var metadata []byte
	if len(event.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(event.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO audit_events (id, event, outcome, actor_device_id, api_key_id, reason_code, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		event.ID,
		event.Event,
		event.Outcome,
		event.ActorDeviceID,
		event.APIKeyID,
		event.ReasonCode,
		metadata,
		event.Timestamp,
	)
	return err
}

var _ AuditRepository = (*auditRepo)(nil)
