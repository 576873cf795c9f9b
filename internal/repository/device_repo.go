package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
)

// DeviceRepository defines the device data operations.
type DeviceRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error)
	GetByKeyID(ctx context.Context, keyID string) (*models.Device, error)
	ListByAPIKey(ctx context.Context, apiKeyID uuid.UUID) ([]*models.Device, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.DeviceStatus) (*models.Device, error)
}

type deviceRepo struct {
	db DB
}

// NewDeviceRepository creates a new device repository.
func NewDeviceRepository(db DB) DeviceRepository {
	return &deviceRepo{db: db}
}

const deviceColumns = `id, api_key_id, key_id, public_key, key_type, fingerprint, label, status,
		       user_agent, metadata, created_at, updated_at, revoked_at`

func scanDevice(row pgx.Row) (*models.Device, error) {
	var d models.Device
	err := row.Scan(
		&d.ID,
		&d.APIKeyID,
		&d.KeyID,
		&d.PublicKey,
		&d.KeyType,
		&d.Fingerprint,
		&d.Label,
		&d.Status,
		&d.UserAgent,
		&d.Metadata,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.RevokedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetByID retrieves a device by its UUID.
func (r *deviceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`

	d, err := scanDevice(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// GetByKeyID retrieves a device by its signing key id.
func (r *deviceRepo) GetByKeyID(ctx context.Context, keyID string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE key_id = $1`

	d, err := scanDevice(r.db.QueryRow(ctx, query, keyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// ListByAPIKey lists every device enrolled under an API key, newest first.
func (r *deviceRepo) ListByAPIKey(ctx context.Context, apiKeyID uuid.UUID) ([]*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE api_key_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, apiKeyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpdateStatus moves a device to status. The row is locked while the
// transition is checked so concurrent approvals and revocations serialize.
func (r *deviceRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status models.DeviceStatus) (*models.Device, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, err := scanDevice(tx.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !d.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, d.Status, status)
	}

	now := time.Now().UTC()
	var revokedAt *time.Time
	if status == models.DeviceStatusRevoked {
		revokedAt = &now
	}

	_, err = tx.Exec(ctx,
		`UPDATE devices SET status = $2, updated_at = $3, revoked_at = COALESCE($4, revoked_at) WHERE id = $1`,
		id, status, now, revokedAt,
	)
	if constraintViolated(err, liveFingerprintIndex) {
		return nil, ErrDuplicateFingerprint
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	d.Status = status
	d.UpdatedAt = now
	if revokedAt != nil {
		d.RevokedAt = revokedAt
	}
	return d, nil
}

var _ DeviceRepository = (*deviceRepo)(nil)
