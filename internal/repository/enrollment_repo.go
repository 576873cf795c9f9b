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

// FingerprintPolicy decides what happens when a device enrolls with a
// fingerprint that a live device under the same API key already holds.
type FingerprintPolicy int

const (
	// FingerprintReject fails the enrollment.
	FingerprintReject FingerprintPolicy = iota
	// FingerprintSupersede revokes the previous holders in the same transaction.
	FingerprintSupersede
)

// EnrollParams describe one enrollment attempt.
type EnrollParams struct {
	// CodeHash is the SHA-256 of the presented enrollment code. Nil means a
	// codeless enrollment, in which case Device.APIKeyID must already be set.
	CodeHash []byte
	Device   *models.Device
	Policy   FingerprintPolicy
	Now      time.Time
}

// EnrollResult is the outcome of a successful enrollment.
type EnrollResult struct {
	Device     *models.Device
	Superseded []*models.Device
}

// EnrollmentRepository defines enrollment code and device registration operations.
type EnrollmentRepository interface {
	CreateCode(ctx context.Context, code *models.EnrollmentCode) error
	// Enroll consumes the code and inserts the device atomically.
	Enroll(ctx context.Context, p EnrollParams) (*EnrollResult, error)
}

type enrollmentRepo struct {
	db DB
}

// NewEnrollmentRepository creates a new enrollment repository.
func NewEnrollmentRepository(db DB) EnrollmentRepository {
	return &enrollmentRepo{db: db}
}

// CreateCode stores a new enrollment code.
func (r *enrollmentRepo) CreateCode(ctx context.Context, code *models.EnrollmentCode) error {
	query := `
		INSERT INTO enrollment_codes (id, api_key_id, code_hash, label, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	if code.ID == uuid.Nil {
		code.ID = uuid.New()
	}

	return r.db.QueryRow(ctx, query,
		code.ID,
		code.APIKeyID,
		code.CodeHash,
		code.Label,
		code.ExpiresAt,
	).Scan(&code.CreatedAt)
}

// Enroll runs the whole registration in one transaction. The code row is
// locked with FOR UPDATE, so a second enrollment racing on the same code
// blocks until the first commits and then observes it as consumed.
func (r *enrollmentRepo) Enroll(ctx context.Context, p EnrollParams) (*EnrollResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d := p.Device
	var codeID uuid.UUID
	if p.CodeHash != nil {
		var (
			apiKeyID   uuid.UUID
			expiresAt  time.Time
			consumedAt *time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT id, api_key_id, expires_at, consumed_at FROM enrollment_codes WHERE code_hash = $1 FOR UPDATE`,
			p.CodeHash,
		).Scan(&codeID, &apiKeyID, &expiresAt, &consumedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("lock code: %w", err)
		}
		if consumedAt != nil {
			return nil, ErrCodeConsumed
		}
		if !p.Now.Before(expiresAt) {
			return nil, ErrCodeExpired
		}
		d.APIKeyID = apiKeyID
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM devices WHERE key_id = $1)`, d.KeyID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check key id: %w", err)
	}
	if exists {
		return nil, ErrKeyIDConflict
	}

	superseded, err := r.claimFingerprint(ctx, tx, p)
	if err != nil {
		return nil, err
	}

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = p.Now
	d.UpdatedAt = p.Now
	_, err = tx.Exec(ctx, `
		INSERT INTO devices (id, api_key_id, key_id, public_key, key_type, fingerprint, label, status, user_agent, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.APIKeyID, d.KeyID, d.PublicKey, d.KeyType, d.Fingerprint, d.Label, d.Status, d.UserAgent, d.Metadata, d.CreatedAt, d.UpdatedAt,
	)
	if constraintViolated(err, "devices_key_id_key") {
		return nil, ErrKeyIDConflict
	}
	// A concurrent enrollment inserted the same fingerprint after our check.
	if constraintViolated(err, liveFingerprintIndex) {
		return nil, ErrDuplicateFingerprint
	}
	if err != nil {
		return nil, fmt.Errorf("insert device: %w", err)
	}

	if p.CodeHash != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE enrollment_codes SET consumed_at = $2, consumed_by = $3 WHERE id = $1 AND consumed_at IS NULL`,
			codeID, p.Now, d.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("consume code: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return nil, ErrCodeConsumed
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &EnrollResult{Device: d, Superseded: superseded}, nil
}

func (r *enrollmentRepo) claimFingerprint(ctx context.Context, tx pgx.Tx, p EnrollParams) ([]*models.Device, error) {
	d := p.Device
	rows, err := tx.Query(ctx,
		`SELECT `+deviceColumns+` FROM devices
		 WHERE api_key_id = $1 AND fingerprint = $2 AND status IN ('pending', 'active')
		 FOR UPDATE`,
		d.APIKeyID, d.Fingerprint,
	)
	if err != nil {
		return nil, fmt.Errorf("check fingerprint: %w", err)
	}
	var holders []*models.Device
	for rows.Next() {
		h, err := scanDevice(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		holders = append(holders, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(holders) == 0 {
		return nil, nil
	}
	if p.Policy != FingerprintSupersede {
		return nil, ErrDuplicateFingerprint
	}

	ids := make([]uuid.UUID, len(holders))
	for i, h := range holders {
		ids[i] = h.ID
		h.Status = models.DeviceStatusRevoked
		h.UpdatedAt = p.Now
		h.RevokedAt = &p.Now
	}
	_, err = tx.Exec(ctx,
		`UPDATE devices SET status = 'revoked', updated_at = $2, revoked_at = $2 WHERE id = ANY($1)`,
		ids, p.Now,
	)
	if err != nil {
		return nil, fmt.Errorf("supersede devices: %w", err)
	}
	return holders, nil
}

var _ EnrollmentRepository = (*enrollmentRepo)(nil)
