package repository

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
)

var deviceColumnNames = []string{
	"id", "api_key_id", "key_id", "public_key", "key_type", "fingerprint", "label", "status",
	"user_agent", "metadata", "created_at", "updated_at", "revoked_at",
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func newDevice(keyID, fingerprint string) *models.Device {
	return &models.Device{
		KeyID:       keyID,
		PublicKey:   []byte{0x04, 0x01},
		KeyType:     models.KeyTypeP256,
		Fingerprint: fingerprint,
		Label:       "laptop",
		Status:      models.DeviceStatusPending,
	}
}

func expectCodeRow(mock pgxmock.PgxPoolIface, hash []byte, codeID, apiKeyID uuid.UUID, expiresAt time.Time, consumedAt *time.Time) {
	mock.ExpectQuery(`SELECT id, api_key_id, expires_at, consumed_at FROM enrollment_codes WHERE code_hash = \$1 FOR UPDATE`).
		WithArgs(hash).
		WillReturnRows(mock.NewRows([]string{"id", "api_key_id", "expires_at", "consumed_at"}).
			AddRow(codeID, apiKeyID, expiresAt, consumedAt))
}

func TestEnrollmentRepo_Enroll_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewEnrollmentRepository(mock)
	ctx := context.Background()
	now := time.Now().UTC()
	hash := sha256.New().Sum(nil)
	codeID, apiKeyID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	expectCodeRow(mock, hash, codeID, apiKeyID, now.Add(time.Hour), nil)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("dev-1").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`FROM devices\s+WHERE api_key_id = \$1 AND fingerprint = \$2`).
		WithArgs(apiKeyID, "fp-00000001").
		WillReturnRows(mock.NewRows(deviceColumnNames))
	mock.ExpectExec(`INSERT INTO devices`).
		WithArgs(anyArgs(12)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE enrollment_codes SET consumed_at`).
		WithArgs(codeID, now, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := repo.Enroll(ctx, EnrollParams{
		CodeHash: hash,
		Device:   newDevice("dev-1", "fp-00000001"),
		Now:      now,
	})
	require.NoError(t, err)
	assert.Equal(t, apiKeyID, res.Device.APIKeyID)
	assert.NotEqual(t, uuid.Nil, res.Device.ID)
	assert.Empty(t, res.Superseded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepo_Enroll_CodeStates(t *testing.T) {
	now := time.Now().UTC()
	consumed := now.Add(-time.Minute)

	tests := []struct {
		name       string
		expiresAt  time.Time
		consumedAt *time.Time
		missing    bool
		wantErr    error
	}{
		{name: "unknown code", missing: true, wantErr: ErrCodeNotFound},
		{name: "consumed code", expiresAt: now.Add(time.Hour), consumedAt: &consumed, wantErr: ErrCodeConsumed},
		{name: "expired code", expiresAt: now.Add(-time.Second), wantErr: ErrCodeExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			hash := []byte("hash")
			mock.ExpectBegin()
			if tt.missing {
				mock.ExpectQuery(`FROM enrollment_codes WHERE code_hash`).
					WithArgs(hash).
					WillReturnRows(mock.NewRows([]string{"id", "api_key_id", "expires_at", "consumed_at"}))
			} else {
				expectCodeRow(mock, hash, uuid.New(), uuid.New(), tt.expiresAt, tt.consumedAt)
			}
			mock.ExpectRollback()

			_, err = NewEnrollmentRepository(mock).Enroll(context.Background(), EnrollParams{
				CodeHash: hash,
				Device:   newDevice("dev-1", "fp-00000001"),
				Now:      now,
			})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestEnrollmentRepo_Enroll_KeyIDConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC()
	hash := []byte("hash")

	mock.ExpectBegin()
	expectCodeRow(mock, hash, uuid.New(), uuid.New(), now.Add(time.Hour), nil)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("dev-1").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err = NewEnrollmentRepository(mock).Enroll(context.Background(), EnrollParams{
		CodeHash: hash,
		Device:   newDevice("dev-1", "fp-00000001"),
		Now:      now,
	})
	assert.ErrorIs(t, err, ErrKeyIDConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepo_Enroll_KeyIDRace(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC()
	apiKeyID := uuid.New()
	d := newDevice("dev-1", "fp-00000001")
	d.APIKeyID = apiKeyID

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("dev-1").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`FROM devices\s+WHERE api_key_id = \$1 AND fingerprint = \$2`).
		WithArgs(apiKeyID, "fp-00000001").
		WillReturnRows(mock.NewRows(deviceColumnNames))
	mock.ExpectExec(`INSERT INTO devices`).
		WithArgs(anyArgs(12)...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "devices_key_id_key"})
	mock.ExpectRollback()

	_, err = NewEnrollmentRepository(mock).Enroll(context.Background(), EnrollParams{Device: d, Now: now})
	assert.ErrorIs(t, err, ErrKeyIDConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepo_Enroll_FingerprintRace(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC()
	apiKeyID := uuid.New()
	d := newDevice("dev-2", "fp-00000001")
	d.APIKeyID = apiKeyID

	// The fingerprint check sees no holder; a concurrent transaction commits
	// the same fingerprint before this insert.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("dev-2").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`FROM devices\s+WHERE api_key_id = \$1 AND fingerprint = \$2`).
		WithArgs(apiKeyID, "fp-00000001").
		WillReturnRows(mock.NewRows(deviceColumnNames))
	mock.ExpectExec(`INSERT INTO devices`).
		WithArgs(anyArgs(12)...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_devices_live_fingerprint"})
	mock.ExpectRollback()

	_, err = NewEnrollmentRepository(mock).Enroll(context.Background(), EnrollParams{Device: d, Now: now, Policy: FingerprintSupersede})
	assert.ErrorIs(t, err, ErrDuplicateFingerprint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepo_Enroll_Fingerprint(t *testing.T) {
	now := time.Now().UTC()
	apiKeyID := uuid.New()
	holderID := uuid.New()

	holderRows := func(mock pgxmock.PgxPoolIface) *pgxmock.Rows {
		return mock.NewRows(deviceColumnNames).AddRow(
			holderID, apiKeyID, "dev-old", []byte{0x04}, models.KeyTypeP256, "fp-00000001", "old",
			models.DeviceStatusActive, "", json.RawMessage(nil), now.Add(-time.Hour), now.Add(-time.Hour), (*time.Time)(nil),
		)
	}

	t.Run("reject", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		d := newDevice("dev-new", "fp-00000001")
		d.APIKeyID = apiKeyID

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT EXISTS`).WithArgs("dev-new").
			WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectQuery(`FROM devices\s+WHERE api_key_id`).WithArgs(apiKeyID, "fp-00000001").
			WillReturnRows(holderRows(mock))
		mock.ExpectRollback()

		_, err = NewEnrollmentRepository(mock).Enroll(context.Background(), EnrollParams{Device: d, Now: now})
		assert.ErrorIs(t, err, ErrDuplicateFingerprint)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("supersede", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		d := newDevice("dev-new", "fp-00000001")
		d.APIKeyID = apiKeyID

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT EXISTS`).WithArgs("dev-new").
			WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectQuery(`FROM devices\s+WHERE api_key_id`).WithArgs(apiKeyID, "fp-00000001").
			WillReturnRows(holderRows(mock))
		mock.ExpectExec(`UPDATE devices SET status = 'revoked'`).
			WithArgs([]uuid.UUID{holderID}, now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectExec(`INSERT INTO devices`).
			WithArgs(anyArgs(12)...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		res, err := NewEnrollmentRepository(mock).Enroll(context.Background(), EnrollParams{
			Device: d, Now: now, Policy: FingerprintSupersede,
		})
		require.NoError(t, err)
		require.Len(t, res.Superseded, 1)
		assert.Equal(t, "dev-old", res.Superseded[0].KeyID)
		assert.Equal(t, models.DeviceStatusRevoked, res.Superseded[0].Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
