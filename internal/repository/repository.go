// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by the Postgres repositories.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	ErrNotFound             = errors.New("repository: not found")
	ErrCodeNotFound         = errors.New("repository: enrollment code not found")
	ErrCodeExpired          = errors.New("repository: enrollment code expired")
	ErrCodeConsumed         = errors.New("repository: enrollment code already consumed")
	ErrKeyIDConflict        = errors.New("repository: key id already registered")
	ErrDuplicateFingerprint = errors.New("repository: fingerprint already enrolled")
	ErrInvalidTransition    = errors.New("repository: invalid status transition")
)

const uniqueViolation = "23505"

// liveFingerprintIndex allows one pending or active device per fingerprint
// and API key.
const liveFingerprintIndex = "idx_devices_live_fingerprint"

// constraintViolated reports whether err is a unique violation on constraint.
func constraintViolated(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}
