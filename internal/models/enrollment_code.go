package models

import (
	"time"

	"github.com/google/uuid"
)

// EnrollmentCode is a single-use token authorizing one device registration.
// Only the SHA-256 of the code is stored.
type EnrollmentCode struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	APIKeyID   uuid.UUID  `json:"api_key_id" db:"api_key_id"`
	CodeHash   []byte     `json:"-" db:"code_hash"`
	Label      string     `json:"label,omitempty" db:"label"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
	ConsumedBy *uuid.UUID `json:"consumed_by,omitempty" db:"consumed_by"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// Consumed returns true once the code has been used.
func (c *EnrollmentCode) Consumed() bool {
	return c.ConsumedAt != nil
}

// Expired reports whether the code is past its expiry at now.
func (c *EnrollmentCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
