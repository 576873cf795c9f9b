// Package models holds the records persisted by the gateway.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeviceStatus is the lifecycle state of an enrolled device.
type DeviceStatus string

const (
	DeviceStatusPending   DeviceStatus = "pending"
	DeviceStatusActive    DeviceStatus = "active"
	DeviceStatusSuspended DeviceStatus = "suspended"
	DeviceStatusRevoked   DeviceStatus = "revoked"
)

// Valid returns true if the status is known.
func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceStatusPending, DeviceStatusActive, DeviceStatusSuspended, DeviceStatusRevoked:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a device in status s may move to next.
// Revoked is terminal.
func (s DeviceStatus) CanTransition(next DeviceStatus) bool {
	switch s {
	case DeviceStatusPending:
		return next == DeviceStatusActive || next == DeviceStatusRevoked
	case DeviceStatusActive:
		return next == DeviceStatusSuspended || next == DeviceStatusRevoked
	case DeviceStatusSuspended:
		return next == DeviceStatusActive || next == DeviceStatusRevoked
	default:
		return false
	}
}

// Live reports whether the device still occupies its fingerprint slot.
func (s DeviceStatus) Live() bool {
	return s == DeviceStatusPending || s == DeviceStatusActive
}

// KeyType identifies the curve of a device public key.
type KeyType string

const (
	KeyTypeP256      KeyType = "p256"
	KeyTypeEd25519   KeyType = "ed25519"
	KeyTypeSecp256k1 KeyType = "secp256k1"
)

// Valid returns true if the key type is supported.
func (k KeyType) Valid() bool {
	switch k {
	case KeyTypeP256, KeyTypeEd25519, KeyTypeSecp256k1:
		return true
	default:
		return false
	}
}

// Device is a client keypair registered to sign requests for one API key.
// Devices are never deleted; retirement is a transition to revoked.
type Device struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	APIKeyID    uuid.UUID       `json:"api_key_id" db:"api_key_id"`
	KeyID       string          `json:"key_id" db:"key_id"`
	PublicKey   []byte          `json:"public_key" db:"public_key"`
	KeyType     KeyType         `json:"key_type" db:"key_type"`
	Fingerprint string          `json:"fingerprint" db:"fingerprint"`
	Label       string          `json:"label" db:"label"`
	Status      DeviceStatus    `json:"status" db:"status"`
	UserAgent   string          `json:"user_agent,omitempty" db:"user_agent"`
	Metadata    json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
	RevokedAt   *time.Time      `json:"revoked_at,omitempty" db:"revoked_at"`
}
