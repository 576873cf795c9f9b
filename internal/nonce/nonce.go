// Package nonce implements replay protection for signed requests.
//
// A Store records (device, nonce) pairs for as long as the request that
// carried them could still pass the freshness check. CheckAndMark is a single
// atomic operation: two racing requests with the same pair never both win.
package nonce

import (
	"context"
	"errors"
	"time"
)

// MaxNonceLength bounds the stored key size.
const MaxNonceLength = 256

var (
	// ErrCapacity is returned when the memory store has no room left. Callers
	// must treat it as a verification failure, never as acceptance.
	ErrCapacity = errors.New("nonce: cache at capacity")
	ErrInvalid  = errors.New("nonce: invalid nonce")
)

// Store is a replay cache.
type Store interface {
	// CheckAndMark records the pair and returns true on first use. It returns
	// false if the pair is already recorded and unexpired.
	CheckAndMark(ctx context.Context, deviceID, nonce string, ttl time.Duration) (bool, error)
	// Seen reports whether the pair is recorded, without recording it.
	Seen(ctx context.Context, deviceID, nonce string) (bool, error)
}

func validate(deviceID, nonce string) error {
	if deviceID == "" || nonce == "" || len(nonce) > MaxNonceLength {
		return ErrInvalid
	}
	return nil
}
