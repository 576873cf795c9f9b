// Package signature authenticates device-signed requests.
//
// Verification runs these steps in order and stops at the first failure:
// key lookup, freshness, body integrity, replay, canonical string and the
// cryptographic check.
package signature

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
	"github.com/HailBahafi/KeyGuard-sub002/internal/nonce"
)

// DefaultWindow is the accepted clock skew in either direction.
const DefaultWindow = 5 * time.Minute

// nonceGrace keeps replay records slightly past the instant their envelope
// goes stale, to cover clock drift between gateway instances.
const nonceGrace = time.Second

// Directory resolves key ids to devices. A nil device with a nil error means
// the key id is unknown.
type Directory interface {
	Lookup(ctx context.Context, keyID string) (*models.Device, error)
}

// Verifier checks signed envelopes.
type Verifier struct {
	dir    Directory
	nonces nonce.Store
	algs   *Registry
	window time.Duration
	now    func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithWindow sets the freshness window.
func WithWindow(d time.Duration) Option {
	return func(v *Verifier) {
		v.window = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a Verifier.
func NewVerifier(dir Directory, nonces nonce.Store, algs *Registry, opts ...Option) *Verifier {
	v := &Verifier{
		dir:    dir,
		nonces: nonces,
		algs:   algs,
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Window returns the freshness window.
func (v *Verifier) Window() time.Duration {
	return v.window
}

// Verify authenticates env against the raw body and records its nonce. On
// success it returns the active device that signed the request.
func (v *Verifier) Verify(ctx context.Context, env *Envelope, body []byte) (*models.Device, error) {
	return v.verify(ctx, env, body, true)
}

// Check runs every step of Verify without recording the nonce. A nonce that
// was already used still fails with ErrNonceReplayed.
func (v *Verifier) Check(ctx context.Context, env *Envelope, body []byte) (*models.Device, error) {
	return v.verify(ctx, env, body, false)
}

func (v *Verifier) verify(ctx context.Context, env *Envelope, body []byte, mark bool) (*models.Device, error) {
	dev, err := v.dir.Lookup(ctx, env.KeyID)
	if err != nil {
		return nil, fail(ReasonInternal, err)
	}
	if dev == nil {
		return nil, ErrUnknownKey
	}
	switch dev.Status {
	case models.DeviceStatusActive:
	case models.DeviceStatusPending, models.DeviceStatusSuspended, models.DeviceStatusRevoked:
		return nil, fail(ReasonDeviceNotActive, fmt.Errorf("device is %s", dev.Status))
	default:
		return nil, fail(ReasonDeviceNotActive, fmt.Errorf("device status %q is unknown", dev.Status))
	}

	now := v.now()
	if skew := now.Sub(env.Timestamp); skew > v.window || skew < -v.window {
		return nil, fail(ReasonStaleTimestamp, fmt.Errorf("skew %s exceeds %s", skew, v.window))
	}

	if subtle.ConstantTimeCompare([]byte(BodyHash(body)), []byte(env.BodyHash)) != 1 {
		return nil, ErrBodyTampered
	}

	deviceID := dev.ID.String()
	if mark {
		ttl := env.Timestamp.Add(v.window).Sub(now) + nonceGrace
		fresh, err := v.nonces.CheckAndMark(ctx, deviceID, env.Nonce, ttl)
		if err != nil {
			return nil, fail(ReasonInternal, err)
		}
		if !fresh {
			return nil, ErrNonceReplayed
		}
	} else {
		seen, err := v.nonces.Seen(ctx, deviceID, env.Nonce)
		if err != nil {
			return nil, fail(ReasonInternal, err)
		}
		if seen {
			return nil, ErrNonceReplayed
		}
	}

	message := []byte(env.Canonical())

	alg, ok := v.algs.Lookup(env.Algorithm)
	if !ok {
		return nil, fail(ReasonUnsupportedAlgorithm, fmt.Errorf("algorithm %q", env.Algorithm))
	}
	if alg.KeyType() != dev.KeyType {
		return nil, fail(ReasonInvalidSignature, fmt.Errorf("%s cannot verify a %s key", alg.ID(), dev.KeyType))
	}
	if err := alg.Verify(dev.PublicKey, message, env.Signature); err != nil {
		return nil, fail(ReasonInvalidSignature, err)
	}

	return dev, nil
}
