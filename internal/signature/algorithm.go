package signature

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
)

// Algorithm identifiers. The kg1 prefix binds each to CanonicalV1.
const (
	AlgECDSAP256SHA256 = "kg1-ecdsa-p256-sha256"
	AlgEd25519         = "kg1-ed25519"
	AlgSecp256k1SHA256 = "kg1-secp256k1-sha256"
)

var errBadSignature = errors.New("signature mismatch")

// Algorithm verifies signatures for one key type.
type Algorithm interface {
	ID() string
	KeyType() models.KeyType
	// ParsePublicKey checks that raw encodes a usable public key.
	ParsePublicKey(raw []byte) error
	// Verify checks sig over message with the public key raw.
	Verify(raw, message, sig []byte) error
}

var builtin = map[string]Algorithm{
	AlgECDSAP256SHA256: p256Algorithm{},
	AlgEd25519:         ed25519Algorithm{},
	AlgSecp256k1SHA256: secp256k1Algorithm{},
}

// Registry is the set of algorithms a deployment accepts.
type Registry struct {
	algs map[string]Algorithm
}

// NewRegistry enables the named algorithms. Unknown names are an error so a
// typo in configuration does not silently disable a scheme.
func NewRegistry(ids ...string) (*Registry, error) {
	r := &Registry{algs: make(map[string]Algorithm, len(ids))}
	for _, id := range ids {
		alg, ok := builtin[id]
		if !ok {
			return nil, fmt.Errorf("signature: unknown algorithm %q", id)
		}
		r.algs[id] = alg
	}
	if len(r.algs) == 0 {
		return nil, errors.New("signature: no algorithms enabled")
	}
	return r, nil
}

// Lookup returns the enabled algorithm with the given id.
func (r *Registry) Lookup(id string) (Algorithm, bool) {
	alg, ok := r.algs[id]
	return alg, ok
}

// IDs lists the enabled identifiers in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.algs))
	for id := range r.algs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidatePublicKey checks raw against the encoding expected for kt.
func ValidatePublicKey(kt models.KeyType, raw []byte) error {
	for _, alg := range builtin {
		if alg.KeyType() == kt {
			return alg.ParsePublicKey(raw)
		}
	}
	return fmt.Errorf("unsupported key type %q", kt)
}

type p256Algorithm struct{}

func (p256Algorithm) ID() string              { return AlgECDSAP256SHA256 }
func (p256Algorithm) KeyType() models.KeyType { return models.KeyTypeP256 }

func (p256Algorithm) parse(raw []byte) (*ecdsa.PublicKey, error) {
	curve := elliptic.P256()
	var x, y *big.Int
	switch len(raw) {
	case 33:
		x, y = elliptic.UnmarshalCompressed(curve, raw)
	case 65:
		x, y = elliptic.Unmarshal(curve, raw) //nolint:staticcheck // SEC1 point decoding for ecdsa keys
	}
	if x == nil {
		return nil, errors.New("p256 public key must be a 33 or 65 byte SEC1 point")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

func (a p256Algorithm) ParsePublicKey(raw []byte) error {
	_, err := a.parse(raw)
	return err
}

// Verify accepts raw r||s (64 bytes) as produced by WebCrypto, or ASN.1 DER.
func (a p256Algorithm) Verify(raw, message, sig []byte) error {
	pub, err := a.parse(raw)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(message)

	var ok bool
	if len(sig) == 64 {
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		ok = ecdsa.Verify(pub, digest[:], r, s)
	} else {
		ok = ecdsa.VerifyASN1(pub, digest[:], sig)
	}
	if !ok {
		return errBadSignature
	}
	return nil
}

type ed25519Algorithm struct{}

func (ed25519Algorithm) ID() string              { return AlgEd25519 }
func (ed25519Algorithm) KeyType() models.KeyType { return models.KeyTypeEd25519 }

func (ed25519Algorithm) ParsePublicKey(raw []byte) error {
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return nil
}

func (a ed25519Algorithm) Verify(raw, message, sig []byte) error {
	if err := a.ParsePublicKey(raw); err != nil {
		return err
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(ed25519.PublicKey(raw), message, sig) {
		return errBadSignature
	}
	return nil
}
