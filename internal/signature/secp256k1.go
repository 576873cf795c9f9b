package signature

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
)

type secp256k1Algorithm struct{}

func (secp256k1Algorithm) ID() string              { return AlgSecp256k1SHA256 }
func (secp256k1Algorithm) KeyType() models.KeyType { return models.KeyTypeSecp256k1 }

// ParsePublicKey accepts compressed (33 byte) or uncompressed (65 byte) keys.
func (secp256k1Algorithm) ParsePublicKey(raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("secp256k1 public key cannot be empty")
	}
	if _, err := btcec.ParsePubKey(raw); err != nil {
		return fmt.Errorf("secp256k1 public key: %w", err)
	}
	return nil
}

// Verify checks a 64-byte R||S signature over SHA-256(message).
func (secp256k1Algorithm) Verify(raw, message, sig []byte) error {
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return fmt.Errorf("secp256k1 public key: %w", err)
	}
	parsed, err := parseRS(sig)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(message)
	if !parsed.Verify(digest[:], pub) {
		return errBadSignature
	}
	return nil
}

// parseRS decodes R||S, rejecting values that overflow the group order.
func parseRS(sig []byte) (*ecdsa.Signature, error) {
	if len(sig) != 64 {
		return nil, fmt.Errorf("secp256k1 signature must be 64 bytes, got %d", len(sig))
	}

	var r, s btcec.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow || r.IsZero() {
		return nil, errBadSignature
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow || s.IsZero() {
		return nil, errBadSignature
	}
	return ecdsa.NewSignature(&r, &s), nil
}
