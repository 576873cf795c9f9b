package keyguard

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Key types accepted at enrollment.
const (
	KeyTypeP256      = "p256"
	KeyTypeEd25519   = "ed25519"
	KeyTypeSecp256k1 = "secp256k1"
)

// Algorithm identifiers sent in the algorithm header.
const (
	AlgECDSAP256SHA256 = "kg1-ecdsa-p256-sha256"
	AlgEd25519         = "kg1-ed25519"
	AlgSecp256k1SHA256 = "kg1-secp256k1-sha256"
)

// Signer holds a device private key.
type Signer interface {
	KeyType() string
	Algorithm() string
	// PublicKey returns the encoding the gateway stores at enrollment.
	PublicKey() []byte
	Sign(message []byte) ([]byte, error)
}

// GenerateKey creates a new device keypair of the given type.
func GenerateKey(keyType string) (Signer, error) {
	switch keyType {
	case KeyTypeP256:
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		return &p256Signer{key: k}, nil
	case KeyTypeEd25519:
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return ed25519Signer{key: k}, nil
	case KeyTypeSecp256k1:
		k, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate private key: %w", err)
		}
		return &secp256k1Signer{key: k}, nil
	default:
		return nil, fmt.Errorf("keyguard: unsupported key type %q", keyType)
	}
}

// MarshalPrivateKey encodes s for storage. P-256 and Ed25519 keys use PKCS #8;
// secp256k1 keys are the raw 32-byte scalar.
func MarshalPrivateKey(s Signer) ([]byte, error) {
	switch k := s.(type) {
	case *p256Signer:
		return x509.MarshalPKCS8PrivateKey(k.key)
	case ed25519Signer:
		return x509.MarshalPKCS8PrivateKey(k.key)
	case *secp256k1Signer:
		return k.key.Serialize(), nil
	default:
		return nil, fmt.Errorf("keyguard: cannot marshal %T", s)
	}
}

// ParsePrivateKey decodes a key produced by MarshalPrivateKey.
func ParsePrivateKey(keyType string, der []byte) (Signer, error) {
	if keyType == KeyTypeSecp256k1 {
		if len(der) != 32 {
			return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(der))
		}
		k, _ := btcec.PrivKeyFromBytes(der)
		return &secp256k1Signer{key: k}, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("keyguard: parse private key: %w", err)
	}
	switch k := parsed.(type) {
	case *ecdsa.PrivateKey:
		if keyType != KeyTypeP256 || k.Curve != elliptic.P256() {
			break
		}
		return &p256Signer{key: k}, nil
	case ed25519.PrivateKey:
		if keyType != KeyTypeEd25519 {
			break
		}
		return ed25519Signer{key: k}, nil
	}
	return nil, fmt.Errorf("keyguard: private key does not match key type %q", keyType)
}

type p256Signer struct {
	key *ecdsa.PrivateKey
}

func (s *p256Signer) KeyType() string   { return KeyTypeP256 }
func (s *p256Signer) Algorithm() string { return AlgECDSAP256SHA256 }

func (s *p256Signer) PublicKey() []byte {
	return elliptic.Marshal(elliptic.P256(), s.key.X, s.key.Y) //nolint:staticcheck // SEC1 uncompressed point
}

// Sign returns raw r||s, the same layout WebCrypto produces.
func (s *p256Signer) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	der, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	if err != nil {
		return nil, err
	}
	return derToRS(der)
}

type ed25519Signer struct {
	key ed25519.PrivateKey
}

func (s ed25519Signer) KeyType() string   { return KeyTypeEd25519 }
func (s ed25519Signer) Algorithm() string { return AlgEd25519 }

func (s ed25519Signer) PublicKey() []byte {
	return []byte(s.key.Public().(ed25519.PublicKey))
}

func (s ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.key, message), nil
}

type secp256k1Signer struct {
	key *btcec.PrivateKey
}

func (s *secp256k1Signer) KeyType() string   { return KeyTypeSecp256k1 }
func (s *secp256k1Signer) Algorithm() string { return AlgSecp256k1SHA256 }

// PublicKey returns the compressed 33-byte form.
func (s *secp256k1Signer) PublicKey() []byte {
	return s.key.PubKey().SerializeCompressed()
}

// Sign returns R||S (64 bytes). btcec signs deterministically (RFC 6979) and
// always yields low-S values.
func (s *secp256k1Signer) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return derToRS(btcecdsa.Sign(s.key, digest[:]).Serialize())
}

// derToRS converts an ASN.1 DER ECDSA signature to 64-byte r||s.
func derToRS(der []byte) ([]byte, error) {
	var sig struct {
		R, S *big.Int
	}
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, fmt.Errorf("keyguard: decode signature: %w", err)
	}
	out := make([]byte, 64)
	sig.R.FillBytes(out[:32])
	sig.S.FillBytes(out[32:])
	return out, nil
}
