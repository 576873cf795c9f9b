package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// CanonicalV1 is the first line of every version 1 signing string. Each
// algorithm identifier is bound to exactly one layout; a new layout ships
// with new identifiers so existing signers keep working.
const CanonicalV1 = "KG1"

// CanonicalString builds the version 1 signing string. Changing the field
// order or separators breaks every deployed signer.
func CanonicalString(method, target, timestamp, nonce, bodyHash string) string {
	var b strings.Builder
	b.Grow(len(CanonicalV1) + len(method) + len(target) + len(timestamp) + len(nonce) + len(bodyHash) + 5)
	b.WriteString(CanonicalV1)
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(target)
	b.WriteByte('\n')
	b.WriteString(timestamp)
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.WriteString(bodyHash)
	return b.String()
}

// Canonical returns the signing string for env.
func (e *Envelope) Canonical() string {
	return CanonicalString(e.Method, e.Target, e.RawTimestamp, e.Nonce, e.BodyHash)
}

// BodyHash returns the lowercase hex SHA-256 of body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
