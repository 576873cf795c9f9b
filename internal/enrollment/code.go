package enrollment

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// CodePrefix marks enrollment codes so they are recognizable in logs and
// secret scanners.
const CodePrefix = "kgc_"

const codeEntropyBytes = 16

// GenerateCode returns a new single-use enrollment code with 128 bits of
// entropy.
func GenerateCode() (string, error) {
	buf := make([]byte, codeEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return CodePrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashCode returns the digest stored in place of the code. Surrounding
// whitespace is ignored so pasted codes still match.
func HashCode(code string) []byte {
	sum := sha256.Sum256([]byte(strings.TrimSpace(code)))
	return sum[:]
}
