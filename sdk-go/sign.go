package keyguard

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Signed request headers.
const (
	HeaderKeyID      = "X-KeyGuard-Key-Id"
	HeaderTimestamp  = "X-KeyGuard-Timestamp"
	HeaderNonce      = "X-KeyGuard-Nonce"
	HeaderBodySHA256 = "X-KeyGuard-Body-SHA256"
	HeaderAlgorithm  = "X-KeyGuard-Algorithm"
	HeaderSignature  = "X-KeyGuard-Signature"
)

// NewNonce returns 144 random bits, base64url encoded.
func NewNonce() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CanonicalString builds the string that is signed. It must match the
// gateway byte for byte.
func CanonicalString(method, target, timestamp, nonce, bodyHash string) string {
	return strings.Join([]string{"KG1", strings.ToUpper(method), target, timestamp, nonce, bodyHash}, "\n")
}

// SignRequest adds the signed envelope headers to req. body must be exactly
// the bytes that will be sent.
func SignRequest(req *http.Request, body []byte, keyID string, signer Signer, now time.Time) error {
	nonce, err := NewNonce()
	if err != nil {
		return fmt.Errorf("keyguard: nonce: %w", err)
	}
	return SignRequestWithNonce(req, body, keyID, signer, now, nonce)
}

// SignRequestWithNonce is SignRequest with a caller-chosen nonce.
func SignRequestWithNonce(req *http.Request, body []byte, keyID string, signer Signer, now time.Time, nonce string) error {
	sum := sha256.Sum256(body)
	bodyHash := hex.EncodeToString(sum[:])
	ts := strconv.FormatInt(now.UnixMilli(), 10)

	target := req.URL.EscapedPath()
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}

	sig, err := signer.Sign([]byte(CanonicalString(req.Method, target, ts, nonce, bodyHash)))
	if err != nil {
		return fmt.Errorf("keyguard: sign: %w", err)
	}

	req.Header.Set(HeaderKeyID, keyID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderBodySHA256, bodyHash)
	req.Header.Set(HeaderAlgorithm, signer.Algorithm())
	req.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
	return nil
}
