package signature

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Request headers carrying the signed envelope.
const (
	HeaderKeyID      = "X-KeyGuard-Key-Id"
	HeaderTimestamp  = "X-KeyGuard-Timestamp"
	HeaderNonce      = "X-KeyGuard-Nonce"
	HeaderBodySHA256 = "X-KeyGuard-Body-SHA256"
	HeaderAlgorithm  = "X-KeyGuard-Algorithm"
	HeaderSignature  = "X-KeyGuard-Signature"

	// HeaderPrefix is shared by every KeyGuard header, including ones a
	// client may add in the future; all of them are stripped before forwarding.
	HeaderPrefix = "X-Keyguard-"
)

const (
	minNonceLength = 16
	maxKeyIDLength = 128
)

// Envelope is the signed metadata of one request. It lives for a single call.
type Envelope struct {
	KeyID     string
	Timestamp time.Time
	// RawTimestamp is the header value as received; the canonical string
	// uses it verbatim.
	RawTimestamp string
	Nonce        string
	BodyHash     string
	Algorithm    string
	Signature    []byte

	Method string
	// Target is the escaped path plus "?" and the raw query when present.
	Target string
}

// RequestTarget returns the path and query of r in the form that is signed.
func RequestTarget(r *http.Request) string {
	target := r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}

// ParseEnvelope reads the envelope headers from r. Every failure is
// ErrMalformedEnvelope.
func ParseEnvelope(r *http.Request) (*Envelope, error) {
	h := r.Header
	env := &Envelope{
		KeyID:        h.Get(HeaderKeyID),
		RawTimestamp: h.Get(HeaderTimestamp),
		Nonce:        h.Get(HeaderNonce),
		BodyHash:     h.Get(HeaderBodySHA256),
		Algorithm:    h.Get(HeaderAlgorithm),
		Method:       r.Method,
		Target:       RequestTarget(r),
	}

	if env.KeyID == "" || len(env.KeyID) > maxKeyIDLength {
		return nil, fail(ReasonMalformedEnvelope, errors.New("missing or oversized key id"))
	}

	ms, err := strconv.ParseInt(env.RawTimestamp, 10, 64)
	if err != nil || ms <= 0 {
		return nil, fail(ReasonMalformedEnvelope, fmt.Errorf("timestamp %q is not epoch milliseconds", env.RawTimestamp))
	}
	env.Timestamp = time.UnixMilli(ms)

	if !validNonce(env.Nonce) {
		return nil, fail(ReasonMalformedEnvelope, errors.New("nonce must be 16-256 base64url characters"))
	}
	if !validHexDigest(env.BodyHash) {
		return nil, fail(ReasonMalformedEnvelope, errors.New("body hash must be 64 lowercase hex characters"))
	}
	if env.Algorithm == "" {
		return nil, fail(ReasonMalformedEnvelope, errors.New("missing algorithm"))
	}

	sig := h.Get(HeaderSignature)
	if sig == "" {
		return nil, fail(ReasonMalformedEnvelope, errors.New("missing signature"))
	}
	env.Signature, err = base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return nil, fail(ReasonMalformedEnvelope, fmt.Errorf("signature is not base64: %w", err))
	}

	return env, nil
}

// HasEnvelope reports whether r carries any KeyGuard header at all.
func HasEnvelope(r *http.Request) bool {
	for name := range r.Header {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), HeaderPrefix) {
			return true
		}
	}
	return false
}

func validNonce(s string) bool {
	if len(s) < minNonceLength || len(s) > 256 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func validHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
